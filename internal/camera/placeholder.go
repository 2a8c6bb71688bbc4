package camera

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
)

// 映像が無い時に配信するカラーバー
var placeholderBars = []color.RGBA{
	{192, 192, 192, 255},
	{192, 192, 0, 255},
	{0, 192, 192, 255},
	{0, 192, 0, 255},
	{192, 0, 192, 255},
	{192, 0, 0, 255},
	{0, 0, 192, 255},
}

var (
	placeholderMu    sync.Mutex
	placeholderCache = make(map[[2]int][]byte)
)

// Placeholder は指定サイズのプレースホルダーJPEGを返す
// 同じサイズは一度だけ生成する
func Placeholder(width, height int) ([]byte, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("無効な画像サイズ: %dx%d", width, height)
	}

	key := [2]int{width, height}
	placeholderMu.Lock()
	defer placeholderMu.Unlock()
	if data, ok := placeholderCache[key]; ok {
		return data, nil
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	barsHeight := height * 3 / 4
	barWidth := (width + len(placeholderBars) - 1) / len(placeholderBars)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if y < barsHeight {
				img.SetRGBA(x, y, placeholderBars[x/barWidth])
				continue
			}
			// 下部は暗いグレーの帯
			img.SetRGBA(x, y, color.RGBA{32, 32, 32, 255})
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 60}); err != nil {
		return nil, fmt.Errorf("プレースホルダーのエンコードに失敗: %w", err)
	}

	data := buf.Bytes()
	placeholderCache[key] = data
	return data, nil
}
