package camera

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
)

// Capturer はキャプチャデバイスを開く
type Capturer interface {
	Open(ctx context.Context, devicePath string, mode Mode) (FrameSource, error)
}

// FrameSource は開いたデバイスからJPEGフレームを読む
type FrameSource interface {
	// ReadFrame は次のフレームを返す。ctxの期限切れはタイムアウトとして扱う
	ReadFrame(ctx context.Context) ([]byte, error)
	Close() error
}

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

const maxPendingBytes = 8 * 1024 * 1024

// MJPEGSplitter は連続したMJPEGバイト列をJPEGフレームに分割する
type MJPEGSplitter struct {
	buf bytes.Buffer
}

// Write はデータを追加し、完成したフレームを返す
func (s *MJPEGSplitter) Write(p []byte) [][]byte {
	s.buf.Write(p)

	var frames [][]byte
	for {
		data := s.buf.Bytes()
		start := bytes.Index(data, jpegSOI)
		if start == -1 {
			// SOIが分割されている可能性があるので最後の1バイトだけ残す
			if n := len(data); n > 0 && data[n-1] == 0xFF {
				s.buf.Reset()
				s.buf.WriteByte(0xFF)
			} else {
				s.buf.Reset()
			}
			return frames
		}

		end := bytes.Index(data[start+2:], jpegEOI)
		if end == -1 {
			if start > 0 {
				rest := append([]byte(nil), data[start:]...)
				s.buf.Reset()
				s.buf.Write(rest)
			}
			if s.buf.Len() > maxPendingBytes {
				// EOIが来ないまま膨らんだデータは捨てる
				s.buf.Reset()
			}
			return frames
		}

		end += start + 2 + len(jpegEOI)
		frame := make([]byte, end-start)
		copy(frame, data[start:end])
		frames = append(frames, frame)

		rest := append([]byte(nil), data[end:]...)
		s.buf.Reset()
		s.buf.Write(rest)
	}
}

// FFmpegCapturer は ffmpeg で v4l2 デバイスから MJPEG を取得する
type FFmpegCapturer struct {
	Binary  string
	Quality int
	logger  zerolog.Logger
}

// NewFFmpegCapturer は新しいFFmpegCapturerを作成する
func NewFFmpegCapturer(quality int, logger zerolog.Logger) *FFmpegCapturer {
	if quality <= 0 {
		quality = 5
	}
	return &FFmpegCapturer{Binary: "ffmpeg", Quality: quality, logger: logger}
}

// Open はffmpegを起動し、最初のフレームが届くまで待つ
func (c *FFmpegCapturer) Open(ctx context.Context, devicePath string, mode Mode) (FrameSource, error) {
	if devicePath == "" {
		return nil, ErrNoDevice
	}

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx,
		c.Binary,
		"-hide_banner", "-loglevel", "error",
		"-f", "v4l2",
		"-input_format", "mjpeg",
		"-video_size", fmt.Sprintf("%dx%d", mode.Width, mode.Height),
		"-framerate", strconv.Itoa(mode.FPS),
		"-i", devicePath,
		"-f", "image2pipe",
		"-c:v", "mjpeg",
		"-q:v", strconv.Itoa(c.Quality),
		"-",
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdoutパイプの作成に失敗: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stderrパイプの作成に失敗: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("ffmpegの起動に失敗: %w", err)
	}

	src := &ffmpegSource{
		cmd:    cmd,
		cancel: cancel,
		frames: make(chan []byte, 1),
		done:   make(chan struct{}),
	}
	go c.logStderr(stderr, devicePath)
	go src.pump(stdout)

	// 最初のフレームが来なければ開けなかったとみなす
	first, err := src.ReadFrame(ctx)
	if err != nil {
		_ = src.Close()
		return nil, fmt.Errorf("%s を開けません: %w", devicePath, err)
	}
	src.first = first

	return src, nil
}

func (c *FFmpegCapturer) logStderr(r io.Reader, devicePath string) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		c.logger.Debug().Str("device", devicePath).Str("ffmpeg", scanner.Text()).Msg("ffmpeg出力")
	}
}

type ffmpegSource struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	frames chan []byte
	done   chan struct{}
	first  []byte

	mu      sync.Mutex
	readErr error
	once    sync.Once
}

// pump はstdoutを読み続け、最新フレームだけをチャンネルに残す
func (s *ffmpegSource) pump(stdout io.Reader) {
	defer close(s.done)

	var splitter MJPEGSplitter
	buf := make([]byte, 256*1024)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			for _, frame := range splitter.Write(buf[:n]) {
				select {
				case s.frames <- frame:
				default:
					// 読み手が遅い場合は古いフレームを捨てる
					select {
					case <-s.frames:
					default:
					}
					s.frames <- frame
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = ErrSourceClosed
			}
			s.mu.Lock()
			s.readErr = err
			s.mu.Unlock()
			return
		}
	}
}

func (s *ffmpegSource) ReadFrame(ctx context.Context) ([]byte, error) {
	if s.first != nil {
		f := s.first
		s.first = nil
		return f, nil
	}

	select {
	case f := <-s.frames:
		return f, nil
	case <-s.done:
		// 終了直前に届いたフレームを優先
		select {
		case f := <-s.frames:
			return f, nil
		default:
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		return nil, fmt.Errorf("ffmpegが終了しました: %w", s.readErr)
	case <-ctx.Done():
		return nil, ErrReadTimeout
	}
}

func (s *ffmpegSource) Close() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
		// CommandContextのkillによる終了エラーは無視
		_ = s.cmd.Wait()
	})
	return nil
}
