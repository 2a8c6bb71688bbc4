package audio

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EncoderSpec はエンコーダの起動条件
type EncoderSpec struct {
	Mode      Mode
	Device    string // ALSAデバイス (plughw:1,0 など)
	ChunkSize int
}

// Encoder はマイクを占有して符号化済みのチャンクを出す子プロセス
type Encoder interface {
	// ReadChunk は次のチャンクを返す。終了後はエラーを返す
	ReadChunk(ctx context.Context) ([]byte, error)
	// Done はプロセス終了で閉じられる
	Done() <-chan struct{}
	// Err は終了理由を返す。動作中はnil
	Err() error
	// Stop はプロセスを止めてマイクを解放する。複数回呼んでもよい
	Stop() error
}

// Launcher はエンコーダを起動する
type Launcher interface {
	Launch(ctx context.Context, spec EncoderSpec) (Encoder, error)
}

// FFmpegLauncher は ffmpeg の ALSA 入力でエンコーダを起動する
type FFmpegLauncher struct {
	Binary string
	// StartTimeout はこの間プロセスが生きていれば起動成功とみなす
	StartTimeout time.Duration
	logger       zerolog.Logger
}

// NewFFmpegLauncher は新しいFFmpegLauncherを作成する
func NewFFmpegLauncher(startTimeout time.Duration, logger zerolog.Logger) *FFmpegLauncher {
	if startTimeout <= 0 {
		startTimeout = 2 * time.Second
	}
	return &FFmpegLauncher{Binary: "ffmpeg", StartTimeout: startTimeout, logger: logger}
}

// FFmpegArgs はモードごとの ffmpeg 引数を返す
func FFmpegArgs(spec EncoderSpec) []string {
	f := spec.Mode.Format()
	args := []string{
		"-hide_banner", "-loglevel", "error", "-nostdin",
		"-f", "alsa", "-i", spec.Device,
		"-ac", strconv.Itoa(f.Channels),
		"-ar", strconv.Itoa(f.SampleRate),
	}

	switch spec.Mode {
	case ModeOptimized:
		args = append(args,
			"-c:a", f.Encoder,
			"-b:a", f.Bitrate,
			"-application", "voip",
			"-frame_duration", "20",
			// ページを細かく区切って遅延を抑える
			"-page_duration", "20000",
			"-f", "ogg",
		)
	case ModeRealtime:
		args = append(args, "-c:a", f.Encoder, "-f", "mulaw")
	default:
		args = append(args,
			"-c:a", f.Encoder,
			"-af", "highpass=f=100,lowpass=f=7000",
			"-f", "s16le",
		)
	}
	return append(args, "-")
}

// Launch はffmpegを起動し、すぐに終了しないことを確かめる
func (l *FFmpegLauncher) Launch(ctx context.Context, spec EncoderSpec) (Encoder, error) {
	if spec.Device == "" {
		return nil, ErrDeviceAbsent
	}
	if spec.ChunkSize <= 0 {
		spec.ChunkSize = 8192
	}

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, l.Binary, FFmpegArgs(spec)...)

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
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s が見つかりません", ErrEncoderUnavailable, l.Binary)
		}
		return nil, fmt.Errorf("%w: ffmpegの起動に失敗: %v", ErrEncoderUnavailable, err)
	}

	enc := &ffmpegEncoder{
		cmd:        cmd,
		cancel:     cancel,
		chunks:     make(chan []byte, 16),
		done:       make(chan struct{}),
		stderrDone: make(chan struct{}),
	}
	go enc.collectStderr(stderr, l.logger.With().Str("mode", string(spec.Mode)).Logger())
	go enc.pump(stdout, spec.ChunkSize)

	timer := time.NewTimer(l.StartTimeout)
	defer timer.Stop()

	select {
	case first := <-enc.chunks:
		enc.first = first
	case <-enc.done:
		return nil, enc.Err()
	case <-timer.C:
		// 無音でデータが来ないだけの場合もあるので生きていれば成功
	case <-ctx.Done():
		_ = enc.Stop()
		return nil, ctx.Err()
	}

	l.logger.Info().
		Str("device", spec.Device).
		Str("mode", string(spec.Mode)).
		Int("pid", cmd.Process.Pid).
		Msg("エンコーダを起動しました")
	return enc, nil
}

type ffmpegEncoder struct {
	cmd        *exec.Cmd
	cancel     context.CancelFunc
	chunks     chan []byte
	done       chan struct{}
	stderrDone chan struct{}
	first      []byte

	mu         sync.Mutex
	err        error
	stderrTail []string
	stopping   bool
	once       sync.Once
}

const stderrTailLines = 8

func (e *ffmpegEncoder) collectStderr(r io.Reader, logger zerolog.Logger) {
	defer close(e.stderrDone)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		logger.Debug().Str("ffmpeg", line).Msg("ffmpeg出力")
		e.mu.Lock()
		e.stderrTail = append(e.stderrTail, line)
		if len(e.stderrTail) > stderrTailLines {
			e.stderrTail = e.stderrTail[1:]
		}
		e.mu.Unlock()
	}
}

// pump はstdoutを読み続ける。読み手が遅い場合は古いチャンクを捨てる
func (e *ffmpegEncoder) pump(stdout io.Reader, chunkSize int) {
	defer close(e.done)

	buf := make([]byte, chunkSize)
	var readErr error
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case e.chunks <- chunk:
			default:
				select {
				case <-e.chunks:
				default:
				}
				e.chunks <- chunk
			}
		}
		if err != nil {
			readErr = err
			break
		}
	}

	// stderrを読み切ってからWaitする
	<-e.stderrDone
	waitErr := e.cmd.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopping {
		e.err = ErrEncoderStopped
		return
	}
	e.err = classifyExit(strings.Join(e.stderrTail, "\n"), waitErr, readErr)
}

// ErrEncoderStopped は Stop による正常終了
var ErrEncoderStopped = errors.New("エンコーダは停止しました")

// classifyExit はffmpegの終了理由を種別付きエラーにする
func classifyExit(stderr string, waitErr, readErr error) error {
	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "device or resource busy"):
		return fmt.Errorf("%w: %s", ErrDeviceBusy, lastLine(stderr))
	case strings.Contains(lower, "no such file or directory"),
		strings.Contains(lower, "no such device"),
		strings.Contains(lower, "cannot open audio device"):
		return fmt.Errorf("%w: %s", ErrDeviceAbsent, lastLine(stderr))
	case strings.Contains(lower, "unknown encoder"),
		strings.Contains(lower, "encoder not found"),
		strings.Contains(lower, "unrecognized option"):
		return fmt.Errorf("%w: %s", ErrEncoderUnavailable, lastLine(stderr))
	}

	if waitErr != nil {
		if stderr != "" {
			return fmt.Errorf("%w: %v: %s", ErrEncoderUnavailable, waitErr, lastLine(stderr))
		}
		return fmt.Errorf("%w: %v", ErrEncoderUnavailable, waitErr)
	}
	if readErr != nil && !errors.Is(readErr, io.EOF) {
		return fmt.Errorf("出力の読み込みに失敗: %w", readErr)
	}
	return io.EOF
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

func (e *ffmpegEncoder) ReadChunk(ctx context.Context) ([]byte, error) {
	e.mu.Lock()
	if first := e.first; first != nil {
		e.first = nil
		e.mu.Unlock()
		return first, nil
	}
	e.mu.Unlock()

	select {
	case chunk := <-e.chunks:
		return chunk, nil
	case <-e.done:
		// 終了直前のチャンクは返しておく
		select {
		case chunk := <-e.chunks:
			return chunk, nil
		default:
		}
		return nil, e.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *ffmpegEncoder) Done() <-chan struct{} {
	return e.done
}

func (e *ffmpegEncoder) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

func (e *ffmpegEncoder) Stop() error {
	e.once.Do(func() {
		e.mu.Lock()
		e.stopping = true
		e.mu.Unlock()
		e.cancel()
	})
	<-e.done
	return nil
}
