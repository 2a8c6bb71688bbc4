package device

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	overridePriority = 100
	hintBonus        = 10
)

// 環境変数による上書き
var overrideEnv = map[Class]string{
	ClassCamera:     "AV_CAMERA",
	ClassMicrophone: "AV_MIC",
	ClassSpeaker:    "AV_SPK",
	ClassSerial:     "AV_MOTOR",
}

// Options はRegistryの構成
type Options struct {
	Video  VideoScanner
	Audio  AudioScanner
	Serial SerialScanner
	Prober SerialProber // nilなら名前のみで選択
	Store  Store        // nilなら永続化しない

	Hints        []string
	ProbeTimeout time.Duration
	Getenv       func(string) string // nilなら os.Getenv
	Logger       zerolog.Logger
}

// Registry はデバイスの検出と選択を管理する
type Registry struct {
	opts   Options
	logger zerolog.Logger
	hints  []string

	scanMu sync.Mutex // 検出処理の直列化

	mu      sync.RWMutex
	current Profiles
}

// NewRegistry は新しいRegistryを作成する
// 保存済みの選択があれば初期値として読み込む
func NewRegistry(opts Options) *Registry {
	if opts.Getenv == nil {
		opts.Getenv = os.Getenv
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 2 * time.Second
	}

	r := &Registry{
		opts:   opts,
		logger: opts.Logger,
		current: Profiles{
			Camera:     Unavailable(ClassCamera),
			Microphone: Unavailable(ClassMicrophone),
			Speaker:    Unavailable(ClassSpeaker),
			Serial:     Unavailable(ClassSerial),
		},
	}
	for _, h := range opts.Hints {
		if h = strings.TrimSpace(strings.ToLower(h)); h != "" {
			r.hints = append(r.hints, h)
		}
	}

	if opts.Store != nil {
		saved, ok, err := opts.Store.Load()
		if err != nil {
			r.logger.Warn().Err(err).Msg("保存済みのデバイス選択を読み込めません")
		} else if ok {
			for _, class := range AllClasses {
				p := saved.Get(class)
				if p.Available() {
					p.Source = SourcePersisted
					r.current.set(p)
				}
			}
		}
	}

	return r
}

// Current は現在の選択を返す
func (r *Registry) Current() Profiles {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Detect はデバイスを検出して選択を更新する
// 見つからないクラスは以前の選択を保持する
func (r *Registry) Detect(ctx context.Context) Profiles {
	return r.detect(ctx, false)
}

// Rescan はデバイスを再検出する
// 見つからないクラスは unavailable に落とす
func (r *Registry) Rescan(ctx context.Context) Profiles {
	return r.detect(ctx, true)
}

func (r *Registry) detect(ctx context.Context, downgrade bool) Profiles {
	r.scanMu.Lock()
	defer r.scanMu.Unlock()

	found := Profiles{
		Camera:     r.selectCamera(ctx),
		Microphone: r.selectAudio(ctx, ClassMicrophone),
		Speaker:    r.selectAudio(ctx, ClassSpeaker),
		Serial:     r.selectSerial(ctx),
	}
	if found.Microphone.Available() && found.Microphone.Source != SourceOverride {
		found.Microphone.Capabilities.Encoders = r.probeEncoders(ctx)
	}

	r.mu.Lock()
	previous := r.current
	next := found
	for _, class := range AllClasses {
		p := found.Get(class)
		if p.Available() {
			continue
		}
		prev := previous.Get(class)
		if !downgrade && prev.Available() {
			// 空のスキャンでは動いている構成を捨てない
			if prev.Source == SourceDetected {
				prev.Source = SourcePersisted
			}
			next.set(prev)
			continue
		}
		next.set(Unavailable(class))
	}
	r.current = next
	r.mu.Unlock()

	for _, class := range AllClasses {
		before, after := previous.Get(class), next.Get(class)
		if before.Path != after.Path || before.Status != after.Status {
			r.logger.Info().
				Str("class", string(class)).
				Str("from", before.Path).
				Str("to", after.Path).
				Str("status", string(after.Status)).
				Msg("デバイス選択を更新")
		}
	}

	if r.opts.Store != nil {
		if err := r.opts.Store.Save(next); err != nil {
			r.logger.Warn().Err(err).Msg("デバイス選択を保存できません")
		}
	}

	return next
}

func (r *Registry) override(class Class) (Profile, bool) {
	value := strings.TrimSpace(r.opts.Getenv(overrideEnv[class]))
	if value == "" {
		return Profile{}, false
	}
	p := Profile{
		Class:      class,
		Path:       value,
		Name:       value,
		Status:     StatusAvailable,
		Source:     SourceOverride,
		Priority:   overridePriority,
		DetectedAt: time.Now(),
	}
	if class == ClassSerial {
		p.Capabilities.ControllerType = ControllerUnknown
	}
	return p, true
}

func (r *Registry) selectCamera(ctx context.Context) Profile {
	if p, ok := r.override(ClassCamera); ok {
		return p
	}
	if r.opts.Video == nil {
		return Unavailable(ClassCamera)
	}
	candidates, err := r.opts.Video.ScanVideo(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("カメラのスキャンに失敗")
	}
	return r.best(ClassCamera, candidates)
}

func (r *Registry) selectAudio(ctx context.Context, class Class) Profile {
	if p, ok := r.override(class); ok {
		return p
	}
	if r.opts.Audio == nil {
		return Unavailable(class)
	}

	var (
		candidates []Profile
		err        error
	)
	if class == ClassMicrophone {
		candidates, err = r.opts.Audio.ScanCapture(ctx)
	} else {
		candidates, err = r.opts.Audio.ScanPlayback(ctx)
	}
	if err != nil {
		r.logger.Warn().Err(err).Str("class", string(class)).Msg("音声デバイスのスキャンに失敗")
	}
	return r.best(class, candidates)
}

func (r *Registry) probeEncoders(ctx context.Context) []string {
	if r.opts.Audio == nil {
		return nil
	}
	encoders, err := r.opts.Audio.ProbeEncoders(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("エンコーダの確認に失敗")
		return nil
	}
	return encoders
}

// selectSerial はハンドシェイクに応答した最初のポートを選ぶ
// 応答が無ければヒントに一致するポート、それも無ければ名前順で最初のポート
func (r *Registry) selectSerial(ctx context.Context) Profile {
	if p, ok := r.override(ClassSerial); ok {
		return p
	}
	if r.opts.Serial == nil {
		return Unavailable(ClassSerial)
	}
	ports, err := r.opts.Serial.ListPorts(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("シリアルポートのスキャンに失敗")
	}
	if len(ports) == 0 {
		return Unavailable(ClassSerial)
	}

	now := time.Now()
	var generic *Profile
	if r.opts.Prober != nil {
		for _, port := range ports {
			probeCtx, cancel := context.WithTimeout(ctx, r.opts.ProbeTimeout)
			result, err := r.opts.Prober.Probe(probeCtx, port)
			cancel()
			if err != nil {
				r.logger.Debug().Err(err).Str("port", port).Msg("ハンドシェイクに応答なし")
				continue
			}
			p := Profile{
				Class:        ClassSerial,
				Path:         port,
				Name:         fmt.Sprintf("%s (%s)", port, result.ControllerType),
				Status:       StatusAvailable,
				Source:       SourceDetected,
				Priority:     2,
				Capabilities: Capabilities{ControllerType: result.ControllerType},
				DetectedAt:   now,
			}
			if result.ControllerType == ControllerMotor {
				return p
			}
			if generic == nil {
				generic = &p
			}
		}
	}
	if generic != nil {
		return *generic
	}

	candidates := make([]Profile, 0, len(ports))
	for _, port := range ports {
		candidates = append(candidates, Profile{
			Class:        ClassSerial,
			Path:         port,
			Name:         port,
			Status:       StatusAvailable,
			Source:       SourceDetected,
			Capabilities: Capabilities{ControllerType: ControllerUnknown},
			DetectedAt:   now,
		})
	}
	return r.best(ClassSerial, candidates)
}

// best はヒントと優先度で候補を並べ、先頭を返す
// 同順位はスキャン順を保つ
func (r *Registry) best(class Class, candidates []Profile) Profile {
	var ranked []Profile
	for _, c := range candidates {
		if c.Path == "" {
			continue
		}
		c.Class = class
		if r.matchesHint(c) {
			c.Priority += hintBonus
		}
		ranked = append(ranked, c)
	}
	if len(ranked) == 0 {
		return Unavailable(class)
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Priority > ranked[j].Priority
	})
	return ranked[0]
}

func (r *Registry) matchesHint(p Profile) bool {
	name := strings.ToLower(p.Name)
	path := strings.ToLower(p.Path)
	for _, h := range r.hints {
		if strings.Contains(name, h) || strings.Contains(path, h) {
			return true
		}
	}
	return false
}

// Summary は起動ログ向けに選択結果を整形する
func (r *Registry) Summary() string {
	current := r.Current()
	var b strings.Builder
	b.WriteString("デバイス検出結果:")
	for _, class := range AllClasses {
		p := current.Get(class)
		if !p.Available() {
			fmt.Fprintf(&b, "\n  %-10s: 未検出", class)
			continue
		}
		fmt.Fprintf(&b, "\n  %-10s: %s (%s) [%s]", class, p.Path, p.Name, p.Source)
		if len(p.Capabilities.Encoders) > 0 {
			fmt.Fprintf(&b, " encoders=%s", strings.Join(p.Capabilities.Encoders, ","))
		}
		if p.Capabilities.ControllerType != "" {
			fmt.Fprintf(&b, " type=%s", p.Capabilities.ControllerType)
		}
	}
	return b.String()
}
