package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"enkaku/internal/audio"
	"enkaku/internal/bandwidth"
	"enkaku/internal/camera"
	"enkaku/internal/device"
	"enkaku/internal/motor"
)

// ErrorResponse はエラー応答の共通形式
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthResponse はヘルスチェック応答
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusResponse は全体の状態
type StatusResponse struct {
	Status    string             `json:"status"`
	Uptime    string             `json:"uptime"`
	Camera    camera.Health      `json:"camera"`
	Motor     motor.Status       `json:"motor"`
	Audio     audio.Stats        `json:"audio"`
	Devices   device.Profiles    `json:"devices"`
	Bandwidth bandwidth.Snapshot `json:"bandwidth"`
	Timestamp time.Time          `json:"timestamp"`
}

// DriveRequest は走行指示。0も正当な値なのでポインタで受ける
type DriveRequest struct {
	Left  *int `json:"left" binding:"required"`
	Right *int `json:"right" binding:"required"`
}

type resolutionRequest struct {
	Resolution string `json:"resolution" binding:"required"`
}

type audioModeRequest struct {
	Mode string `json:"mode" binding:"required"`
}

type audioResponse struct {
	Mode      audio.Mode  `json:"mode"`
	Requested audio.Mode  `json:"requested,omitempty"`
	Fallback  bool        `json:"fallback"`
	Stats     audio.Stats `json:"stats"`
}

func (s *Server) respondError(c *gin.Context, status int, code string, err error) {
	c.JSON(status, ErrorResponse{
		Error:     code,
		Message:   err.Error(),
		Timestamp: time.Now(),
	})
}

// audioErrorStatus は音声の開始失敗をHTTPステータスへ対応付ける
func audioErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, audio.ErrUnknownMode):
		return http.StatusBadRequest, "unknown_mode"
	case errors.Is(err, audio.ErrDeviceBusy):
		return http.StatusConflict, "device_busy"
	case errors.Is(err, audio.ErrDeviceAbsent):
		return http.StatusServiceUnavailable, "device_absent"
	case errors.Is(err, audio.ErrEncoderUnavailable):
		return http.StatusServiceUnavailable, "encoder_unavailable"
	case errors.Is(err, audio.ErrTransportUnavailable):
		return http.StatusServiceUnavailable, "transport_unavailable"
	default:
		return http.StatusInternalServerError, "audio_error"
	}
}

// handleHealth はヘルスチェックエンドポイントの実装
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
	})
}

// handleStatus はシステム状態取得エンドポイントの実装
func (s *Server) handleStatus(c *gin.Context) {
	resp := StatusResponse{
		Status:    "running",
		Uptime:    time.Since(s.deps.StartedAt).Truncate(time.Second).String(),
		Timestamp: time.Now(),
	}
	if s.deps.Camera != nil {
		resp.Camera = s.deps.Camera.Health()
	}
	if s.deps.Motor != nil {
		resp.Motor = s.deps.Motor.Status()
	}
	if s.deps.Audio != nil {
		resp.Audio = s.deps.Audio.Stats()
	}
	if s.deps.Devices != nil {
		resp.Devices = s.deps.Devices.Current()
	}
	if s.deps.Counter != nil {
		resp.Bandwidth = s.deps.Counter.Snapshot()
	}
	c.JSON(http.StatusOK, resp)
}

// handleFrame は最新フレームを1枚返す
// デバイスが無くても代替画像を返すので失敗しない
func (s *Server) handleFrame(c *gin.Context) {
	frame := s.deps.Camera.Frame()
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Frame-Seq", strconv.FormatUint(frame.Seq, 10))
	c.Header("X-Placeholder", strconv.FormatBool(frame.Placeholder))
	c.Data(http.StatusOK, "image/jpeg", frame.Data)
}

// handleStream はMJPEGストリームを配信する
func (s *Server) handleStream(c *gin.Context) {
	// レスポンスヘッダーを設定
	c.Header("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Access-Control-Allow-Origin", "*")
	c.Status(http.StatusOK)

	// 配信中は書き込みタイムアウトを外す
	if err := http.NewResponseController(c.Writer).SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug().Err(err).Msg("書き込み期限を解除できません")
	}

	writer := c.Writer
	clientGone := c.Request.Context().Done()

	var lastSeq uint64
	sent := false
	for {
		frame := s.deps.Camera.Frame()
		if !sent || frame.Seq != lastSeq {
			if err := writeMJPEGPart(writer, frame.Data); err != nil {
				return
			}
			writer.Flush()
			lastSeq = frame.Seq
			sent = true
		}

		// 現在のモードのフレーム間隔で待つ
		interval := time.Second / 30
		if fps := s.deps.Camera.Mode().FPS; fps > 0 {
			interval = time.Second / time.Duration(fps)
		}
		select {
		case <-clientGone:
			return
		case <-time.After(interval):
		}
	}
}

func writeMJPEGPart(w gin.ResponseWriter, data []byte) error {
	if _, err := w.Write([]byte("--frame\r\nContent-Type: image/jpeg\r\nContent-Length: " + strconv.Itoa(len(data)) + "\r\n\r\n")); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err := w.Write([]byte("\r\n"))
	return err
}

func (s *Server) handleCameraHealth(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Camera.Health())
}

// handleResolution は解像度を切り替える
func (s *Server) handleResolution(c *gin.Context) {
	var req resolutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	mode, err := camera.ParseMode(req.Resolution)
	if err != nil {
		s.respondError(c, http.StatusBadRequest, "unknown_resolution", err)
		return
	}
	if err := s.deps.Camera.SetResolution(mode); err != nil {
		if errors.Is(err, camera.ErrUnsupportedResolution) {
			s.respondError(c, http.StatusUnprocessableEntity, "unsupported_resolution", err)
			return
		}
		s.respondError(c, http.StatusInternalServerError, "camera_error", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"mode": mode, "health": s.deps.Camera.Health()})
}

func (s *Server) handleTelemetry(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Motor.Telemetry())
}

func (s *Server) handleMotorStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Motor.Status())
}

// handleDrive は走行指示を受け付ける
// 切断中でも受け付け、queued=false で返す
func (s *Server) handleDrive(c *gin.Context) {
	var req DriveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	c.JSON(http.StatusOK, s.deps.Motor.Drive(*req.Left, *req.Right))
}

func (s *Server) handleMotorStop(c *gin.Context) {
	s.deps.Motor.Stop()
	c.JSON(http.StatusOK, s.deps.Motor.Status())
}

// handleAudioMode はモードを切り替える。配信中なら張り直す
func (s *Server) handleAudioMode(c *gin.Context) {
	var req audioModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	mode, err := audio.ParseMode(req.Mode)
	if err != nil {
		s.respondError(c, http.StatusBadRequest, "unknown_mode", err)
		return
	}
	if _, err := s.deps.Audio.SelectMode(c.Request.Context(), mode); err != nil {
		status, code := audioErrorStatus(err)
		s.respondError(c, status, code, err)
		return
	}
	s.respondAudio(c)
}

func (s *Server) handleAudioStart(c *gin.Context) {
	if _, err := s.deps.Audio.Start(c.Request.Context()); err != nil {
		status, code := audioErrorStatus(err)
		s.respondError(c, status, code, err)
		return
	}
	s.respondAudio(c)
}

func (s *Server) handleAudioStop(c *gin.Context) {
	if err := s.deps.Audio.Stop(); err != nil {
		status, code := audioErrorStatus(err)
		s.respondError(c, status, code, err)
		return
	}
	s.respondAudio(c)
}

func (s *Server) respondAudio(c *gin.Context) {
	stats := s.deps.Audio.Stats()
	c.JSON(http.StatusOK, audioResponse{
		Mode:      stats.Mode,
		Requested: stats.Requested,
		Fallback:  stats.Fallback,
		Stats:     stats,
	})
}

func (s *Server) handleAudioStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Audio.Stats())
}

// handleAudioWS は音声のWebSocket受信者を登録する
func (s *Server) handleAudioWS(c *gin.Context) {
	if s.deps.Hub == nil {
		s.respondError(c, http.StatusServiceUnavailable, "transport_unavailable", audio.ErrTransportUnavailable)
		return
	}
	if err := s.deps.Hub.ServeWS(c.Writer, c.Request); err != nil {
		// アップグレード失敗時は応答済み
		s.logger.Debug().Err(err).Msg("WebSocket接続を確立できません")
	}
}

func (s *Server) handleDevices(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Devices.Current())
}

// handleRescan はデバイスを再検出して付け直す
func (s *Server) handleRescan(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Devices.Rescan(c.Request.Context()))
}

// handleRoot はルートパスの簡易ページ
func (s *Server) handleRoot(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(rootHTML))
}

const rootHTML = `<!DOCTYPE html>
<html lang="ja">
<head>
    <meta charset="UTF-8">
    <title>enkaku</title>
</head>
<body>
    <h1>enkaku</h1>
    <img src="/api/camera/stream" alt="camera">
    <ul>
        <li><a href="/api/status">/api/status</a> - 全体の状態</li>
        <li><a href="/api/camera/health">/api/camera/health</a> - カメラ</li>
        <li><a href="/api/motor/status">/api/motor/status</a> - モーター</li>
        <li><a href="/api/audio/stats">/api/audio/stats</a> - 音声</li>
        <li><a href="/api/devices">/api/devices</a> - デバイス</li>
    </ul>
</body>
</html>`
