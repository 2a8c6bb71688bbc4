// Package audio はマイクの音声を符号化して操縦側へ配信する
//
// # モード
//
//	standard   ffmpeg(ALSA) → PCM s16le 44.1kHz モノラル → WebSocket バイナリ
//	optimized  ffmpeg(ALSA) → Opus/Ogg 24kbps               → WebSocket バイナリ
//	realtime   ffmpeg(ALSA) → G.711 µ-law 8kHz             → RTP/UDP (20ms)
//
// マイクは1つのセッションだけが占有する。モード切り替えは必ず停止してから開始する。
// 開始できないモードは realtime → optimized → standard の順に落とし、実際のモードを報告する。
// エンコーダが落ちた場合は同じモードで restart_limit 回まで再起動し、その後は下位モードへ移る。
//
// # 前提要件
//   - ffmpeg: libopus と pcm_mulaw を含むビルド
//   - audioグループへの参加: ALSAデバイスへのアクセス権限
package audio
