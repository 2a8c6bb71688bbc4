// Package server は車体の操縦面をHTTPで公開する
//
// 責務:
//   - カメラ: 最新フレーム、MJPEGストリーム、健全性、解像度切り替え
//   - モーター: 走行指示、停止、テレメトリ
//   - 音声: モード選択、開始・停止、統計、WebSocket受信者の登録
//   - デバイス: 検出結果の参照と再検出
//
// 仕様:
//   - ルーティングはgin
//   - 音声のWebSocketはaudio.Hubに委譲する
//   - ハンドラはハードウェアのエラーを返さず、最新の値か明示的な不在を返す
//   - グレースフルシャットダウンに対応
package server
