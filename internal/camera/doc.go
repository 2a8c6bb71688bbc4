// Package camera はカメラからの連続キャプチャと共有フレームの配信を担う
//
// # 責務
// - キャプチャデバイスを1つのループで占有し、最新フレームを共有バッファへ公開
// - 読み取り側はロックせずに最新フレームを取得（ハードウェアには触れない）
// - 連続失敗の検出と自動復旧（バックオフ付き再初期化）
// - 読み取り側を止めずに解像度を変更
// - 映像が無い間はプレースホルダー画像を配信
//
// # 状態遷移
//
//	STARTING → RUNNING → DEGRADED → RECOVERING → RUNNING
//	どの状態からも STOPPED
//
// - RUNNING: 取得失敗（エラーまたはタイムアウト）で連続失敗数を加算、成功で0に戻す
// - しきい値（既定5回）に達すると DEGRADED。最後の正常フレーム（無ければプレースホルダー）を配信
// - RECOVERING: デバイスを閉じて開き直す。失敗すると待ち時間を倍にして DEGRADED に戻る
// - 解像度変更は RUNNING でのみ適用し、変更直後の猶予時間内の失敗は数えない
//
// # 前提要件
//   - ffmpeg: v4l2 入力から MJPEG をパイプ出力するのに使用
//   - videoグループへの参加: デバイスアクセス権限
package camera
