// Package device は車体に接続されたハードウェアの検出と選択を担う
//
// # 責務
// - カメラ・マイク・スピーカー・シリアルポートの列挙
// - 候補の順位付けと各クラス1台の選択
// - 選択結果の永続化（空のスキャン結果で動作中の構成を失わない）
// - 見つからないクラスは "unavailable" のプロファイルとして返す（縮退運転）
//
// # 仕様
// - 環境変数 AV_CAMERA / AV_MIC / AV_SPK / AV_MOTOR は検出より優先
// - hardware_hints に一致する名前のデバイスを汎用デバイスより優先
// - シリアルはSTATUSのハンドシェイクに応答した最初のポートを名前だけの候補より優先
// - Detect は不在のクラスについて前回の選択を保持し、Rescan だけが unavailable に落とせる
//
// # 前提要件
//   - v4l-utils (v4l2-ctl), alsa-utils (arecord / aplay), ffmpeg
//   - video / audio / dialout グループへの参加
package device
