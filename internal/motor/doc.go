// Package motor はシリアル接続のモーターコントローラーとの通信を担う
//
// # 責務
// - 走行指示をワイヤーコマンドに変換して単一の書き込みループから送信
// - ハートビートと応答からテレメトリ（電圧・電流）を取得
// - デッドマンタイマーによる自律停止
// - 切断の検出と指数バックオフでの再接続
//
// # プロトコル
// 115200baud、改行区切りのテキスト。
//
//	PWM <left> <right>  → {"ack":"PWM","L":..,"R":..,"voltage":..}
//	STOP                → {"ack":"STOP","voltage":..}
//	STATUS              → {"ok":true,"voltage":..,"current":..,"ts":..}
//	不正な入力          → {"err":"bad_cmd","voltage":..}
//	ハートビート        → {"ok":true,"voltage":..,"current":..,"ts":..}
//	起動時              → {"boot":true,"ina219":<bool>}
//
// 1つのコマンドに続く応答は高々1つとし、ハートビートが割り込むことを許容する。
package motor
