package motor

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"

	"github.com/goccy/go-json"
)

// ErrMalformedLine はJSONとして解釈できない行
var ErrMalformedLine = errors.New("不正な応答行")

// CommandKind はコマンドの種類
type CommandKind int

const (
	CommandPWM CommandKind = iota
	CommandStop
	CommandStatus
)

// Command はコントローラーに送る1行
type Command struct {
	Kind  CommandKind
	Left  int
	Right int
}

// Encode は改行付きのワイヤー表現を返す
func (c Command) Encode() []byte {
	switch c.Kind {
	case CommandPWM:
		return []byte("PWM " + strconv.Itoa(c.Left) + " " + strconv.Itoa(c.Right) + "\n")
	case CommandStop:
		return []byte("STOP\n")
	default:
		return []byte("STATUS\n")
	}
}

func (c Command) String() string {
	return string(bytes.TrimSpace(c.Encode()))
}

// MessageKind はコントローラーからの行の種類
type MessageKind string

const (
	MessageAck    MessageKind = "ack"
	MessageStatus MessageKind = "status" // STATUS応答とハートビート
	MessageError  MessageKind = "error"
	MessageBoot   MessageKind = "boot"
	MessageOther  MessageKind = "other"
)

// Message はコントローラーからの1行
type Message struct {
	Kind       MessageKind
	Ack        string
	Left       int
	Right      int
	Err        string
	INA219     bool
	Voltage    float64
	HasVoltage bool
	Current    float64
	HasCurrent bool
	TS         int64
}

type wireMessage struct {
	Ack     *string  `json:"ack"`
	OK      *bool    `json:"ok"`
	Err     *string  `json:"err"`
	Boot    *bool    `json:"boot"`
	INA219  *bool    `json:"ina219"`
	L       *int     `json:"L"`
	R       *int     `json:"R"`
	Voltage *float64 `json:"voltage"`
	Current *float64 `json:"current"`
	TS      *int64   `json:"ts"`
}

// ParseLine は1行を解析する
func ParseLine(line []byte) (Message, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return Message{}, fmt.Errorf("%w: %q", ErrMalformedLine, line)
	}

	var w wireMessage
	if err := json.Unmarshal(line, &w); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedLine, err)
	}

	var m Message
	switch {
	case w.Boot != nil && *w.Boot:
		m.Kind = MessageBoot
		m.INA219 = w.INA219 != nil && *w.INA219
	case w.Err != nil:
		m.Kind = MessageError
		m.Err = *w.Err
	case w.Ack != nil:
		m.Kind = MessageAck
		m.Ack = *w.Ack
	case w.OK != nil:
		m.Kind = MessageStatus
	default:
		m.Kind = MessageOther
	}

	if w.L != nil {
		m.Left = *w.L
	}
	if w.R != nil {
		m.Right = *w.R
	}
	if w.Voltage != nil {
		m.Voltage, m.HasVoltage = *w.Voltage, true
	}
	if w.Current != nil {
		m.Current, m.HasCurrent = *w.Current, true
	}
	if w.TS != nil {
		m.TS = *w.TS
	}
	return m, nil
}

const (
	batteryEmpty = 10.0
	batteryFull  = 12.6
)

// BatteryPercent は電圧から残量(0-100)を線形に求める
func BatteryPercent(voltage float64) int {
	pct := int((voltage - batteryEmpty) / (batteryFull - batteryEmpty) * 100)
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// clamp は速度を±limitに収める
func clamp(v, limit int) int {
	if v > limit {
		return limit
	}
	if v < -limit {
		return -limit
	}
	return v
}
