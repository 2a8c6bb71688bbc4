package motor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLine(t *testing.T) {
	testCases := []struct {
		name        string
		line        string
		wantKind    MessageKind
		wantVoltage float64
		expectErr   bool
	}{
		{"PWM応答", `{"ack":"PWM","L":100,"R":-100,"voltage":12.10}`, MessageAck, 12.10, false},
		{"STOP応答", `{"ack":"STOP","voltage":11.9}`, MessageAck, 11.9, false},
		{"ハートビート", `{"ok":true,"voltage":12.3,"current":0.5,"ts":1234}`, MessageStatus, 12.3, false},
		{"不正コマンド", `{"err":"bad_cmd","voltage":12.0}`, MessageError, 12.0, false},
		{"起動通知", `{"boot":true,"ina219":false}`, MessageBoot, 0, false},
		{"改行付き", "{\"ok\":true,\"voltage\":12.0}\r\n", MessageStatus, 12.0, false},
		{"JSONではない", "garbage", "", 0, true},
		{"壊れたJSON", `{"ok":tru`, "", 0, true},
		{"空行", "", "", 0, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := ParseLine([]byte(tc.line))
			if tc.expectErr {
				assert.ErrorIs(t, err, ErrMalformedLine)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantKind, msg.Kind)
			assert.InDelta(t, tc.wantVoltage, msg.Voltage, 0.001)
		})
	}
}

func TestParseLine_Fields(t *testing.T) {
	msg, err := ParseLine([]byte(`{"ack":"PWM","L":100,"R":-100,"voltage":12.10}`))
	require.NoError(t, err)
	assert.Equal(t, "PWM", msg.Ack)
	assert.Equal(t, 100, msg.Left)
	assert.Equal(t, -100, msg.Right)
	assert.True(t, msg.HasVoltage)
	assert.False(t, msg.HasCurrent)

	msg, err = ParseLine([]byte(`{"ok":true,"voltage":12.3,"current":0.5,"ts":1234}`))
	require.NoError(t, err)
	assert.True(t, msg.HasCurrent)
	assert.InDelta(t, 0.5, msg.Current, 0.001)
	assert.Equal(t, int64(1234), msg.TS)

	msg, err = ParseLine([]byte(`{"boot":true,"ina219":true}`))
	require.NoError(t, err)
	assert.True(t, msg.INA219)
	assert.False(t, msg.HasVoltage)
}

func TestCommandEncode(t *testing.T) {
	assert.Equal(t, "PWM 120 -80\n", string(Command{Kind: CommandPWM, Left: 120, Right: -80}.Encode()))
	assert.Equal(t, "STOP\n", string(Command{Kind: CommandStop}.Encode()))
	assert.Equal(t, "STATUS\n", string(Command{Kind: CommandStatus}.Encode()))
	assert.Equal(t, "PWM 1 2", Command{Kind: CommandPWM, Left: 1, Right: 2}.String())
}

func TestBatteryPercent(t *testing.T) {
	testCases := []struct {
		voltage float64
		want    int
	}{
		{9.0, 0},
		{10.0, 0},
		{11.3, 50},
		{12.0, 76},
		{12.6, 100},
		{13.5, 100},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.want, BatteryPercent(tc.voltage), "voltage=%.1f", tc.voltage)
	}
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 255, clamp(300, 255))
	assert.Equal(t, -255, clamp(-1000, 255))
	assert.Equal(t, 42, clamp(42, 255))
	assert.Equal(t, 100, clamp(150, 100))
}
