package device

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const v4l2FormatsOutput = `ioctl: VIDIOC_ENUM_FMT
	Type: Video Capture

	[0]: 'MJPG' (Motion-JPEG, compressed)
		Size: Discrete 1280x720
			Interval: Discrete 0.033s (30.000 fps)
		Size: Discrete 640x480
			Interval: Discrete 0.033s (30.000 fps)
			Interval: Discrete 0.067s (15.000 fps)
	[1]: 'YUYV' (YUYV 4:2:2)
		Size: Discrete 640x480
			Interval: Discrete 0.033s (30.000 fps)
`

func TestParseV4L2Formats(t *testing.T) {
	caps := ParseV4L2Formats(v4l2FormatsOutput)

	assert.Equal(t, []string{"MJPG", "YUYV"}, caps.Formats)
	assert.Equal(t, []Resolution{{1280, 720}, {640, 480}}, caps.Resolutions)
	assert.Equal(t, []int{15, 30}, caps.FrameRates)
	assert.True(t, caps.SupportsResolution(Resolution{640, 480}))
	assert.False(t, caps.SupportsResolution(Resolution{1920, 1080}))
}

func TestParseV4L2CardType(t *testing.T) {
	output := "Driver Info:\n\tDriver name      : uvcvideo\n\tCard type        : HD Pro Webcam C920\n"
	assert.Equal(t, "HD Pro Webcam C920", ParseV4L2CardType(output))
	assert.Equal(t, "", ParseV4L2CardType("nothing here"))
}

func TestParseALSAList(t *testing.T) {
	output := `**** List of CAPTURE Hardware Devices ****
card 0: PCH [HDA Intel PCH], device 0: ALC3246 Analog [ALC3246 Analog]
  Subdevices: 1/1
  Subdevice #0: subdevice #0
card 2: Device [USB PnP Sound Device], device 0: USB Audio [USB Audio]
  Subdevices: 1/1
`
	profiles := ParseALSAList(output, ClassMicrophone)
	require.Len(t, profiles, 2)

	assert.Equal(t, "plughw:0,0", profiles[0].Path)
	assert.Equal(t, 0, profiles[0].Priority)
	assert.Equal(t, "plughw:2,0", profiles[1].Path)
	assert.Equal(t, "USB PnP Sound Device", profiles[1].Name)
	assert.Equal(t, 1, profiles[1].Priority)
	assert.Contains(t, profiles[1].Capabilities.SampleRates, 44100)
}

func TestParseFFmpegEncoders(t *testing.T) {
	output := `Encoders:
 V..... = Video
 A..... = Audio
 ------
 V....D mjpeg                MJPEG (Motion JPEG)
 A....D pcm_mulaw            PCM mu-law / G.711 mu-law
 A....D pcm_s16le            PCM signed 16-bit little-endian
 A....D libopus              libopus Opus
`
	assert.ElementsMatch(t, []string{EncoderMuLaw, EncoderPCM, EncoderOpus}, ParseFFmpegEncoders(output))
}

func TestALSAScanner_FallbackWhenToolMissing(t *testing.T) {
	run := func(context.Context, string, ...string) ([]byte, error) {
		return nil, errors.New("executable file not found")
	}
	s := NewALSAScanner(run)

	profiles, err := s.ScanCapture(context.Background())
	assert.Error(t, err)
	require.Len(t, profiles, 1)
	assert.Equal(t, "default", profiles[0].Path)
	assert.True(t, profiles[0].Available())
}

func TestExtractDeviceNumber(t *testing.T) {
	assert.Equal(t, 0, extractDeviceNumber("/dev/video0"))
	assert.Equal(t, 12, extractDeviceNumber("/dev/video12"))
	assert.Equal(t, 0, extractDeviceNumber("/dev/ttyUSB0"))
}

func TestV4L2Scanner_NoDevices(t *testing.T) {
	s := &V4L2Scanner{pattern: "/nonexistent/video*", run: ExecRunner(0)}
	profiles, err := s.ScanVideo(context.Background())
	require.NoError(t, err)
	assert.Empty(t, profiles)
}
