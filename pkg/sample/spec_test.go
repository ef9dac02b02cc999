package sample

import (
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/stretchr/testify/require"
)

func TestSpec_Valid(t *testing.T) {
	tests := []struct {
		name string
		spec *Spec
		want bool
	}{
		{name: "cd quality", spec: &Spec{Format: S16LE, Rate: 44100, Channels: 2}, want: true},
		{name: "float mono", spec: &Spec{Format: Float32BE, Rate: 8000, Channels: 1}, want: true},
		{name: "nil", spec: nil, want: false},
		{name: "zero rate", spec: &Spec{Format: S16LE, Rate: 0, Channels: 2}, want: false},
		{name: "rate too high", spec: &Spec{Format: S16LE, Rate: RateMax + 1, Channels: 2}, want: false},
		{name: "no channels", spec: &Spec{Format: S16LE, Rate: 44100}, want: false},
		{name: "too many channels", spec: &Spec{Format: S16LE, Rate: 44100, Channels: ChannelsMax + 1}, want: false},
		{name: "bad format", spec: &Spec{Format: formatMax, Rate: 44100, Channels: 2}, want: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			re := require.New(t)

			re.Equal(tt.want, tt.spec.Valid())
		})
	}
}

func TestSpec_BytesToDuration(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	spec := Spec{Format: S16LE, Rate: 44100, Channels: 2}
	re.Equal(4, spec.FrameSize())
	re.Equal(176400, spec.BytesPerSecond())

	re.Equal(time.Second, spec.BytesToDuration(176400))
	re.Equal(500*time.Millisecond, spec.BytesToDuration(88200))
	// partial frames are ignored
	re.Equal(spec.BytesToDuration(4), spec.BytesToDuration(7))
	re.Equal(time.Duration(0), spec.BytesToDuration(3))

	re.Equal(uint64(176400), spec.DurationToBytes(time.Second))
	re.Equal(uint64(0), spec.DurationToBytes(-time.Second))

	// no overflow for long streams
	long := uint64(spec.BytesPerSecond()) * 3600 * 24 * 30
	re.Equal(30*24*time.Hour, spec.BytesToDuration(long))
}

func TestSpecFromAudio(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	spec, err := SpecFromAudio(&audio.Format{NumChannels: 2, SampleRate: 48000}, 16)
	re.NoError(err)
	re.Equal(Spec{Format: S16LE, Rate: 48000, Channels: 2}, spec)
	re.Equal(&audio.Format{NumChannels: 2, SampleRate: 48000}, spec.AudioFormat())
	re.Equal(16, spec.BitDepth())

	_, err = SpecFromAudio(&audio.Format{NumChannels: 2, SampleRate: 48000}, 24)
	re.ErrorContains(err, "unsupported bit depth")
	_, err = SpecFromAudio(&audio.Format{NumChannels: 0, SampleRate: 48000}, 16)
	re.ErrorContains(err, "invalid sample spec")
	_, err = SpecFromAudio(nil, 16)
	re.Error(err)
}

func TestParseFormat(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	for f, name := range EnumNamesFormat {
		got, err := ParseFormat(name)
		re.NoError(err)
		re.Equal(f, got)
	}
	_, err := ParseFormat("s24le")
	re.Error(err)
}

func TestChannelMap(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	for ch := uint8(1); ch <= ChannelsMax; ch++ {
		m := AutoChannelMap(ch)
		re.True(m.Valid(), "channels %d", ch)
		re.Equal(ch, m.Channels)
	}
	stereo := AutoChannelMap(2)
	re.Equal(PositionLeft, stereo.Map[0])
	re.Equal(PositionRight, stereo.Map[1])

	re.False((&ChannelMap{}).Valid())
	bad := AutoChannelMap(2)
	bad.Map[1] = positionMax
	re.False(bad.Valid())

	v := ResetVolume(2)
	re.True(v.Valid())
	re.Equal(VolumeNorm, v.Values[0])
	re.Equal(VolumeNorm, v.Values[1])
	re.Equal(VolumeMuted, v.Values[2])
}

func TestFormat_Silence(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	re.Equal(byte(0x80), U8.Silence())
	re.Equal(byte(0xd5), ALaw.Silence())
	re.Equal(byte(0xff), ULaw.Silence())
	re.Equal(byte(0), S16LE.Silence())
	re.Equal(byte(0), Float32BE.Silence())
}
