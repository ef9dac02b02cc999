package sample

import (
	"fmt"
	"time"

	"github.com/go-audio/audio"
	"github.com/pkg/errors"
)

const (
	// ChannelsMax is the maximum number of channels of a stream
	ChannelsMax = 16
	// RateMax is the maximum sample rate in Hz
	RateMax = 48000 * 4
)

// Format is the encoding of a single sample
type Format uint8

const (
	U8 Format = iota
	ALaw
	ULaw
	S16LE
	S16BE
	Float32LE
	Float32BE
	formatMax
)

var EnumNamesFormat = map[Format]string{
	U8:        "u8",
	ALaw:      "aLaw",
	ULaw:      "uLaw",
	S16LE:     "s16le",
	S16BE:     "s16be",
	Float32LE: "float32le",
	Float32BE: "float32be",
}

func (f Format) String() string {
	if s, ok := EnumNamesFormat[f]; ok {
		return s
	}
	return fmt.Sprintf("UnknownFormat(%d)", uint8(f))
}

// ParseFormat returns the format with the given name
func ParseFormat(name string) (Format, error) {
	for f, s := range EnumNamesFormat {
		if s == name {
			return f, nil
		}
	}
	return 0, errors.Errorf("unknown sample format %q", name)
}

// Size returns the number of bytes of one sample
func (f Format) Size() int {
	switch f {
	case U8, ALaw, ULaw:
		return 1
	case S16LE, S16BE:
		return 2
	case Float32LE, Float32BE:
		return 4
	default:
		return 0
	}
}

// Silence returns the byte value that encodes silence in f
func (f Format) Silence() byte {
	switch f {
	case U8:
		return 0x80
	case ALaw:
		return 0xd5
	case ULaw:
		return 0xff
	default:
		return 0
	}
}

// Spec describes the layout of raw audio data
type Spec struct {
	Format   Format
	Rate     uint32
	Channels uint8
}

// Valid reports whether the spec can be used to create a stream
func (s *Spec) Valid() bool {
	if s == nil {
		return false
	}
	return s.Format < formatMax &&
		s.Rate > 0 && s.Rate <= RateMax &&
		s.Channels > 0 && s.Channels <= ChannelsMax
}

// FrameSize returns the number of bytes of one sample on every channel
func (s *Spec) FrameSize() int {
	return s.Format.Size() * int(s.Channels)
}

// BytesPerSecond returns the data rate of the spec
func (s *Spec) BytesPerSecond() int {
	return int(s.Rate) * s.FrameSize()
}

// BytesToDuration converts a byte count to the playback time of the frames it contains.
// Trailing partial frames are ignored.
func (s *Spec) BytesToDuration(n uint64) time.Duration {
	fs := uint64(s.FrameSize())
	if fs == 0 || s.Rate == 0 {
		return 0
	}
	frames := n / fs
	rate := uint64(s.Rate)
	secs := frames / rate
	rem := frames % rate
	return time.Duration(secs)*time.Second + time.Duration(rem*uint64(time.Second)/rate)
}

// DurationToBytes converts a duration to a whole number of frames in bytes
func (s *Spec) DurationToBytes(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	frames := uint64(d) * uint64(s.Rate) / uint64(time.Second)
	return frames * uint64(s.FrameSize())
}

// BitDepth returns the number of bits of one sample
func (s *Spec) BitDepth() int {
	return s.Format.Size() * 8
}

// AudioFormat returns the go-audio description of the spec
func (s *Spec) AudioFormat() *audio.Format {
	return &audio.Format{
		NumChannels: int(s.Channels),
		SampleRate:  int(s.Rate),
	}
}

// SpecFromAudio builds a little endian PCM spec from a go-audio format and bit depth
func SpecFromAudio(f *audio.Format, bitDepth int) (Spec, error) {
	if f == nil {
		return Spec{}, errors.New("nil audio format")
	}
	var format Format
	switch bitDepth {
	case 8:
		format = U8
	case 16:
		format = S16LE
	case 32:
		format = Float32LE
	default:
		return Spec{}, errors.Errorf("unsupported bit depth %d", bitDepth)
	}
	spec := Spec{
		Format:   format,
		Rate:     uint32(f.SampleRate),
		Channels: uint8(f.NumChannels),
	}
	if !spec.Valid() {
		return Spec{}, errors.Errorf("invalid sample spec %s", spec.String())
	}
	return spec, nil
}

func (s Spec) String() string {
	return fmt.Sprintf("%s %dch %dHz", s.Format, s.Channels, s.Rate)
}
