package main

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/AutoMQ/audiostream/pkg/sample"
)

const (
	_defaultDuration = 5 * time.Second
	_defaultFormat   = "s16le"
	_defaultRate     = 44100
	_defaultChannels = 2
	_defaultInterval = time.Second
)

// options select what astream-cat does
type options struct {
	Play     string
	Record   string
	Duration time.Duration
	Format   string
	Rate     uint32
	Channels uint8
	// Interval is the period of latency reports, zero disables them
	Interval time.Duration
}

func catConfigure(v *viper.Viper, fs *pflag.FlagSet) {
	fs.String("play", "", "play a WAV or MP3 file")
	_ = v.BindPFlag("cat.play", fs.Lookup("play"))
	fs.String("record", "", "record into a WAV file")
	_ = v.BindPFlag("cat.record", fs.Lookup("record"))
	fs.Duration("duration", _defaultDuration, "length of a recording")
	_ = v.BindPFlag("cat.duration", fs.Lookup("duration"))
	fs.String("format", _defaultFormat, "sample format of a recording, u8 or s16le")
	_ = v.BindPFlag("cat.format", fs.Lookup("format"))
	fs.Uint32("rate", _defaultRate, "sample rate of a recording in Hz")
	_ = v.BindPFlag("cat.rate", fs.Lookup("rate"))
	fs.Uint8("channels", _defaultChannels, "channels of a recording")
	_ = v.BindPFlag("cat.channels", fs.Lookup("channels"))
	fs.Duration("latency-interval", _defaultInterval, "period of latency reports, 0 disables them")
	_ = v.BindPFlag("cat.interval", fs.Lookup("latency-interval"))
}

func newOptions(v *viper.Viper) (*options, error) {
	channels := v.GetUint("cat.channels")
	if channels > sample.ChannelsMax {
		return nil, errors.Errorf("invalid channels %d", channels)
	}
	o := &options{
		Play:     v.GetString("cat.play"),
		Record:   v.GetString("cat.record"),
		Duration: v.GetDuration("cat.duration"),
		Format:   v.GetString("cat.format"),
		Rate:     v.GetUint32("cat.rate"),
		Channels: uint8(channels),
		Interval: v.GetDuration("cat.interval"),
	}
	if err := o.validate(); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *options) validate() error {
	switch {
	case o.Play == "" && o.Record == "":
		return errors.New("one of --play and --record is required")
	case o.Play != "" && o.Record != "":
		return errors.New("--play and --record are exclusive")
	case o.Interval < 0:
		return errors.Errorf("invalid latency interval `%s`", o.Interval)
	}
	if o.Record != "" {
		if o.Duration <= 0 {
			return errors.Errorf("invalid duration `%s`", o.Duration)
		}
		if _, err := o.recordSpec(); err != nil {
			return err
		}
	}
	return nil
}

// recordSpec returns the spec of a recording, which must be writable to WAV
func (o *options) recordSpec() (sample.Spec, error) {
	f, err := sample.ParseFormat(o.Format)
	if err != nil {
		return sample.Spec{}, err
	}
	if f != sample.U8 && f != sample.S16LE {
		return sample.Spec{}, errors.Errorf("cannot record %s to wav", f)
	}
	spec := sample.Spec{Format: f, Rate: o.Rate, Channels: o.Channels}
	if !spec.Valid() {
		return sample.Spec{}, errors.Errorf("invalid sample spec %s", spec.String())
	}
	return spec, nil
}
