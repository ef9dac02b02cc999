package main

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
	"github.com/pkg/errors"

	"github.com/AutoMQ/audiostream/pkg/sample"
)

const _wavFormatPCM = 1

// loadFile decodes a WAV or MP3 file into little endian PCM data
func loadFile(path string) (sample.Spec, []byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return sample.Spec{}, nil, errors.Wrap(err, "open input")
	}
	defer f.Close()

	if strings.EqualFold(filepath.Ext(path), ".mp3") {
		return decodeMP3(f)
	}
	return decodeWAV(f)
}

func decodeWAV(r io.ReadSeeker) (sample.Spec, []byte, error) {
	d := wav.NewDecoder(r)
	if !d.IsValidFile() {
		return sample.Spec{}, nil, errors.New("not a valid wav file")
	}
	if d.WavAudioFormat != _wavFormatPCM {
		return sample.Spec{}, nil, errors.Errorf("unsupported wav encoding %d", d.WavAudioFormat)
	}
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return sample.Spec{}, nil, errors.Wrap(err, "decode wav")
	}

	// anything wider than 16 bits is played as 16 bits
	bits := buf.SourceBitDepth
	spec, err := sample.SpecFromAudio(buf.Format, min(bits, 16))
	if err != nil {
		return sample.Spec{}, nil, err
	}
	return spec, pcmBytes(buf.Data, bits, spec.Format), nil
}

// decodeMP3 returns signed 16 bit stereo data, the only output of go-mp3
func decodeMP3(r io.Reader) (sample.Spec, []byte, error) {
	d, err := mp3.NewDecoder(r)
	if err != nil {
		return sample.Spec{}, nil, errors.Wrap(err, "decode mp3")
	}
	data, err := io.ReadAll(d)
	if err != nil {
		return sample.Spec{}, nil, errors.Wrap(err, "decode mp3")
	}
	spec, err := sample.SpecFromAudio(&audio.Format{NumChannels: 2, SampleRate: d.SampleRate()}, 16)
	if err != nil {
		return sample.Spec{}, nil, err
	}
	return spec, data, nil
}

// pcmBytes encodes samples of the given bit depth as format, which is U8 or S16LE
func pcmBytes(samples []int, bits int, format sample.Format) []byte {
	out := make([]byte, len(samples)*format.Size())
	for i, v := range samples {
		switch format {
		case sample.U8:
			out[i] = byte(v)
		case sample.S16LE:
			if bits > 16 {
				v >>= bits - 16
			}
			binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(v)))
		}
	}
	return out
}

// intBuffer decodes U8 or S16LE data into a go-audio buffer
func intBuffer(spec sample.Spec, data []byte) (*audio.IntBuffer, error) {
	buf := &audio.IntBuffer{
		Format:         spec.AudioFormat(),
		SourceBitDepth: spec.BitDepth(),
	}
	switch spec.Format {
	case sample.U8:
		buf.Data = make([]int, len(data))
		for i, b := range data {
			buf.Data[i] = int(b)
		}
	case sample.S16LE:
		buf.Data = make([]int, len(data)/2)
		for i := range buf.Data {
			buf.Data[i] = int(int16(binary.LittleEndian.Uint16(data[2*i:])))
		}
	default:
		return nil, errors.Errorf("cannot write %s samples to wav", spec.Format)
	}
	return buf, nil
}

// writeWAV stores U8 or S16LE data in a new WAV file at path
func writeWAV(path string, spec sample.Spec, data []byte) (err error) {
	buf, err := intBuffer(spec, data)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create output")
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = errors.Wrap(cerr, "close output")
		}
	}()

	enc := wav.NewEncoder(f, int(spec.Rate), spec.BitDepth(), int(spec.Channels), _wavFormatPCM)
	if err := enc.Write(buf); err != nil {
		return errors.Wrap(err, "encode wav")
	}
	return errors.Wrap(enc.Close(), "encode wav")
}
