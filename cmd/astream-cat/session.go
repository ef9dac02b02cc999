package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/AutoMQ/audiostream/pkg/client"
	"github.com/AutoMQ/audiostream/pkg/mainloop"
	"github.com/AutoMQ/audiostream/pkg/sample"
)

// keeps every memblock frame small
const _writeChunk = 64 << 10

// task drives the stream of a session. Its methods run on the loop goroutine.
type task interface {
	// start creates the stream once the context is ready
	start() error
	// close runs after the loop stopped
	close() error
}

// session is the state shared by playing and recording
type session struct {
	ctx    *client.Context
	opts   *options
	out    io.Writer
	cancel context.CancelFunc
	lg     *zap.Logger

	stream *client.Stream
	report *mainloop.TimeEvent
	done   bool
	err    error
}

// finish stops the loop. Only the first result is kept.
func (s *session) finish(err error) {
	if s.done {
		return
	}
	s.done = true
	s.err = err
	if s.report != nil {
		s.report.Free()
	}
	s.cancel()
}

func (s *session) newStream(name string, spec *sample.Spec) (*client.Stream, error) {
	st, err := client.NewStream(s.ctx, name, spec, nil)
	if err != nil {
		return nil, err
	}
	s.stream = st
	st.SetStateCallback(s.streamState)
	st.SetOverflowCallback(func(*client.Stream) { s.lg.Warn("stream overflow") })
	st.SetUnderflowCallback(func(*client.Stream) { s.lg.Debug("stream underflow") })
	return st, nil
}

func (s *session) streamState(st *client.Stream) {
	switch st.State() {
	case client.StreamReady:
		idx, _ := st.Index()
		s.lg.Info("stream ready", zap.Uint32("index", idx), zap.Stringer("spec", st.SampleSpec()),
			zap.Any("buffer-attr", st.BufferAttr()))
		s.startReports()
	case client.StreamFailed:
		s.finish(errors.Errorf("stream failed: %s", st.Context().Errno()))
	case client.StreamTerminated:
		s.finish(nil)
	}
}

func (s *session) startReports() {
	if s.opts.Interval <= 0 {
		return
	}
	loop := s.ctx.Loop()
	s.report = loop.TimeNew(loop.Now().Add(s.opts.Interval), func(e *mainloop.TimeEvent) {
		s.printLatency()
		e.Restart(loop.Now().Add(s.opts.Interval))
	})
}

// printLatency reports the latency of the stream. Playback interpolates
// between server replies, record asks the server every time.
func (s *session) printLatency() {
	if s.stream.Direction() == client.Record {
		_, err := s.stream.GetLatencyInfo(func(st *client.Stream, info *client.LatencyInfo) {
			if info == nil || s.done {
				return
			}
			latency, negative, err := st.GetLatency(info)
			if err == nil {
				s.writeLatency(latency, negative)
			}
		})
		if err != nil {
			s.lg.Warn("failed to query latency", zap.Error(err))
		}
		return
	}

	latency, negative, err := s.stream.GetInterpolatedLatency()
	if err != nil {
		// no latency reply yet
		return
	}
	s.writeLatency(latency, negative)
}

func (s *session) writeLatency(latency time.Duration, negative bool) {
	sign := ""
	if negative {
		sign = "-"
	}
	_, _ = fmt.Fprintf(s.out, "latency: %s%s\n", sign, latency)
}

// player writes a decoded file whenever the server asks for data, then drains
type player struct {
	*session
	name     string
	spec     sample.Spec
	data     []byte
	off      int
	draining bool
}

func newPlayer(s *session, path string) (*player, error) {
	spec, data, err := loadFile(path)
	if err != nil {
		return nil, errors.WithMessagef(err, "load %s", path)
	}
	s.lg.Info("loaded file", zap.String("path", path), zap.Stringer("spec", spec),
		zap.Duration("length", spec.BytesToDuration(uint64(len(data)))))
	return &player{session: s, name: filepath.Base(path), spec: spec, data: data}, nil
}

func (p *player) start() error {
	st, err := p.newStream(p.name, &p.spec)
	if err != nil {
		return err
	}
	st.SetWriteCallback(p.write)
	return st.ConnectPlayback("", nil, client.FlagInterpolateLatency, nil, nil)
}

func (p *player) write(st *client.Stream, length int) {
	for length > 0 && p.off < len(p.data) {
		n := min(length, len(p.data)-p.off, _writeChunk)
		if err := st.Write(p.data[p.off:p.off+n], 0, client.SeekRelative); err != nil {
			p.finish(err)
			return
		}
		p.off += n
		length -= n
	}
	if p.off < len(p.data) || p.draining {
		return
	}

	p.draining = true
	_, err := st.Drain(func(_ *client.Stream, ok bool) {
		if !ok {
			p.finish(errors.New("drain failed"))
			return
		}
		p.lg.Info("playback finished")
		p.finish(nil)
	})
	if err != nil {
		p.finish(err)
	}
}

func (p *player) close() error {
	return nil
}

// recorder collects the requested duration of data and stores it as WAV
type recorder struct {
	*session
	path  string
	spec  sample.Spec
	want  int
	data  []byte
	saved bool
}

func newRecorder(s *session) (*recorder, error) {
	spec, err := s.opts.recordSpec()
	if err != nil {
		return nil, err
	}
	return &recorder{
		session: s,
		path:    s.opts.Record,
		spec:    spec,
		want:    int(spec.DurationToBytes(s.opts.Duration)),
	}, nil
}

func (r *recorder) start() error {
	st, err := r.newStream(filepath.Base(r.path), &r.spec)
	if err != nil {
		return err
	}
	st.SetReadCallback(r.read)
	return st.ConnectRecord("", nil, 0)
}

func (r *recorder) read(st *client.Stream, _ int) {
	if r.saved {
		return
	}
	for len(r.data) < r.want {
		p, err := st.Peek()
		if err != nil {
			r.finish(err)
			return
		}
		if p == nil {
			break
		}
		r.data = append(r.data, p...)
		if err := st.Drop(); err != nil {
			r.finish(err)
			return
		}
	}
	if len(r.data) < r.want {
		return
	}
	r.data = r.data[:r.want]
	r.finish(r.save())
}

func (r *recorder) save() error {
	r.saved = true
	fs := r.spec.FrameSize()
	r.data = r.data[:len(r.data)/fs*fs]
	if err := writeWAV(r.path, r.spec, r.data); err != nil {
		return errors.WithMessagef(err, "save %s", r.path)
	}
	r.lg.Info("recording saved", zap.String("path", r.path),
		zap.Duration("length", r.spec.BytesToDuration(uint64(len(r.data)))))
	return nil
}

// close keeps what was recorded before an interruption
func (r *recorder) close() error {
	if r.saved || len(r.data) == 0 {
		return nil
	}
	return r.save()
}
