package client

import (
	"time"

	"go.uber.org/zap"

	"github.com/AutoMQ/audiostream/pkg/mainloop"
	"github.com/AutoMQ/audiostream/pkg/proto/command"
	"github.com/AutoMQ/audiostream/pkg/proto/tagstruct"
)

// LatencyInfo is a snapshot of the delays on the path of a stream
type LatencyInfo struct {
	// BufferDelay is the time the queued data in the server buffer takes to play
	BufferDelay time.Duration
	// SinkDelay is the latency of the sink device
	SinkDelay time.Duration
	// SourceDelay is the latency of the source device
	SourceDelay time.Duration
	// TransportDelay is the time data needs between client and server
	TransportDelay time.Duration
	// Playing reports whether the stream is currently playing
	Playing bool
	// QueueLength is the length of the server buffer in bytes
	QueueLength uint32
	// SynchronizedClocks reports whether the client and server clocks agree
	SynchronizedClocks bool
	// Timestamp is when the snapshot was taken
	Timestamp time.Time
	// Counter is the byte counter the server reported
	Counter uint64
}

// GetLatencyInfo queries the server for the latency of s. fn may be nil.
func (s *Stream) GetLatencyInfo(fn LatencyInfoFunc) (*Operation, error) {
	c := s.ctx
	if s.state != StreamReady {
		return nil, c.reject(CodeBadState, "latency of %s stream", s.state)
	}
	if s.direction == Upload {
		return nil, c.reject(CodeBadState, "latency of upload stream")
	}

	cmd := command.GetRecordLatency
	if s.direction == Playback {
		cmd = command.GetPlaybackLatency
	}
	o := newOperation(c, s, fn)
	ts, tag := c.newCommand(cmd)
	ts.PutU32(s.channel)
	ts.PutTimeval(c.loop.Now())
	ts.PutU64(s.counter)
	c.request(ts, tag, func(cmd command.Command, ts *tagstruct.TagStruct) {
		s.onLatencyReply(o, cmd, ts)
	})
	return o, nil
}

// refreshLatency fires a latency query without callback
func (s *Stream) refreshLatency() {
	if _, err := s.GetLatencyInfo(nil); err != nil {
		s.lg.Warn("failed to refresh latency", zap.Error(err))
	}
}

func (s *Stream) onLatencyReply(o *Operation, cmd command.Command, ts *tagstruct.TagStruct) {
	defer o.done()

	c := s.ctx
	if cmd != command.Reply {
		if c.handleError(cmd, ts) != nil {
			return
		}
		s.ipolRequested = false
		o.latencyInfo(nil)
		return
	}

	info, local, remote, err := decodeLatencyInfo(ts)
	if err == nil && !ts.EOF() {
		err = errTrailingData
	}
	if err != nil {
		s.lg.Error("malformed latency reply", zap.Error(err))
		c.fail(CodeProtocol)
		return
	}
	s.syncClocks(info, local, remote, c.loop.Now())
	c.metrics.observeTransportDelay(s.direction, info.TransportDelay)

	if s.interpolate {
		s.ipolTimestamp = info.Timestamp
		if t, err := s.GetTime(info); err == nil {
			s.ipolValue = t
		}
	}
	s.ipolRequested = false
	o.latencyInfo(info)
}

func decodeLatencyInfo(ts *tagstruct.TagStruct) (info *LatencyInfo, local, remote time.Time, err error) {
	info = &LatencyInfo{}
	if info.BufferDelay, err = ts.GetUsec(); err != nil {
		return
	}
	if info.SinkDelay, err = ts.GetUsec(); err != nil {
		return
	}
	if info.SourceDelay, err = ts.GetUsec(); err != nil {
		return
	}
	if info.Playing, err = ts.GetBool(); err != nil {
		return
	}
	if info.QueueLength, err = ts.GetU32(); err != nil {
		return
	}
	if local, err = ts.GetTimeval(); err != nil {
		return
	}
	if remote, err = ts.GetTimeval(); err != nil {
		return
	}
	info.Counter, err = ts.GetU64()
	return
}

// syncClocks fills the transport delay and timestamp of info. local is when
// the query was sent, remote when the server answered, now when the answer
// arrived. Clocks are synchronized if the three are in order.
func (s *Stream) syncClocks(info *LatencyInfo, local, remote, now time.Time) {
	if !local.After(remote) && !remote.After(now) {
		info.SynchronizedClocks = true
		if s.direction == Playback {
			info.TransportDelay = remote.Sub(local)
		} else {
			info.TransportDelay = now.Sub(remote)
		}
		info.Timestamp = remote
		return
	}
	info.TransportDelay = now.Sub(local) / 2
	info.Timestamp = local.Add(info.TransportDelay)
}

// GetTime returns the playback or record position of s according to info
func (s *Stream) GetTime(info *LatencyInfo) (time.Duration, error) {
	c := s.ctx
	switch {
	case info == nil:
		return 0, c.reject(CodeInvalid, "no latency info")
	case s.state != StreamReady:
		return 0, c.reject(CodeBadState, "time of %s stream", s.state)
	case s.direction == Upload:
		return 0, c.reject(CodeBadState, "time of upload stream")
	}

	usec := s.spec.BytesToDuration(info.Counter)
	if s.direction == Playback {
		usec = subClamp(usec, info.TransportDelay+info.BufferDelay+info.SinkDelay)
	} else if s.direction == Record {
		usec += info.SourceDelay + info.BufferDelay + info.TransportDelay
		usec = subClamp(usec, info.SinkDelay)
	}

	if usec < s.previousTime {
		usec = s.previousTime
	}
	s.previousTime = usec
	return usec, nil
}

func subClamp(a, b time.Duration) time.Duration {
	if a > b {
		return a - b
	}
	return 0
}

// latencyDiff returns the distance between the stream counter position c and
// the stream time t. Only record streams can be negative, when t is ahead of c.
func (s *Stream) latencyDiff(c, t time.Duration) (time.Duration, bool) {
	if c < t {
		if s.direction == Record {
			return t - c, true
		}
		return 0, false
	}
	return c - t, false
}

// GetLatency returns the total latency of s according to info. negative is
// set for record streams whose reported time is ahead of the data read.
func (s *Stream) GetLatency(info *LatencyInfo) (latency time.Duration, negative bool, err error) {
	t, err := s.GetTime(info)
	if err != nil {
		return 0, false, err
	}
	counter := s.spec.BytesToDuration(s.counter)
	latency, negative = s.latencyDiff(counter, t)
	return latency, negative, nil
}

// trashIpol forgets the interpolation anchor
func (s *Stream) trashIpol() {
	s.ipolValue = 0
	s.ipolTimestamp = time.Time{}
	s.previousIpolTime = 0
}

// GetInterpolatedTime estimates the stream time from the last latency
// snapshot and the time elapsed since
func (s *Stream) GetInterpolatedTime() (time.Duration, error) {
	c := s.ctx
	switch {
	case s.state != StreamReady:
		return 0, c.reject(CodeBadState, "interpolated time of %s stream", s.state)
	case s.direction == Upload:
		return 0, c.reject(CodeBadState, "interpolated time of upload stream")
	case !s.interpolate:
		return 0, c.reject(CodeBadState, "stream does not interpolate")
	}

	var usec time.Duration
	switch {
	case s.corked:
		usec = s.ipolValue
	case s.ipolTimestamp.IsZero():
		usec = 0
	default:
		usec = s.ipolValue + c.loop.Now().Sub(s.ipolTimestamp)
	}

	if usec < s.previousIpolTime {
		usec = s.previousIpolTime
	}
	s.previousIpolTime = usec
	return usec, nil
}

// GetInterpolatedLatency is GetLatency on the interpolated time
func (s *Stream) GetInterpolatedLatency() (latency time.Duration, negative bool, err error) {
	t, err := s.GetInterpolatedTime()
	if err != nil {
		return 0, false, err
	}
	counter := s.spec.BytesToDuration(s.counter)
	latency, negative = s.latencyDiff(counter, t)
	return latency, negative, nil
}

func (s *Stream) onIpolTimer(e *mainloop.TimeEvent) {
	s.Ref()
	defer s.Unref()

	if s.state == StreamReady && !s.ipolRequested {
		s.refreshLatency()
		s.ipolRequested = true
	}
	e.Restart(s.ctx.loop.Now().Add(s.ctx.cfg.InterpolationInterval))
}
