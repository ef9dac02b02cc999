package client

import (
	"github.com/AutoMQ/audiostream/pkg/proto/command"
	"github.com/AutoMQ/audiostream/pkg/proto/tagstruct"
)

// simpleCommand sends cmd with the channel of s, followed by what put adds,
// and acknowledges through fn
func (s *Stream) simpleCommand(cmd command.Command, fn SuccessFunc, put func(ts *tagstruct.TagStruct)) (*Operation, error) {
	c := s.ctx
	if s.state != StreamReady {
		return nil, c.reject(CodeBadState, "%s on %s stream", cmd, s.state)
	}

	o := newOperation(c, s, fn)
	ts, tag := c.newCommand(cmd)
	ts.PutU32(s.channel)
	if put != nil {
		put(ts)
	}
	c.request(ts, tag, o.simpleAck)
	return o, nil
}

// Cork pauses (b true) or resumes a stream
func (s *Stream) Cork(b bool, fn SuccessFunc) (*Operation, error) {
	c := s.ctx
	if s.state != StreamReady {
		return nil, c.reject(CodeBadState, "cork %s stream", s.state)
	}
	if s.direction == Upload {
		return nil, c.reject(CodeBadState, "cork upload stream")
	}

	if s.interpolate {
		if !s.corked && b {
			// freeze at the current estimate
			s.ipolValue, _ = s.GetInterpolatedTime()
		} else if s.corked && !b {
			// continue from the frozen value
			s.ipolTimestamp = c.loop.Now()
		}
	}
	s.corked = b

	cmd := command.CorkRecordStream
	if s.direction == Playback {
		cmd = command.CorkPlaybackStream
	}
	o, err := s.simpleCommand(cmd, fn, func(ts *tagstruct.TagStruct) { ts.PutBool(b) })
	if err != nil {
		return nil, err
	}
	s.refreshLatency()
	return o, nil
}

// IsCorked reports whether the stream is paused
func (s *Stream) IsCorked() bool {
	return s.corked
}

// Flush discards the data in the server buffer
func (s *Stream) Flush(fn SuccessFunc) (*Operation, error) {
	if s.direction == Upload {
		return nil, s.ctx.reject(CodeBadState, "flush upload stream")
	}
	cmd := command.FlushRecordStream
	if s.direction == Playback {
		cmd = command.FlushPlaybackStream
	}
	return s.withLatencyRefresh(s.simpleCommand(cmd, fn, nil))
}

// Prebuf makes a playback stream wait for its prebuffer to fill again
func (s *Stream) Prebuf(fn SuccessFunc) (*Operation, error) {
	if s.direction != Playback {
		return nil, s.ctx.reject(CodeBadState, "prebuf %s stream", s.direction)
	}
	return s.withLatencyRefresh(s.simpleCommand(command.PrebufPlaybackStream, fn, nil))
}

// Trigger starts playback before the prebuffer is filled
func (s *Stream) Trigger(fn SuccessFunc) (*Operation, error) {
	if s.direction != Playback {
		return nil, s.ctx.reject(CodeBadState, "trigger %s stream", s.direction)
	}
	return s.withLatencyRefresh(s.simpleCommand(command.TriggerPlaybackStream, fn, nil))
}

// Drain completes when the server has played all data written so far
func (s *Stream) Drain(fn SuccessFunc) (*Operation, error) {
	if s.state != StreamReady {
		return nil, s.ctx.reject(CodeBadState, "drain %s stream", s.state)
	}
	if s.direction != Playback {
		return nil, s.ctx.reject(CodeBadState, "drain %s stream", s.direction)
	}
	return s.simpleCommand(command.DrainPlaybackStream, fn, nil)
}

// SetName renames the stream on the server
func (s *Stream) SetName(name string, fn SuccessFunc) (*Operation, error) {
	if s.state != StreamReady {
		return nil, s.ctx.reject(CodeBadState, "rename %s stream", s.state)
	}
	if s.direction == Upload {
		return nil, s.ctx.reject(CodeBadState, "rename upload stream")
	}
	cmd := command.SetRecordStreamName
	if s.direction == Playback {
		cmd = command.SetPlaybackStreamName
	}
	return s.simpleCommand(cmd, fn, func(ts *tagstruct.TagStruct) { ts.PutString(name) })
}

func (s *Stream) withLatencyRefresh(o *Operation, err error) (*Operation, error) {
	if err != nil {
		return nil, err
	}
	s.refreshLatency()
	return o, nil
}
