package client

import (
	"github.com/AutoMQ/audiostream/pkg/proto/command"
)

// ConnectUpload creates an upload stream that stores length bytes as a
// sample on the server
func (s *Stream) ConnectUpload(length uint32) error {
	c := s.ctx
	switch {
	case s.state != StreamUnconnected:
		return c.reject(CodeBadState, "connect %s stream", s.state)
	case c.state != ContextReady:
		return c.reject(CodeBadState, "connect on %s context", c.state)
	case length == 0:
		return c.reject(CodeInvalid, "empty upload")
	}

	s.Ref()
	defer s.Unref()

	s.direction = Upload
	s.attr = BufferAttr{MaxLength: length}

	ts, tag := c.newCommand(command.CreateUploadStream)
	ts.PutString(s.name)
	ts.PutSampleSpec(&s.spec)
	ts.PutChannelMap(&s.channelMap)
	ts.PutU32(length)

	c.request(ts, tag, s.Ref().onCreateReply)
	s.setState(StreamCreating)
	return nil
}

// FinishUpload stores the uploaded data. The stream terminates when the
// server acknowledges.
func (s *Stream) FinishUpload() error {
	c := s.ctx
	if !s.channelValid || s.state.IsTerminal() {
		return c.reject(CodeBadState, "finish %s stream", s.state)
	}
	if s.direction != Upload {
		return c.reject(CodeBadState, "finish %s stream", s.direction)
	}
	if c.state != ContextReady {
		return c.reject(CodeBadState, "finish on %s context", c.state)
	}

	ts, tag := c.newCommand(command.FinishUploadStream)
	ts.PutU32(s.channel)
	c.request(ts, tag, s.Ref().onDisconnectReply)
	return nil
}
