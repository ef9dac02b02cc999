package client

import (
	"go.uber.org/zap"

	"github.com/AutoMQ/audiostream/pkg/memblock"
	"github.com/AutoMQ/audiostream/pkg/proto/codec"
	"github.com/AutoMQ/audiostream/pkg/proto/command"
	"github.com/AutoMQ/audiostream/pkg/proto/tagstruct"
	"github.com/AutoMQ/audiostream/pkg/util/logutil"
)

// SeekMode tells the server where written data goes
type SeekMode = codec.SeekMode

const (
	SeekRelative       = codec.SeekRelative
	SeekAbsolute       = codec.SeekAbsolute
	SeekRelativeOnRead = codec.SeekRelativeOnRead
	SeekRelativeEnd    = codec.SeekRelativeEnd
)

// Write sends data to a playback or upload stream. offset and seek position
// the data in the server buffer; upload streams only accept SeekRelative
// with a zero offset.
func (s *Stream) Write(data []byte, offset int64, seek SeekMode) error {
	c := s.ctx
	switch {
	case s.state != StreamReady:
		return c.reject(CodeBadState, "write to %s stream", s.state)
	case s.direction != Playback && s.direction != Upload:
		return c.reject(CodeBadState, "write to %s stream", s.direction)
	case !seek.Valid():
		return c.reject(CodeInvalid, "seek mode %s", seek)
	case s.direction != Playback && (seek != SeekRelative || offset != 0):
		return c.reject(CodeInvalid, "seek %s offset %d on %s stream", seek, offset, s.direction)
	}
	if len(data) == 0 {
		return nil
	}

	chunk := memblock.NewChunk(memblock.NewFromBytes(data))
	if c.conn != nil {
		c.conn.SendMemblock(s.channel, offset, seek, chunk)
	} else {
		chunk.Unref()
	}

	n := uint32(len(data))
	if n <= s.requested {
		s.requested -= n
	} else {
		s.requested = 0
	}
	s.counter += uint64(n)
	c.metrics.bytesWritten(len(data))
	return nil
}

// WritableSize returns the write credit of a playback stream
func (s *Stream) WritableSize() (int, error) {
	if s.state != StreamReady {
		return 0, s.ctx.reject(CodeBadState, "writable size of %s stream", s.state)
	}
	if s.direction != Playback && s.direction != Upload {
		return 0, s.ctx.reject(CodeBadState, "writable size of %s stream", s.direction)
	}
	return int(s.requested), nil
}

// ReadableSize returns the queued length of a record stream
func (s *Stream) ReadableSize() (int, error) {
	if s.state != StreamReady {
		return 0, s.ctx.reject(CodeBadState, "readable size of %s stream", s.state)
	}
	if s.direction != Record {
		return 0, s.ctx.reject(CodeBadState, "readable size of %s stream", s.direction)
	}
	return s.queue.Length(), nil
}

// Peek returns the next record data without consuming it, or nil if nothing
// is queued. The slice is valid until Drop.
func (s *Stream) Peek() ([]byte, error) {
	if s.state != StreamReady {
		return nil, s.ctx.reject(CodeBadState, "peek %s stream", s.state)
	}
	if s.direction != Record {
		return nil, s.ctx.reject(CodeBadState, "peek %s stream", s.direction)
	}
	if s.peek.IsZero() {
		chunk, ok := s.queue.Peek()
		if !ok {
			return nil, nil
		}
		s.peek = chunk
	}
	return s.peek.Data(), nil
}

// Drop consumes the data returned by the last Peek
func (s *Stream) Drop() error {
	if s.state != StreamReady {
		return s.ctx.reject(CodeBadState, "drop from %s stream", s.state)
	}
	if s.direction != Record {
		return s.ctx.reject(CodeBadState, "drop from %s stream", s.direction)
	}
	if s.peek.IsZero() {
		return s.ctx.reject(CodeBadState, "drop without peek")
	}

	n := s.peek.Length
	if !s.queue.DropChunk(s.peek) {
		s.lg.Debug("peeked data overrun before drop", zap.Int("length", n))
	}
	s.peek.Unref()
	s.peek = memblock.Chunk{}
	s.counter += uint64(n)
	return nil
}

// handleRequest grants write credit
func (c *Context) handleRequest(_ command.Command, _ uint32, ts *tagstruct.TagStruct) {
	channel, err := ts.GetU32()
	var bytes uint32
	if err == nil {
		bytes, err = ts.GetU32()
	}
	if err != nil || !ts.EOF() {
		c.lg.Error("malformed request", zap.Error(err))
		c.fail(CodeProtocol)
		return
	}

	s := c.playback.get(channel)
	if s == nil || s.state != StreamReady {
		return
	}
	s.Ref()
	defer s.Unref()

	s.requested += bytes
	if logutil.DebugEnabled(s.lg) {
		s.lg.Debug("write credit granted", zap.Uint32("bytes", bytes), zap.Uint32("requested", s.requested))
	}
	if s.requested > 0 && s.writeCallback != nil {
		s.writeCallback(s, int(s.requested))
	}
}

func (c *Context) handleOverflowUnderflow(cmd command.Command, _ uint32, ts *tagstruct.TagStruct) {
	channel, err := ts.GetU32()
	if err != nil || !ts.EOF() {
		c.lg.Error("malformed notification", zap.Stringer("command", cmd), zap.Error(err))
		c.fail(CodeProtocol)
		return
	}

	s := c.playback.get(channel)
	if s == nil || s.state != StreamReady {
		return
	}
	s.Ref()
	defer s.Unref()

	c.metrics.xrun(cmd)
	fn := s.underflowCallback
	if cmd == command.Overflow {
		fn = s.overflowCallback
	}
	if fn != nil {
		fn(s)
	}
}
