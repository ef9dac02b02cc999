package server

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/AutoMQ/audiostream/pkg/client"
	"github.com/AutoMQ/audiostream/pkg/proto/codec"
	"github.com/AutoMQ/audiostream/pkg/proto/command"
	"github.com/AutoMQ/audiostream/pkg/proto/tagstruct"
	"github.com/AutoMQ/audiostream/pkg/util/logutil"
)

const (
	// _writeTimeout bounds flushing frames to a client that does not read
	_writeTimeout = 5 * time.Second
	// _pushTag is the tag of commands the server sends unrequested
	_pushTag uint32 = 0xFFFFFFFF
)

// errProtocol marks a packet that cannot be decoded. The connection is closed.
var errProtocol = errors.New("protocol error")

func newFramer(rwc net.Conn, logger *zap.Logger) *codec.Framer {
	return codec.NewFramer(bufio.NewWriter(rwc), bufio.NewReader(rwc), logger)
}

// conn is the state of a connection between server and client.
type conn struct {
	// Immutable:
	server *Server
	rwc    net.Conn

	ctx         context.Context
	cancelCtx   context.CancelFunc
	framer      *codec.Framer
	doneServing chan struct{}        // closed when serve ends
	readFrameCh chan frameReadResult // written by readFrames
	serveMsgCh  chan *serverMessage  // misc messages to the serve loop
	runCh       chan func()          // code to run on the serve loop

	// Everything following is owned by the serve loop
	name       string // empty until the client has set it
	playback   map[uint32]*playbackStream
	record     map[uint32]*recordStream
	uploads    map[uint32]*uploadStream
	lastTick   time.Time
	needsFlush bool
	writeErr   error

	// Used by startGracefulShutdown.
	shutdownOnce sync.Once

	lg *zap.Logger
}

func (c *conn) serve() {
	logger := c.lg
	defer logutil.LogPanic(logger)
	defer c.close()

	logger.Info("start to serve connection")

	go c.readFrames() // closed by c.rwc.Close in defer close above

	clock := c.server.clock
	ticker := clock.NewTicker(c.server.cfg.Tick)
	defer ticker.Stop()
	c.lastTick = clock.Now()

	for {
		select {
		case res := <-c.readFrameCh:
			if !c.processFrameFromReader(res) {
				return
			}
		case now := <-ticker.Chan():
			c.tick(now)
		case fn := <-c.runCh:
			fn()
		case msg := <-c.serveMsgCh:
			switch msg {
			case gracefulShutdownMsg:
				logger.Info("start to shut down gracefully")
				c.flush()
				return
			default:
				panic("unknown message")
			}
		case <-c.ctx.Done():
			logger.Info("server context done")
			return
		}

		if !c.flush() {
			return
		}
	}
}

// readFrames is the loop that reads incoming frames.
// It runs on its own goroutine.
func (c *conn) readFrames() {
	for {
		f, free, err := c.framer.ReadFrame()
		select {
		case c.readFrameCh <- frameReadResult{f, free, err}:
		case <-c.doneServing:
			if free != nil {
				free()
			}
			return
		}
		if err != nil {
			return
		}
	}
}

// processFrameFromReader returns whether the connection should be kept open.
func (c *conn) processFrameFromReader(res frameReadResult) bool {
	logger := c.lg
	if res.free != nil {
		defer res.free()
	}

	if err := res.err; err != nil {
		clientGone := errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) ||
			strings.Contains(err.Error(), "use of closed network connection")
		if !clientGone {
			logger.Error("failed to read frame from client connection", zap.Error(err))
		}
		return false
	}

	f := res.f
	if logutil.DebugEnabled(logger) {
		logger.Debug("server read frame", zap.String("frame", f.Info()))
	}
	var err error
	switch f.Kind {
	case codec.KindCommand:
		err = c.processCommand(f.Payload)
	case codec.KindMemblock:
		c.processMemblock(f)
	}
	if err != nil {
		logger.Error("failed to process frame, closing connection", zap.String("frame", f.Info()), zap.Error(err))
		return false
	}
	return true
}

func (c *conn) processCommand(payload []byte) error {
	ts := tagstruct.NewFromBytes(payload)
	code, err := ts.GetU32()
	if err != nil {
		return errors.Wrap(errProtocol, "decode command")
	}
	tag, err := ts.GetU32()
	if err != nil {
		return errors.Wrap(errProtocol, "decode tag")
	}
	cmd := command.Command(code)

	fn, ok := _commandTable[cmd]
	switch {
	case !ok:
		c.replyError(tag, client.CodeCommand)
		return nil
	case c.name == "" && cmd != command.SetClientName:
		c.replyError(tag, client.CodeAccess)
		return nil
	}
	return errors.WithMessagef(fn(c, tag, ts), "command %s", cmd)
}

func (c *conn) processMemblock(f *codec.Frame) {
	if p, ok := c.playback[f.Channel]; ok {
		c.receivePlayback(p, f.Payload, f.Offset, f.Seek)
		return
	}
	if u, ok := c.uploads[f.Channel]; ok {
		c.server.metrics.bytesReceived(u.receive(f.Payload))
		return
	}
	c.lg.Warn("memblock for unknown channel", zap.Uint32("channel", f.Channel))
}

// tick advances every stream of the connection to now
func (c *conn) tick(now time.Time) {
	elapsed := now.Sub(c.lastTick)
	c.lastTick = now
	if elapsed <= 0 {
		return
	}
	for _, p := range c.playback {
		c.consume(p, elapsed)
	}
	for _, r := range c.record {
		c.produce(r, elapsed)
	}
}

// newOutputChannel returns the lowest channel unused by playback and upload streams
func (c *conn) newOutputChannel() uint32 {
	for ch := uint32(0); ; ch++ {
		_, p := c.playback[ch]
		_, u := c.uploads[ch]
		if !p && !u {
			return ch
		}
	}
}

func (c *conn) newRecordChannel() uint32 {
	for ch := uint32(0); ; ch++ {
		if _, ok := c.record[ch]; !ok {
			return ch
		}
	}
}

// writeFrame buffers f. Errors are kept and reported by flush.
func (c *conn) writeFrame(f *codec.Frame) {
	if c.writeErr != nil {
		return
	}
	c.writeErr = c.framer.WriteFrame(f)
	c.needsFlush = true
}

func (c *conn) writePacket(ts *tagstruct.TagStruct) {
	c.writeFrame(codec.NewCommandFrame(ts.Bytes()))
}

func (c *conn) newReply(tag uint32) *tagstruct.TagStruct {
	ts := tagstruct.New()
	ts.PutU32(uint32(command.Reply))
	ts.PutU32(tag)
	return ts
}

func (c *conn) reply(tag uint32) {
	c.writePacket(c.newReply(tag))
}

func (c *conn) replyError(tag uint32, code client.Code) {
	c.lg.Debug("reply error", zap.Uint32("tag", tag), zap.Stringer("code", code))
	ts := tagstruct.New()
	ts.PutU32(uint32(command.Error))
	ts.PutU32(tag)
	ts.PutU32(uint32(code))
	c.writePacket(ts)
}

// push sends a command the client did not ask for
func (c *conn) push(cmd command.Command, values ...uint32) {
	ts := tagstruct.New()
	ts.PutU32(uint32(cmd))
	ts.PutU32(_pushTag)
	for _, v := range values {
		ts.PutU32(v)
	}
	c.writePacket(ts)
}

// flush writes buffered frames and reports whether the connection is still usable
func (c *conn) flush() bool {
	if c.writeErr == nil && c.needsFlush {
		_ = c.rwc.SetWriteDeadline(time.Now().Add(_writeTimeout))
		c.writeErr = c.framer.Flush()
		c.needsFlush = false
	}
	if c.writeErr != nil {
		c.lg.Error("failed to write to client connection", zap.Error(c.writeErr))
		return false
	}
	return true
}

// run queues fn to run on the serve loop. It reports false if the connection is gone.
func (c *conn) run(fn func()) bool {
	select {
	case c.runCh <- fn:
		return true
	case <-c.doneServing:
		return false
	}
}

func (c *conn) close() {
	logger := c.lg
	logger.Info("closing connection")
	close(c.doneServing)
	for _, p := range c.playback {
		c.server.unregister(p.entry)
	}
	for _, r := range c.record {
		c.server.unregister(r.entry)
	}
	for _, u := range c.uploads {
		c.server.unregister(u.entry)
	}
	_ = c.rwc.Close()
	c.cancelCtx()
	logger.Info("connection closed")
}

// startGracefulShutdown makes the serve loop write what is buffered and
// close the connection. It returns immediately.
func (c *conn) startGracefulShutdown() {
	c.shutdownOnce.Do(func() { c.sendServeMsg(gracefulShutdownMsg) })
}

type serverMessage int

// Message values sent to serveMsgCh.
var (
	gracefulShutdownMsg = new(serverMessage)
)

func (c *conn) sendServeMsg(msg *serverMessage) {
	select {
	case c.serveMsgCh <- msg:
	case <-c.doneServing:
	}
}

type frameReadResult struct {
	f    *codec.Frame
	free func() // free should be called once the frame is no longer needed
	err  error
}
