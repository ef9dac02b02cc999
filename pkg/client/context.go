// Package client implements asynchronous playback, record and upload streams
// over a connection to an audio server.
//
// All methods of Context, Stream and Operation, and all callbacks, run on the
// goroutine running the mainloop.Loop the Context was created with.
package client

import (
	"context"
	"net"
	"slices"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/AutoMQ/audiostream/pkg/config"
	"github.com/AutoMQ/audiostream/pkg/mainloop"
	"github.com/AutoMQ/audiostream/pkg/memblock"
	"github.com/AutoMQ/audiostream/pkg/proto/codec"
	"github.com/AutoMQ/audiostream/pkg/proto/command"
	"github.com/AutoMQ/audiostream/pkg/proto/dispatch"
	"github.com/AutoMQ/audiostream/pkg/proto/tagstruct"
	"github.com/AutoMQ/audiostream/pkg/util/netutil"
	"github.com/AutoMQ/audiostream/pkg/util/traceutil"
)

// ContextState is the state of the connection to the server
type ContextState int

const (
	ContextUnconnected ContextState = iota
	ContextConnecting
	ContextSettingName
	ContextReady
	ContextFailed
	ContextTerminated
)

func (s ContextState) String() string {
	switch s {
	case ContextUnconnected:
		return "Unconnected"
	case ContextConnecting:
		return "Connecting"
	case ContextSettingName:
		return "SettingName"
	case ContextReady:
		return "Ready"
	case ContextFailed:
		return "Failed"
	case ContextTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// IsTerminal reports whether s is Failed or Terminated
func (s ContextState) IsTerminal() bool {
	return s == ContextFailed || s == ContextTerminated
}

// Context is a connection to an audio server and the streams multiplexed on it
type Context struct {
	loop *mainloop.Loop
	cfg  config.Client

	state ContextState
	errno Code

	ctag    uint32
	csyncid uint32

	streams    []*Stream
	operations map[*Operation]struct{}
	playback   channelTable
	record     channelTable

	dispatcher *dispatch.Dispatcher
	conn       packetStream

	stateCallback func(c *Context)
	metrics       *Metrics

	lg *zap.Logger
}

// NewContext creates an unconnected context. A nil cfg means the defaults.
func NewContext(loop *mainloop.Loop, cfg *config.Client, logger *zap.Logger) *Context {
	if cfg == nil {
		cfg = config.NewClient()
	}
	c := &Context{
		loop:       loop,
		cfg:        *cfg,
		operations: make(map[*Operation]struct{}),
		lg:         logger,
	}
	c.cfg.Adjust()
	if c.lg == nil {
		c.lg = zap.NewNop()
	}
	c.lg = c.lg.With(zap.String("client-name", c.cfg.Name))
	return c
}

// SetMetrics makes the context and its streams report to m
func (c *Context) SetMetrics(m *Metrics) {
	c.metrics = m
}

// SetStateCallback sets a function called after every state change
func (c *Context) SetStateCallback(fn func(c *Context)) {
	c.stateCallback = fn
}

// State returns the state of the context
func (c *Context) State() ContextState {
	return c.state
}

// Errno returns the code of the last error
func (c *Context) Errno() Code {
	return c.errno
}

// Name returns the client name announced to the server
func (c *Context) Name() string {
	return c.cfg.Name
}

// Loop returns the loop the context runs on
func (c *Context) Loop() *mainloop.Loop {
	return c.loop
}

// IsPending reports whether any request is waiting for its reply
func (c *Context) IsPending() bool {
	return c.dispatcher != nil && c.dispatcher.IsPending()
}

// Connect starts connecting to the configured server. The result is reported
// through the state callback. ctx bounds dialing only.
func (c *Context) Connect(ctx context.Context) error {
	if c.state != ContextUnconnected {
		return c.reject(CodeBadState, "connect in state %s", c.state)
	}
	addr, err := netutil.ParseAddress(c.cfg.Server)
	if err != nil {
		return c.reject(CodeInvalid, "server address: %v", err)
	}

	ctx = traceutil.EnsureTraceID(ctx)
	c.lg = c.lg.With(zap.String("server", addr.String()), traceutil.TraceLogField(ctx))
	c.setState(ContextConnecting)

	timeout := c.cfg.DialTimeout
	go func() {
		conn, err := dial(ctx, addr, timeout)
		c.loop.Post(func() { c.onConnect(conn, err) })
	}()
	return nil
}

func (c *Context) onConnect(conn net.Conn, err error) {
	if err != nil {
		c.lg.Warn("failed to connect", zap.Error(err))
		if c.state == ContextConnecting {
			c.fail(CodeConnectionRefused)
		}
		return
	}
	if c.state != ContextConnecting {
		_ = conn.Close()
		return
	}
	c.attach(newConnStream(conn, c.loop, c, c.lg))
}

// attach starts the session on an established connection
func (c *Context) attach(ps packetStream) {
	c.conn = ps
	c.dispatcher = dispatch.New(c.loop, c.commandTable(), c.lg)
	c.setState(ContextSettingName)

	ts, tag := c.newCommand(command.SetClientName)
	ts.PutString(c.cfg.Name)
	c.request(ts, tag, c.onSetNameReply)
}

func (c *Context) onSetNameReply(cmd command.Command, ts *tagstruct.TagStruct) {
	if c.state != ContextSettingName {
		return
	}
	if cmd != command.Reply {
		if c.handleError(cmd, ts) == nil {
			c.fail(c.errno)
		}
		return
	}
	c.setState(ContextReady)
}

// Disconnect closes the connection. Every stream is terminated.
func (c *Context) Disconnect() {
	c.setState(ContextTerminated)
}

// Drain calls fn once no request is waiting for a reply anymore
func (c *Context) Drain(fn func(c *Context)) error {
	if c.state != ContextReady {
		return c.reject(CodeBadState, "drain in state %s", c.state)
	}
	if !c.IsPending() {
		return c.reject(CodeBadState, "nothing to drain")
	}
	d := c.dispatcher
	d.SetDrainCallback(func() {
		d.SetDrainCallback(nil)
		if fn != nil {
			fn(c)
		}
	})
	return nil
}

func (c *Context) commandTable() dispatch.Table {
	return dispatch.Table{
		command.Request:              c.handleRequest,
		command.Overflow:             c.handleOverflowUnderflow,
		command.Underflow:            c.handleOverflowUnderflow,
		command.PlaybackStreamKilled: c.handleStreamKilled,
		command.RecordStreamKilled:   c.handleStreamKilled,
	}
}

func (c *Context) setState(st ContextState) {
	if c.state == st || c.state.IsTerminal() {
		return
	}
	old := c.state
	c.state = st
	c.lg.Info("context state changed", zap.Stringer("from", old), zap.Stringer("to", st))

	if st.IsTerminal() {
		streamState := StreamFailed
		if st == ContextTerminated {
			streamState = StreamTerminated
		}
		for _, s := range slices.Clone(c.streams) {
			s.setState(streamState)
		}
		for o := range c.operations {
			o.Cancel()
		}
		if d := c.dispatcher; d != nil {
			d.Close()
			c.dispatcher = nil
		}
		if ps := c.conn; ps != nil {
			c.conn = nil
			ps.Close()
		}
	}

	if c.stateCallback != nil {
		c.stateCallback(c)
	}
}

// fail records code and moves the context to Failed
func (c *Context) fail(code Code) {
	if c.state.IsTerminal() {
		return
	}
	c.errno = code
	c.lg.Warn("context failed", zap.Stringer("code", code))
	c.setState(ContextFailed)
}

// reject records code and returns it as an error for a refused call
func (c *Context) reject(code Code, format string, args ...any) error {
	c.errno = code
	return errors.WithMessagef(&Error{Code: code}, format, args...)
}

// handleError records the error carried by a failed reply. A non-nil result
// means the reply could not be handled because the context has failed or
// is failing, and the caller must not touch the request state.
func (c *Context) handleError(cmd command.Command, ts *tagstruct.TagStruct) error {
	if c.state.IsTerminal() {
		return errors.WithMessagef(ErrConnectionTerminated, "context is %s", c.state)
	}
	switch cmd {
	case command.Error:
		code, err := ts.GetU32()
		if err != nil {
			c.fail(CodeProtocol)
			return errors.WithMessage(ErrProtocol, "decode error code")
		}
		c.errno = Code(code)
		if _, ok := EnumNamesCode[c.errno]; !ok || c.errno == CodeOK {
			c.errno = CodeUnknown
		}
	case command.Timeout:
		c.errno = CodeTimeout
	default:
		c.fail(CodeProtocol)
		return errors.WithMessagef(ErrProtocol, "unexpected reply %s", cmd)
	}
	c.metrics.replyError(c.errno)
	return nil
}

// newCommand starts a request packet and returns its tag
func (c *Context) newCommand(cmd command.Command) (*tagstruct.TagStruct, uint32) {
	tag := c.ctag
	c.ctag++
	ts := tagstruct.New()
	ts.PutU32(uint32(cmd))
	ts.PutU32(tag)
	return ts, tag
}

func (c *Context) send(ts *tagstruct.TagStruct) {
	if c.conn != nil {
		c.conn.SendPacket(ts.Bytes())
	}
}

// request sends ts and registers fn for its reply
func (c *Context) request(ts *tagstruct.TagStruct, tag uint32, fn dispatch.ReplyFunc) {
	c.send(ts)
	c.dispatcher.Register(tag, c.cfg.RequestTimeout, fn)
}

func (c *Context) receivePacket(payload []byte) {
	if c.dispatcher == nil {
		return
	}
	if err := c.dispatcher.Run(payload); err != nil {
		c.lg.Error("failed to dispatch packet", zap.Error(err))
		c.fail(CodeProtocol)
	}
}

func (c *Context) receiveMemblock(channel uint32, _ int64, _ codec.SeekMode, chunk memblock.Chunk) {
	defer chunk.Unref()
	if s := c.record.get(channel); s != nil {
		s.receive(chunk)
	}
}

func (c *Context) connectionDied(err error) {
	if c.state.IsTerminal() {
		return
	}
	c.lg.Warn("connection died", zap.Error(err))
	c.fail(CodeConnectionTerminated)
}

func (c *Context) addStream(s *Stream) {
	c.streams = append(c.streams, s)
	c.metrics.streamAdded()
}

func (c *Context) removeStream(s *Stream) {
	if i := slices.Index(c.streams, s); i >= 0 {
		c.streams = slices.Delete(c.streams, i, i+1)
		c.metrics.streamRemoved()
	}
}
