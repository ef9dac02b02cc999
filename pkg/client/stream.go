package client

import (
	"time"

	"go.uber.org/zap"

	"github.com/AutoMQ/audiostream/pkg/mainloop"
	"github.com/AutoMQ/audiostream/pkg/memblock"
	"github.com/AutoMQ/audiostream/pkg/proto/command"
	"github.com/AutoMQ/audiostream/pkg/proto/tagstruct"
	"github.com/AutoMQ/audiostream/pkg/sample"
	"github.com/AutoMQ/audiostream/pkg/util/logutil"
)

// InvalidIndex is the device index of a stream the server did not report
const InvalidIndex uint32 = 0xFFFFFFFF

// StreamState is the state of a stream
type StreamState int

const (
	StreamUnconnected StreamState = iota
	StreamCreating
	StreamReady
	StreamFailed
	StreamTerminated
)

func (s StreamState) String() string {
	switch s {
	case StreamUnconnected:
		return "Unconnected"
	case StreamCreating:
		return "Creating"
	case StreamReady:
		return "Ready"
	case StreamFailed:
		return "Failed"
	case StreamTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// IsTerminal reports whether s is Failed or Terminated
func (s StreamState) IsTerminal() bool {
	return s == StreamFailed || s == StreamTerminated
}

// Direction is the direction of audio data of a stream
type Direction int

const (
	NoDirection Direction = iota
	Playback
	Record
	Upload
)

func (d Direction) String() string {
	switch d {
	case NoDirection:
		return "NoDirection"
	case Playback:
		return "Playback"
	case Record:
		return "Record"
	case Upload:
		return "Upload"
	default:
		return "Unknown"
	}
}

// StreamFlags modify how a stream is created
type StreamFlags uint32

const (
	// FlagStartCorked creates the stream paused
	FlagStartCorked StreamFlags = 1 << iota
	// FlagInterpolateLatency keeps a latency model refreshed in the background
	FlagInterpolateLatency

	_validFlags = FlagStartCorked | FlagInterpolateLatency
)

// BufferAttr are the buffering parameters of a stream, in bytes
type BufferAttr struct {
	MaxLength    uint32
	TargetLength uint32
	PreBuf       uint32
	MinReq       uint32
	FragSize     uint32
}

// defaultBufferAttr returns half a second of target length
func defaultBufferAttr(spec *sample.Spec) BufferAttr {
	tlength := uint32(spec.BytesPerSecond() / 2)
	minreq := tlength / 100
	return BufferAttr{
		MaxLength:    tlength * 3 / 2,
		TargetLength: tlength,
		MinReq:       minreq,
		PreBuf:       tlength - minreq,
		FragSize:     tlength / 100,
	}
}

// Stream is a playback, record or upload stream on a Context.
//
// A new stream holds a reference for its caller, released with Unref.
type Stream struct {
	ctx  *Context
	refs int

	name       string
	spec       sample.Spec
	channelMap sample.ChannelMap
	attr       BufferAttr
	direction  Direction
	state      StreamState

	channel      uint32
	channelValid bool
	syncID       uint32
	deviceIndex  uint32

	// requested is the write credit granted by the server
	requested uint32
	// counter counts bytes written or read
	counter uint64
	corked  bool

	interpolate      bool
	previousTime     time.Duration
	previousIpolTime time.Duration
	ipolValue        time.Duration
	ipolTimestamp    time.Time
	ipolEvent        *mainloop.TimeEvent
	ipolRequested    bool

	queue *memblock.Queue
	peek  memblock.Chunk

	readCallback      func(s *Stream, length int)
	writeCallback     func(s *Stream, length int)
	stateCallback     func(s *Stream)
	overflowCallback  func(s *Stream)
	underflowCallback func(s *Stream)

	lg *zap.Logger
}

// NewStream creates an unconnected stream. A nil channel map means the
// default map for the channel count of spec.
func NewStream(c *Context, name string, spec *sample.Spec, channelMap *sample.ChannelMap) (*Stream, error) {
	if c.state.IsTerminal() {
		return nil, c.reject(CodeBadState, "new stream on %s context", c.state)
	}
	if spec == nil || !spec.Valid() {
		return nil, c.reject(CodeInvalid, "invalid sample spec %v", spec)
	}
	cm := sample.AutoChannelMap(spec.Channels)
	if channelMap != nil {
		if !channelMap.Valid() || channelMap.Channels != spec.Channels {
			return nil, c.reject(CodeInvalid, "channel map does not match %d channels", spec.Channels)
		}
		cm = *channelMap
	}

	s := &Stream{
		ctx:         c,
		refs:        2, // the caller and the context
		name:        name,
		spec:        *spec,
		channelMap:  cm,
		syncID:      c.csyncid,
		deviceIndex: InvalidIndex,
		lg:          c.lg.With(zap.String("stream", name)),
	}
	c.csyncid++
	c.addStream(s)
	return s, nil
}

// Ref takes a reference on s and returns it
func (s *Stream) Ref() *Stream {
	if s.refs <= 0 {
		panic("client: ref of released stream")
	}
	s.refs++
	return s
}

// Unref releases a reference. The last one frees the stream's resources.
func (s *Stream) Unref() {
	s.refs--
	switch {
	case s.refs == 0:
		s.teardown()
	case s.refs < 0:
		panic("client: unref of released stream")
	}
}

func (s *Stream) teardown() {
	if s.ipolEvent != nil {
		s.ipolEvent.Free()
		s.ipolEvent = nil
	}
	if !s.peek.IsZero() {
		s.peek.Unref()
		s.peek = memblock.Chunk{}
	}
	if s.queue != nil {
		s.queue.Flush()
		s.queue = nil
	}
}

// State returns the state of s
func (s *Stream) State() StreamState {
	return s.state
}

// Context returns the context s was created on
func (s *Stream) Context() *Context {
	return s.ctx
}

// Name returns the name the stream was created with
func (s *Stream) Name() string {
	return s.name
}

// Direction returns the direction set by connecting
func (s *Stream) Direction() Direction {
	return s.direction
}

// SampleSpec returns the sample format of s
func (s *Stream) SampleSpec() sample.Spec {
	return s.spec
}

// ChannelMap returns the channel map of s
func (s *Stream) ChannelMap() sample.ChannelMap {
	return s.channelMap
}

// BufferAttr returns the buffer attributes requested on connect
func (s *Stream) BufferAttr() BufferAttr {
	return s.attr
}

// Index returns the index of the device the stream is connected to
func (s *Stream) Index() (uint32, error) {
	if s.state != StreamReady {
		return InvalidIndex, s.ctx.reject(CodeBadState, "index of %s stream", s.state)
	}
	return s.deviceIndex, nil
}

// Counter returns the number of bytes written to or read from s
func (s *Stream) Counter() (uint64, error) {
	if s.state != StreamReady {
		return 0, s.ctx.reject(CodeBadState, "counter of %s stream", s.state)
	}
	return s.counter, nil
}

// SetStateCallback sets a function called after every state change
func (s *Stream) SetStateCallback(fn func(s *Stream)) {
	s.stateCallback = fn
}

// SetReadCallback sets a function called when record data arrived, with the
// readable length
func (s *Stream) SetReadCallback(fn func(s *Stream, length int)) {
	s.readCallback = fn
}

// SetWriteCallback sets a function called when the server grants write
// credit, with the writable length
func (s *Stream) SetWriteCallback(fn func(s *Stream, length int)) {
	s.writeCallback = fn
}

// SetOverflowCallback sets a function called when the server buffer overflowed
func (s *Stream) SetOverflowCallback(fn func(s *Stream)) {
	s.overflowCallback = fn
}

// SetUnderflowCallback sets a function called when the server buffer ran empty
func (s *Stream) SetUnderflowCallback(fn func(s *Stream)) {
	s.underflowCallback = fn
}

// table returns the channel table of the direction of s
func (s *Stream) table() *channelTable {
	if s.direction == Record {
		return &s.ctx.record
	}
	return &s.ctx.playback
}

func (s *Stream) setState(st StreamState) {
	if s.state == st || s.state.IsTerminal() {
		return
	}
	s.Ref()
	defer s.Unref()

	old := s.state
	s.state = st
	s.lg.Info("stream state changed", zap.Stringer("from", old), zap.Stringer("to", st))
	s.ctx.metrics.streamState(st)

	if st.IsTerminal() {
		if s.ipolEvent != nil {
			s.ipolEvent.Disable()
		}
		if s.channelValid {
			s.table().put(s.channel, nil)
		}
		s.ctx.removeStream(s)
		s.Unref()
	}

	if s.stateCallback != nil {
		s.stateCallback(s)
	}
}

// ConnectPlayback creates a playback stream on the server. dev is the sink,
// empty for the configured default. attr, volume and sync are optional;
// sync puts the stream into the synchronization group of another playback stream.
func (s *Stream) ConnectPlayback(dev string, attr *BufferAttr, flags StreamFlags, volume *sample.CVolume, sync *Stream) error {
	return s.connect(Playback, dev, attr, flags, volume, sync)
}

// ConnectRecord creates a record stream on the server. dev is the source,
// empty for the configured default. attr is optional.
func (s *Stream) ConnectRecord(dev string, attr *BufferAttr, flags StreamFlags) error {
	return s.connect(Record, dev, attr, flags, nil, nil)
}

func (s *Stream) connect(dir Direction, dev string, attr *BufferAttr, flags StreamFlags, volume *sample.CVolume, sync *Stream) error {
	c := s.ctx
	switch {
	case s.state != StreamUnconnected:
		return c.reject(CodeBadState, "connect %s stream", s.state)
	case c.state != ContextReady:
		return c.reject(CodeBadState, "connect on %s context", c.state)
	case flags&^_validFlags != 0:
		return c.reject(CodeInvalid, "unknown flags %#x", uint32(flags))
	case dir != Playback && flags != 0:
		return c.reject(CodeInvalid, "flags on %s stream", dir)
	case volume != nil && volume.Channels != s.spec.Channels:
		return c.reject(CodeInvalid, "volume has %d channels, stream has %d", volume.Channels, s.spec.Channels)
	case sync != nil && (dir != Playback || sync.direction != Playback):
		return c.reject(CodeInvalid, "sync stream is %s", sync.direction)
	}

	s.attr = defaultBufferAttr(&s.spec)
	if attr != nil {
		s.attr = *attr
	}
	if dir == Record && int(s.attr.MaxLength) < s.spec.FrameSize() {
		return c.reject(CodeInvalid, "max length %d below frame size", s.attr.MaxLength)
	}

	s.Ref()
	defer s.Unref()

	s.direction = dir
	if sync != nil {
		s.syncID = sync.syncID
	}
	s.interpolate = flags&FlagInterpolateLatency != 0
	s.corked = flags&FlagStartCorked != 0
	s.trashIpol()

	if dev == "" {
		if dir == Playback {
			dev = c.cfg.DefaultSink
		} else {
			dev = c.cfg.DefaultSource
		}
	}

	cmd := command.CreateRecordStream
	if dir == Playback {
		cmd = command.CreatePlaybackStream
	}
	ts, tag := c.newCommand(cmd)
	ts.PutString(s.name)
	ts.PutSampleSpec(&s.spec)
	ts.PutChannelMap(&s.channelMap)
	ts.PutU32(InvalidIndex)
	if dev == "" {
		ts.PutNullString()
	} else {
		ts.PutString(dev)
	}
	ts.PutU32(s.attr.MaxLength)
	ts.PutBool(s.corked)
	if dir == Playback {
		ts.PutU32(s.attr.TargetLength)
		ts.PutU32(s.attr.PreBuf)
		ts.PutU32(s.attr.MinReq)
		ts.PutU32(s.syncID)
		if volume == nil {
			cv := sample.ResetVolume(s.spec.Channels)
			volume = &cv
		}
		ts.PutCVolume(volume)
	} else {
		ts.PutU32(s.attr.FragSize)
	}

	c.request(ts, tag, s.Ref().onCreateReply)
	s.setState(StreamCreating)
	return nil
}

// onCreateReply owns a reference taken when the request was sent
func (s *Stream) onCreateReply(cmd command.Command, ts *tagstruct.TagStruct) {
	defer s.Unref()
	// besides the context and this handler
	external := s.refs > 2

	c := s.ctx
	if s.state != StreamCreating {
		return
	}
	if cmd != command.Reply {
		if c.handleError(cmd, ts) != nil {
			return
		}
		s.setState(StreamFailed)
		return
	}

	channel, err := ts.GetU32()
	if err == nil && s.direction != Upload {
		s.deviceIndex, err = ts.GetU32()
	}
	if err == nil && s.direction != Record {
		s.requested, err = ts.GetU32()
	}
	if err != nil || !ts.EOF() {
		s.lg.Error("malformed create reply", zap.Error(err))
		c.fail(CodeProtocol)
		return
	}
	if channel >= _maxChannel {
		s.lg.Error("channel out of range in create reply", zap.Uint32("channel", channel))
		c.fail(CodeProtocol)
		return
	}

	if s.direction == Record {
		q, err := memblock.NewQueue(int(s.attr.MaxLength), s.spec.FrameSize())
		if err != nil {
			s.lg.Error("failed to create record queue", zap.Error(err))
			c.fail(CodeInternal)
			return
		}
		s.queue = q
	}

	s.channel = channel
	s.channelValid = true
	s.table().put(channel, s)
	s.lg = s.lg.With(zap.Uint32("channel", channel))

	if s.interpolate {
		s.ipolEvent = c.loop.TimeNew(c.loop.Now().Add(c.cfg.InterpolationInterval), s.onIpolTimer)
	}
	s.setState(StreamReady)
	if s.interpolate {
		s.refreshLatency()
		s.ipolRequested = true
	}

	if s.requested > 0 && external && s.writeCallback != nil {
		s.writeCallback(s, int(s.requested))
	}
}

// Disconnect deletes the stream on the server. The stream terminates when
// the server acknowledges.
func (s *Stream) Disconnect() error {
	c := s.ctx
	if !s.channelValid || s.state.IsTerminal() {
		return c.reject(CodeBadState, "disconnect %s stream", s.state)
	}
	if c.state != ContextReady {
		return c.reject(CodeBadState, "disconnect on %s context", c.state)
	}

	var cmd command.Command
	switch s.direction {
	case Playback:
		cmd = command.DeletePlaybackStream
	case Record:
		cmd = command.DeleteRecordStream
	default:
		cmd = command.DeleteUploadStream
	}
	ts, tag := c.newCommand(cmd)
	ts.PutU32(s.channel)
	c.request(ts, tag, s.Ref().onDisconnectReply)
	return nil
}

// onDisconnectReply owns a reference taken when the request was sent
func (s *Stream) onDisconnectReply(cmd command.Command, ts *tagstruct.TagStruct) {
	defer s.Unref()

	c := s.ctx
	if s.state.IsTerminal() {
		return
	}
	if cmd != command.Reply {
		if c.handleError(cmd, ts) != nil {
			return
		}
		s.setState(StreamFailed)
		return
	}
	if !ts.EOF() {
		c.fail(CodeProtocol)
		return
	}
	s.setState(StreamTerminated)
}

// handleStreamKilled handles the server killing a stream
func (c *Context) handleStreamKilled(cmd command.Command, _ uint32, ts *tagstruct.TagStruct) {
	channel, err := ts.GetU32()
	if err != nil || !ts.EOF() {
		c.lg.Error("malformed kill", zap.Stringer("command", cmd), zap.Error(err))
		c.fail(CodeProtocol)
		return
	}

	table := &c.playback
	if cmd == command.RecordStreamKilled {
		table = &c.record
	}
	s := table.get(channel)
	if s == nil {
		return
	}
	s.lg.Warn("stream killed by server")
	c.errno = CodeKilled
	s.setState(StreamFailed)
}

// receive queues record data
func (s *Stream) receive(chunk memblock.Chunk) {
	if s.state != StreamReady || s.queue == nil {
		return
	}
	s.Ref()
	defer s.Unref()

	if dropped := s.queue.Push(chunk); dropped > 0 {
		s.lg.Warn("record queue overrun", zap.Int("dropped", dropped))
	}
	s.ctx.metrics.bytesRead(chunk.Length)
	if logutil.DebugEnabled(s.lg) {
		s.lg.Debug("record data", zap.Int("length", chunk.Length), zap.Int("queued", s.queue.Length()))
	}
	if s.readCallback != nil {
		s.readCallback(s, s.queue.Length())
	}
}
