package server

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/AutoMQ/audiostream/pkg/client"
	"github.com/AutoMQ/audiostream/pkg/proto/command"
	"github.com/AutoMQ/audiostream/pkg/proto/tagstruct"
	"github.com/AutoMQ/audiostream/pkg/sample"
)

const (
	// SinkName is the only sink of the server
	SinkName = "null"
	// SourceName is the only source of the server, the monitor of the sink
	SourceName = "null.monitor"

	_sinkIndex   uint32 = 0
	_sourceIndex uint32 = 0

	_maxQueueLength   = 4 << 20
	_maxUploadLength  = 16 << 20
	_defaultFragment  = 25 * time.Millisecond
	_defaultMinReqDiv = 4
)

// commandFunc handles a request. A non-nil error means the packet could
// not be decoded and closes the connection.
type commandFunc func(c *conn, tag uint32, ts *tagstruct.TagStruct) error

var _commandTable = map[command.Command]commandFunc{
	command.SetClientName:         (*conn).setClientName,
	command.CreatePlaybackStream:  (*conn).createPlaybackStream,
	command.DeletePlaybackStream:  (*conn).deletePlaybackStream,
	command.CreateRecordStream:    (*conn).createRecordStream,
	command.DeleteRecordStream:    (*conn).deleteRecordStream,
	command.CreateUploadStream:    (*conn).createUploadStream,
	command.DeleteUploadStream:    (*conn).deleteUploadStream,
	command.FinishUploadStream:    (*conn).finishUploadStream,
	command.DrainPlaybackStream:   (*conn).drainPlaybackStream,
	command.CorkPlaybackStream:    (*conn).corkPlaybackStream,
	command.FlushPlaybackStream:   (*conn).flushPlaybackStream,
	command.TriggerPlaybackStream: (*conn).triggerPlaybackStream,
	command.PrebufPlaybackStream:  (*conn).prebufPlaybackStream,
	command.SetPlaybackStreamName: (*conn).setPlaybackStreamName,
	command.GetPlaybackLatency:    (*conn).getPlaybackLatency,
	command.CorkRecordStream:      (*conn).corkRecordStream,
	command.FlushRecordStream:     (*conn).flushRecordStream,
	command.SetRecordStreamName:   (*conn).setRecordStreamName,
	command.GetRecordLatency:      (*conn).getRecordLatency,
}

// decoder reads fields until the first error
type decoder struct {
	ts  *tagstruct.TagStruct
	err error
}

func (d *decoder) u32() (v uint32) {
	if d.err == nil {
		v, d.err = d.ts.GetU32()
	}
	return
}

func (d *decoder) u64() (v uint64) {
	if d.err == nil {
		v, d.err = d.ts.GetU64()
	}
	return
}

func (d *decoder) bool() (v bool) {
	if d.err == nil {
		v, d.err = d.ts.GetBool()
	}
	return
}

// string returns false for a null string
func (d *decoder) string() (s string, ok bool) {
	if d.err == nil {
		s, ok, d.err = d.ts.GetString()
	}
	return
}

func (d *decoder) timeval() (v time.Time) {
	if d.err == nil {
		v, d.err = d.ts.GetTimeval()
	}
	return
}

func (d *decoder) sampleSpec() (v sample.Spec) {
	if d.err == nil {
		v, d.err = d.ts.GetSampleSpec()
	}
	return
}

func (d *decoder) channelMap() (v sample.ChannelMap) {
	if d.err == nil {
		v, d.err = d.ts.GetChannelMap()
	}
	return
}

func (d *decoder) cvolume() (v sample.CVolume) {
	if d.err == nil {
		v, d.err = d.ts.GetCVolume()
	}
	return
}

// finish checks that the whole packet was read
func (d *decoder) finish() error {
	if d.err == nil && !d.ts.EOF() {
		d.err = errors.New("trailing data")
	}
	if d.err != nil {
		return errors.WithMessage(errProtocol, d.err.Error())
	}
	return nil
}

func (c *conn) setClientName(tag uint32, ts *tagstruct.TagStruct) error {
	d := decoder{ts: ts}
	name, ok := d.string()
	if err := d.finish(); err != nil {
		return err
	}
	if !ok || name == "" {
		c.replyError(tag, client.CodeInvalid)
		return nil
	}
	if c.name == "" {
		c.lg = c.lg.With(zap.String("client-name", name))
	}
	c.name = name
	c.reply(tag)
	return nil
}

// checkFormat returns the error code for a sample spec and channel map the server cannot use
func checkFormat(spec *sample.Spec, cm *sample.ChannelMap) client.Code {
	if !spec.Valid() || !cm.Valid() || cm.Channels != spec.Channels {
		return client.CodeInvalid
	}
	return client.CodeOK
}

func alignDown(v uint32, frameSize uint32) uint32 {
	return v - v%frameSize
}

// fixPlaybackAttr clamps the requested buffer metrics to what the server supports
func fixPlaybackAttr(a *client.BufferAttr, spec *sample.Spec) {
	fs := uint32(spec.FrameSize())
	atLeastFrame := func(v uint32) uint32 {
		return max(alignDown(v, fs), fs)
	}
	if a.MaxLength == 0 || a.MaxLength > _maxQueueLength {
		a.MaxLength = _maxQueueLength
	}
	a.MaxLength = atLeastFrame(a.MaxLength)
	if a.TargetLength == 0 || a.TargetLength > a.MaxLength {
		a.TargetLength = a.MaxLength
	}
	a.TargetLength = atLeastFrame(a.TargetLength)
	if a.MinReq == 0 {
		a.MinReq = a.TargetLength / _defaultMinReqDiv
	}
	a.MinReq = atLeastFrame(min(a.MinReq, a.TargetLength))
	a.PreBuf = alignDown(min(a.PreBuf, a.TargetLength), fs)
}

// fixRecordAttr clamps the requested buffer metrics to what the server supports
func fixRecordAttr(a *client.BufferAttr, spec *sample.Spec) {
	fs := uint32(spec.FrameSize())
	if a.MaxLength == 0 || a.MaxLength > _maxQueueLength {
		a.MaxLength = _maxQueueLength
	}
	a.MaxLength = max(alignDown(a.MaxLength, fs), fs)
	if a.FragSize == 0 {
		a.FragSize = uint32(spec.DurationToBytes(_defaultFragment))
	}
	a.FragSize = max(alignDown(min(a.FragSize, a.MaxLength), fs), fs)
}

func (c *conn) createPlaybackStream(tag uint32, ts *tagstruct.TagStruct) error {
	d := decoder{ts: ts}
	name, _ := d.string()
	spec := d.sampleSpec()
	cm := d.channelMap()
	_ = d.u32() // sink index, the sink is named
	dev, hasDev := d.string()
	attr := client.BufferAttr{MaxLength: d.u32()}
	corked := d.bool()
	attr.TargetLength = d.u32()
	attr.PreBuf = d.u32()
	attr.MinReq = d.u32()
	_ = d.u32() // sync group, there is one sink only
	cv := d.cvolume()
	if err := d.finish(); err != nil {
		return err
	}

	if code := checkFormat(&spec, &cm); code != client.CodeOK {
		c.replyError(tag, code)
		return nil
	}
	if !cv.Valid() || cv.Channels != spec.Channels {
		c.replyError(tag, client.CodeInvalid)
		return nil
	}
	if hasDev && dev != SinkName {
		c.replyError(tag, client.CodeNoEntity)
		return nil
	}
	fixPlaybackAttr(&attr, &spec)

	channel := c.newOutputChannel()
	p := &playbackStream{
		entry:        c.newEntry(name, client.Playback, channel),
		spec:         spec,
		attr:         attr,
		corked:       corked,
		prebuffering: attr.PreBuf > 0,
		underrun:     true,
		missing:      uint64(attr.TargetLength),
	}
	c.playback[channel] = p
	c.server.register(p.entry)
	c.lg.Info("playback stream created", zap.String("stream", name), zap.Uint32("channel", channel), zap.Stringer("spec", spec))

	r := c.newReply(tag)
	r.PutU32(channel)
	r.PutU32(_sinkIndex)
	r.PutU32(attr.TargetLength)
	c.writePacket(r)
	return nil
}

func (c *conn) createRecordStream(tag uint32, ts *tagstruct.TagStruct) error {
	d := decoder{ts: ts}
	name, _ := d.string()
	spec := d.sampleSpec()
	cm := d.channelMap()
	_ = d.u32() // source index, the source is named
	dev, hasDev := d.string()
	attr := client.BufferAttr{MaxLength: d.u32()}
	corked := d.bool()
	attr.FragSize = d.u32()
	if err := d.finish(); err != nil {
		return err
	}

	if code := checkFormat(&spec, &cm); code != client.CodeOK {
		c.replyError(tag, code)
		return nil
	}
	if hasDev && dev != SourceName {
		c.replyError(tag, client.CodeNoEntity)
		return nil
	}
	fixRecordAttr(&attr, &spec)

	channel := c.newRecordChannel()
	r := &recordStream{
		entry:   c.newEntry(name, client.Record, channel),
		spec:    spec,
		attr:    attr,
		corked:  corked,
		silence: newSilence(&spec, attr.FragSize),
	}
	c.record[channel] = r
	c.server.register(r.entry)
	c.lg.Info("record stream created", zap.String("stream", name), zap.Uint32("channel", channel), zap.Stringer("spec", spec))

	reply := c.newReply(tag)
	reply.PutU32(channel)
	reply.PutU32(_sourceIndex)
	c.writePacket(reply)
	return nil
}

func (c *conn) createUploadStream(tag uint32, ts *tagstruct.TagStruct) error {
	d := decoder{ts: ts}
	name, _ := d.string()
	spec := d.sampleSpec()
	cm := d.channelMap()
	length := d.u32()
	if err := d.finish(); err != nil {
		return err
	}

	if code := checkFormat(&spec, &cm); code != client.CodeOK {
		c.replyError(tag, code)
		return nil
	}
	if name == "" || length == 0 || length > _maxUploadLength || length%uint32(spec.FrameSize()) != 0 {
		c.replyError(tag, client.CodeInvalid)
		return nil
	}

	channel := c.newOutputChannel()
	u := &uploadStream{
		entry:      c.newEntry(name, client.Upload, channel),
		spec:       spec,
		channelMap: cm,
		length:     length,
		data:       make([]byte, 0, length),
	}
	c.uploads[channel] = u
	c.server.register(u.entry)

	r := c.newReply(tag)
	r.PutU32(channel)
	r.PutU32(length)
	c.writePacket(r)
	return nil
}

// channelArgs decodes a channel followed by what more reads, and checks for trailing data
func channelArgs(ts *tagstruct.TagStruct, more func(d *decoder)) (uint32, error) {
	d := decoder{ts: ts}
	channel := d.u32()
	if more != nil {
		more(&d)
	}
	return channel, d.finish()
}

// playbackArgs returns the playback stream a request is for, or nil if it
// has answered the request with an error
func (c *conn) playbackArgs(tag uint32, ts *tagstruct.TagStruct, more func(d *decoder)) (*playbackStream, error) {
	channel, err := channelArgs(ts, more)
	if err != nil {
		return nil, err
	}
	p, ok := c.playback[channel]
	if !ok {
		c.replyError(tag, client.CodeNoEntity)
		return nil, nil
	}
	return p, nil
}

func (c *conn) recordArgs(tag uint32, ts *tagstruct.TagStruct, more func(d *decoder)) (*recordStream, error) {
	channel, err := channelArgs(ts, more)
	if err != nil {
		return nil, err
	}
	r, ok := c.record[channel]
	if !ok {
		c.replyError(tag, client.CodeNoEntity)
		return nil, nil
	}
	return r, nil
}

func (c *conn) uploadArgs(tag uint32, ts *tagstruct.TagStruct) (*uploadStream, error) {
	channel, err := channelArgs(ts, nil)
	if err != nil {
		return nil, err
	}
	u, ok := c.uploads[channel]
	if !ok {
		c.replyError(tag, client.CodeNoEntity)
		return nil, nil
	}
	return u, nil
}

func (c *conn) deletePlaybackStream(tag uint32, ts *tagstruct.TagStruct) error {
	p, err := c.playbackArgs(tag, ts, nil)
	if p == nil {
		return err
	}
	c.removePlayback(p)
	c.reply(tag)
	return nil
}

func (c *conn) deleteRecordStream(tag uint32, ts *tagstruct.TagStruct) error {
	r, err := c.recordArgs(tag, ts, nil)
	if r == nil {
		return err
	}
	c.removeRecord(r)
	c.reply(tag)
	return nil
}

func (c *conn) deleteUploadStream(tag uint32, ts *tagstruct.TagStruct) error {
	u, err := c.uploadArgs(tag, ts)
	if u == nil {
		return err
	}
	c.removeUpload(u)
	c.reply(tag)
	return nil
}

func (c *conn) finishUploadStream(tag uint32, ts *tagstruct.TagStruct) error {
	u, err := c.uploadArgs(tag, ts)
	if u == nil {
		return err
	}
	c.removeUpload(u)

	name := *u.entry.name.Load()
	c.server.samples.Set(name, &Sample{
		Name:       name,
		Spec:       u.spec,
		ChannelMap: u.channelMap,
		Data:       u.data,
	})
	c.lg.Info("sample stored", zap.String("sample", name), zap.Int("length", len(u.data)))
	c.reply(tag)
	return nil
}

func (c *conn) drainPlaybackStream(tag uint32, ts *tagstruct.TagStruct) error {
	p, err := c.playbackArgs(tag, ts, nil)
	if p == nil {
		return err
	}
	// draining plays what is queued even below the prebuffer
	p.prebuffering = false
	if p.queued() == 0 {
		c.reply(tag)
		return nil
	}
	p.drains = append(p.drains, tag)
	return nil
}

func (c *conn) corkPlaybackStream(tag uint32, ts *tagstruct.TagStruct) error {
	var b bool
	p, err := c.playbackArgs(tag, ts, func(d *decoder) { b = d.bool() })
	if p == nil {
		return err
	}
	p.corked = b
	c.reply(tag)
	return nil
}

func (c *conn) flushPlaybackStream(tag uint32, ts *tagstruct.TagStruct) error {
	p, err := c.playbackArgs(tag, ts, nil)
	if p == nil {
		return err
	}
	p.writeIndex = p.readIndex
	p.endIndex = p.readIndex
	p.underrun = true
	p.prebuffering = p.attr.PreBuf > 0
	c.reply(tag)
	c.completeDrains(p)
	c.requestCredit(p)
	return nil
}

func (c *conn) triggerPlaybackStream(tag uint32, ts *tagstruct.TagStruct) error {
	p, err := c.playbackArgs(tag, ts, nil)
	if p == nil {
		return err
	}
	p.prebuffering = false
	c.reply(tag)
	return nil
}

func (c *conn) prebufPlaybackStream(tag uint32, ts *tagstruct.TagStruct) error {
	p, err := c.playbackArgs(tag, ts, nil)
	if p == nil {
		return err
	}
	p.prebuffering = p.attr.PreBuf > 0
	c.reply(tag)
	return nil
}

func (c *conn) setPlaybackStreamName(tag uint32, ts *tagstruct.TagStruct) error {
	var name string
	p, err := c.playbackArgs(tag, ts, func(d *decoder) { name, _ = d.string() })
	if p == nil {
		return err
	}
	p.entry.name.Store(&name)
	c.reply(tag)
	return nil
}

func (c *conn) getPlaybackLatency(tag uint32, ts *tagstruct.TagStruct) error {
	var (
		local   time.Time
		counter uint64
	)
	p, err := c.playbackArgs(tag, ts, func(d *decoder) {
		local = d.timeval()
		counter = d.u64()
	})
	if p == nil {
		return err
	}

	queued := p.queued()
	r := c.newReply(tag)
	r.PutUsec(p.spec.BytesToDuration(queued))
	r.PutUsec(c.server.cfg.SinkLatency)
	r.PutUsec(0)
	r.PutBool(p.playing())
	r.PutU32(uint32(min(queued, uint64(p.attr.MaxLength))))
	r.PutTimeval(local)
	r.PutTimeval(c.server.clock.Now())
	r.PutU64(counter)
	c.writePacket(r)
	return nil
}

func (c *conn) corkRecordStream(tag uint32, ts *tagstruct.TagStruct) error {
	var b bool
	r, err := c.recordArgs(tag, ts, func(d *decoder) { b = d.bool() })
	if r == nil {
		return err
	}
	r.corked = b
	c.reply(tag)
	return nil
}

func (c *conn) flushRecordStream(tag uint32, ts *tagstruct.TagStruct) error {
	r, err := c.recordArgs(tag, ts, nil)
	if r == nil {
		return err
	}
	// nothing is buffered for record streams
	c.reply(tag)
	return nil
}

func (c *conn) setRecordStreamName(tag uint32, ts *tagstruct.TagStruct) error {
	var name string
	r, err := c.recordArgs(tag, ts, func(d *decoder) { name, _ = d.string() })
	if r == nil {
		return err
	}
	r.entry.name.Store(&name)
	c.reply(tag)
	return nil
}

func (c *conn) getRecordLatency(tag uint32, ts *tagstruct.TagStruct) error {
	var (
		local   time.Time
		counter uint64
	)
	r, err := c.recordArgs(tag, ts, func(d *decoder) {
		local = d.timeval()
		counter = d.u64()
	})
	if r == nil {
		return err
	}

	reply := c.newReply(tag)
	reply.PutUsec(0)
	reply.PutUsec(0)
	reply.PutUsec(c.server.cfg.SinkLatency)
	reply.PutBool(!r.corked)
	reply.PutU32(0)
	reply.PutTimeval(local)
	reply.PutTimeval(c.server.clock.Now())
	reply.PutU64(counter)
	c.writePacket(reply)
	return nil
}
