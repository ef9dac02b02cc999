package codec

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/bytedance/gopkg/lang/mcache"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/AutoMQ/audiostream/pkg/util/logutil"
)

const (
	_fixedHeaderLen = 20
	_minFrameLen    = _fixedHeaderLen - 4 + 4 // fixed header - frame length + checksum
	_maxFrameLen    = 16 * 1024 * 1024

	_magicCode uint8 = 23
)

// ChannelCommand is the channel of every command frame
const ChannelCommand uint32 = 0xFFFFFFFF

// Kind tells a command frame from an audio data frame
type Kind uint8

const (
	// KindCommand frames carry a tagstruct encoded command in their payload
	KindCommand Kind = iota
	// KindMemblock frames carry audio data for a stream channel
	KindMemblock
)

func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "Command"
	case KindMemblock:
		return "Memblock"
	default:
		return fmt.Sprintf("UnknownKind(%d)", uint8(k))
	}
}

// SeekMode tells the server where to place the data of a memblock frame
type SeekMode uint8

const (
	// SeekRelative places the data at the write index plus offset
	SeekRelative SeekMode = iota
	// SeekAbsolute places the data at offset
	SeekAbsolute
	// SeekRelativeOnRead places the data at the read index plus offset
	SeekRelativeOnRead
	// SeekRelativeEnd places the data at the end of the queued data plus offset
	SeekRelativeEnd
	seekModeMax
)

var EnumNamesSeekMode = map[SeekMode]string{
	SeekRelative:       "Relative",
	SeekAbsolute:       "Absolute",
	SeekRelativeOnRead: "RelativeOnRead",
	SeekRelativeEnd:    "RelativeEnd",
}

func (m SeekMode) String() string {
	if s, ok := EnumNamesSeekMode[m]; ok {
		return s
	}
	return fmt.Sprintf("UnknownSeekMode(%d)", uint8(m))
}

// Valid reports whether m is a known seek mode
func (m SeekMode) Valid() bool {
	return m < seekModeMax
}

// Frame is the unit of transfer on a connection.
//
//	+-----------------------------------------------------------------------+
//	|                           Frame Length (32)                           |
//	+-----------------+-----------------+-----------------+-----------------+
//	|  Magic Code (8) |     Kind (8)    |  Seek Mode (8)  |  Reserved (8)   |
//	+-----------------+-----------------+-----------------+-----------------+
//	|                              Channel (32)                             |
//	+-----------------------------------------------------------------------+
//	|                              Offset (64)                              |
//	|                                                                       |
//	+-----------------------------------------------------------------------+
//	|                             Payload (0...)                          ...
//	+-----------------------------------------------------------------------+
//	|                         Payload Checksum (32)                         |
//	+-----------------------------------------------------------------------+
type Frame struct {
	Kind    Kind
	Seek    SeekMode
	Channel uint32
	Offset  int64
	Payload []byte // nil for no payload
}

// NewCommandFrame returns a frame carrying an encoded command
func NewCommandFrame(payload []byte) *Frame {
	return &Frame{
		Kind:    KindCommand,
		Channel: ChannelCommand,
		Payload: payload,
	}
}

// NewMemblockFrame returns a frame carrying audio data for channel
func NewMemblockFrame(channel uint32, offset int64, seek SeekMode, payload []byte) *Frame {
	return &Frame{
		Kind:    KindMemblock,
		Seek:    seek,
		Channel: channel,
		Offset:  offset,
		Payload: payload,
	}
}

// Size returns the number of bytes that the Frame takes after encoding
func (f *Frame) Size() int {
	return _fixedHeaderLen + len(f.Payload) + 4
}

// Summarize returns all info of the frame, only for debug use
func (f *Frame) Summarize() string {
	var buf bytes.Buffer
	buf.WriteString(f.Info())
	payload := f.Payload
	const max = 256
	if len(payload) > max {
		payload = payload[:max]
	}
	_, _ = fmt.Fprintf(&buf, " payload=%q", payload)
	if len(f.Payload) > max {
		_, _ = fmt.Fprintf(&buf, " (%d bytes omitted)", len(f.Payload)-max)
	}
	return buf.String()
}

// Info returns fixed header info of the frame
func (f *Frame) Info() string {
	var buf bytes.Buffer
	_, _ = fmt.Fprintf(&buf, "size=%d", f.Size())
	_, _ = fmt.Fprintf(&buf, " kind=%s", f.Kind.String())
	_, _ = fmt.Fprintf(&buf, " channel=%d", f.Channel)
	if f.Kind == KindMemblock {
		_, _ = fmt.Fprintf(&buf, " offset=%d", f.Offset)
		_, _ = fmt.Fprintf(&buf, " seek=%s", f.Seek.String())
	}
	return buf.String()
}

// Framer reads and writes Frames
type Framer struct {
	r io.Reader
	// fixedBuf is used to cache the fixed length portion in the frame
	fixedBuf [_fixedHeaderLen]byte

	w    io.Writer
	wbuf []byte

	lg *zap.Logger
}

// NewFramer returns a Framer that writes frames to w and reads them from r
func NewFramer(w io.Writer, r io.Reader, logger *zap.Logger) *Framer {
	return &Framer{
		w:  w,
		r:  r,
		lg: logutil.OrNop(logger),
	}
}

// ReadFrame reads a single frame.
// The payload of the returned frame is only valid until free is called.
func (fr *Framer) ReadFrame() (*Frame, func(), error) {
	logger := fr.lg

	buf := fr.fixedBuf[:_fixedHeaderLen]
	_, err := io.ReadFull(fr.r, buf)
	if err != nil {
		if err != io.EOF {
			logger.Error("failed to read fixed header", zap.Error(err))
		}
		return nil, nil, errors.Wrap(err, "read fixed header")
	}
	headerBuf := bytes.NewBuffer(buf)

	frameLen := binary.BigEndian.Uint32(headerBuf.Next(4))
	if frameLen < _minFrameLen {
		logger.Error("illegal frame length, fewer than minimum", zap.Uint32("frame-length", frameLen), zap.Uint32("min-length", _minFrameLen))
		return nil, nil, errors.New("frame too small")
	}
	if frameLen > _maxFrameLen {
		logger.Error("illegal frame length, greater than maximum", zap.Uint32("frame-length", frameLen), zap.Uint32("max-length", _maxFrameLen))
		return nil, nil, errors.New("frame too large")
	}

	magicCode := headerBuf.Next(1)[0]
	if magicCode != _magicCode {
		logger.Error("illegal magic code", zap.Uint8("expected", _magicCode), zap.Uint8("got", magicCode))
		return nil, nil, errors.New("magic code mismatch")
	}

	kind := Kind(headerBuf.Next(1)[0])
	seek := SeekMode(headerBuf.Next(1)[0])
	_ = headerBuf.Next(1) // reserved
	channel := binary.BigEndian.Uint32(headerBuf.Next(4))
	offset := int64(binary.BigEndian.Uint64(headerBuf.Next(8)))
	payloadLen := frameLen + 4 - _fixedHeaderLen - 4 // add frameLength width, sub payloadChecksum width

	if kind != KindCommand && kind != KindMemblock {
		logger.Error("illegal frame kind", zap.Uint8("kind", uint8(kind)))
		return nil, nil, errors.Errorf("unknown frame kind %d", uint8(kind))
	}

	var payload []byte
	free := func() {}
	if payloadLen > 0 {
		tBuf := mcache.Malloc(int(payloadLen))
		free = func() { mcache.Free(tBuf) }
		_, err = io.ReadFull(fr.r, tBuf)
		if err != nil {
			logger.Error("failed to read payload", zap.Error(err))
			free()
			return nil, nil, errors.Wrap(err, "read payload")
		}
		payload = tBuf
	}

	var checksum uint32
	err = binary.Read(fr.r, binary.BigEndian, &checksum)
	if err != nil {
		logger.Error("failed to read payload checksum", zap.Error(err))
		free()
		return nil, nil, errors.Wrap(err, "read payload checksum")
	}
	if payloadLen > 0 {
		if ckm := crc32.ChecksumIEEE(payload); ckm != checksum {
			logger.Error("payload checksum mismatch", zap.Uint32("expected", ckm), zap.Uint32("got", checksum))
			free()
			return nil, nil, errors.New("payload checksum mismatch")
		}
	}

	return &Frame{
		Kind:    kind,
		Seek:    seek,
		Channel: channel,
		Offset:  offset,
		Payload: payload,
	}, free, nil
}

// WriteFrame writes a frame
//
// It will perform exactly one Write to the underlying Writer.
// It is the caller's responsibility not to call other Write methods concurrently.
func (fr *Framer) WriteFrame(f *Frame) error {
	fr.startWrite(f)

	if f.Payload != nil {
		fr.wbuf = append(fr.wbuf, f.Payload...)
		fr.wbuf = binary.BigEndian.AppendUint32(fr.wbuf, crc32.ChecksumIEEE(f.Payload))
	} else {
		// dummy checksum
		fr.wbuf = binary.BigEndian.AppendUint32(fr.wbuf, 0)
	}

	return fr.endWrite()
}

// Flush writes any buffered data to the underlying io.Writer.
func (fr *Framer) Flush() error {
	if bw, ok := fr.w.(*bufio.Writer); ok {
		return bw.Flush()
	}
	return nil
}

// Available returns how many bytes are unused in the buffer.
func (fr *Framer) Available() int {
	if bw, ok := fr.w.(*bufio.Writer); ok {
		return bw.Available()
	}
	return 0
}

// Write the fixed header
func (fr *Framer) startWrite(f *Frame) {
	fr.wbuf = fr.wbuf[:0]
	fr.wbuf = binary.BigEndian.AppendUint32(fr.wbuf, 0) // 4 bytes of frame length, will be filled in endWrite
	fr.wbuf = append(fr.wbuf, _magicCode, uint8(f.Kind), uint8(f.Seek), 0)
	fr.wbuf = binary.BigEndian.AppendUint32(fr.wbuf, f.Channel)
	fr.wbuf = binary.BigEndian.AppendUint64(fr.wbuf, uint64(f.Offset))
}

func (fr *Framer) endWrite() error {
	logger := fr.lg
	// Now that we know the final size, fill in the length in
	// the space previously reserved for it. Abuse append.
	length := len(fr.wbuf) - 4 // sub frameLen width
	if length > (_maxFrameLen) {
		logger.Error("frame too large, greater than maximum", zap.Int("frame-length", length), zap.Uint32("max-length", _maxFrameLen))
		return errors.New("frame too large")
	}
	_ = binary.BigEndian.AppendUint32(fr.wbuf[:0], uint32(length))

	_, err := fr.w.Write(fr.wbuf)
	if err != nil {
		logger.Error("failed to write frame", zap.Error(err))
		return errors.Wrap(err, "write frame")
	}
	return nil
}
