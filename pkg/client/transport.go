package client

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/AutoMQ/audiostream/pkg/mainloop"
	"github.com/AutoMQ/audiostream/pkg/memblock"
	"github.com/AutoMQ/audiostream/pkg/proto/codec"
	"github.com/AutoMQ/audiostream/pkg/util/netutil"
)

// _closeFlushTimeout bounds writing queued frames when a connection is closed
const _closeFlushTimeout = time.Second

// packetStream sends frames to the server. It never blocks the caller.
type packetStream interface {
	// SendPacket queues a command packet
	SendPacket(payload []byte)
	// SendMemblock queues audio data. It takes over the reference of chunk.
	SendMemblock(channel uint32, offset int64, seek codec.SeekMode, chunk memblock.Chunk)
	// Close writes what is queued and closes the connection
	Close()
}

// receiver consumes what a packetStream reads. Methods are called on the loop goroutine.
type receiver interface {
	receivePacket(payload []byte)
	// receiveMemblock takes over the reference of chunk
	receiveMemblock(channel uint32, offset int64, seek codec.SeekMode, chunk memblock.Chunk)
	connectionDied(err error)
}

func dial(ctx context.Context, addr netutil.Address, timeout time.Duration) (net.Conn, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if addr.Network == netutil.NetworkWebSocket {
		ws, _, err := websocket.Dial(ctx, addr.Address, nil)
		if err != nil {
			return nil, errors.Wrapf(err, "dial %s", addr)
		}
		// the conn outlives ctx. Frame sizes are bounded by the framer.
		return websocket.NetConn(context.Background(), ws, websocket.MessageBinary), nil
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, addr.Network, addr.Address)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	return conn, nil
}

type outFrame struct {
	frame *codec.Frame
	chunk memblock.Chunk
}

// connStream is a packetStream over a net.Conn. One goroutine reads frames
// and posts them to the loop, another writes queued frames in order.
type connStream struct {
	conn net.Conn
	fr   *codec.Framer
	loop *mainloop.Loop
	recv receiver

	mu     sync.Mutex
	queue  []outFrame
	closed bool
	wake   chan struct{}
	wg     sync.WaitGroup

	lg *zap.Logger
}

func newConnStream(conn net.Conn, loop *mainloop.Loop, recv receiver, logger *zap.Logger) *connStream {
	cs := &connStream{
		conn: conn,
		fr:   codec.NewFramer(bufio.NewWriter(conn), bufio.NewReader(conn), logger),
		loop: loop,
		recv: recv,
		wake: make(chan struct{}, 1),
		lg:   logger,
	}
	cs.wg.Add(2)
	go cs.readLoop()
	go cs.writeLoop()
	return cs
}

func (cs *connStream) SendPacket(payload []byte) {
	cs.push(outFrame{frame: codec.NewCommandFrame(payload)})
}

func (cs *connStream) SendMemblock(channel uint32, offset int64, seek codec.SeekMode, chunk memblock.Chunk) {
	cs.push(outFrame{frame: codec.NewMemblockFrame(channel, offset, seek, chunk.Data()), chunk: chunk})
}

func (cs *connStream) push(f outFrame) {
	cs.mu.Lock()
	if cs.closed {
		cs.mu.Unlock()
		f.chunk.Unref()
		return
	}
	cs.queue = append(cs.queue, f)
	cs.mu.Unlock()
	cs.signal()
}

func (cs *connStream) signal() {
	select {
	case cs.wake <- struct{}{}:
	default:
	}
}

func (cs *connStream) Close() {
	cs.mu.Lock()
	if cs.closed {
		cs.mu.Unlock()
		return
	}
	cs.closed = true
	cs.mu.Unlock()

	_ = cs.conn.SetWriteDeadline(time.Now().Add(_closeFlushTimeout))
	cs.signal()
	cs.wg.Wait()
}

func (cs *connStream) isClosed() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.closed
}

func (cs *connStream) readLoop() {
	defer cs.wg.Done()
	for {
		f, free, err := cs.fr.ReadFrame()
		if err != nil {
			if !cs.isClosed() {
				cs.loop.Post(func() { cs.recv.connectionDied(err) })
			}
			return
		}
		switch f.Kind {
		case codec.KindCommand:
			cs.loop.Post(func() {
				defer free()
				cs.recv.receivePacket(f.Payload)
			})
		case codec.KindMemblock:
			if len(f.Payload) == 0 {
				free()
				continue
			}
			chunk := memblock.NewChunk(memblock.Wrap(f.Payload))
			cs.loop.Post(func() { cs.recv.receiveMemblock(f.Channel, f.Offset, f.Seek, chunk) })
		}
	}
}

func (cs *connStream) writeLoop() {
	defer cs.wg.Done()
	defer func() { _ = cs.conn.Close() }()

	var (
		werr     error
		reported bool
	)
	for {
		cs.mu.Lock()
		queue, closed := cs.queue, cs.closed
		cs.queue = nil
		cs.mu.Unlock()

		for _, f := range queue {
			if werr == nil {
				werr = cs.fr.WriteFrame(f.frame)
			}
			f.chunk.Unref()
		}
		if werr == nil && len(queue) > 0 {
			werr = cs.fr.Flush()
		}
		if werr != nil && !reported && !closed {
			reported = true
			err := werr
			cs.loop.Post(func() { cs.recv.connectionDied(err) })
		}
		if closed {
			return
		}
		<-cs.wake
	}
}
