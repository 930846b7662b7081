package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SkynetNext/motd-gateway/internal/buffer"
	"github.com/SkynetNext/motd-gateway/internal/logger"
	"go.uber.org/zap"
)

const (
	// HeaderSize is the size of the frame length prefix (uint16, big endian)
	HeaderSize = 2

	// MaxPayloadSize is the largest payload a single frame can carry
	MaxPayloadSize = 65535
)

// Frame layout:
//
//	Offset  Size    Type      Description
//	0-1     2       uint16    payload length, Big Endian
//	2-      length  []byte    UTF-8 JSON body
//
// There is no other header. A peer that stops mid-frame is treated as gone;
// callers never see a partial payload.

var (
	// ErrConnectionClosed is returned once the peer has gone away or the channel was closed locally.
	// It is a condition, not a failure: the owner should simply stop using the channel.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrFrameTooLarge is returned when a payload does not fit in a frame
	ErrFrameTooLarge = errors.New("payload exceeds maximum frame size")
)

// Channel transports whole frames over one stream socket.
// One goroutine may Send while another Receives; Close may be called from anywhere.
type Channel struct {
	conn net.Conn

	readMu  sync.Mutex
	writeMu sync.Mutex

	closed    atomic.Bool
	closeOnce sync.Once

	// idleTimeout bounds the wait for the next frame; zero waits forever
	idleTimeout time.Duration
}

// NewChannel wraps conn. The channel owns conn from now on.
func NewChannel(conn net.Conn) *Channel {
	return &Channel{conn: conn}
}

// SetIdleTimeout sets how long Receive waits for a frame before tearing the channel down
func (c *Channel) SetIdleTimeout(d time.Duration) {
	c.idleTimeout = d
}

// RemoteAddr returns the peer address
func (c *Channel) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Closed reports whether the channel has been torn down
func (c *Channel) Closed() bool {
	return c.closed.Load()
}

// Close tears the channel down. Safe to call more than once.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.conn.Close()
	})
	return err
}

// Send writes payload as one frame
func (c *Channel) Send(payload []byte) error {
	if len(payload) > MaxPayloadSize {
		return fmt.Errorf("%w: %d bytes (max: %d)", ErrFrameTooLarge, len(payload), MaxPayloadSize)
	}
	if c.Closed() {
		return ErrConnectionClosed
	}

	frame := buffer.Get(HeaderSize + len(payload))
	defer buffer.Put(frame)
	binary.BigEndian.PutUint16(frame[0:HeaderSize], uint16(len(payload)))
	copy(frame[HeaderSize:], payload)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	written := 0
	for written < len(frame) {
		n, err := c.conn.Write(frame[written:])
		written += n
		if written == len(frame) {
			break
		}
		if err != nil || n == 0 {
			c.teardown("write", err)
			return ErrConnectionClosed
		}
	}
	return nil
}

// Receive reads the next frame and returns its payload
func (c *Channel) Receive() ([]byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if c.Closed() {
		return nil, ErrConnectionClosed
	}

	var header [HeaderSize]byte
	if c.idleTimeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout)); err != nil {
			c.teardown("set_read_deadline", err)
			return nil, ErrConnectionClosed
		}
	}
	if err := c.readFull(header[:]); err != nil {
		return nil, err
	}

	length := int(binary.BigEndian.Uint16(header[:]))
	payload := make([]byte, length)
	if err := c.readFull(payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// readFull keeps reading until buf is full. Any error or a zero-byte read
// before that means the peer is gone.
func (c *Channel) readFull(buf []byte) error {
	got := 0
	for got < len(buf) {
		n, err := c.conn.Read(buf[got:])
		got += n
		if got == len(buf) {
			return nil
		}
		if err != nil || n == 0 {
			c.teardown("read", err)
			return ErrConnectionClosed
		}
	}
	return nil
}

func (c *Channel) teardown(op string, cause error) {
	if !c.Closed() && cause != nil {
		logger.L.Debug("channel closed by transport",
			zap.String("op", op),
			zap.String("remote_addr", c.conn.RemoteAddr().String()),
			zap.Error(cause),
		)
	}
	_ = c.Close()
}
