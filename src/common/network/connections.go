package network

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"
)

const WAIT_INTERVAL = 1 * time.Second

var ErrShortRead = errors.New("connection closed mid-frame")

type connectionInterface struct {
	conn        net.Conn
	closed      atomic.Bool
	idleTimeout time.Duration
}

func NewConnection() ConnectionInterface {
	return &connectionInterface{}
}

func NewConnectionFromExistent(conn net.Conn) ConnectionInterface {
	return &connectionInterface{conn: conn}
}

func (c *connectionInterface) Connect(serverAddr string, retries int) error {
	var conn net.Conn
	var err error
	for range max(retries, 1) {
		conn, err = net.Dial("tcp", serverAddr)
		if err == nil {
			break
		}
		time.Sleep(WAIT_INTERVAL)
	}
	if err != nil {
		return err
	}
	c.conn = conn
	c.closed.Store(false)
	return nil
}

func (c *connectionInterface) IsConnected() bool {
	return c.conn != nil && !c.closed.Load()
}

func (c *connectionInterface) ReceiveExact(n int) ([]byte, error) {
	if !c.IsConnected() {
		return nil, io.EOF
	}
	if c.idleTimeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout)); err != nil {
			return nil, err
		}
	}

	buf := make([]byte, n)
	if err := c.readFull(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (c *connectionInterface) Discard(n int64) error {
	if !c.IsConnected() {
		return io.EOF
	}
	if c.idleTimeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout)); err != nil {
			return err
		}
	}

	dropped, err := io.CopyN(io.Discard, c.conn, n)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF) && dropped == 0:
		return io.EOF
	case errors.Is(err, io.EOF):
		return fmt.Errorf("discard %d of %d bytes: %w", dropped, n, ErrShortRead)
	}
	return err
}

func (c *connectionInterface) SendData(data []byte) error {
	if !c.IsConnected() {
		return io.EOF
	}
	return c.writeFull(data)
}

func (c *connectionInterface) SetIdleTimeout(timeout time.Duration) {
	c.idleTimeout = timeout
}

func (c *connectionInterface) RemoteAddr() string {
	if c.conn == nil {
		return ""
	}
	return c.conn.RemoteAddr().String()
}

// Close is safe to call from a goroutine other than the one reading.
func (c *connectionInterface) Close() error {
	if c.conn == nil || c.closed.Swap(true) {
		return nil
	}
	return c.conn.Close()
}

// --- PRIVATE METHODS ---

func (c *connectionInterface) readFull(buf []byte) error {
	totalRead := 0
	for totalRead < len(buf) {
		n, err := c.conn.Read(buf[totalRead:])
		totalRead += n
		if err != nil {
			if errors.Is(err, io.EOF) {
				if totalRead == 0 {
					return io.EOF
				}
				if totalRead == len(buf) {
					return nil
				}
				return fmt.Errorf("read %d of %d bytes: %w", totalRead, len(buf), ErrShortRead)
			}
			return err
		}
	}
	return nil
}

func (c *connectionInterface) writeFull(buf []byte) error {
	totalWritten := 0
	for totalWritten < len(buf) {
		n, err := c.conn.Write(buf[totalWritten:])
		if err != nil {
			return err
		}
		totalWritten += n
	}
	return nil
}
