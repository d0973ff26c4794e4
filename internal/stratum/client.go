package stratum

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bardlex/roundproxy/pkg/log"
)

// ErrClientClosed is returned by Call once the connection is gone.
var ErrClientClosed = fmt.Errorf("connection closed")

// NotifyFunc receives server notifications in read order.
type NotifyFunc func(msg *Message)

// Client is the calling side of a line protocol connection. Calls are matched
// to responses by id; notifications go to the NotifyFunc.
type Client struct {
	conn         net.Conn
	logger       *log.Logger
	notify       NotifyFunc
	writeTimeout time.Duration

	writeMu sync.Mutex
	nextID  atomic.Uint64

	mu      sync.Mutex
	pending map[string]chan *Message
	err     error

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to addr and starts reading.
func Dial(ctx context.Context, addr string, notify NotifyFunc, logger *log.Logger) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return NewClient(conn, notify, logger), nil
}

// NewClient wraps an established connection.
func NewClient(conn net.Conn, notify NotifyFunc, logger *log.Logger) *Client {
	c := &Client{
		conn:         conn,
		logger:       logger.WithFields("remote_addr", conn.RemoteAddr().String()),
		notify:       notify,
		writeTimeout: 10 * time.Second,
		pending:      make(map[string]chan *Message),
		done:         make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func idKey(id any) string {
	return fmt.Sprint(id)
}

func (c *Client) readLoop() {
	buf := GetBuffer()
	defer PutBuffer(buf)

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(buf, MaxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		c.logger.LogWireMessage("received", string(line))

		msg, err := ParseMessage(line)
		if err != nil {
			c.logger.WithError(err).Warn("dropping unparsable line")
			continue
		}

		switch {
		case msg.IsNotification():
			if c.notify != nil {
				c.notify(msg)
			}
		case msg.ID != nil:
			c.mu.Lock()
			ch, ok := c.pending[idKey(msg.ID)]
			delete(c.pending, idKey(msg.ID))
			c.mu.Unlock()
			if ok {
				ch <- msg
			}
		}
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	c.shutdown(err)
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		for key, ch := range c.pending {
			close(ch)
			delete(c.pending, key)
		}
		c.mu.Unlock()
		close(c.done)
		_ = c.conn.Close()
	})
}

// Call sends a request and decodes the response result into result.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	id := c.nextID.Add(1)
	msg, err := NewRequest(id, method, params)
	if err != nil {
		return err
	}
	data, err := MarshalMessage(msg)
	if err != nil {
		return err
	}

	ch := make(chan *Message, 1)
	key := idKey(id)
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrClientClosed, c.err)
	}
	c.pending[key] = ch
	c.mu.Unlock()

	if err := c.write(data); err != nil {
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()
		return err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return ErrClientClosed
		}
		return resp.DecodeResult(result)
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()
		return ctx.Err()
	}
}

func (c *Client) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	if _, err := c.conn.Write(append(data, '\n')); err != nil {
		c.shutdown(err)
		return fmt.Errorf("write: %w", err)
	}
	c.logger.LogWireMessage("sent", string(data))
	return nil
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended, nil while it is open.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close closes the connection.
func (c *Client) Close() error {
	c.shutdown(ErrClientClosed)
	return nil
}
