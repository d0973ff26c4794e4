package stratum

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/bardlex/roundproxy/internal/mining"
	"github.com/bardlex/roundproxy/pkg/log"
)

// Session is one miner connected over the line protocol
type Session struct {
	id     string
	conn   net.Conn
	logger *log.Logger

	meta     mining.MinerMeta
	loggedIn bool

	readTimeout  time.Duration
	writeTimeout time.Duration

	outbound chan []byte
	done     chan struct{}

	mu sync.RWMutex
}

// MessageHandler handles requests read from a session
type MessageHandler interface {
	HandleMessage(ctx context.Context, session *Session, msg *Message) error
}

// NewSession creates a new session. The miner ID defaults to the remote host.
func NewSession(id string, conn net.Conn, logger *log.Logger, readTimeout, writeTimeout time.Duration) *Session {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		host = conn.RemoteAddr().String()
	}
	return &Session{
		id:           id,
		conn:         conn,
		logger:       logger.WithFields("session_id", id, "remote_addr", conn.RemoteAddr().String()),
		meta:         mining.MinerMeta{ID: host},
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
		outbound:     make(chan []byte, 100),
		done:         make(chan struct{}),
	}
}

// Start serves the session until the peer disconnects or ctx ends
func (s *Session) Start(ctx context.Context, handler MessageHandler) error {
	s.logger.LogConnection("connected", s.conn.RemoteAddr().String())

	go s.writeLoop(ctx)

	return s.readLoop(ctx, handler)
}

func (s *Session) readLoop(ctx context.Context, handler MessageHandler) error {
	defer s.Close()

	buf := GetBuffer()
	defer PutBuffer(buf)

	scanner := bufio.NewScanner(s.conn)
	scanner.Buffer(buf, MaxLineSize)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		default:
		}

		if err := s.conn.SetReadDeadline(time.Now().Add(s.readTimeout)); err != nil {
			s.logger.WithError(err).Error("failed to set read deadline")
			return err
		}

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				s.logger.WithError(err).Debug("read error")
				return err
			}
			s.logger.Debug("client disconnected")
			return nil
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		s.logger.LogWireMessage("received", string(line))

		msg, err := ParseMessage(line)
		if err != nil {
			s.logger.WithError(err).Warn("failed to parse message")
			if sendErr := s.SendError(nil, ErrorParseError, "Parse error"); sendErr != nil {
				s.logger.WithError(sendErr).Error("failed to send parse error")
			}
			continue
		}

		if err := handler.HandleMessage(ctx, s, msg); err != nil {
			s.logger.WithError(err).Error("failed to handle message")
		}
	}
}

func (s *Session) writeLoop(ctx context.Context) {
	defer func() {
		if err := s.conn.Close(); err != nil {
			s.logger.Debug("failed to close connection", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case data := <-s.outbound:
			if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
				s.logger.WithError(err).Error("failed to set write deadline")
				return
			}

			if _, err := s.conn.Write(append(data, '\n')); err != nil {
				s.logger.WithError(err).Error("failed to write message")
				return
			}

			s.logger.LogWireMessage("sent", string(data))
		}
	}
}

// SendMessage queues a message for the client
func (s *Session) SendMessage(msg *Message) error {
	data, err := MarshalMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	select {
	case s.outbound <- data:
		return nil
	case <-s.done:
		return fmt.Errorf("session closed")
	default:
		return fmt.Errorf("outbound channel full")
	}
}

// SendResponse sends a response message
func (s *Session) SendResponse(id, result any) error {
	msg, err := NewResponse(id, result)
	if err != nil {
		return err
	}
	return s.SendMessage(msg)
}

// SendError sends an error response
func (s *Session) SendError(id any, code int, message string) error {
	return s.SendMessage(NewErrorResponse(id, code, message))
}

// SendNotification sends a notification message
func (s *Session) SendNotification(method string, params any) error {
	msg, err := NewNotification(method, params)
	if err != nil {
		return err
	}
	return s.SendMessage(msg)
}

// Close closes the session
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.done:
	default:
		close(s.done)
		s.logger.LogConnection("disconnected", s.conn.RemoteAddr().String())
	}
}

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// ID returns the unique session identifier.
func (s *Session) ID() string {
	return s.id
}

// RemoteAddr returns the remote address of the client connection.
func (s *Session) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

// Miner returns the metadata the client announced.
func (s *Session) Miner() mining.MinerMeta {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta
}

// Login records the client's metadata.
func (s *Session) Login(p LoginParams) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta.Name = p.MinerName
	s.meta.Software = p.Software
	s.meta.Capacity = mining.ParseCapacity(p.Capacity)
	s.meta.AccountKey = p.AccountKey
	s.loggedIn = true
}

// LoggedIn reports whether login was received.
func (s *Session) LoggedIn() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loggedIn
}
