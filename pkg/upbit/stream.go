package upbit

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/pkg/logger"

	"github.com/gorilla/websocket"
)

// stream owns one websocket connection and keeps it alive: text PING
// keepalives, subscription replay after every dial and exponential
// backoff reconnects.
type stream struct {
	name         string
	url          string
	header       func() (http.Header, error)
	subscription func() interface{}
	onMessage    func([]byte)

	backoff      Backoff
	pingInterval time.Duration
	dialer       *websocket.Dialer
	wait         waitFunc
	log          *logger.Logger

	mu           sync.Mutex
	writeMu      sync.Mutex
	conn         *websocket.Conn
	isConnected  bool
	reconnecting bool
	closed       bool
	giveUp       []func(error)
	done         chan struct{}
}

func newStream(name, wsURL string, backoff Backoff, pingInterval time.Duration) *stream {
	if pingInterval <= 0 {
		pingInterval = 60 * time.Second
	}
	return &stream{
		name:         name,
		url:          wsURL,
		backoff:      backoff,
		pingInterval: pingInterval,
		dialer:       websocket.DefaultDialer,
		wait:         sleepOrDone,
		log:          logger.GetLogger().Component(name),
		done:         make(chan struct{}),
	}
}

func (s *stream) connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("%s: client closed", s.name)
	}
	if s.isConnected {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	var header http.Header
	if s.header != nil {
		h, err := s.header()
		if err != nil {
			return fmt.Errorf("%s: build handshake header: %w", s.name, err)
		}
		header = h
	}

	conn, _, err := s.dialer.DialContext(ctx, s.url, header)
	if err != nil {
		return fmt.Errorf("%s: failed to connect: %w", s.name, err)
	}

	s.mu.Lock()
	if s.closed || s.isConnected {
		s.mu.Unlock()
		conn.Close()
		return nil
	}
	s.conn = conn
	s.isConnected = true
	s.mu.Unlock()

	go s.readPump(conn)
	go s.pingPump(conn)

	if err := s.resubscribe(); err != nil {
		s.log.Warnf("resubscribe after connect failed: %v", err)
	}

	s.log.Infof("connected to %s", s.url)
	return nil
}

// send writes v as JSON on the live connection. Without one it is a
// no-op; the subscription is replayed on the next dial.
func (s *stream) send(v interface{}) error {
	s.mu.Lock()
	conn := s.conn
	connected := s.isConnected
	s.mu.Unlock()
	if !connected || conn == nil {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(v)
}

func (s *stream) resubscribe() error {
	if s.subscription == nil {
		return nil
	}
	payload := s.subscription()
	if payload == nil {
		return nil
	}
	return s.send(payload)
}

func (s *stream) connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isConnected
}

func (s *stream) onGiveUp(h func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.giveUp = append(s.giveUp, h)
}

func (s *stream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.isConnected = false
	close(s.done)
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

func (s *stream) readPump(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			current := s.conn == conn
			if current {
				s.isConnected = false
				s.conn = nil
			}
			s.mu.Unlock()
			conn.Close()

			if closed || !current {
				return
			}
			if closeErr, ok := err.(*websocket.CloseError); ok {
				s.log.Warnf("connection closed: code=%d reason=%s", closeErr.Code, closeErr.Text)
			} else {
				s.log.Warnf("read failed: %v", err)
			}
			go s.reconnect()
			return
		}
		if s.onMessage != nil {
			s.onMessage(message)
		}
	}
}

func (s *stream) pingPump(conn *websocket.Conn) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			current := s.conn == conn && s.isConnected
			s.mu.Unlock()
			if !current {
				return
			}
			s.writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			err := conn.WriteMessage(websocket.TextMessage, []byte("PING"))
			s.writeMu.Unlock()
			if err != nil {
				s.log.Warnf("keepalive failed: %v", err)
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *stream) reconnect() {
	s.mu.Lock()
	if s.reconnecting || s.closed {
		s.mu.Unlock()
		return
	}
	s.reconnecting = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.reconnecting = false
		s.mu.Unlock()
	}()

	err := s.backoff.retry(s.done, s.wait, func(attempt int) error {
		s.log.Infof("reconnection attempt %d/%d", attempt, s.backoff.MaxAttempts)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.connect(ctx)
	})
	if err == nil {
		return
	}

	s.mu.Lock()
	closed := s.closed
	handlers := make([]func(error), len(s.giveUp))
	copy(handlers, s.giveUp)
	s.mu.Unlock()
	if closed {
		return
	}

	s.log.Error("giving up on reconnection", err)
	for _, h := range handlers {
		h(err)
	}
}
