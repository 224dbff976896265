package server

import (
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/life-stream-dev/treemq/internal/logger"
)

const acceptBackoff = 50 * time.Millisecond

func isNetClosedError(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, http.ErrServerClosed)
}

// serve accepts connections from ln until it is closed. Each connection
// runs its session on its own goroutine.
func (s *Server) serve(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if isNetClosedError(err) {
				return
			}
			logger.ErrorF("Accept connection error: %v", err)
			time.Sleep(acceptBackoff)
			continue
		}
		connID := conn.RemoteAddr().String()
		logger.DebugF("Accepted new connection from %s", connID)

		if s.sem != nil {
			select {
			case s.sem <- struct{}{}:
			default:
				logger.WarnF("[%s] Connection limit %d reached, closing", connID, cap(s.sem))
				_ = conn.Close()
				continue
			}
		}
		if !s.track(conn) {
			s.release()
			_ = conn.Close()
			return
		}
		s.wg.Add(1)
		go func(c net.Conn) {
			defer s.wg.Done()
			s.manager.ServeConn(c)
			s.untrack(c)
			s.release()
		}(conn)
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

func (s *Server) release() {
	if s.sem != nil {
		<-s.sem
	}
}

// wsListener accepts MQTT over WebSocket and hands out each upgraded
// connection as a net.Conn.
type wsListener struct {
	ln        net.Listener
	server    *http.Server
	upgrader  websocket.Upgrader
	connCh    chan net.Conn
	errCh     chan error
	closeCh   chan struct{}
	closeOnce sync.Once
}

func newWSListener(addr, path string) (*wsListener, error) {
	if path == "" {
		path = "/mqtt"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	l := &wsListener{
		ln:      ln,
		connCh:  make(chan net.Conn, 64),
		errCh:   make(chan error, 1),
		closeCh: make(chan struct{}),
		upgrader: websocket.Upgrader{
			Subprotocols: []string{"mqtt"},
			CheckOrigin:  func(*http.Request) bool { return true },
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, l.handleUpgrade)
	l.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := l.server.Serve(ln); err != nil && !isNetClosedError(err) {
			select {
			case l.errCh <- err:
			default:
			}
		}
	}()
	return l, nil
}

func (l *wsListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.DebugF("[%s] Websocket upgrade failed, details: %v", r.RemoteAddr, err)
		return
	}
	conn := &wsConn{ws: ws}
	select {
	case l.connCh <- conn:
	case <-l.closeCh:
		_ = conn.Close()
	}
}

func (l *wsListener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.connCh:
		return conn, nil
	case err := <-l.errCh:
		return nil, err
	case <-l.closeCh:
		return nil, net.ErrClosed
	}
}

func (l *wsListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closeCh)
		err = l.server.Close()
	})
	return err
}

func (l *wsListener) Addr() net.Addr {
	return l.ln.Addr()
}

// wsConn carries the MQTT byte stream in binary websocket messages. A
// message may hold any number of packets or a fragment of one.
type wsConn struct {
	ws      *websocket.Conn
	pending []byte
	writeMu sync.Mutex
}

func (c *wsConn) Read(b []byte) (int, error) {
	for len(c.pending) == 0 {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return 0, io.EOF
			}
			return 0, err
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		c.pending = data
	}
	n := copy(b, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (c *wsConn) Write(b []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}

func (c *wsConn) LocalAddr() net.Addr {
	return c.ws.LocalAddr()
}

func (c *wsConn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *wsConn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

func (c *wsConn) SetWriteDeadline(t time.Time) error {
	return c.ws.SetWriteDeadline(t)
}

var _ net.Conn = (*wsConn)(nil)
