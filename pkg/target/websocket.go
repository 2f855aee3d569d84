package target

import (
	"errors"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/kcide/kcdap/pkg/logflags"
)

// EmulatorPath is the URL path the emulator page connects to.
const EmulatorPath = "/emu"

// Server accepts websocket connections from the emulator page and attaches
// them to a Target. Only one emulator is served at a time, a new
// connection replaces the previous one.
type Server struct {
	target   *Target
	listener net.Listener
	srv      *http.Server
	log      logflags.Logger

	mu      sync.Mutex
	current *wsChannel
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The emulator page is served from the editor's webview, whose origin
	// is not known in advance.
	CheckOrigin: func(*http.Request) bool { return true },
}

// NewServer returns a Server that accepts connections on l.
func NewServer(t *Target, l net.Listener) *Server {
	s := &Server{
		target:   t,
		listener: l,
		log:      logflags.TargetLogger(),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(EmulatorPath, s.serveEmulator)
	s.srv = &http.Server{Handler: mux}
	return s
}

// Addr returns the address the server listens on.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Run serves connections until Stop is called.
func (s *Server) Run() error {
	s.log.Debugf("waiting for the emulator on %s%s", s.listener.Addr(), EmulatorPath)
	err := s.srv.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop closes the listener and the current emulator connection.
func (s *Server) Stop() error {
	err := s.srv.Close()
	s.mu.Lock()
	ch := s.current
	s.current = nil
	s.mu.Unlock()
	if ch != nil {
		s.target.Detach(ch)
		ch.Close()
	}
	return err
}

func (s *Server) serveEmulator(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Errorf("could not upgrade emulator connection: %v", err)
		return
	}
	ch := &wsChannel{conn: conn}
	s.mu.Lock()
	s.current = ch
	s.mu.Unlock()
	s.log.Debugf("emulator connected from %s", r.RemoteAddr)
	s.target.Attach(ch)

	defer func() {
		s.target.Detach(ch)
		ch.Close()
		s.mu.Lock()
		if s.current == ch {
			s.current = nil
		}
		s.mu.Unlock()
		s.log.Debugf("emulator %s disconnected", r.RemoteAddr)
	}()
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debugf("emulator read error: %v", err)
			}
			return
		}
		if err := s.target.Dispatch(msg); err != nil {
			s.log.Errorf("%v", err)
		}
	}
}

// wsChannel is a Channel over a websocket connection.
type wsChannel struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsChannel) Send(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

func (c *wsChannel) Close() error {
	return c.conn.Close()
}
