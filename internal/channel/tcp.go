package channel

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	authMessageName   = "auth"
	authOKMessageName = "auth:ok"

	handshakeTimeout = 10 * time.Second
	// Single lines can carry a full push batch; allow generous frames.
	maxFrameBytes = 4 << 20
)

// WorkerConn is the master-side view of one authenticated worker connection.
type WorkerConn struct {
	WorkerID string

	conn    net.Conn
	writeMu sync.Mutex
	closed  bool
}

// Emit sends a named message to the worker. Returns ErrDisconnected once the
// connection is gone; nothing is buffered.
func (wc *WorkerConn) Emit(name string, payload any) error {
	raw, err := encodePayload(payload)
	if err != nil {
		return err
	}
	return wc.writeMessage(Message{Name: name, Payload: raw})
}

func (wc *WorkerConn) writeMessage(msg Message) error {
	line, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	wc.writeMu.Lock()
	defer wc.writeMu.Unlock()
	if wc.closed {
		return ErrDisconnected
	}
	if _, err := wc.conn.Write(append(line, '\n')); err != nil {
		wc.closed = true
		return ErrDisconnected
	}
	return nil
}

func (wc *WorkerConn) close() {
	wc.writeMu.Lock()
	wc.closed = true
	wc.writeMu.Unlock()
	wc.conn.Close()
}

// ConnHandler consumes a named message from a specific worker connection.
type ConnHandler func(wc *WorkerConn, payload json.RawMessage)

// Server accepts worker connections, runs the auth handshake, and dispatches
// inbound messages by name.
type Server struct {
	addr string
	auth *Authenticator

	mu       sync.RWMutex
	handlers map[string]ConnHandler
	ln       net.Listener

	OnConnect    func(wc *WorkerConn)
	OnDisconnect func(wc *WorkerConn)
}

// NewServer builds a channel server listening on addr.
func NewServer(addr string, auth *Authenticator) *Server {
	return &Server{
		addr:     addr,
		auth:     auth,
		handlers: make(map[string]ConnHandler),
	}
}

// Handle registers the handler for a message name. Must be called before
// ListenAndServe.
func (s *Server) Handle(name string, h ConnHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[name] = h
}

// ListenAndServe accepts connections until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("channel listen on %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	log.Info().Str("addr", ln.Addr().String()).Msg("Channel server listening")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("channel accept: %w", err)
		}
		go s.serveConn(conn)
	}
}

// Addr reports the bound listen address once ListenAndServe is up, nil
// before.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) serveConn(conn net.Conn) {
	// The handshake's scanner keeps reading the connection afterwards, so
	// frames pipelined behind the auth line are not lost.
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxFrameBytes)

	wc, err := s.handshake(conn, scanner)
	if err != nil {
		log.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("Worker handshake failed")
		conn.Close()
		return
	}
	log.Info().Str("worker_id", wc.WorkerID).Msg("Worker connected")

	if s.OnConnect != nil {
		s.OnConnect(wc)
	}
	defer func() {
		wc.close()
		log.Info().Str("worker_id", wc.WorkerID).Msg("Worker disconnected")
		if s.OnDisconnect != nil {
			s.OnDisconnect(wc)
		}
	}()

	for scanner.Scan() {
		var msg Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			log.Warn().Err(err).Str("worker_id", wc.WorkerID).Msg("Dropping malformed frame")
			continue
		}
		s.mu.RLock()
		h := s.handlers[msg.Name]
		s.mu.RUnlock()
		if h == nil {
			log.Debug().Str("name", msg.Name).Str("worker_id", wc.WorkerID).Msg("No handler for message")
			continue
		}
		h(wc, msg.Payload)
	}
}

func (s *Server) handshake(conn net.Conn, scanner *bufio.Scanner) (*WorkerConn, error) {
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	if !scanner.Scan() {
		return nil, fmt.Errorf("connection closed before auth: %v", scanner.Err())
	}
	var msg Message
	if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil || msg.Name != authMessageName {
		return nil, fmt.Errorf("expected auth message, got %q", msg.Name)
	}
	var req AuthRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return nil, fmt.Errorf("malformed auth payload: %w", err)
	}

	workerID, err := s.auth.Authenticate(req)
	wc := &WorkerConn{WorkerID: workerID, conn: conn}
	if err != nil {
		wc.writeMessage(mustMessage(authOKMessageName, AuthResponse{OK: false, Error: err.Error()}))
		return nil, err
	}

	token, err := s.auth.IssueToken(workerID)
	if err != nil {
		return nil, err
	}
	if err := wc.writeMessage(mustMessage(authOKMessageName, AuthResponse{OK: true, Token: token})); err != nil {
		return nil, err
	}
	return wc, nil
}

func mustMessage(name string, payload any) Message {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	return Message{Name: name, Payload: raw}
}

// Client is the worker-side channel endpoint.
type Client struct {
	conn    net.Conn
	mux     *mux
	scanner *bufio.Scanner
	writeMu sync.Mutex
	closed  bool

	// SessionToken is the token issued during the handshake; present it on
	// reconnect instead of the worker key.
	SessionToken string
}

// Dial connects to the master and completes the auth handshake. Pass token
// from a previous session to reconnect without the key.
func Dial(ctx context.Context, addr string, req AuthRequest) (*Client, error) {
	d := net.Dialer{Timeout: handshakeTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("channel dial %s: %w", addr, err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxFrameBytes)
	c := &Client{conn: conn, mux: newMux(), scanner: scanner}
	if err := c.writeMessage(mustMessage(authMessageName, req)); err != nil {
		conn.Close()
		return nil, err
	}

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	if !scanner.Scan() {
		conn.Close()
		return nil, fmt.Errorf("connection closed during handshake: %v", scanner.Err())
	}
	conn.SetReadDeadline(time.Time{})

	var msg Message
	if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil || msg.Name != authOKMessageName {
		conn.Close()
		return nil, fmt.Errorf("unexpected handshake reply %q", msg.Name)
	}
	var resp AuthResponse
	if err := json.Unmarshal(msg.Payload, &resp); err != nil {
		conn.Close()
		return nil, fmt.Errorf("malformed handshake reply: %w", err)
	}
	if !resp.OK {
		conn.Close()
		return nil, fmt.Errorf("authentication rejected: %s", resp.Error)
	}
	c.SessionToken = resp.Token
	return c, nil
}

// On registers the handler for a message name.
func (c *Client) On(name string, h Handler) {
	c.mux.on(name, h)
}

// Emit sends a named message to the master.
func (c *Client) Emit(name string, payload any) error {
	raw, err := encodePayload(payload)
	if err != nil {
		return err
	}
	return c.writeMessage(Message{Name: name, Payload: raw})
}

func (c *Client) writeMessage(msg Message) error {
	line, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return ErrDisconnected
	}
	if _, err := c.conn.Write(append(line, '\n')); err != nil {
		c.closed = true
		return ErrDisconnected
	}
	return nil
}

// Run reads and dispatches inbound messages until the connection drops or ctx
// is cancelled.
func (c *Client) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		c.Close()
	}()

	scanner := c.scanner
	for scanner.Scan() {
		var msg Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			log.Warn().Err(err).Msg("Dropping malformed frame from master")
			continue
		}
		if !c.mux.dispatch(msg) {
			log.Debug().Str("name", msg.Name).Msg("No handler for message")
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return ErrDisconnected
}

// Close tears the connection down.
func (c *Client) Close() error {
	c.writeMu.Lock()
	c.closed = true
	c.writeMu.Unlock()
	return c.conn.Close()
}
