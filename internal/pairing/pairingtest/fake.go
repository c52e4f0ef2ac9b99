// Package pairingtest provides an in-memory pairing.Connector for tests.
package pairingtest

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/talkincode/wapair/internal/authstore"
	"github.com/talkincode/wapair/internal/pairing"
)

// Sent is a message captured by a fake connection.
type Sent struct {
	To   string
	Text string
}

// Connector scripts connection behaviour. OnConnect runs synchronously inside Connect with
// the 1-based connect count, so events it emits arrive before Connect returns.
type Connector struct {
	Files *authstore.Store
	// User is the account id reported after the handshake.
	User       string
	Code       string
	CodeErr    error
	LoadErr    error
	ConnectErr error
	SendErr    error
	OnConnect  func(n int, c *Conn)

	mu       sync.Mutex
	conns    []*Conn
	attempts map[string]int
	states   []*AuthState
	sent     []Sent
}

func (f *Connector) LoadAuthState(ctx context.Context, dir string) (pairing.AuthState, error) {
	if f.LoadErr != nil {
		return nil, f.LoadErr
	}
	st := &AuthState{connector: f, id: filepath.Base(dir)}
	f.mu.Lock()
	f.states = append(f.states, st)
	f.mu.Unlock()
	return st, nil
}

func (f *Connector) Connect(ctx context.Context, state pairing.AuthState, handler pairing.EventHandler) (pairing.Connection, error) {
	if f.ConnectErr != nil {
		return nil, f.ConnectErr
	}
	c := &Conn{connector: f, handler: handler}
	if st, ok := state.(*AuthState); ok {
		c.SessionID = st.id
	}
	f.mu.Lock()
	if f.attempts == nil {
		f.attempts = make(map[string]int)
	}
	f.attempts[c.SessionID]++
	c.Attempt = f.attempts[c.SessionID]
	f.conns = append(f.conns, c)
	n := len(f.conns)
	f.mu.Unlock()
	c.Emit(pairing.ConnEvent{Kind: pairing.ConnConnecting})
	if f.OnConnect != nil {
		f.OnConnect(n, c)
	}
	return c, nil
}

// Conns returns every connection opened so far.
func (f *Connector) Conns() []*Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Conn(nil), f.conns...)
}

// Conn returns the n-th (1-based) connection or nil.
func (f *Connector) Conn(n int) *Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n < 1 || n > len(f.conns) {
		return nil
	}
	return f.conns[n-1]
}

// ConnFor returns the attempt-th (1-based) connection opened for a session, or nil.
func (f *Connector) ConnFor(sessionID string, attempt int) *Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		if c.SessionID == sessionID && c.Attempt == attempt {
			return c
		}
	}
	return nil
}

func (f *Connector) States() []*AuthState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*AuthState(nil), f.states...)
}

func (f *Connector) Sent() []Sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Sent(nil), f.sent...)
}

// AuthState writes a minimal bundle on Persist.
type AuthState struct {
	connector *Connector
	id        string

	mu        sync.Mutex
	persisted int
	closed    bool
}

func (s *AuthState) Persist(ctx context.Context) error {
	s.mu.Lock()
	s.persisted++
	s.mu.Unlock()
	if s.connector.Files == nil {
		return nil
	}
	b := &authstore.Bundle{Creds: authstore.Credentials{RegistrationID: 42}}
	if s.connector.User != "" {
		b.Creds.Me = &authstore.Identity{ID: s.connector.User}
	}
	return s.connector.Files.WriteBundle(s.id, b)
}

func (s *AuthState) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *AuthState) Persisted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persisted
}

func (s *AuthState) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Conn is a scripted connection. Emit forwards events until a close has been delivered.
type Conn struct {
	// SessionID and Attempt identify the connection: attempt 1 pairs, attempt 2 reconnects.
	SessionID string
	Attempt   int

	connector *Connector
	handler   pairing.EventHandler

	mu         sync.Mutex
	closed     bool
	closeCalls int
	user       string
}

func (c *Conn) Emit(ev pairing.ConnEvent) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if ev.Kind == pairing.ConnClose {
		c.closed = true
	}
	if ev.UserID != "" {
		c.user = ev.UserID
	}
	c.mu.Unlock()
	c.handler(ev)
}

// Open emits an open event carrying the connector's account id.
func (c *Conn) Open() {
	c.Emit(pairing.ConnEvent{Kind: pairing.ConnOpen, UserID: c.connector.User})
}

func (c *Conn) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	if c.connector.CodeErr != nil {
		return "", c.connector.CodeErr
	}
	return c.connector.Code, nil
}

func (c *Conn) SendText(ctx context.Context, to string, text string) error {
	if c.connector.SendErr != nil {
		return c.connector.SendErr
	}
	if c.IsClosed() {
		return errors.New("connection closed")
	}
	c.connector.mu.Lock()
	c.connector.sent = append(c.connector.sent, Sent{To: to, Text: text})
	c.connector.mu.Unlock()
	return nil
}

func (c *Conn) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

func (c *Conn) Close() {
	c.mu.Lock()
	c.closeCalls++
	c.mu.Unlock()
	c.Emit(pairing.ConnEvent{Kind: pairing.ConnClose, Reason: pairing.CloseOther})
}

// CloseCalls counts explicit Close calls, as opposed to closes reported through Emit.
func (c *Conn) CloseCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls
}

func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
