package pairing

import (
	"context"
	"time"
)

// Status is the externally visible state of a pairing attempt.
type Status string

const (
	StatusInitializing  Status = "initializing"
	StatusConnecting    Status = "connecting"
	StatusQRGenerated   Status = "qr_generated"
	StatusCodeGenerated Status = "code_generated"
	StatusConnected     Status = "connected"
	StatusPaired        Status = "paired"
	StatusReconnecting  Status = "reconnecting"
	StatusReady         Status = "ready"
	StatusNeedsRestart  Status = "needs_restart"
	StatusError         Status = "error"
	StatusNotFound      Status = "not_found"

	// statusAlreadyPending is only ever returned by GeneratePairingCode, never stored.
	statusAlreadyPending Status = "already_pending"
)

// Terminal reports whether no further transition is expected for the current connection lifetime.
func (s Status) Terminal() bool {
	return s == StatusReady || s == StatusError
}

// Session is the mutable record of one pairing attempt. The coordinator owns it; callers
// only ever see copies.
type Session struct {
	ID          string
	PhoneNumber string
	Dir         string
	Status      Status
	Message     string
	Code        string
	QR          string
	UserID      string
	SessionSent bool
	Error       string

	CreatedAt       time.Time
	ConnectedAt     time.Time
	CodeGeneratedAt time.Time

	// CodeRequested is set once the delayed code request has been scheduled.
	CodeRequested       bool
	CodeIssued          bool
	HandshakeSuccessful bool
	RestartRequired     bool
	ReconnectStarted    bool
	CleanedUp           bool

	// Generation is 1 for the pairing connection and 2 once the reconnect supervisor
	// has taken over.
	Generation int

	conn    Connection
	changed chan struct{}
}

// CloseReason classifies why a connection went away.
type CloseReason int

const (
	CloseOther CloseReason = iota
	CloseLoggedOut
	CloseClosedByPeer
	CloseConnectionLost
	CloseTimedOut
	CloseRestartRequired
)

func (r CloseReason) String() string {
	switch r {
	case CloseLoggedOut:
		return "logged_out"
	case CloseClosedByPeer:
		return "closed_by_peer"
	case CloseConnectionLost:
		return "connection_lost"
	case CloseTimedOut:
		return "timed_out"
	case CloseRestartRequired:
		return "restart_required"
	default:
		return "other"
	}
}

// ConnEventKind enumerates what the connection layer can report.
type ConnEventKind int

const (
	ConnConnecting ConnEventKind = iota
	ConnQR
	ConnOpen
	ConnNewLogin
	ConnClose
	ConnCredentialsUpdated
)

// ConnEvent is a single signal from the connection layer.
type ConnEvent struct {
	Kind   ConnEventKind
	QR     string
	UserID string
	Reason CloseReason
	Err    error
}

// EventHandler receives connection events. Implementations may call it from any goroutine.
type EventHandler func(ConnEvent)

// AuthState is the persisted credential store for one session directory.
type AuthState interface {
	// Persist flushes the current credentials to the session directory.
	Persist(ctx context.Context) error
	Close() error
}

// Connection is one live protocol connection.
type Connection interface {
	RequestPairingCode(ctx context.Context, phone string) (string, error)
	SendText(ctx context.Context, to string, text string) error
	UserID() string
	// Close tears the connection down. A close event is reported to the handler.
	Close()
}

// Connector opens auth state and connections. The whatsmeow implementation lives in
// internal/whatsapp; tests inject fakes.
type Connector interface {
	LoadAuthState(ctx context.Context, dir string) (AuthState, error)
	Connect(ctx context.Context, state AuthState, handler EventHandler) (Connection, error)
}

// Timings holds the fixed delays of the pairing lifecycle.
type Timings struct {
	Freshness       time.Duration
	CodeSettle      time.Duration
	OpenRestart     time.Duration
	NewLoginRestart time.Duration
	ReconnectSettle time.Duration
	BoundedWait     time.Duration
	CleanupGrace    time.Duration
	Horizon         time.Duration
}

// DefaultTimings returns the production delays.
func DefaultTimings() Timings {
	return Timings{
		Freshness:       120 * time.Second,
		CodeSettle:      3 * time.Second,
		OpenRestart:     2 * time.Second,
		NewLoginRestart: 1 * time.Second,
		ReconnectSettle: 3 * time.Second,
		BoundedWait:     20 * time.Second,
		CleanupGrace:    5 * time.Second,
		Horizon:         30 * time.Minute,
	}
}
