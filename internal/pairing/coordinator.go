package pairing

import (
	"context"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/talkincode/wapair/internal/authstore"
	"github.com/talkincode/wapair/internal/render"
)

// TopicStatus is the event bus topic carrying Transition values.
const TopicStatus = "pairing:status"

// Publisher is satisfied by EventBus.Bus.
type Publisher interface {
	Publish(topic string, args ...interface{})
}

// Transition is published whenever a session changes status or finishes delivery.
type Transition struct {
	SessionID   string
	PhoneNumber string
	From        Status
	To          Status
	UserID      string
	Code        string
	Error       string
	SessionSent bool
	CreatedAt   time.Time
	At          time.Time
}

// Options configures a Coordinator.
type Options struct {
	Connector Connector
	Store     *authstore.Store
	Engine    *render.Engine
	Timings   Timings
	// Workers bounds the goroutines running code requests, reconnects and deliveries.
	Workers int
	// NodeID seeds the snowflake session id generator.
	NodeID    int64
	Publisher Publisher
	Now       func() time.Time
}

// Coordinator owns every pairing attempt of the process: the session registry, the phone
// lock table, the timers and the connections.
type Coordinator struct {
	mu       sync.Mutex
	registry *Registry
	locks    *LockTable
	auth     map[string]AuthState

	connector Connector
	store     *authstore.Store
	delivery  *Delivery
	timings   Timings
	pool      *ants.Pool
	ids       *snowflake.Node
	pub       Publisher
	now       func() time.Time

	// deliverPending marks sessions whose reconnect opened before its handle was attached.
	deliverPending map[string]bool

	// transitions are queued under mu so subscribers see them in the order they were applied.
	transitions chan Transition
	published   chan struct{}
	closed      bool
}

func New(opts Options) (*Coordinator, error) {
	if opts.Connector == nil {
		return nil, errors.New("pairing: connector is required")
	}
	if opts.Store == nil {
		return nil, errors.New("pairing: auth store is required")
	}
	if opts.Engine == nil {
		engine, err := render.New()
		if err != nil {
			return nil, err
		}
		opts.Engine = engine
	}
	if opts.Timings == (Timings{}) {
		opts.Timings = DefaultTimings()
	}
	if opts.Workers <= 0 {
		opts.Workers = 64
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	node, err := snowflake.NewNode(opts.NodeID)
	if err != nil {
		return nil, errors.Wrap(err, "pairing: session id generator")
	}
	pool, err := ants.NewPool(opts.Workers,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p interface{}) {
			zap.L().Error("pairing: worker panic", zap.Any("panic", p))
		}))
	if err != nil {
		return nil, errors.Wrap(err, "pairing: worker pool")
	}
	delivery := NewDelivery(opts.Store, opts.Engine)
	delivery.now = opts.Now
	c := &Coordinator{
		registry:       NewRegistry(),
		locks:          NewLockTable(),
		auth:           make(map[string]AuthState),
		connector:      opts.Connector,
		store:          opts.Store,
		delivery:       delivery,
		timings:        opts.Timings,
		pool:           pool,
		ids:            node,
		pub:            opts.Publisher,
		now:            opts.Now,
		deliverPending: make(map[string]bool),
		transitions:    make(chan Transition, transitionBuffer),
		published:      make(chan struct{}),
	}
	go c.publishLoop()
	return c, nil
}

// Result is the answer of GeneratePairingCode.
type Result struct {
	Success      bool   `json:"success"`
	SessionID    string `json:"sessionId,omitempty"`
	Code         string `json:"code,omitempty"`
	QR           string `json:"qr,omitempty"`
	Message      string `json:"message"`
	Status       Status `json:"status,omitempty"`
	NeedsRestart bool   `json:"needsRestart,omitempty"`
	Error        string `json:"error,omitempty"`
}

// GeneratePairingCode starts (or joins) the pairing attempt for a phone number and waits a
// bounded time for something worth reporting. The attempt keeps running afterwards.
func (c *Coordinator) GeneratePairingCode(ctx context.Context, rawPhone string) Result {
	phone, err := NormalizePhone(rawPhone)
	if err != nil {
		return Result{Success: false, Error: err.Error(), Message: err.Error()}
	}

	now := c.now()
	c.mu.Lock()
	if id, ok := c.locks.Acquire(phone, now, c.timings.Freshness, c.createdAt); ok {
		rec, _ := c.registry.Get(id)
		snap := *rec
		c.mu.Unlock()
		zap.L().Info("pairing: reusing pending attempt", zap.String("phone", phone), zap.String("session_id", id))
		return Result{
			Success:   true,
			SessionID: id,
			Code:      snap.Code,
			QR:        snap.QR,
			Message:   "Already pairing this number. Use existing session.",
			Status:    statusAlreadyPending,
		}
	}
	id := "WAP_" + c.ids.Generate().String()
	dir, err := c.store.Dir(id)
	if err != nil {
		c.mu.Unlock()
		return setupFailure(err)
	}
	rec := &Session{
		ID:          id,
		PhoneNumber: phone,
		Dir:         dir,
		Status:      StatusInitializing,
		Message:     msgInitializing,
		CreatedAt:   now,
		Generation:  1,
		changed:     make(chan struct{}),
	}
	c.locks.Lock(phone, id)
	c.registry.Put(rec)
	c.publish(Transition{SessionID: id, PhoneNumber: phone, To: StatusInitializing, CreatedAt: now, At: now})
	c.mu.Unlock()

	zap.L().Info("pairing: attempt started", zap.String("phone", phone), zap.String("session_id", id))

	// the connection outlives the request that started it
	connCtx := context.WithoutCancel(ctx)
	state, err := c.connector.LoadAuthState(connCtx, dir)
	if err != nil {
		c.abort(id, phone, err)
		return setupFailure(err)
	}
	c.mu.Lock()
	c.auth[id] = state
	c.mu.Unlock()

	conn, err := c.connector.Connect(connCtx, state, c.handlerFor(id, 1))
	if err != nil {
		c.abort(id, phone, err)
		return setupFailure(err)
	}
	if !c.attach(id, 1, conn) {
		conn.Close()
	}

	return resultFrom(c.wait(ctx, id))
}

func setupFailure(err error) Result {
	category := ClassifySetupError(err)
	zap.L().Warn("pairing: setup failed", zap.String("category", category), zap.Error(err))
	return Result{
		Success: false,
		Error:   category,
		Message: category + ": " + err.Error(),
	}
}

// abort drops a session whose connection could never be set up.
func (c *Coordinator) abort(id, phone string, cause error) {
	c.mu.Lock()
	c.locks.Release(phone, id)
	c.registry.Delete(id)
	state := c.auth[id]
	delete(c.auth, id)
	c.mu.Unlock()
	if state != nil {
		_ = state.Close()
	}
	zap.L().Warn("pairing: attempt aborted", zap.String("session_id", id), zap.Error(cause))
}

// attach stores the live connection of a generation. It returns false when the session is
// gone or has moved on, in which case the caller owns the connection.
func (c *Coordinator) attach(id string, gen int, conn Connection) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.registry.Get(id)
	if !ok || rec.CleanedUp || rec.Generation != gen || rec.Status == StatusError {
		return false
	}
	rec.conn = conn
	return true
}

func (c *Coordinator) createdAt(id string) (time.Time, bool) {
	rec, ok := c.registry.Get(id)
	if !ok {
		return time.Time{}, false
	}
	return rec.CreatedAt, true
}

// settled reports whether the initiating call has something definitive to return.
func settled(s Session) bool {
	return s.HandshakeSuccessful || s.CodeIssued || s.CleanedUp || s.Status.Terminal()
}

func (c *Coordinator) wait(ctx context.Context, id string) Session {
	timer := time.NewTimer(c.timings.BoundedWait)
	defer timer.Stop()
	for {
		c.mu.Lock()
		rec, ok := c.registry.Get(id)
		if !ok {
			c.mu.Unlock()
			return Session{ID: id, Status: StatusNotFound}
		}
		snap := *rec
		ch := rec.changed
		c.mu.Unlock()

		if settled(snap) {
			return snap
		}
		select {
		case <-ch:
		case <-timer.C:
			return c.snapshotOr(id, snap)
		case <-ctx.Done():
			return c.snapshotOr(id, snap)
		}
	}
}

func (c *Coordinator) snapshotOr(id string, fallback Session) Session {
	if snap, ok := c.Snapshot(id); ok {
		return snap
	}
	return fallback
}

// resultFrom picks the best answer: handshake > code > QR > error > timeout.
func resultFrom(s Session) Result {
	switch {
	case s.HandshakeSuccessful:
		status := StatusPaired
		if s.Status == StatusReady || s.Status == StatusNeedsRestart || s.Status == StatusReconnecting {
			status = s.Status
		}
		return Result{
			Success:      true,
			SessionID:    s.ID,
			Code:         s.Code,
			QR:           s.QR,
			Message:      "Pairing successful! Your WhatsApp is now linked.",
			Status:       status,
			NeedsRestart: s.RestartRequired,
		}
	case s.Code != "":
		return Result{Success: true, SessionID: s.ID, Code: s.Code, QR: s.QR, Message: codeMessage(s.Code), Status: StatusCodeGenerated}
	case s.QR != "":
		return Result{Success: true, SessionID: s.ID, QR: s.QR, Message: msgQRGenerated, Status: StatusQRGenerated}
	case s.Status == StatusError:
		return Result{Success: false, SessionID: s.ID, Error: s.Message, Message: s.Message}
	}
	return Result{Success: false, SessionID: s.ID, Error: "Timeout", Message: "WhatsApp didn't respond. Try again"}
}

// Snapshot returns a copy of the session record.
func (c *Coordinator) Snapshot(id string) (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.registry.Get(id)
	if !ok {
		return Session{}, false
	}
	return *rec, true
}

// LockHolder returns the session currently locking a normalized phone number.
func (c *Coordinator) LockHolder(phone string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.locks.Holder(phone)
}

// Len returns the number of registered sessions.
func (c *Coordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registry.Len()
}

// Engine returns the template engine used for delivery messages.
func (c *Coordinator) Engine() *render.Engine {
	return c.delivery.engine
}

// Store returns the session directory store.
func (c *Coordinator) Store() *authstore.Store {
	return c.store
}

// Cleanup releases the phone lock, force-closes the live connection and evicts the record
// after the grace period. In-flight reconnect or delivery work is not interrupted.
func (c *Coordinator) Cleanup(id string) bool {
	c.mu.Lock()
	rec, ok := c.registry.Get(id)
	if !ok {
		c.mu.Unlock()
		return false
	}
	c.locks.Release(rec.PhoneNumber, id)
	rec.CleanedUp = true
	conn := rec.conn
	rec.conn = nil
	state := c.auth[id]
	delete(c.auth, id)
	delete(c.deliverPending, id)
	c.notify(rec)
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if state != nil {
		_ = state.Close()
	}
	zap.L().Info("pairing: session cleaned up", zap.String("session_id", id))

	time.AfterFunc(c.timings.CleanupGrace, func() {
		c.mu.Lock()
		if cur, ok := c.registry.Get(id); ok && cur == rec {
			c.registry.Delete(id)
		}
		c.mu.Unlock()
	})
	return true
}

// Sweep evicts every record older than the horizon regardless of status.
func (c *Coordinator) Sweep() int {
	cutoff := c.now().Add(-c.timings.Horizon)
	c.mu.Lock()
	expired := c.registry.Expired(cutoff)
	conns := make([]Connection, 0, len(expired))
	states := make([]AuthState, 0, len(expired))
	for _, rec := range expired {
		c.locks.Release(rec.PhoneNumber, rec.ID)
		rec.CleanedUp = true
		if rec.conn != nil {
			conns = append(conns, rec.conn)
			rec.conn = nil
		}
		if st := c.auth[rec.ID]; st != nil {
			states = append(states, st)
			delete(c.auth, rec.ID)
		}
		delete(c.deliverPending, rec.ID)
		c.notify(rec)
	}
	c.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
	for _, st := range states {
		_ = st.Close()
	}
	if len(expired) > 0 {
		zap.L().Info("pairing: swept expired sessions", zap.Int("count", len(expired)))
	}
	return len(expired)
}

const (
	closeTimeout     = 5 * time.Second
	transitionBuffer = 256
)

// Close tears down every session, waits for running workers to finish and flushes the
// queued transitions.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	var conns []Connection
	var states []AuthState
	for _, rec := range c.registry.sessions {
		rec.CleanedUp = true
		if rec.conn != nil {
			conns = append(conns, rec.conn)
			rec.conn = nil
		}
	}
	for id, st := range c.auth {
		states = append(states, st)
		delete(c.auth, id)
	}
	c.closed = true
	close(c.transitions)
	c.mu.Unlock()
	for _, conn := range conns {
		conn.Close()
	}
	for _, st := range states {
		_ = st.Close()
	}
	if err := c.pool.ReleaseTimeout(closeTimeout); err != nil {
		zap.L().Warn("pairing: worker pool did not drain", zap.Error(err))
	}
	<-c.published
}

// notify wakes every waiter of a session. Callers hold c.mu.
func (c *Coordinator) notify(rec *Session) {
	close(rec.changed)
	rec.changed = make(chan struct{})
}

// publish queues a transition. Callers hold c.mu.
func (c *Coordinator) publish(t Transition) {
	if c.closed {
		return
	}
	c.transitions <- t
}

func (c *Coordinator) publishLoop() {
	defer close(c.published)
	for t := range c.transitions {
		if c.pub != nil {
			c.pub.Publish(TopicStatus, t)
		}
	}
}
