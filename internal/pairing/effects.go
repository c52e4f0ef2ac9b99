package pairing

import (
	"context"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	codeRequestTimeout = 30 * time.Second
	persistTimeout     = 15 * time.Second
	deliveryTimeout    = 60 * time.Second
)

// handlerFor binds connection events of one generation to a session.
func (c *Coordinator) handlerFor(id string, gen int) EventHandler {
	return func(ce ConnEvent) {
		ev := Event{Generation: gen, At: c.now(), QR: ce.QR, UserID: ce.UserID, Reason: ce.Reason, Err: ce.Err}
		switch ce.Kind {
		case ConnConnecting:
			ev.Kind = EvConnecting
		case ConnQR:
			ev.Kind = EvQR
		case ConnOpen:
			ev.Kind = EvOpen
		case ConnNewLogin:
			ev.Kind = EvNewLogin
		case ConnClose:
			ev.Kind = EvClose
		case ConnCredentialsUpdated:
			ev.Kind = EvCredentialsUpdated
		default:
			return
		}
		c.dispatch(id, ev)
	}
}

// dispatch applies one event under the coordinator lock, wakes waiters and then runs the
// requested effects outside the lock. A reported close keeps the connection handle on the
// record: whoever releases the session still owns closing it.
func (c *Coordinator) dispatch(id string, ev Event) {
	if ev.At.IsZero() {
		ev.At = c.now()
	}
	c.mu.Lock()
	rec, ok := c.registry.Get(id)
	if !ok {
		c.mu.Unlock()
		return
	}
	before := *rec
	next, effects := Apply(before, ev, c.timings)
	*rec = next
	gen := rec.Generation
	c.notify(rec)
	changed := before.Status != next.Status || before.SessionSent != next.SessionSent
	if changed {
		c.publish(Transition{
			SessionID:   id,
			PhoneNumber: next.PhoneNumber,
			From:        before.Status,
			To:          next.Status,
			UserID:      next.UserID,
			Code:        next.Code,
			Error:       next.Error,
			SessionSent: next.SessionSent,
			CreatedAt:   next.CreatedAt,
			At:          ev.At,
		})
	}
	c.mu.Unlock()

	if changed {
		zap.L().Info("pairing: status changed",
			zap.String("session_id", id),
			zap.String("event", ev.Kind.String()),
			zap.String("from", string(before.Status)),
			zap.String("to", string(next.Status)),
			zap.String("message", next.Message))
	}

	for _, eff := range effects {
		c.run(id, gen, eff)
	}
}

func (c *Coordinator) run(id string, gen int, eff Effect) {
	switch eff.Kind {
	case EffRequestCode:
		if eff.Delay > 0 {
			time.AfterFunc(eff.Delay, func() {
				c.dispatch(id, Event{Kind: EvCodeRequestDue})
			})
			return
		}
		c.submit(func() { c.requestCode(id, gen) })

	case EffPersistCredentials:
		c.submit(func() { c.persist(id) })

	case EffClose:
		time.AfterFunc(eff.Delay, func() { c.closeGeneration(id, gen) })

	case EffStartReconnect:
		time.AfterFunc(eff.Delay, func() {
			c.submit(func() { c.reconnect(id) })
		})

	case EffReleaseLock:
		c.release(id)

	case EffDeliver:
		c.submit(func() { c.deliver(id) })
	}
}

// submit hands fn to the worker pool. The pool never blocks the caller: when every worker
// is busy the task runs on its own goroutine instead of being dropped.
func (c *Coordinator) submit(fn func()) {
	err := c.pool.Submit(fn)
	switch {
	case err == nil:
	case errors.Is(err, ants.ErrPoolOverload):
		zap.L().Warn("pairing: worker pool saturated, running task outside the pool")
		go fn()
	default:
		zap.L().Warn("pairing: worker pool rejected task", zap.Error(err))
	}
}

func (c *Coordinator) requestCode(id string, gen int) {
	c.mu.Lock()
	rec, ok := c.registry.Get(id)
	if !ok || rec.CleanedUp || rec.Generation != gen {
		c.mu.Unlock()
		return
	}
	conn, phone := rec.conn, rec.PhoneNumber
	c.mu.Unlock()

	if conn == nil {
		c.dispatch(id, Event{Kind: EvCodeFailed, Generation: gen, Err: errors.New("no live connection")})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), codeRequestTimeout)
	defer cancel()
	code, err := conn.RequestPairingCode(ctx, phone)
	if err != nil {
		zap.L().Warn("pairing: code request failed", zap.String("session_id", id), zap.Error(err))
		c.dispatch(id, Event{Kind: EvCodeFailed, Generation: gen, Err: err})
		return
	}
	zap.L().Info("pairing: code issued", zap.String("session_id", id), zap.String("phone", phone))
	c.dispatch(id, Event{Kind: EvCodeIssued, Generation: gen, Code: code})
}

func (c *Coordinator) persist(id string) {
	c.mu.Lock()
	state := c.auth[id]
	c.mu.Unlock()
	if state == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := state.Persist(ctx); err != nil {
		zap.L().Error("pairing: persist credentials failed", zap.String("session_id", id), zap.Error(err))
	}
}

// closeGeneration closes the live connection if the session is still on gen.
func (c *Coordinator) closeGeneration(id string, gen int) {
	c.mu.Lock()
	rec, ok := c.registry.Get(id)
	if !ok || rec.Generation != gen || rec.conn == nil {
		c.mu.Unlock()
		return
	}
	conn := rec.conn
	rec.conn = nil
	c.mu.Unlock()
	conn.Close()
}

func (c *Coordinator) release(id string) {
	c.mu.Lock()
	rec, ok := c.registry.Get(id)
	if !ok {
		c.mu.Unlock()
		return
	}
	c.locks.Release(rec.PhoneNumber, id)
	conn := rec.conn
	rec.conn = nil
	state := c.auth[id]
	delete(c.auth, id)
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if state != nil {
		_ = state.Close()
	}
}
