package pairing

import (
	"context"

	"go.uber.org/zap"
)

// reconnect opens the second connection from the persisted credentials. It runs once per
// session and only after the handshake succeeded.
func (c *Coordinator) reconnect(id string) {
	c.mu.Lock()
	rec, ok := c.registry.Get(id)
	if !ok || rec.CleanedUp {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.dispatch(id, Event{Kind: EvReconnectStarted})

	c.mu.Lock()
	rec, ok = c.registry.Get(id)
	if !ok || rec.CleanedUp {
		c.mu.Unlock()
		return
	}
	dir := rec.Dir
	oldConn := rec.conn
	rec.conn = nil
	oldState := c.auth[id]
	delete(c.auth, id)
	c.mu.Unlock()

	if oldConn != nil {
		oldConn.Close()
	}
	if oldState != nil {
		_ = oldState.Close()
	}

	zap.L().Info("pairing: reconnecting", zap.String("session_id", id))
	ctx := context.Background()
	state, err := c.connector.LoadAuthState(ctx, dir)
	if err != nil {
		zap.L().Error("pairing: reconnect failed", zap.String("session_id", id), zap.Error(err))
		c.dispatch(id, Event{Kind: EvReconnectFailed, Err: err})
		return
	}
	c.mu.Lock()
	c.auth[id] = state
	c.mu.Unlock()

	conn, err := c.connector.Connect(ctx, state, c.handlerFor(id, 2))
	if err != nil {
		zap.L().Error("pairing: reconnect failed", zap.String("session_id", id), zap.Error(err))
		c.dispatch(id, Event{Kind: EvReconnectFailed, Err: err})
		return
	}

	c.mu.Lock()
	rec, ok = c.registry.Get(id)
	if !ok || rec.CleanedUp || rec.Generation != 2 {
		// cleaned up while connecting
		if c.auth[id] == state {
			delete(c.auth, id)
		}
		c.mu.Unlock()
		conn.Close()
		_ = state.Close()
		return
	}
	rec.conn = conn
	pending := c.deliverPending[id]
	delete(c.deliverPending, id)
	c.mu.Unlock()

	// already on a worker
	if pending {
		c.deliver(id)
	}
}

// deliver sends the credential bundle to the linked account and writes the metadata
// sidecar. Failures are logged and never leave the ready state.
func (c *Coordinator) deliver(id string) {
	c.mu.Lock()
	rec, ok := c.registry.Get(id)
	if !ok || rec.CleanedUp {
		c.mu.Unlock()
		return
	}
	if rec.conn == nil {
		c.deliverPending[id] = true
		c.mu.Unlock()
		return
	}
	conn := rec.conn
	snap := *rec
	c.mu.Unlock()

	if snap.UserID == "" {
		snap.UserID = conn.UserID()
	}
	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()
	sendErr := c.delivery.Send(ctx, conn, snap)
	if sendErr != nil {
		zap.L().Warn("pairing: credential delivery failed", zap.String("session_id", id), zap.Error(sendErr))
	} else {
		zap.L().Info("pairing: credentials delivered", zap.String("session_id", id), zap.String("user_id", snap.UserID))
	}
	if err := c.delivery.WriteInfo(snap, sendErr == nil); err != nil {
		zap.L().Warn("pairing: write session info failed", zap.String("session_id", id), zap.Error(err))
	}
	if sendErr != nil {
		c.dispatch(id, Event{Kind: EvDeliveryFailed, Err: sendErr})
		return
	}
	c.dispatch(id, Event{Kind: EvDelivered, UserID: snap.UserID})
}
