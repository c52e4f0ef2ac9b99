package pairing_test

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talkincode/wapair/internal/pairing"
)

func newRecord() pairing.Session {
	return pairing.Session{
		ID:          "WAP_1",
		PhoneNumber: "254111255045",
		Status:      pairing.StatusInitializing,
		Generation:  1,
	}
}

func kinds(effects []pairing.Effect) []pairing.EffectKind {
	out := make([]pairing.EffectKind, 0, len(effects))
	for _, e := range effects {
		out = append(out, e.Kind)
	}
	return out
}

func apply(t *testing.T, rec pairing.Session, evs ...pairing.Event) (pairing.Session, []pairing.Effect) {
	t.Helper()
	var all []pairing.Effect
	for _, ev := range evs {
		var effs []pairing.Effect
		rec, effs = pairing.Apply(rec, ev, pairing.DefaultTimings())
		all = append(all, effs...)
	}
	return rec, all
}

func TestApplyConnecting(t *testing.T) {
	rec, effs := apply(t, newRecord(), pairing.Event{Kind: pairing.EvConnecting, Generation: 1})
	assert.Equal(t, pairing.StatusConnecting, rec.Status)
	assert.Empty(t, effs)
}

func TestApplyQRSchedulesCodeRequestOnce(t *testing.T) {
	rec, effs := apply(t, newRecord(), pairing.Event{Kind: pairing.EvQR, Generation: 1, QR: "2@abc"})
	assert.Equal(t, pairing.StatusQRGenerated, rec.Status)
	assert.Equal(t, "2@abc", rec.QR)
	assert.True(t, rec.CodeRequested)
	require.Len(t, effs, 1)
	assert.Equal(t, pairing.EffRequestCode, effs[0].Kind)
	assert.Equal(t, 3*time.Second, effs[0].Delay)

	// a rotated QR keeps the first payload and never requests again
	rec, effs = apply(t, rec, pairing.Event{Kind: pairing.EvQR, Generation: 1, QR: "2@def"})
	assert.Equal(t, "2@abc", rec.QR)
	assert.Empty(t, effs)
}

func TestApplyCodeRequestDue(t *testing.T) {
	rec, _ := apply(t, newRecord(), pairing.Event{Kind: pairing.EvQR, Generation: 1, QR: "q"})
	_, effs := apply(t, rec, pairing.Event{Kind: pairing.EvCodeRequestDue})
	assert.Equal(t, []pairing.EffectKind{pairing.EffRequestCode}, kinds(effs))
	assert.Zero(t, effs[0].Delay)

	rec, _ = apply(t, rec, pairing.Event{Kind: pairing.EvCodeIssued, Generation: 1, Code: "ABCD-1234"})
	_, effs = apply(t, rec, pairing.Event{Kind: pairing.EvCodeRequestDue})
	assert.Empty(t, effs)
}

func TestApplyCodeIssued(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	rec, _ := apply(t, newRecord(),
		pairing.Event{Kind: pairing.EvQR, Generation: 1, QR: "q"},
		pairing.Event{Kind: pairing.EvCodeIssued, Generation: 1, Code: "ABCD-1234", At: at},
	)
	assert.Equal(t, pairing.StatusCodeGenerated, rec.Status)
	assert.Equal(t, "ABCD-1234", rec.Code)
	assert.True(t, rec.CodeIssued)
	assert.Equal(t, at, rec.CodeGeneratedAt)
	assert.Equal(t, "Pairing code: ABCD-1234 - Enter in WhatsApp", rec.Message)
}

func TestApplyCodeFailedKeepsPending(t *testing.T) {
	rec, _ := apply(t, newRecord(),
		pairing.Event{Kind: pairing.EvQR, Generation: 1, QR: "q"},
		pairing.Event{Kind: pairing.EvCodeFailed, Generation: 1, Err: errors.New("rate limited")},
	)
	assert.Equal(t, pairing.StatusQRGenerated, rec.Status)
	assert.Equal(t, "rate limited", rec.Error)
}

func TestApplyOpenAfterCode(t *testing.T) {
	rec, effs := apply(t, newRecord(),
		pairing.Event{Kind: pairing.EvQR, Generation: 1, QR: "q"},
		pairing.Event{Kind: pairing.EvCodeIssued, Generation: 1, Code: "ABCD-1234"},
		pairing.Event{Kind: pairing.EvOpen, Generation: 1, UserID: "254111255045:3@s.whatsapp.net"},
	)
	assert.Equal(t, pairing.StatusPaired, rec.Status)
	assert.True(t, rec.HandshakeSuccessful)
	assert.Equal(t, "254111255045:3@s.whatsapp.net", rec.UserID)
	assert.Equal(t, []pairing.EffectKind{
		pairing.EffRequestCode,
		pairing.EffPersistCredentials,
		pairing.EffClose,
	}, kinds(effs))
	assert.Equal(t, 2*time.Second, effs[2].Delay)
}

func TestApplyOpenBeforeCode(t *testing.T) {
	rec, effs := apply(t, newRecord(), pairing.Event{Kind: pairing.EvOpen, Generation: 1})
	assert.Equal(t, pairing.StatusConnected, rec.Status)
	assert.False(t, rec.HandshakeSuccessful)
	assert.Empty(t, effs)
}

func TestApplyNewLogin(t *testing.T) {
	rec, effs := apply(t, newRecord(), pairing.Event{Kind: pairing.EvNewLogin, Generation: 1})
	assert.True(t, rec.HandshakeSuccessful)
	assert.True(t, rec.RestartRequired)
	assert.Equal(t, []pairing.EffectKind{pairing.EffPersistCredentials, pairing.EffClose}, kinds(effs))
	assert.Equal(t, time.Second, effs[1].Delay)

	_, effs = apply(t, rec, pairing.Event{Kind: pairing.EvNewLogin, Generation: 1})
	assert.Empty(t, effs)
}

func TestApplyCloseAfterHandshakeStartsReconnectOnce(t *testing.T) {
	rec, _ := apply(t, newRecord(), pairing.Event{Kind: pairing.EvNewLogin, Generation: 1})
	rec, effs := apply(t, rec, pairing.Event{Kind: pairing.EvClose, Generation: 1, Reason: pairing.CloseRestartRequired})
	assert.Equal(t, pairing.StatusNeedsRestart, rec.Status)
	assert.True(t, rec.ReconnectStarted)
	assert.Equal(t, []pairing.EffectKind{pairing.EffStartReconnect}, kinds(effs))
	assert.Equal(t, 3*time.Second, effs[0].Delay)

	_, effs = apply(t, rec, pairing.Event{Kind: pairing.EvClose, Generation: 1})
	assert.Empty(t, effs)
}

func TestApplyCloseWithoutHandshakeFails(t *testing.T) {
	cases := []struct {
		reason  pairing.CloseReason
		err     error
		message string
		errText string
	}{
		{pairing.CloseLoggedOut, nil, "Device logged out from WhatsApp", "Connection failed"},
		{pairing.CloseClosedByPeer, nil, "Connection closed by server", "Connection failed"},
		{pairing.CloseConnectionLost, nil, "Connection lost - check internet", "Connection failed"},
		{pairing.CloseTimedOut, nil, "Connection timed out", "Connection failed"},
		{pairing.CloseRestartRequired, nil, "Stream error - restart required", "Connection failed"},
		{pairing.CloseOther, errors.New("boom"), "Error: boom", "boom"},
		{pairing.CloseOther, nil, "Connection closed", "Connection failed"},
	}
	for _, tc := range cases {
		t.Run(tc.reason.String(), func(t *testing.T) {
			rec, effs := apply(t, newRecord(),
				pairing.Event{Kind: pairing.EvOpen, Generation: 1},
				pairing.Event{Kind: pairing.EvClose, Generation: 1, Reason: tc.reason, Err: tc.err},
			)
			assert.Equal(t, pairing.StatusError, rec.Status)
			assert.Equal(t, tc.message, rec.Message)
			assert.Equal(t, tc.errText, rec.Error)
			assert.Equal(t, []pairing.EffectKind{pairing.EffReleaseLock}, kinds(effs))
		})
	}
}

func TestApplyErrorIsTerminal(t *testing.T) {
	rec, _ := apply(t, newRecord(), pairing.Event{Kind: pairing.EvClose, Generation: 1})
	require.Equal(t, pairing.StatusError, rec.Status)
	after, effs := apply(t, rec,
		pairing.Event{Kind: pairing.EvQR, Generation: 1, QR: "q"},
		pairing.Event{Kind: pairing.EvOpen, Generation: 1},
	)
	assert.Equal(t, rec, after)
	assert.Empty(t, effs)
}

func TestApplyReconnectLifecycle(t *testing.T) {
	rec, _ := apply(t, newRecord(),
		pairing.Event{Kind: pairing.EvNewLogin, Generation: 1},
		pairing.Event{Kind: pairing.EvClose, Generation: 1},
		pairing.Event{Kind: pairing.EvReconnectStarted},
	)
	assert.Equal(t, pairing.StatusReconnecting, rec.Status)
	assert.Equal(t, 2, rec.Generation)

	// late events of the first connection are dropped
	same, effs := apply(t, rec, pairing.Event{Kind: pairing.EvClose, Generation: 1})
	assert.Equal(t, rec, same)
	assert.Empty(t, effs)

	// the reconnect only reacts to open and credential updates
	same, effs = apply(t, rec, pairing.Event{Kind: pairing.EvQR, Generation: 2, QR: "q"})
	assert.Equal(t, rec, same)
	assert.Empty(t, effs)
	_, effs = apply(t, rec, pairing.Event{Kind: pairing.EvCredentialsUpdated, Generation: 2})
	assert.Equal(t, []pairing.EffectKind{pairing.EffPersistCredentials}, kinds(effs))

	rec, effs = apply(t, rec, pairing.Event{Kind: pairing.EvOpen, Generation: 2, UserID: "254111255045:3@s.whatsapp.net"})
	assert.Equal(t, pairing.StatusReady, rec.Status)
	assert.Equal(t, "Ready to use!", rec.Message)
	assert.Equal(t, []pairing.EffectKind{pairing.EffDeliver}, kinds(effs))

	rec, _ = apply(t, rec, pairing.Event{Kind: pairing.EvDelivered})
	assert.True(t, rec.SessionSent)
	assert.Equal(t, pairing.StatusReady, rec.Status)
}

func TestApplyReadyNeverReverts(t *testing.T) {
	rec := newRecord()
	rec.Status = pairing.StatusReady
	rec.Generation = 2
	rec.HandshakeSuccessful = true
	for _, ev := range []pairing.Event{
		{Kind: pairing.EvClose, Generation: 2},
		{Kind: pairing.EvReconnectFailed, Err: errors.New("x")},
		{Kind: pairing.EvDeliveryFailed, Err: errors.New("send failed")},
	} {
		next, _ := pairing.Apply(rec, ev, pairing.DefaultTimings())
		assert.Equal(t, pairing.StatusReady, next.Status, ev.Kind.String())
	}
}

func TestApplyReconnectFailed(t *testing.T) {
	rec, _ := apply(t, newRecord(),
		pairing.Event{Kind: pairing.EvNewLogin, Generation: 1},
		pairing.Event{Kind: pairing.EvClose, Generation: 1},
		pairing.Event{Kind: pairing.EvReconnectStarted},
		pairing.Event{Kind: pairing.EvReconnectFailed, Err: errors.New("store locked")},
	)
	assert.Equal(t, pairing.StatusReconnecting, rec.Status)
	assert.Equal(t, "store locked", rec.Error)
}

func TestApplyIgnoresCleanedUp(t *testing.T) {
	rec := newRecord()
	rec.CleanedUp = true
	next, effs := pairing.Apply(rec, pairing.Event{Kind: pairing.EvQR, Generation: 1, QR: "q"}, pairing.DefaultTimings())
	assert.Equal(t, rec, next)
	assert.Empty(t, effs)
}
