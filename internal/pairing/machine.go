package pairing

import (
	"fmt"
	"time"
)

// EventKind enumerates the inputs of the state machine.
type EventKind int

const (
	EvConnecting EventKind = iota
	EvQR
	EvCodeRequestDue
	EvCodeIssued
	EvCodeFailed
	EvOpen
	EvNewLogin
	EvClose
	EvCredentialsUpdated
	EvReconnectStarted
	EvReconnectFailed
	EvDelivered
	EvDeliveryFailed
)

var eventNames = map[EventKind]string{
	EvConnecting:         "connecting",
	EvQR:                 "qr",
	EvCodeRequestDue:     "code_request_due",
	EvCodeIssued:         "code_issued",
	EvCodeFailed:         "code_failed",
	EvOpen:               "open",
	EvNewLogin:           "new_login",
	EvClose:              "close",
	EvCredentialsUpdated: "credentials_updated",
	EvReconnectStarted:   "reconnect_started",
	EvReconnectFailed:    "reconnect_failed",
	EvDelivered:          "delivered",
	EvDeliveryFailed:     "delivery_failed",
}

func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return "unknown"
}

// Event is one input to Apply. Generation is zero for coordinator-internal events and
// the connection generation for events coming from the connection layer.
type Event struct {
	Kind       EventKind
	Generation int
	At         time.Time
	QR         string
	Code       string
	UserID     string
	Reason     CloseReason
	Err        error
}

// EffectKind enumerates the side effects requested by Apply.
type EffectKind int

const (
	EffRequestCode EffectKind = iota
	EffPersistCredentials
	EffClose
	EffStartReconnect
	EffReleaseLock
	EffDeliver
)

// Effect is an I/O action the coordinator performs after a transition.
type Effect struct {
	Kind  EffectKind
	Delay time.Duration
}

const (
	msgInitializing   = "Initializing pairing..."
	msgConnecting     = "Connecting to WhatsApp servers..."
	msgQRGenerated    = "QR code generated. Scan with WhatsApp"
	msgConnectedWait  = "Connected to WhatsApp. Requesting pairing code..."
	msgPaired         = "Pairing successful! Restarting connection..."
	msgNewLogin       = "New login detected. Restarting connection..."
	msgNeedsRestart   = "Pairing successful! Connection needs to restart."
	msgReconnecting   = "Reconnecting after successful pairing..."
	msgReady          = "Ready to use!"
	msgReconnectError = "Pairing successful but reconnect failed. Try pairing again."
)

func codeMessage(code string) string {
	return fmt.Sprintf("Pairing code: %s - Enter in WhatsApp", code)
}

// CloseMessage maps a close reason to the fixed user-facing message.
func CloseMessage(reason CloseReason, err error) string {
	switch reason {
	case CloseLoggedOut:
		return "Device logged out from WhatsApp"
	case CloseClosedByPeer:
		return "Connection closed by server"
	case CloseConnectionLost:
		return "Connection lost - check internet"
	case CloseTimedOut:
		return "Connection timed out"
	case CloseRestartRequired:
		return "Stream error - restart required"
	}
	if err != nil {
		return "Error: " + err.Error()
	}
	return "Connection closed"
}

// Apply is the pure transition function of a pairing attempt. It never performs I/O; the
// returned effects are executed by the coordinator.
func Apply(rec Session, ev Event, t Timings) (Session, []Effect) {
	if rec.CleanedUp {
		return rec, nil
	}
	if ev.Generation != 0 && ev.Generation != rec.Generation {
		return rec, nil
	}
	if rec.Status == StatusError {
		return rec, nil
	}
	if rec.Status == StatusReady && ev.Kind != EvDelivered && ev.Kind != EvDeliveryFailed {
		return rec, nil
	}
	// the reconnect connection only reports open and credential updates
	if ev.Generation == 2 && ev.Kind != EvOpen && ev.Kind != EvCredentialsUpdated {
		return rec, nil
	}

	var effects []Effect
	switch ev.Kind {
	case EvConnecting:
		if rec.Status == StatusInitializing {
			rec.Status = StatusConnecting
			rec.Message = msgConnecting
		}

	case EvQR:
		if rec.QR != "" || ev.QR == "" {
			break
		}
		rec.QR = ev.QR
		if !rec.HandshakeSuccessful && !rec.CodeIssued {
			rec.Status = StatusQRGenerated
			rec.Message = msgQRGenerated
		}
		if !rec.CodeRequested {
			rec.CodeRequested = true
			effects = append(effects, Effect{Kind: EffRequestCode, Delay: t.CodeSettle})
		}

	case EvCodeRequestDue:
		if rec.CodeIssued || rec.HandshakeSuccessful || rec.Generation != 1 {
			break
		}
		effects = append(effects, Effect{Kind: EffRequestCode})

	case EvCodeIssued:
		if rec.Code != "" || ev.Code == "" {
			break
		}
		rec.Code = ev.Code
		rec.CodeIssued = true
		rec.CodeGeneratedAt = ev.At
		if !rec.HandshakeSuccessful {
			rec.Status = StatusCodeGenerated
			rec.Message = codeMessage(ev.Code)
		}

	case EvCodeFailed:
		if ev.Err != nil {
			rec.Error = ev.Err.Error()
		}

	case EvOpen:
		if ev.Generation == 2 {
			rec.Status = StatusReady
			rec.Message = msgReady
			rec.Error = ""
			if ev.UserID != "" {
				rec.UserID = ev.UserID
			}
			effects = append(effects, Effect{Kind: EffDeliver})
			break
		}
		rec.Status = StatusConnected
		rec.ConnectedAt = ev.At
		if ev.UserID != "" {
			rec.UserID = ev.UserID
		}
		if rec.CodeIssued {
			rec.Status = StatusPaired
			rec.Message = msgPaired
			if !rec.HandshakeSuccessful {
				rec.HandshakeSuccessful = true
				effects = append(effects,
					Effect{Kind: EffPersistCredentials},
					Effect{Kind: EffClose, Delay: t.OpenRestart},
				)
			}
		} else {
			rec.Message = msgConnectedWait
		}

	case EvNewLogin:
		if rec.HandshakeSuccessful {
			rec.RestartRequired = true
			break
		}
		rec.HandshakeSuccessful = true
		rec.RestartRequired = true
		rec.Message = msgNewLogin
		effects = append(effects,
			Effect{Kind: EffPersistCredentials},
			Effect{Kind: EffClose, Delay: t.NewLoginRestart},
		)

	case EvCredentialsUpdated:
		effects = append(effects, Effect{Kind: EffPersistCredentials})

	case EvClose:
		if ev.Reason == CloseRestartRequired {
			rec.RestartRequired = true
		}
		if rec.HandshakeSuccessful {
			rec.Status = StatusNeedsRestart
			rec.Message = msgNeedsRestart
			if !rec.ReconnectStarted {
				rec.ReconnectStarted = true
				effects = append(effects, Effect{Kind: EffStartReconnect, Delay: t.ReconnectSettle})
			}
			break
		}
		msg := CloseMessage(ev.Reason, ev.Err)
		rec.Status = StatusError
		rec.Message = msg
		if ev.Err != nil {
			rec.Error = ev.Err.Error()
		} else {
			rec.Error = "Connection failed"
		}
		effects = append(effects, Effect{Kind: EffReleaseLock})

	case EvReconnectStarted:
		rec.Generation = 2
		rec.Status = StatusReconnecting
		rec.Message = msgReconnecting

	case EvReconnectFailed:
		rec.Message = msgReconnectError
		if ev.Err != nil {
			rec.Error = ev.Err.Error()
		}

	case EvDelivered:
		rec.SessionSent = true
		if rec.UserID == "" {
			rec.UserID = ev.UserID
		}

	case EvDeliveryFailed:
		// best-effort, never rolls back ready
	}
	return rec, effects
}
