package pairing

import (
	"github.com/pkg/errors"

	"github.com/talkincode/wapair/internal/authstore"
)

const (
	msgNotFound   = "Session expired or not found"
	errNotFound   = "Session ID invalid"
	msgReadyCheck = "Session is ready. Credentials saved."
)

// StatusView is the JSON projection of a session served to polling clients.
type StatusView struct {
	Status         Status  `json:"status"`
	PhoneNumber    string  `json:"phoneNumber,omitempty"`
	Code           *string `json:"code"`
	QR             *string `json:"qr"`
	Message        string  `json:"message"`
	Error          *string `json:"error"`
	WhatsappUserID *string `json:"whatsappUserId"`
	SessionSent    bool    `json:"sessionSent"`
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// View projects a session record.
func View(s Session) StatusView {
	return StatusView{
		Status:         s.Status,
		PhoneNumber:    s.PhoneNumber,
		Code:           nullable(s.Code),
		QR:             nullable(s.QR),
		Message:        s.Message,
		Error:          nullable(s.Error),
		WhatsappUserID: nullable(s.UserID),
		SessionSent:    s.SessionSent,
	}
}

func notFoundView() StatusView {
	return StatusView{Status: StatusNotFound, Message: msgNotFound, Error: nullable(errNotFound)}
}

// Status returns the projection of a session, or a not_found view for unknown ids.
func (c *Coordinator) Status(id string) StatusView {
	snap, ok := c.Snapshot(id)
	if !ok {
		return notFoundView()
	}
	return View(snap)
}

// QRCode returns the QR payload of a session. found is false for unknown ids; an empty qr
// with found set means the QR has not been issued yet.
func (c *Coordinator) QRCode(id string) (qr string, found bool) {
	snap, ok := c.Snapshot(id)
	if !ok {
		return "", false
	}
	return snap.QR, true
}

// CheckReady looks at the persisted bundle first: once it is bound to an account the
// session is reported ready even if the in-memory record is gone.
func (c *Coordinator) CheckReady(id string) StatusView {
	raw, err := c.store.ReadBundle(id)
	if err == nil {
		if userID, err := authstore.AccountID(raw); err == nil && userID != "" {
			view := c.Status(id)
			view.Status = StatusReady
			view.Message = msgReadyCheck
			view.WhatsappUserID = nullable(userID)
			view.Error = nil
			return view
		}
	} else if !errors.Is(err, authstore.ErrNotFound) && !errors.Is(err, authstore.ErrInvalidID) {
		view := c.Status(id)
		view.Error = nullable(err.Error())
		return view
	}
	return c.Status(id)
}
