package pairing

import (
	"bytes"
	"context"
	stdjson "encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/talkincode/wapair/internal/authstore"
	"github.com/talkincode/wapair/internal/render"
)

// Delivery hands the credential bundle to the freshly linked account and records the
// pairing metadata on disk. Both steps are best-effort.
type Delivery struct {
	store  *authstore.Store
	engine *render.Engine
	now    func() time.Time
}

func NewDelivery(store *authstore.Store, engine *render.Engine) *Delivery {
	return &Delivery{store: store, engine: engine, now: time.Now}
}

// Message renders the delivery text for a session.
func (d *Delivery) Message(rec Session) (string, error) {
	raw, err := d.store.ReadBundle(rec.ID)
	if err != nil {
		return "", errors.Wrap(err, "load credential bundle")
	}
	var pretty bytes.Buffer
	if err := stdjson.Indent(&pretty, raw, "", "  "); err != nil {
		return "", errors.Wrap(err, "format credential bundle")
	}
	return d.engine.Render(render.DeliveryTemplate, render.DeliveryData{
		Number:    accountNumber(rec.UserID),
		SessionID: rec.ID,
		Generated: d.now().Format(time.RFC1123),
		JSON:      pretty.String(),
	})
}

// Send delivers the bundle to the account's own chat.
func (d *Delivery) Send(ctx context.Context, conn Connection, rec Session) error {
	if conn == nil {
		return errors.New("no live connection")
	}
	if rec.UserID == "" {
		return errors.New("account id unknown")
	}
	text, err := d.Message(rec)
	if err != nil {
		return err
	}
	if err := conn.SendText(ctx, rec.UserID, text); err != nil {
		return errors.Wrap(err, "send credential bundle")
	}
	return nil
}

// WriteInfo records the session-info.json sidecar.
func (d *Delivery) WriteInfo(rec Session, sent bool) error {
	now := d.now().UTC()
	return d.store.WriteInfo(rec.ID, &authstore.SessionInfo{
		SessionID:              rec.ID,
		PhoneNumber:            rec.PhoneNumber,
		UserID:                 rec.UserID,
		PairedAt:               now,
		PairingCode:            rec.Code,
		GeneratedAt:            now,
		SessionSentViaWhatsApp: sent,
	})
}

// accountNumber strips the device and server parts of an account id such as
// "254111255045:12@s.whatsapp.net".
func accountNumber(userID string) string {
	if userID == "" {
		return "Unknown"
	}
	n := userID
	if i := strings.IndexAny(n, ":@"); i >= 0 {
		n = n[:i]
	}
	return n
}
