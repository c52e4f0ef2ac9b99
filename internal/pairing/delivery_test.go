package pairing_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talkincode/wapair/internal/authstore"
	"github.com/talkincode/wapair/internal/pairing"
	"github.com/talkincode/wapair/internal/render"
)

func newDelivery(t *testing.T) (*pairing.Delivery, *authstore.Store) {
	t.Helper()
	files, err := authstore.New(t.TempDir())
	require.NoError(t, err)
	engine, err := render.New()
	require.NoError(t, err)
	return pairing.NewDelivery(files, engine), files
}

func TestDeliveryMessage(t *testing.T) {
	d, files := newDelivery(t)
	require.NoError(t, files.WriteBundle("WAP_7", &authstore.Bundle{Creds: authstore.Credentials{
		RegistrationID: 9,
		Me:             &authstore.Identity{ID: "254111255045:12@s.whatsapp.net"},
	}}))

	msg, err := d.Message(pairing.Session{ID: "WAP_7", UserID: "254111255045:12@s.whatsapp.net"})
	require.NoError(t, err)
	assert.Contains(t, msg, "*Number:* 254111255045\n")
	assert.Contains(t, msg, "*Session ID:* WAP_7")
	assert.Contains(t, msg, "```json\n{\n  \"creds\": {")
	assert.Contains(t, msg, `"registrationId": 9`)

	msg, err = d.Message(pairing.Session{ID: "WAP_7"})
	require.NoError(t, err)
	assert.Contains(t, msg, "*Number:* Unknown")
}

func TestDeliveryMessageWithoutBundle(t *testing.T) {
	d, _ := newDelivery(t)
	_, err := d.Message(pairing.Session{ID: "WAP_8"})
	assert.ErrorIs(t, err, authstore.ErrNotFound)
}

func TestDeliverySendRequiresAccount(t *testing.T) {
	d, _ := newDelivery(t)
	assert.Error(t, d.Send(context.Background(), nil, pairing.Session{ID: "WAP_9", UserID: "x@s.whatsapp.net"}))
}

func TestDeliveryWriteInfo(t *testing.T) {
	d, files := newDelivery(t)
	rec := pairing.Session{ID: "WAP_10", PhoneNumber: "254111255045", UserID: "254111255045:1@s.whatsapp.net", Code: "WXYZ-0000"}
	require.NoError(t, d.WriteInfo(rec, true))

	info, err := files.ReadInfo("WAP_10")
	require.NoError(t, err)
	assert.Equal(t, "WAP_10", info.SessionID)
	assert.Equal(t, "WXYZ-0000", info.PairingCode)
	assert.True(t, info.SessionSentViaWhatsApp)
	assert.False(t, info.PairedAt.IsZero())
}
