package whatsapp

import (
	"encoding/base64"

	"github.com/pkg/errors"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/util/keys"
	"google.golang.org/protobuf/proto"

	"github.com/talkincode/wapair/internal/authstore"
)

func b64(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(b)
}

func keyPair(kp *keys.KeyPair) authstore.KeyPair {
	if kp == nil {
		return authstore.KeyPair{}
	}
	out := authstore.KeyPair{}
	if kp.Pub != nil {
		out.Public = b64(kp.Pub[:])
	}
	if kp.Priv != nil {
		out.Private = b64(kp.Priv[:])
	}
	return out
}

// ExportBundle converts the whatsmeow device state into the portable credential bundle.
func ExportBundle(dev *store.Device) (*authstore.Bundle, error) {
	if dev == nil {
		return nil, errors.New("whatsapp: no device")
	}
	creds := authstore.Credentials{
		RegistrationID: dev.RegistrationID,
		NoiseKey:       keyPair(dev.NoiseKey),
		IdentityKey:    keyPair(dev.IdentityKey),
		AdvSecretKey:   b64(dev.AdvSecretKey),
		Platform:       dev.Platform,
		PushName:       dev.PushName,
		BusinessName:   dev.BusinessName,
	}
	if dev.SignedPreKey != nil {
		creds.SignedPreKey = authstore.SignedPreKey{
			KeyPair: keyPair(&dev.SignedPreKey.KeyPair),
			KeyID:   dev.SignedPreKey.KeyID,
		}
		if dev.SignedPreKey.Signature != nil {
			creds.SignedPreKey.Signature = b64(dev.SignedPreKey.Signature[:])
		}
	}
	if dev.ID != nil {
		creds.Me = &authstore.Identity{ID: dev.ID.String(), Name: dev.PushName}
		if !dev.LID.IsEmpty() {
			creds.Me.LID = dev.LID.String()
		}
	}
	if dev.Account != nil {
		raw, err := proto.Marshal(dev.Account)
		if err != nil {
			return nil, errors.Wrap(err, "whatsapp: encode account identity")
		}
		creds.Account = b64(raw)
	}
	return &authstore.Bundle{Creds: creds}, nil
}
