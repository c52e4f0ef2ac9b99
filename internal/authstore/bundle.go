package authstore

import (
	"github.com/pkg/errors"
)

// Bundle is the serialized credential material that lets a client reconnect without
// repeating the handshake.
type Bundle struct {
	Creds Credentials `json:"creds"`
}

type Credentials struct {
	Me             *Identity    `json:"me,omitempty"`
	RegistrationID uint32       `json:"registrationId"`
	NoiseKey       KeyPair      `json:"noiseKey"`
	IdentityKey    KeyPair      `json:"signedIdentityKey"`
	SignedPreKey   SignedPreKey `json:"signedPreKey"`
	AdvSecretKey   string       `json:"advSecretKey"`
	// Account is the base64 protobuf of the signed device identity.
	Account      string `json:"account,omitempty"`
	Platform     string `json:"platform,omitempty"`
	PushName     string `json:"pushName,omitempty"`
	BusinessName string `json:"businessName,omitempty"`
}

type Identity struct {
	ID   string `json:"id"`
	LID  string `json:"lid,omitempty"`
	Name string `json:"name,omitempty"`
}

// KeyPair holds base64 encoded curve25519 keys.
type KeyPair struct {
	Public  string `json:"public"`
	Private string `json:"private"`
}

type SignedPreKey struct {
	KeyPair   KeyPair `json:"keyPair"`
	KeyID     uint32  `json:"keyId"`
	Signature string  `json:"signature"`
}

// AccountID extracts creds.me.id from a raw bundle. An empty string means the bundle has
// not been bound to an account yet.
func AccountID(raw []byte) (string, error) {
	var b Bundle
	if err := json.Unmarshal(raw, &b); err != nil {
		return "", errors.Wrap(err, "decode credential bundle")
	}
	if b.Creds.Me == nil {
		return "", nil
	}
	return b.Creds.Me.ID, nil
}
