package domain

import "time"

// PairingHistory is one row per pairing attempt, upserted on every status change.
type PairingHistory struct {
	SessionId   string    `json:"session_id" gorm:"primaryKey;size:64"`
	Phone       string    `json:"phone" gorm:"index;size:20"`
	Status      string    `json:"status" gorm:"index;size:32"`
	Jid         string    `json:"jid"` // populated once the account is linked
	PairingCode string    `json:"pairing_code" gorm:"size:16"`
	Error       string    `json:"error"`
	SessionSent bool      `json:"session_sent"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (PairingHistory) TableName() string {
	return "pairing_history"
}
