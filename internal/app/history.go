package app

import (
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/talkincode/wapair/internal/domain"
	"github.com/talkincode/wapair/internal/pairing"
)

// HistoryRecorder keeps one pairing_history row per session in sync with its transitions.
type HistoryRecorder struct {
	db *gorm.DB
}

func NewHistoryRecorder(db *gorm.DB) *HistoryRecorder {
	return &HistoryRecorder{db: db}
}

func historyRow(t pairing.Transition) *domain.PairingHistory {
	return &domain.PairingHistory{
		SessionId:   t.SessionID,
		Phone:       t.PhoneNumber,
		Status:      string(t.To),
		Jid:         t.UserID,
		PairingCode: t.Code,
		Error:       t.Error,
		SessionSent: t.SessionSent,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.At,
	}
}

// Record upserts the row of the transition's session. Subscribed to pairing.TopicStatus.
func (h *HistoryRecorder) Record(t pairing.Transition) {
	row := historyRow(t)
	err := h.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "jid", "pairing_code", "error", "session_sent", "updated_at"}),
	}).Create(row).Error
	if err != nil {
		zap.L().Warn("record pairing history failed",
			zap.String("session_id", t.SessionID),
			zap.String("status", string(t.To)),
			zap.Error(err))
	}
}
