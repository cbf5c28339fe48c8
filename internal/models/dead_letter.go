package models

import (
	"github.com/lib/pq"
	"gorm.io/gorm"
)

// DeadLetter is an archived poison message drained from one of the dead-letter queues.
// The embedded gorm.Model provides ID, CreatedAt, UpdatedAt and DeletedAt.
type DeadLetter struct {
	gorm.Model

	// Queue is the dead-letter queue the message was drained from (dlx_queue or dlx_notif_queue).
	Queue string `gorm:"type:text;not null;index"`
	// Exchange and RoutingKey are where the message was originally published,
	// taken from the first x-death entry. Replay publishes back to them.
	Exchange   string `gorm:"type:text"`
	RoutingKey string `gorm:"type:text"`
	// Reason is the broker's dead-letter reason (rejected, expired, maxlen ...).
	Reason string `gorm:"type:text"`
	// DeathQueues lists every queue the message died in, most recent first.
	DeathQueues pq.StringArray `gorm:"type:text[]"`
	DeathCount  int64
	Body        string `gorm:"type:text;not null"`
	// ValidJSON is false for payloads that could not be parsed at all.
	ValidJSON bool
	Replayed  bool `gorm:"index"`
}
