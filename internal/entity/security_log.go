package entity

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type SecurityAction string

const (
	VerificationIssued    SecurityAction = "verification_issued"
	VerificationSucceeded SecurityAction = "verification_succeeded"
	VerificationFailed    SecurityAction = "verification_failed"
	VerificationExhausted SecurityAction = "verification_exhausted"
	DeliveryFailed        SecurityAction = "delivery_failed"
)

type SecurityLog struct {
	ID uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`

	OwnerID *uuid.UUID `gorm:"type:uuid;index"`
	TokenID *uuid.UUID `gorm:"type:uuid"`

	Channel ChannelKind    `gorm:"type:varchar(16)"`
	Action  SecurityAction `gorm:"type:varchar(32);not null"`

	Metadata datatypes.JSON

	CreatedAt time.Time
}
