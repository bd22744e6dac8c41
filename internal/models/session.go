package models

import (
	"time"

	"github.com/google/uuid"
)

// Processing session statuses. A session leaves "processing" exactly once.
const (
	SessionProcessing = "processing"
	SessionCompleted  = "completed"
	SessionFailed     = "failed"
)

type ProcessingSession struct {
	ID                        uuid.UUID  `json:"id"`
	UserID                    uuid.UUID  `json:"userId"`
	SubjectAssetID            uuid.UUID  `json:"subjectAssetId"`
	GarmentAssetID            uuid.UUID  `json:"garmentAssetId"`
	Status                    string     `json:"status"`
	CreditTransactionID       *uuid.UUID `json:"creditTransactionId,omitempty"`
	CreditRefundTransactionID *uuid.UUID `json:"creditRefundTransactionId,omitempty"`
	ErrorMessage              *string    `json:"errorMessage,omitempty"`
	ResultID                  *uuid.UUID `json:"resultId,omitempty"`
	CreatedAt                 time.Time  `json:"createdAt"`
	CompletedAt               *time.Time `json:"completedAt,omitempty"`
}
