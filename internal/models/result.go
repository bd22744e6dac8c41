package models

import (
	"time"

	"github.com/google/uuid"
)

// Result is a completed composite. Immutable after creation except for soft
// delete.
type Result struct {
	ID                   uuid.UUID  `json:"id"`
	UserID               uuid.UUID  `json:"userId"`
	SubjectAssetID       uuid.UUID  `json:"subjectAssetId"`
	GarmentAssetID       uuid.UUID  `json:"garmentAssetId"`
	StorageKey           string     `json:"storageKey"`
	FileSize             int64      `json:"fileSize"`
	MimeType             string     `json:"mimeType"`
	Width                int        `json:"width"`
	Height               int        `json:"height"`
	ProcessingDurationMs int64      `json:"processingDurationMs"`
	CreditsUsed          int        `json:"creditsUsed"`
	IsRetry              bool       `json:"isRetry"`
	RetryFromID          *uuid.UUID `json:"retryFromId,omitempty"`
	CreatedAt            time.Time  `json:"createdAt"`
	DeletedAt            *time.Time `json:"deletedAt,omitempty"`
}
