package models

import (
	"time"

	"github.com/google/uuid"
)

// Asset kinds. A subject is the person photo, a garment is the clothing photo.
const (
	AssetKindSubject = "subject"
	AssetKindGarment = "garment"
)

// ReplacementEntry records one superseded file of an asset.
type ReplacementEntry struct {
	Timestamp     time.Time `json:"timestamp"`
	OldStorageKey string    `json:"oldStorageKey"`
	OldVersion    int       `json:"oldVersion"`
}

// Asset is a user-owned uploaded image. Archived rows are kept readable so
// results referencing them keep displaying the original file.
type Asset struct {
	ID                 uuid.UUID          `json:"id"`
	UserID             uuid.UUID          `json:"userId"`
	Kind               string             `json:"kind"`
	StorageKey         string             `json:"storageKey"`
	OriginalFileName   string             `json:"originalFileName"`
	MimeType           string             `json:"mimeType"`
	FileSize           int64              `json:"fileSize"`
	Width              int                `json:"width"`
	Height             int                `json:"height"`
	Version            int                `json:"version"`
	IsArchived         bool               `json:"isArchived"`
	ReplacementHistory []ReplacementEntry `json:"replacementHistory,omitempty"`
	UploadedAt         time.Time          `json:"uploadedAt"`
	DeletedAt          *time.Time         `json:"deletedAt,omitempty"`
}
