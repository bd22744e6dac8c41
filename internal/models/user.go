package models

import (
	"time"

	"github.com/google/uuid"
)

type User struct {
	ID                 uuid.UUID `json:"id"`
	Email              string    `json:"email"`
	DisplayName        string    `json:"displayName"`
	PasswordHash       string    `json:"-"`
	CreditBalance      int       `json:"creditBalance"`
	TotalCreditsSpent  int       `json:"totalCreditsSpent"`
	TotalCreditsEarned int       `json:"totalCreditsEarned"`
	CreditUpdatedAt    time.Time `json:"creditUpdatedAt"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}
