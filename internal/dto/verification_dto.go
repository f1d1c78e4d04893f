package dto

import (
	"time"

	"channelverify/internal/entity"
	"channelverify/internal/service"
)

type PhoneVerificationRequest struct {
	PhoneNumber string `json:"phone_number" validate:"required,e164"`
}

type PhoneConfirmRequest struct {
	Code        string `json:"code" validate:"required,len=6,numeric"`
	PhoneNumber string `json:"phone_number" validate:"omitempty,e164"`
}

type EmailVerificationRequest struct {
	Email string `json:"email" validate:"required,email,max=320"`
}

type EmailConfirmRequest struct {
	Token string `json:"token" validate:"required,len=32,alphanum"`
	Email string `json:"email" validate:"omitempty,email,max=320"`
}

type IssueResponse struct {
	ID        string    `json:"id"`
	Channel   string    `json:"channel"`
	ExpiresAt time.Time `json:"expires_at"`
}

type ConfirmResponse struct {
	Status string `json:"status"`
}

type StatusResponse struct {
	ID           string    `json:"id"`
	Channel      string    `json:"channel"`
	Recipient    string    `json:"recipient"`
	State        string    `json:"state"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	AttemptsLeft int       `json:"attempts_left"`
}

func IssueResponseFromEntity(token *entity.VerificationToken) IssueResponse {
	return IssueResponse{
		ID:        token.ID.String(),
		Channel:   string(token.Channel),
		ExpiresAt: token.ExpiresAt(service.ExpiryWindow),
	}
}

func StatusResponseFromService(status *service.TokenStatus) StatusResponse {
	return StatusResponse{
		ID:           status.TokenID.String(),
		Channel:      string(status.Channel),
		Recipient:    status.Recipient,
		State:        string(status.State),
		CreatedAt:    status.CreatedAt,
		ExpiresAt:    status.ExpiresAt,
		AttemptsLeft: status.AttemptsLeft,
	}
}
