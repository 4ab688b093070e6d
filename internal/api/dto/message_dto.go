package dto

import "encoding/json"

type DispatchRequest struct {
	Type           string            `json:"type" binding:"required"`
	Payload        json.RawMessage   `json:"payload" binding:"required"`
	Metadata       map[string]string `json:"metadata"`
	Transport      string            `json:"transport"`
	Queue          string            `json:"queue"`
	IdempotencyKey string            `json:"idempotency_key"`
	MaxAttempts    int               `json:"max_attempts"`
}

type DispatchResponse struct {
	MessageID string `json:"message_id"`
}

type ListFailedRequest struct {
	Queue string `form:"queue"`
	Type  string `form:"type"`
	Limit int    `form:"limit"`
}

type RetryResponse struct {
	NewMessageID string `json:"new_message_id"`
}
