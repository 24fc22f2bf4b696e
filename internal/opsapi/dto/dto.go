package dto

import "encoding/json"

type HealthResponse struct {
	Status        string `json:"status"`
	Service       string `json:"service"`
	Session       string `json:"session"`
	Queue         string `json:"queue"`
	Database      string `json:"database"`
	DeliveryGuard string `json:"delivery_guard,omitempty"`
}

type SessionResponse struct {
	State     string     `json:"state"`
	Since     string     `json:"since"`
	QRCode    string     `json:"qr_code,omitempty"`
	LastError string     `json:"last_error,omitempty"`
	Device    *DeviceDTO `json:"device,omitempty"`
}

type DeviceDTO struct {
	DeviceID     string `json:"device_id"`
	BusinessName string `json:"business_name,omitempty"`
	Platform     string `json:"platform,omitempty"`
	PairedAt     string `json:"paired_at"`
}

type ListEventsRequest struct {
	Type     string `form:"type"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListEventsResponse struct {
	Events     []EventDTO `json:"events"`
	NextCursor string     `json:"next_cursor,omitempty"`
}

type EventDTO struct {
	EventID       string `json:"event_id"`
	AppointmentID string `json:"appointment_id"`
	Type          string `json:"type"`
	CreatedAt     string `json:"created_at"`
}

// EnqueueJobRequest schedules a job. RunAt (RFC 3339) wins over DelaySeconds.
type EnqueueJobRequest struct {
	Kind         string          `json:"kind" binding:"required"`
	Payload      json.RawMessage `json:"payload" binding:"required"`
	DelaySeconds int             `json:"delay_seconds" binding:"gte=0"`
	RunAt        string          `json:"run_at"`
}

type EnqueueJobResponse struct {
	JobID string `json:"job_id"`
	Kind  string `json:"kind"`
	RunAt string `json:"run_at"`
}
