package domain

import "time"

// Job is a single queue delivery handed to a handler
type Job struct {
	JobID   string
	Kind    string
	Body    []byte
	Attempt int
	// RunAt is zero unless the job was published with a delay.
	RunAt time.Time
}

// ReminderPayload is the body of an appointment-reminder job
type ReminderPayload struct {
	AppointmentID string `json:"appointmentId" validate:"required"`
}

// SendMessagePayload is the body of a send-whatsapp job
type SendMessagePayload struct {
	Phone         string `json:"phone" validate:"required"`
	Message       string `json:"message" validate:"required"`
	AppointmentID string `json:"appointmentId,omitempty"`
	EventType     string `json:"eventType,omitempty"`
}

// Appointment is the read-only view of an appointment with its user joined
type Appointment struct {
	ID          string    `db:"id"`
	StartAt     time.Time `db:"start_at"`
	Status      string    `db:"status"`
	ServiceName string    `db:"service_name"`
	UserName    string    `db:"user_name"`
	UserPhone   string    `db:"user_phone"`
}

// IsCancelled reports whether the appointment must not receive notifications
func (a *Appointment) IsCancelled() bool {
	return a.Status == AppointmentStatusCancelled
}

// AppointmentEvent is an append-only delivery record
type AppointmentEvent struct {
	ID            string    `db:"id" json:"id"`
	AppointmentID string    `db:"appointment_id" json:"appointment_id"`
	Type          string    `db:"type" json:"type"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}
