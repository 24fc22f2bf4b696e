package domain

// Job kinds consumed by the worker. Each kind has its own queue and its own
// in-flight slot.
const (
	JobKindReminder    = "appointment-reminder"
	JobKindSendMessage = "send-whatsapp"
)

// Job headers.
const (
	// HeaderAttempt carries the 1-based delivery attempt of a job.
	HeaderAttempt = "x-attempt"
	// HeaderRunAt carries the earliest run time of a delayed job in Unix
	// milliseconds.
	HeaderRunAt = "x-run-at"
)

// JobKinds lists every kind the worker binds a handler to.
var JobKinds = []string{JobKindReminder, JobKindSendMessage}

// Appointment status constants
const (
	AppointmentStatusPending   = "pending"
	AppointmentStatusConfirmed = "confirmed"
	AppointmentStatusCompleted = "completed"
	AppointmentStatusCancelled = "cancelled"
	AppointmentStatusNoShow    = "no_show"
)

// Appointment event type constants
const (
	EventReminderSent     = "REMINDER_SENT"
	EventConfirmationSent = "CONFIRMATION_SENT"
	EventCancellationSent = "CANCELLATION_SENT"
	EventRescheduleSent   = "RESCHEDULE_SENT"
)

// IsKnownJobKind reports whether kind has a registered handler.
func IsKnownJobKind(kind string) bool {
	for _, k := range JobKinds {
		if k == kind {
			return true
		}
	}
	return false
}
