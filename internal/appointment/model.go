package appointment

import (
	"time"

	"github.com/google/uuid"

	"github.com/visioncare/eyecare-scheduling/internal/calendar"
	"github.com/visioncare/eyecare-scheduling/internal/subject"
)

type Status string

const (
	StatusBooked    Status = "booked"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// CanTransition allows booked -> completed and booked -> cancelled only.
func (s Status) CanTransition(to Status) bool {
	return s == StatusBooked && (to == StatusCompleted || to == StatusCancelled)
}

// Origin records which path created an appointment.
type Origin string

const (
	OriginSelf  Origin = "self"
	OriginAdmin Origin = "admin"
)

type Appointment struct {
	ID           uuid.UUID
	Subject      subject.Ref
	StartTime    time.Time
	EndTime      time.Time
	Reason       string
	Status       Status
	CreatedBy    Origin
	ReminderSent bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (a Appointment) Interval() calendar.Interval {
	return calendar.Interval{Start: a.StartTime, End: a.EndTime}
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}
