package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/visioncare/eyecare-scheduling/internal/appointment"
	"github.com/visioncare/eyecare-scheduling/internal/calendar"
	"github.com/visioncare/eyecare-scheduling/internal/subject"
)

type BookingRequest struct {
	Date   string `json:"date"`
	Slot   string `json:"slot"`
	Reason string `json:"reason"`
}

type AdminBookingRequest struct {
	SubjectKind string `json:"subjectKind"`
	Identifier  string `json:"identifier"`
	Date        string `json:"date"`
	Slot        string `json:"slot"`
	Reason      string `json:"reason"`
}

// ExternalBookingRequest carries the code that confirmed Email; the booking
// spends that confirmation.
type ExternalBookingRequest struct {
	Name   string `json:"name"`
	Email  string `json:"email"`
	Phone  string `json:"phone"`
	Code   string `json:"code"`
	Date   string `json:"date"`
	Slot   string `json:"slot"`
	Reason string `json:"reason"`
}

type RescheduleRequest struct {
	Date   string  `json:"date"`
	Slot   string  `json:"slot"`
	Reason *string `json:"reason,omitempty"`
}

type SendOTPRequest struct {
	Email string `json:"email"`
}

type VerifyOTPRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

type PastUserRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

type EyeMeasurementBody struct {
	Sphere   float64 `json:"sphere"`
	Cylinder float64 `json:"cylinder"`
	Axis     int     `json:"axis"`
}

type EyeTestRequest struct {
	TestedOn string             `json:"testedOn"`
	Right    EyeMeasurementBody `json:"right"`
	Left     EyeMeasurementBody `json:"left"`
	Notes    string             `json:"notes"`
}

type SlotResponse struct {
	Start     string `json:"start"`
	End       string `json:"end"`
	Available bool   `json:"available"`
}

type AppointmentResponse struct {
	ID           uuid.UUID `json:"id"`
	SubjectKind  string    `json:"subjectKind"`
	SubjectID    string    `json:"subjectId"`
	Date         string    `json:"date"`
	Slot         string    `json:"slot"`
	StartTime    time.Time `json:"startTime"`
	EndTime      time.Time `json:"endTime"`
	Reason       string    `json:"reason"`
	Status       string    `json:"status"`
	CreatedBy    string    `json:"createdBy"`
	ReminderSent bool      `json:"reminderSent"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type PastUserResponse struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Email     *string   `json:"email,omitempty"`
	Phone     *string   `json:"phone,omitempty"`
	Kind      string    `json:"kind"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type EyeTestResponse struct {
	ID         uuid.UUID          `json:"id"`
	PastUserID uuid.UUID          `json:"pastUserId"`
	TestedOn   string             `json:"testedOn"`
	Right      EyeMeasurementBody `json:"right"`
	Left       EyeMeasurementBody `json:"left"`
	Notes      string             `json:"notes,omitempty"`
	CreatedAt  time.Time          `json:"createdAt"`
}

type StatusResponse struct {
	Status string `json:"status"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// Dates and slot labels are rendered in the clinic's time zone.
func toAppointmentResponse(a appointment.Appointment, loc *time.Location) AppointmentResponse {
	start := a.StartTime.In(loc)
	return AppointmentResponse{
		ID:           a.ID,
		SubjectKind:  string(a.Subject.Kind),
		SubjectID:    a.Subject.ID,
		Date:         start.Format(calendar.DateLayout),
		Slot:         start.Format("15:04"),
		StartTime:    start,
		EndTime:      a.EndTime.In(loc),
		Reason:       a.Reason,
		Status:       string(a.Status),
		CreatedBy:    string(a.CreatedBy),
		ReminderSent: a.ReminderSent,
		CreatedAt:    a.CreatedAt,
		UpdatedAt:    a.UpdatedAt,
	}
}

func toAppointmentList(list []appointment.Appointment, loc *time.Location) []AppointmentResponse {
	out := make([]AppointmentResponse, 0, len(list))
	for _, a := range list {
		out = append(out, toAppointmentResponse(a, loc))
	}
	return out
}

func toSlotList(slots []calendar.Slot, loc *time.Location) []SlotResponse {
	out := make([]SlotResponse, 0, len(slots))
	for _, s := range slots {
		out = append(out, SlotResponse{
			Start:     s.Start.In(loc).Format("15:04"),
			End:       s.End.In(loc).Format("15:04"),
			Available: s.Available,
		})
	}
	return out
}

func toPastUserResponse(p subject.PastUser) PastUserResponse {
	return PastUserResponse{
		ID:        p.ID,
		Name:      p.Name,
		Email:     p.Email,
		Phone:     p.Phone,
		Kind:      string(p.Kind()),
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}

func toEyeTestResponse(e subject.EyeTest, loc *time.Location) EyeTestResponse {
	return EyeTestResponse{
		ID:         e.ID,
		PastUserID: e.PastUserID,
		TestedOn:   e.TestedOn.In(loc).Format(calendar.DateLayout),
		Right:      EyeMeasurementBody(e.Right),
		Left:       EyeMeasurementBody(e.Left),
		Notes:      e.Notes,
		CreatedAt:  e.CreatedAt,
	}
}

func toMeasurement(b EyeMeasurementBody) subject.EyeMeasurement {
	return subject.EyeMeasurement(b)
}
