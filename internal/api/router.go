package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/visioncare/eyecare-scheduling/internal/appointment"
	"github.com/visioncare/eyecare-scheduling/internal/auth"
	"github.com/visioncare/eyecare-scheduling/internal/calendar"
	"github.com/visioncare/eyecare-scheduling/internal/subject"
)

// Ledger is the appointment surface the handlers need.
type Ledger interface {
	BookSelf(ctx context.Context, actor appointment.Actor, req appointment.BookingRequest) (*appointment.Appointment, error)
	BookForSubject(ctx context.Context, actor appointment.Actor, who subject.Request, req appointment.BookingRequest) (*appointment.Appointment, error)
	BookExternal(ctx context.Context, contact subject.Contact, code string, req appointment.BookingRequest) (*appointment.Appointment, error)
	Reschedule(ctx context.Context, actor appointment.Actor, id uuid.UUID, req appointment.RescheduleRequest) (*appointment.Appointment, error)
	Cancel(ctx context.Context, actor appointment.Actor, id uuid.UUID) (*appointment.Appointment, error)
	Complete(ctx context.Context, actor appointment.Actor, id uuid.UUID) (*appointment.Appointment, error)
	Delete(ctx context.Context, actor appointment.Actor, id uuid.UUID, kind subject.Kind) error
	Get(ctx context.Context, actor appointment.Actor, id uuid.UUID) (*appointment.Appointment, error)
	ListForSubject(ctx context.Context, actor appointment.Actor, ref subject.Ref) ([]appointment.Appointment, error)
	ListMine(ctx context.Context, actor appointment.Actor) ([]appointment.Appointment, error)
}

type SlotCalendar interface {
	AvailableSlots(ctx context.Context, date time.Time) ([]calendar.Slot, error)
	Hours() *calendar.BusinessHours
}

type PastUserDirectory interface {
	CreatePastUser(ctx context.Context, in subject.PastUserInput) (*subject.PastUser, error)
	GetPastUser(ctx context.Context, id uuid.UUID) (*subject.PastUser, error)
	ListPastUsers(ctx context.Context, limit, offset int) ([]subject.PastUser, error)
	UpdatePastUser(ctx context.Context, id uuid.UUID, in subject.PastUserInput) (*subject.PastUser, error)
	DeletePastUser(ctx context.Context, id uuid.UUID) error
	RecordEyeTest(ctx context.Context, pastUserID uuid.UUID, in subject.EyeTestInput) (*subject.EyeTest, error)
	EyeTestHistory(ctx context.Context, pastUserID uuid.UUID) ([]subject.EyeTest, error)
}

type OTPGate interface {
	IssueCode(ctx context.Context, contact string) error
	ConfirmCode(ctx context.Context, contact, code string) error
}

type RouterConfig struct {
	Ledger    Ledger
	Calendar  SlotCalendar
	Directory PastUserDirectory
	OTP       OTPGate
	Verifier  *auth.Verifier
	Health    *HealthHandler
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware)
	r.Use(middleware.Recoverer)

	if cfg.Health != nil {
		r.Get("/health/live", cfg.Health.Liveness)
		r.Get("/health/ready", cfg.Health.Readiness)
	}

	loc := cfg.Calendar.Hours().Location()
	h := &handlers{
		ledger:    cfg.Ledger,
		calendar:  cfg.Calendar,
		directory: cfg.Directory,
		otp:       cfg.OTP,
		loc:       loc,
	}

	// The verification code is the credential on these routes.
	r.Post("/auth/send-otp", h.sendOTP)
	r.Post("/auth/verify-otp", h.verifyOTP)
	r.Post("/doctor-external-users/appointments", h.bookExternal)

	r.Group(func(r chi.Router) {
		r.Use(Authenticate(cfg.Verifier))

		r.Get("/appointments/available-slots", h.availableSlots)

		r.Post("/doctor-appointments/my-booking", h.bookSelf)
		r.Get("/doctor-appointments/my", h.listMine)
		r.Get("/doctor-appointments/{id}", h.getAppointment)
		r.Post("/doctor-appointments/{id}/cancel", h.cancelAppointment)

		r.Group(func(r chi.Router) {
			r.Use(RequireAdmin)

			r.Get("/doctor-appointments", h.listForSubject)
			r.Post("/doctor-appointments/admin", h.bookForSubject)
			r.Put("/doctor-appointments/{id}", h.reschedule(""))
			r.Delete("/doctor-appointments/{id}", h.deleteAppointment(""))
			r.Post("/doctor-appointments/{id}/complete", h.completeAppointment)

			r.Post("/doctor-past-users", h.createPastUser)
			r.Get("/doctor-past-users", h.listPastUsers)
			r.Put("/doctor-past-users/appointments/{id}", h.reschedule(subject.KindPast))
			r.Delete("/doctor-past-users/appointments/{id}", h.deleteAppointment(subject.KindPast))
			r.Get("/doctor-past-users/{id}", h.getPastUser)
			r.Put("/doctor-past-users/{id}", h.updatePastUser)
			r.Delete("/doctor-past-users/{id}", h.deletePastUser)
			r.Get("/doctor-past-users/{id}/eye-tests", h.listEyeTests)
			r.Post("/doctor-past-users/{id}/eye-tests", h.recordEyeTest)
			r.Get("/doctor-past-users/{id}/appointments", h.listPastUserAppointments)
			r.Post("/doctor-past-users/{id}/appointments", h.bookForPastUser)
		})
	})

	return r
}
