package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/visioncare/eyecare-scheduling/internal/apperr"
	"github.com/visioncare/eyecare-scheduling/internal/appointment"
	"github.com/visioncare/eyecare-scheduling/internal/calendar"
	"github.com/visioncare/eyecare-scheduling/internal/subject"
	"github.com/visioncare/eyecare-scheduling/internal/verification"
)

const maxBodyBytes = 1 << 20

type handlers struct {
	ledger    Ledger
	calendar  SlotCalendar
	directory PastUserDirectory
	otp       OTPGate
	loc       *time.Location
}

// Slots

func (h *handlers) availableSlots(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("date")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "ValidationError", "date query parameter is required")
		return
	}
	date, err := h.calendar.Hours().ParseDate(raw)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	slots, err := h.calendar.AvailableSlots(r.Context(), date)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSlotList(slots, h.loc))
}

// Booking

func (h *handlers) bookSelf(w http.ResponseWriter, r *http.Request) {
	var req BookingRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	appt, err := h.ledger.BookSelf(r.Context(), actorFrom(r), appointment.BookingRequest(req))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAppointmentResponse(*appt, h.loc))
}

func (h *handlers) bookForSubject(w http.ResponseWriter, r *http.Request) {
	var req AdminBookingRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	kind, err := subject.ParseKind(req.SubjectKind)
	if err != nil {
		writeError(w, http.StatusBadRequest, "ValidationError", "subjectKind must be one of registered, past, external")
		return
	}

	appt, err := h.ledger.BookForSubject(r.Context(), actorFrom(r),
		subject.Request{Kind: kind, Identifier: req.Identifier},
		appointment.BookingRequest{Date: req.Date, Slot: req.Slot, Reason: req.Reason})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAppointmentResponse(*appt, h.loc))
}

func (h *handlers) bookForPastUser(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var req BookingRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	appt, err := h.ledger.BookForSubject(r.Context(), actorFrom(r),
		subject.Request{Kind: subject.KindPast, Identifier: id.String()},
		appointment.BookingRequest(req))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAppointmentResponse(*appt, h.loc))
}

func (h *handlers) bookExternal(w http.ResponseWriter, r *http.Request) {
	var req ExternalBookingRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	appt, err := h.ledger.BookExternal(r.Context(),
		subject.Contact{Name: req.Name, Email: req.Email, Phone: req.Phone},
		req.Code,
		appointment.BookingRequest{Date: req.Date, Slot: req.Slot, Reason: req.Reason})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAppointmentResponse(*appt, h.loc))
}

// Appointment reads and lifecycle

func (h *handlers) listMine(w http.ResponseWriter, r *http.Request) {
	list, err := h.ledger.ListMine(r.Context(), actorFrom(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentList(list, h.loc))
}

func (h *handlers) listForSubject(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	kind, err := subject.ParseKind(q.Get("subjectKind"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "ValidationError", "subjectKind must be one of registered, past, external")
		return
	}
	identifier := q.Get("identifier")
	if identifier == "" {
		writeError(w, http.StatusBadRequest, "ValidationError", "identifier query parameter is required")
		return
	}

	list, err := h.ledger.ListForSubject(r.Context(), actorFrom(r), subject.Ref{Kind: kind, ID: identifier})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentList(list, h.loc))
}

func (h *handlers) listPastUserAppointments(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	list, err := h.ledger.ListForSubject(r.Context(), actorFrom(r), subject.Ref{Kind: subject.KindPast, ID: id.String()})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentList(list, h.loc))
}

func (h *handlers) getAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	appt, err := h.ledger.Get(r.Context(), actorFrom(r), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(*appt, h.loc))
}

func (h *handlers) reschedule(kind subject.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(w, r)
		if !ok {
			return
		}
		var req RescheduleRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		appt, err := h.ledger.Reschedule(r.Context(), actorFrom(r), id, appointment.RescheduleRequest{
			Date:   req.Date,
			Slot:   req.Slot,
			Reason: req.Reason,
			Kind:   kind,
		})
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(*appt, h.loc))
	}
}

func (h *handlers) deleteAppointment(kind subject.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(w, r)
		if !ok {
			return
		}
		if err := h.ledger.Delete(r.Context(), actorFrom(r), id, kind); err != nil {
			writeServiceError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *handlers) cancelAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	appt, err := h.ledger.Cancel(r.Context(), actorFrom(r), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(*appt, h.loc))
}

func (h *handlers) completeAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	appt, err := h.ledger.Complete(r.Context(), actorFrom(r), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(*appt, h.loc))
}

// Verification

func (h *handlers) sendOTP(w http.ResponseWriter, r *http.Request) {
	var req SendOTPRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.otp.IssueCode(r.Context(), req.Email); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, StatusResponse{Status: "pending"})
}

func (h *handlers) verifyOTP(w http.ResponseWriter, r *http.Request) {
	var req VerifyOTPRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.otp.ConfirmCode(r.Context(), req.Email, req.Code); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: "confirmed"})
}

// Past users

func (h *handlers) createPastUser(w http.ResponseWriter, r *http.Request) {
	var req PastUserRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	p, err := h.directory.CreatePastUser(r.Context(), subject.PastUserInput(req))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPastUserResponse(*p))
}

func (h *handlers) listPastUsers(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)
	offset := queryInt(r, "offset", 0)

	list, err := h.directory.ListPastUsers(r.Context(), limit, offset)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	out := make([]PastUserResponse, 0, len(list))
	for _, p := range list {
		out = append(out, toPastUserResponse(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) getPastUser(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	p, err := h.directory.GetPastUser(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPastUserResponse(*p))
}

func (h *handlers) updatePastUser(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var req PastUserRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	p, err := h.directory.UpdatePastUser(r.Context(), id, subject.PastUserInput(req))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPastUserResponse(*p))
}

func (h *handlers) deletePastUser(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	if err := h.directory.DeletePastUser(r.Context(), id); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) listEyeTests(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	tests, err := h.directory.EyeTestHistory(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	out := make([]EyeTestResponse, 0, len(tests))
	for _, e := range tests {
		out = append(out, toEyeTestResponse(e, h.loc))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) recordEyeTest(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var req EyeTestRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	testedOn, err := h.calendar.Hours().ParseDate(req.TestedOn)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	e, err := h.directory.RecordEyeTest(r.Context(), id, subject.EyeTestInput{
		TestedOn: testedOn,
		Right:    toMeasurement(req.Right),
		Left:     toMeasurement(req.Left),
		Notes:    req.Notes,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEyeTestResponse(*e, h.loc))
}

// Helpers

func parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "ValidationError", "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "ValidationError", "could not parse JSON body")
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, kind, details string) {
	writeJSON(w, status, ErrorResponse{Error: kind, Details: details})
}

// writeServiceError maps domain errors to status codes and error kinds.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, apperr.ErrTransient):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "Unavailable", err.Error())
	case errors.Is(err, appointment.ErrSlotConflict):
		writeError(w, http.StatusConflict, "SlotConflict", err.Error())
	case errors.Is(err, subject.ErrSubjectInUse):
		writeError(w, http.StatusConflict, "SubjectInUse", err.Error())
	case errors.Is(err, appointment.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "InvalidTransition", err.Error())
	case errors.Is(err, subject.ErrSubjectNotFound):
		writeError(w, http.StatusNotFound, "SubjectNotFound", err.Error())
	case errors.Is(err, appointment.ErrNotFound):
		writeError(w, http.StatusNotFound, "NotFound", err.Error())
	case errors.Is(err, appointment.ErrForbidden):
		writeError(w, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, calendar.ErrInvalidDateRange):
		writeError(w, http.StatusBadRequest, "InvalidDateRange", err.Error())
	case errors.Is(err, verification.ErrCodeMismatch):
		writeError(w, http.StatusBadRequest, "CodeMismatch", err.Error())
	case errors.Is(err, verification.ErrCodeExpired):
		writeError(w, http.StatusBadRequest, "CodeExpired", err.Error())
	case errors.Is(err, verification.ErrNotConfirmed):
		writeError(w, http.StatusBadRequest, "NotConfirmed", err.Error())
	case errors.Is(err, verification.ErrTooManyAttempts):
		writeError(w, http.StatusTooManyRequests, "TooManyAttempts", err.Error())
	case apperr.IsValidation(err), errors.Is(err, subject.ErrUnknownKind):
		writeError(w, http.StatusBadRequest, "ValidationError", err.Error())
	default:
		log.Printf("internal error request_id=%s path=%s: %v", GetRequestID(r.Context()), r.URL.Path, err)
		writeError(w, http.StatusInternalServerError, "InternalError", "internal server error")
	}
}
