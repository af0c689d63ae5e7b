package appointment

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/visioncare/eyecare-scheduling/internal/calendar"
	"github.com/visioncare/eyecare-scheduling/internal/notify"
	"github.com/visioncare/eyecare-scheduling/internal/subject"
)

const reminderBatchSize = 100

// Housekeeper runs the periodic ledger jobs: reminders for upcoming visits
// and pruning of old event logs.
type Housekeeper struct {
	repo      Repository
	resolver  SubjectResolver
	sender    notify.Sender
	loc       *time.Location
	lead      time.Duration
	retention time.Duration
	now       func() time.Time
}

func NewHousekeeper(repo Repository, resolver SubjectResolver, sender notify.Sender, hours *calendar.BusinessHours, lead, retention time.Duration) *Housekeeper {
	return &Housekeeper{
		repo:      repo,
		resolver:  resolver,
		sender:    sender,
		loc:       hours.Location(),
		lead:      lead,
		retention: retention,
		now:       time.Now,
	}
}

// WithClock overrides the time source.
func (h *Housekeeper) WithClock(now func() time.Time) *Housekeeper {
	h.now = now
	return h
}

// SendReminders notifies subjects of booked appointments starting within
// the lead window. Each appointment is reminded at most once; subjects
// without an email address are marked as done without a message.
func (h *Housekeeper) SendReminders(ctx context.Context) (int, error) {
	now := h.now()
	due, err := h.repo.ListDueReminders(ctx, now, now.Add(h.lead), reminderBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list due reminders: %w", err)
	}

	sent := 0
	for _, a := range due {
		subj, err := h.resolver.Resolve(ctx, subject.Request{Kind: a.Subject.Kind, Identifier: a.Subject.ID})
		if err != nil && !errors.Is(err, subject.ErrSubjectNotFound) {
			log.Printf("reminder skipped appointment_id=%s: %v", a.ID, err)
			continue
		}

		delivered := false
		if err == nil && subj.Email != "" {
			msg := notify.Message{
				To:      subj.Email,
				Subject: "Appointment reminder",
				Body: fmt.Sprintf("Hello %s, this is a reminder of your eye appointment on %s at %s.",
					subj.Name,
					a.StartTime.In(h.loc).Format("Monday 2 January 2006"),
					a.StartTime.In(h.loc).Format("15:04")),
			}
			if err := h.sender.Send(ctx, msg); err != nil {
				log.Printf("reminder delivery failed appointment_id=%s: %v", a.ID, err)
				continue
			}
			sent++
			delivered = true
		}

		if err := h.repo.MarkReminderSent(ctx, a.ID); err != nil {
			log.Printf("failed to mark reminder appointment_id=%s: %v", a.ID, err)
			continue
		}
		logEvent(ctx, h.repo, a.ID, EventReminderSent, map[string]any{"delivered": delivered}, now)
	}
	return sent, nil
}

// PruneEvents deletes event logs older than the retention window.
func (h *Housekeeper) PruneEvents(ctx context.Context) (int64, error) {
	if h.retention <= 0 {
		return 0, nil
	}
	n, err := h.repo.PruneEvents(ctx, h.now().Add(-h.retention))
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return n, nil
}
