package appointment

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/visioncare/eyecare-scheduling/internal/notify"
	"github.com/visioncare/eyecare-scheduling/internal/subject"
	"github.com/visioncare/eyecare-scheduling/internal/verification"
)

// memRepo is an in-memory Repository. Schedule transactions serialize per
// day and only publish their writes when fn succeeds.
type memRepo struct {
	mu        sync.Mutex
	dayLocks  map[string]*sync.Mutex
	appts     map[uuid.UUID]Appointment
	pastUsers map[uuid.UUID]subject.PastUser
	events    []EventLog
	// deleted holds subject refs whose stored record is gone.
	deleted map[subject.Ref]bool

	// beforeTx runs at the start of every schedule transaction.
	beforeTx func(ctx context.Context) error
}

func newMemRepo() *memRepo {
	return &memRepo{
		dayLocks:  make(map[string]*sync.Mutex),
		appts:     make(map[uuid.UUID]Appointment),
		pastUsers: make(map[uuid.UUID]subject.PastUser),
		deleted:   make(map[subject.Ref]bool),
	}
}

func (m *memRepo) deleteSubject(ref subject.Ref) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted[ref] = true
}

func (m *memRepo) dayLock(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.dayLocks[key]
	if !ok {
		l = &sync.Mutex{}
		m.dayLocks[key] = l
	}
	return l
}

func (m *memRepo) InScheduleTx(ctx context.Context, dayKey string, fn func(ctx context.Context, tx ScheduleTx) error) error {
	l := m.dayLock(dayKey)
	l.Lock()
	defer l.Unlock()

	if m.beforeTx != nil {
		if err := m.beforeTx(ctx); err != nil {
			return err
		}
	}

	tx := &memTx{repo: m, staged: make(map[uuid.UUID]Appointment), users: make(map[uuid.UUID]subject.PastUser)}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, a := range tx.staged {
		m.appts[id] = a
	}
	for id, p := range tx.users {
		m.pastUsers[id] = p
	}
	return nil
}

func (m *memRepo) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (m *memRepo) ListBySubject(ctx context.Context, ref subject.Ref) ([]Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Appointment
	for _, a := range m.appts {
		if a.Subject == ref {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memRepo) ListActiveBetween(ctx context.Context, from, to time.Time) ([]Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return activeBetween(m.appts, nil, from, to), nil
}

func activeBetween(base, overlay map[uuid.UUID]Appointment, from, to time.Time) []Appointment {
	merged := make(map[uuid.UUID]Appointment, len(base)+len(overlay))
	for id, a := range base {
		merged[id] = a
	}
	for id, a := range overlay {
		merged[id] = a
	}
	var out []Appointment
	for _, a := range merged {
		if a.Status != StatusCancelled && a.StartTime.Before(to) && a.EndTime.After(from) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

func (m *memRepo) UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok || a.Status != from {
		return nil, ErrNotFound
	}
	a.Status = to
	m.appts[id] = a
	return &a, nil
}

func (m *memRepo) Delete(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.appts[id]; !ok {
		return ErrNotFound
	}
	delete(m.appts, id)
	return nil
}

func (m *memRepo) InsertEvent(ctx context.Context, ev EventLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *memRepo) eventTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.events))
	for _, ev := range m.events {
		out = append(out, ev.EventType)
	}
	return out
}

func (m *memRepo) ListDueReminders(ctx context.Context, from, to time.Time, limit int) ([]Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Appointment
	for _, a := range m.appts {
		if a.Status == StatusBooked && !a.ReminderSent && !a.StartTime.Before(from) && a.StartTime.Before(to) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memRepo) MarkReminderSent(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok {
		return ErrNotFound
	}
	a.ReminderSent = true
	m.appts[id] = a
	return nil
}

func (m *memRepo) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.events[:0]
	var n int64
	for _, ev := range m.events {
		if ev.CreatedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, ev)
	}
	m.events = kept
	return n, nil
}

func (m *memRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.appts)
}

type memTx struct {
	repo   *memRepo
	staged map[uuid.UUID]Appointment
	users  map[uuid.UUID]subject.PastUser
}

func (t *memTx) ListActiveBetween(ctx context.Context, from, to time.Time) ([]Appointment, error) {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	return activeBetween(t.repo.appts, t.staged, from, to), nil
}

func (t *memTx) GetForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	if a, ok := t.staged[id]; ok {
		return &a, nil
	}
	return t.repo.GetByID(ctx, id)
}

func (t *memTx) Insert(ctx context.Context, a Appointment) (*Appointment, error) {
	now := time.Now()
	a.CreatedAt, a.UpdatedAt = now, now
	t.staged[a.ID] = a
	return &a, nil
}

func (t *memTx) Reschedule(ctx context.Context, id uuid.UUID, start, end time.Time, reason *string) (*Appointment, error) {
	a, err := t.GetForUpdate(ctx, id)
	if err != nil {
		return nil, err
	}
	a.StartTime, a.EndTime = start, end
	if reason != nil {
		a.Reason = *reason
	}
	a.ReminderSent = false
	t.staged[id] = *a
	return a, nil
}

func (t *memTx) LockSubject(ctx context.Context, ref subject.Ref) error {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	if t.repo.deleted[ref] {
		return subject.ErrSubjectNotFound
	}
	return nil
}

func (t *memTx) CreateExternalUser(ctx context.Context, p subject.PastUser) (*subject.PastUser, error) {
	p.Origin = subject.OriginExternal
	t.users[p.ID] = p
	return &p, nil
}

// fakeResolver resolves any registered id, plus the past users it was
// seeded with.
type fakeResolver struct {
	mu   sync.Mutex
	past map[string]subject.Subject
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{past: make(map[string]subject.Subject)}
}

func (r *fakeResolver) addPast(name string) subject.Ref {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref := subject.Ref{Kind: subject.KindPast, ID: uuid.NewString()}
	r.past[ref.ID] = subject.Subject{Ref: ref, Name: name}
	return ref
}

func (r *fakeResolver) Resolve(ctx context.Context, req subject.Request) (subject.Subject, error) {
	switch req.Kind {
	case subject.KindRegistered:
		id := strings.TrimSpace(req.Identifier)
		if id == "" || strings.HasPrefix(id, "missing") {
			return subject.Subject{}, subject.ErrSubjectNotFound
		}
		return subject.Subject{
			Ref:   subject.Ref{Kind: subject.KindRegistered, ID: id},
			Name:  "User " + id,
			Email: "user" + id + "@example.com",
		}, nil
	case subject.KindPast:
		r.mu.Lock()
		defer r.mu.Unlock()
		s, ok := r.past[req.Identifier]
		if !ok {
			return subject.Subject{}, subject.ErrSubjectNotFound
		}
		return s, nil
	case subject.KindExternal:
		if req.Contact != nil {
			return subject.ProvisionalExternal(*req.Contact)
		}
		return subject.Subject{}, subject.ErrSubjectNotFound
	}
	return subject.Subject{}, errors.New("unexpected kind")
}

// fakeGate maps confirmed contacts to the code that confirmed them; Consume
// spends one when the code matches.
type fakeGate struct {
	mu        sync.Mutex
	confirmed map[string]string
}

func newFakeGate() *fakeGate {
	return &fakeGate{confirmed: make(map[string]string)}
}

func (g *fakeGate) confirm(contact, code string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.confirmed[contact] = code
}

func (g *fakeGate) Consume(ctx context.Context, contact, code string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	want, ok := g.confirmed[contact]
	if !ok {
		return verification.ErrNotConfirmed
	}
	if code != want {
		return verification.ErrCodeMismatch
	}
	delete(g.confirmed, contact)
	return nil
}

func (g *fakeGate) isConfirmed(contact string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.confirmed[contact]
	return ok
}

// passLocker runs fn without any distributed lock, leaving the schedule
// transaction as the only guard.
type passLocker struct{}

func (passLocker) WithSlotLock(ctx context.Context, slotKey string, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type captureSender struct {
	mu   sync.Mutex
	sent []notify.Message
}

func (c *captureSender) Send(ctx context.Context, msg notify.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}
