package appointment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/visioncare/eyecare-scheduling/internal/apperr"
	"github.com/visioncare/eyecare-scheduling/internal/calendar"
	"github.com/visioncare/eyecare-scheduling/internal/config"
	redisclient "github.com/visioncare/eyecare-scheduling/internal/redis"
	"github.com/visioncare/eyecare-scheduling/internal/subject"
	"github.com/visioncare/eyecare-scheduling/internal/verification"
)

var testNow = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

var admin = Actor{ID: "admin-1", Admin: true}

func testHours(t *testing.T) *calendar.BusinessHours {
	t.Helper()
	h, err := calendar.NewBusinessHours(config.ScheduleConfig{
		Location:       time.UTC,
		OpenTime:       "09:00",
		CloseTime:      "17:00",
		SlotMinutes:    30,
		Breaks:         []string{"13:00-14:00"},
		ClosedWeekdays: []time.Weekday{time.Sunday},
		HorizonDays:    60,
	})
	if err != nil {
		t.Fatalf("NewBusinessHours error: %v", err)
	}
	return h
}

type fixture struct {
	svc      *Service
	repo     *memRepo
	resolver *fakeResolver
	gate     *fakeGate
	hours    *calendar.BusinessHours
}

func newFixture(t *testing.T, locker redisclient.Locker) *fixture {
	t.Helper()
	f := &fixture{
		repo:     newMemRepo(),
		resolver: newFakeResolver(),
		gate:     newFakeGate(),
		hours:    testHours(t),
	}
	f.svc = NewService(f.repo, locker, f.hours, f.resolver, f.gate, time.Second).
		WithClock(func() time.Time { return testNow })
	return f
}

func redisLocker(t *testing.T) redisclient.Locker {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return redisclient.NewRedisSlotLocker(rdb, 5*time.Second)
}

func user(id string) Actor { return Actor{ID: id} }

func TestBook_ConcurrentSameSlotSingleWinner(t *testing.T) {
	lockers := map[string]func(t *testing.T) redisclient.Locker{
		"redis lock":       redisLocker,
		"schedule tx only": func(*testing.T) redisclient.Locker { return passLocker{} },
	}

	for name, mk := range lockers {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, mk(t))

			const n = 20
			var (
				wg        sync.WaitGroup
				mu        sync.Mutex
				successes int
				conflicts int
				other     []error
			)
			start := make(chan struct{})
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					<-start
					_, err := f.svc.BookSelf(context.Background(), user(fmt.Sprint(i+1)), BookingRequest{Date: "2025-03-10", Slot: "10:00"})
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						successes++
					case errors.Is(err, ErrSlotConflict):
						conflicts++
					default:
						other = append(other, err)
					}
				}(i)
			}
			close(start)
			wg.Wait()

			if len(other) > 0 {
				t.Fatalf("unexpected errors: %v", other)
			}
			if successes != 1 || conflicts != n-1 {
				t.Fatalf("successes=%d conflicts=%d, want 1 and %d", successes, conflicts, n-1)
			}
			if f.repo.count() != 1 {
				t.Fatalf("stored appointments = %d, want 1", f.repo.count())
			}
		})
	}
}

func TestBook_DifferentSlotsDoNotConflict(t *testing.T) {
	f := newFixture(t, redisLocker(t))
	ctx := context.Background()

	for i, slot := range []string{"09:00", "09:30", "10:00"} {
		if _, err := f.svc.BookSelf(ctx, user(fmt.Sprint(i)), BookingRequest{Date: "2025-03-10", Slot: slot}); err != nil {
			t.Fatalf("BookSelf %s error: %v", slot, err)
		}
	}
	if _, err := f.svc.BookSelf(ctx, user("9"), BookingRequest{Date: "2025-03-11", Slot: "10:00"}); err != nil {
		t.Fatalf("same slot on another date error: %v", err)
	}
}

func TestBook_DateAndGridRules(t *testing.T) {
	f := newFixture(t, passLocker{})
	ctx := context.Background()

	rangeCases := []BookingRequest{
		{Date: "2025-02-28", Slot: "10:00"},
		{Date: "2025-05-01", Slot: "10:00"},
	}
	for _, req := range rangeCases {
		if _, err := f.svc.BookSelf(ctx, user("42"), req); !errors.Is(err, calendar.ErrInvalidDateRange) {
			t.Fatalf("%+v: error = %v, want ErrInvalidDateRange", req, err)
		}
	}

	gridCases := []BookingRequest{
		{Date: "2025-03-10", Slot: "10:15"},
		{Date: "2025-03-10", Slot: "13:00"},
		{Date: "2025-03-10", Slot: "17:00"},
		{Date: "2025-03-09", Slot: "10:00"},
		{Date: "10/03/2025", Slot: "10:00"},
		{Date: "2025-03-10", Slot: "ten"},
	}
	for _, req := range gridCases {
		if _, err := f.svc.BookSelf(ctx, user("42"), req); !apperr.IsValidation(err) {
			t.Fatalf("%+v: error = %v, want validation error", req, err)
		}
	}

	long := make([]byte, maxReasonLength+1)
	for i := range long {
		long[i] = 'x'
	}
	if _, err := f.svc.BookSelf(ctx, user("42"), BookingRequest{Date: "2025-03-10", Slot: "10:00", Reason: string(long)}); !apperr.IsValidation(err) {
		t.Fatalf("long reason error = %v", err)
	}

	if _, err := f.svc.BookSelf(ctx, user("missing-1"), BookingRequest{Date: "2025-03-10", Slot: "10:00"}); !errors.Is(err, subject.ErrSubjectNotFound) {
		t.Fatalf("unknown user error = %v", err)
	}
	if f.repo.count() != 0 {
		t.Fatalf("rejected bookings were stored")
	}
}

func TestBook_SlotAlreadyStartedToday(t *testing.T) {
	f := newFixture(t, passLocker{})
	f.svc.WithClock(func() time.Time { return time.Date(2025, 3, 10, 10, 5, 0, 0, time.UTC) })

	_, err := f.svc.BookSelf(context.Background(), user("42"), BookingRequest{Date: "2025-03-10", Slot: "10:00"})
	if !errors.Is(err, calendar.ErrInvalidDateRange) {
		t.Fatalf("error = %v, want ErrInvalidDateRange", err)
	}
	if _, err := f.svc.BookSelf(context.Background(), user("42"), BookingRequest{Date: "2025-03-10", Slot: "10:30"}); err != nil {
		t.Fatalf("later slot error: %v", err)
	}
}

func TestAdmin_BypassesDateRangeButNotConflicts(t *testing.T) {
	f := newFixture(t, passLocker{})
	ctx := context.Background()
	past := f.resolver.addPast("Walk In")

	who := subject.Request{Kind: subject.KindPast, Identifier: past.ID}
	a, err := f.svc.BookForSubject(ctx, admin, who, BookingRequest{Date: "2025-02-20", Slot: "11:00", Reason: "back-dated entry"})
	if err != nil {
		t.Fatalf("admin back-dated booking error: %v", err)
	}
	if a.CreatedBy != OriginAdmin || a.Subject != past {
		t.Fatalf("appointment = %+v", a)
	}

	if _, err := f.svc.BookForSubject(ctx, admin, who, BookingRequest{Date: "2025-02-20", Slot: "11:00"}); !errors.Is(err, ErrSlotConflict) {
		t.Fatalf("admin double booking error = %v, want ErrSlotConflict", err)
	}
	if _, err := f.svc.BookForSubject(ctx, admin, who, BookingRequest{Date: "2025-02-20", Slot: "11:10"}); !apperr.IsValidation(err) {
		t.Fatalf("admin off-grid error = %v, want validation error", err)
	}
	if _, err := f.svc.BookForSubject(ctx, admin, subject.Request{Kind: subject.KindPast, Identifier: uuid.NewString()}, BookingRequest{Date: "2025-03-10", Slot: "11:00"}); !errors.Is(err, subject.ErrSubjectNotFound) {
		t.Fatalf("unknown past user error = %v", err)
	}
	contact := &subject.Contact{Name: "A", Email: "a@b.com"}
	if _, err := f.svc.BookForSubject(ctx, admin, subject.Request{Kind: subject.KindExternal, Contact: contact}, BookingRequest{Date: "2025-03-10", Slot: "11:00"}); !apperr.IsValidation(err) {
		t.Fatalf("admin provisional external error = %v", err)
	}
}

func TestLifecycle_TerminalStatesRejectTransitions(t *testing.T) {
	f := newFixture(t, passLocker{})
	ctx := context.Background()

	a1, _ := f.svc.BookSelf(ctx, user("42"), BookingRequest{Date: "2025-03-10", Slot: "09:00"})
	a2, _ := f.svc.BookSelf(ctx, user("42"), BookingRequest{Date: "2025-03-10", Slot: "09:30"})

	cancelled, err := f.svc.Cancel(ctx, user("42"), a1.ID)
	if err != nil || cancelled.Status != StatusCancelled {
		t.Fatalf("Cancel = %+v, %v", cancelled, err)
	}
	if _, err := f.svc.Complete(ctx, admin, a1.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("complete after cancel error = %v", err)
	}
	if _, err := f.svc.Cancel(ctx, admin, a1.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("cancel twice error = %v", err)
	}

	completed, err := f.svc.Complete(ctx, admin, a2.ID)
	if err != nil || completed.Status != StatusCompleted {
		t.Fatalf("Complete = %+v, %v", completed, err)
	}
	if _, err := f.svc.Cancel(ctx, admin, a2.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("cancel after complete error = %v", err)
	}
	if _, err := f.svc.Reschedule(ctx, admin, a2.ID, RescheduleRequest{Date: "2025-03-11", Slot: "09:00"}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("reschedule completed error = %v", err)
	}

	if _, err := f.svc.Cancel(ctx, admin, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cancel unknown error = %v", err)
	}
}

func TestCancelledSlotBecomesAvailableAgain(t *testing.T) {
	f := newFixture(t, passLocker{})
	ctx := context.Background()
	cal := calendar.New(f.hours, f.svc).WithClock(func() time.Time { return testNow })
	day, _ := f.hours.ParseDate("2025-03-10")

	a, err := f.svc.BookSelf(ctx, user("42"), BookingRequest{Date: "2025-03-10", Slot: "10:00"})
	if err != nil {
		t.Fatalf("BookSelf error: %v", err)
	}
	if slotAvailable(t, cal, day, "10:00") {
		t.Fatalf("booked slot reported available")
	}

	if _, err := f.svc.Cancel(ctx, user("42"), a.ID); err != nil {
		t.Fatalf("Cancel error: %v", err)
	}
	if !slotAvailable(t, cal, day, "10:00") {
		t.Fatalf("cancelled slot still unavailable")
	}
	if _, err := f.svc.BookSelf(ctx, user("7"), BookingRequest{Date: "2025-03-10", Slot: "10:00"}); err != nil {
		t.Fatalf("rebooking freed slot error: %v", err)
	}
}

func TestRoundTripAndDelete(t *testing.T) {
	f := newFixture(t, redisLocker(t))
	ctx := context.Background()

	booked, err := f.svc.BookSelf(ctx, user("42"), BookingRequest{Date: "2025-03-12", Slot: "15:30", Reason: "  blurry vision "})
	if err != nil {
		t.Fatalf("BookSelf error: %v", err)
	}
	if _, err := f.svc.BookSelf(ctx, user("42"), BookingRequest{Date: "2025-03-11", Slot: "09:00", Reason: "follow-up"}); err != nil {
		t.Fatalf("second BookSelf error: %v", err)
	}

	list, err := f.svc.ListMine(ctx, user("42"))
	if err != nil {
		t.Fatalf("ListMine error: %v", err)
	}
	if len(list) != 2 || !list[0].StartTime.Before(list[1].StartTime) {
		t.Fatalf("list not ordered by start: %+v", list)
	}
	got := list[1]
	if got.ID != booked.ID || got.Reason != "blurry vision" || got.Status != StatusBooked {
		t.Fatalf("listed = %+v", got)
	}
	if got.StartTime.Format("2006-01-02 15:04") != "2025-03-12 15:30" || got.EndTime.Sub(got.StartTime) != 30*time.Minute {
		t.Fatalf("listed slot = %s-%s", got.StartTime, got.EndTime)
	}

	if err := f.svc.Delete(ctx, user("42"), booked.ID, ""); !errors.Is(err, ErrForbidden) {
		t.Fatalf("user delete error = %v, want ErrForbidden", err)
	}
	if err := f.svc.Delete(ctx, admin, booked.ID, ""); err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	list, _ = f.svc.ListMine(ctx, user("42"))
	if len(list) != 1 || list[0].ID == booked.ID {
		t.Fatalf("deleted appointment still listed: %+v", list)
	}
	if _, err := f.svc.Get(ctx, admin, booked.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get deleted error = %v", err)
	}
	if err := f.svc.Delete(ctx, admin, booked.ID, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Delete error = %v", err)
	}

	types := f.repo.eventTypes()
	if len(types) != 3 || types[2] != EventAppointmentDeleted {
		t.Fatalf("events = %v", types)
	}
}

func TestScenario_AdminRescheduleMovesAvailability(t *testing.T) {
	f := newFixture(t, redisLocker(t))
	ctx := context.Background()
	cal := calendar.New(f.hours, f.svc).WithClock(func() time.Time { return testNow })
	day, _ := f.hours.ParseDate("2025-03-10")

	a, err := f.svc.BookSelf(ctx, user("42"), BookingRequest{Date: "2025-03-10", Slot: "10:00", Reason: "eye test"})
	if err != nil {
		t.Fatalf("BookSelf error: %v", err)
	}
	if a.Status != StatusBooked || a.Subject != (subject.Ref{Kind: subject.KindRegistered, ID: "42"}) {
		t.Fatalf("appointment = %+v", a)
	}
	if a.EndTime.Format("15:04") != "10:30" {
		t.Fatalf("end = %s", a.EndTime)
	}

	past := f.resolver.addPast("Other")
	if _, err := f.svc.BookForSubject(ctx, admin, subject.Request{Kind: subject.KindPast, Identifier: past.ID}, BookingRequest{Date: "2025-03-10", Slot: "10:00"}); !errors.Is(err, ErrSlotConflict) {
		t.Fatalf("second booking error = %v, want ErrSlotConflict", err)
	}

	moved, err := f.svc.Reschedule(ctx, admin, a.ID, RescheduleRequest{Date: "2025-03-10", Slot: "11:00"})
	if err != nil {
		t.Fatalf("Reschedule error: %v", err)
	}
	if moved.StartTime.Format("15:04") != "11:00" || moved.EndTime.Format("15:04") != "11:30" || moved.Reason != "eye test" {
		t.Fatalf("moved = %+v", moved)
	}

	if !slotAvailable(t, cal, day, "10:00") {
		t.Fatalf("10:00 should be available after reschedule")
	}
	if slotAvailable(t, cal, day, "11:00") {
		t.Fatalf("11:00 should be unavailable after reschedule")
	}
}

func TestReschedule_Rules(t *testing.T) {
	f := newFixture(t, passLocker{})
	ctx := context.Background()

	a, _ := f.svc.BookSelf(ctx, user("42"), BookingRequest{Date: "2025-03-10", Slot: "10:00"})
	b, _ := f.svc.BookSelf(ctx, user("43"), BookingRequest{Date: "2025-03-10", Slot: "11:00"})

	if _, err := f.svc.Reschedule(ctx, user("42"), a.ID, RescheduleRequest{Date: "2025-03-10", Slot: "12:00"}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("user reschedule error = %v", err)
	}
	if _, err := f.svc.Reschedule(ctx, admin, a.ID, RescheduleRequest{Date: "2025-03-10", Slot: "11:00"}); !errors.Is(err, ErrSlotConflict) {
		t.Fatalf("reschedule onto booked slot error = %v", err)
	}
	if _, err := f.svc.Reschedule(ctx, admin, a.ID, RescheduleRequest{Date: "2025-03-10", Slot: "12:00", Kind: subject.KindPast}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("kind mismatch error = %v", err)
	}
	if _, err := f.svc.Reschedule(ctx, admin, uuid.New(), RescheduleRequest{Date: "2025-03-10", Slot: "12:00"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown appointment error = %v", err)
	}

	reason := "moved by phone"
	same, err := f.svc.Reschedule(ctx, admin, b.ID, RescheduleRequest{Date: "2025-03-10", Slot: "11:00", Reason: &reason})
	if err != nil || same.Reason != reason {
		t.Fatalf("reschedule onto own slot = %+v, %v", same, err)
	}
}

func TestBookExternal_ConsumesVerificationOnce(t *testing.T) {
	f := newFixture(t, redisLocker(t))
	ctx := context.Background()
	contact := subject.Contact{Name: "Ada Lovelace", Email: "A@B.com", Phone: "+44 20 7946 0958"}

	if _, err := f.svc.BookExternal(ctx, contact, "123456", BookingRequest{Date: "2025-03-10", Slot: "10:00"}); !errors.Is(err, verification.ErrNotConfirmed) {
		t.Fatalf("unverified error = %v, want ErrNotConfirmed", err)
	}
	if f.repo.count() != 0 || len(f.repo.pastUsers) != 0 {
		t.Fatalf("unverified booking persisted data")
	}

	f.gate.confirm("a@b.com", "123456")
	a, err := f.svc.BookExternal(ctx, contact, "123456", BookingRequest{Date: "2025-03-10", Slot: "10:00", Reason: "new patient"})
	if err != nil {
		t.Fatalf("BookExternal error: %v", err)
	}
	if a.Subject.Kind != subject.KindExternal || a.CreatedBy != OriginSelf {
		t.Fatalf("appointment = %+v", a)
	}
	pu, ok := f.repo.pastUsers[uuid.MustParse(a.Subject.ID)]
	if !ok || pu.Origin != subject.OriginExternal || pu.Email == nil || *pu.Email != "a@b.com" {
		t.Fatalf("external user = %+v, %v", pu, ok)
	}

	if _, err := f.svc.BookExternal(ctx, contact, "123456", BookingRequest{Date: "2025-03-10", Slot: "10:30"}); !errors.Is(err, verification.ErrNotConfirmed) {
		t.Fatalf("second external booking error = %v, want ErrNotConfirmed", err)
	}
}

func TestBookExternal_RequiresTheConfirmedCode(t *testing.T) {
	f := newFixture(t, passLocker{})
	ctx := context.Background()
	contact := subject.Contact{Name: "Ada", Email: "a@b.com"}
	f.gate.confirm("a@b.com", "123456")

	if _, err := f.svc.BookExternal(ctx, contact, "", BookingRequest{Date: "2025-03-10", Slot: "10:00"}); !apperr.IsValidation(err) {
		t.Fatalf("missing code error = %v, want validation error", err)
	}
	if _, err := f.svc.BookExternal(ctx, contact, "654321", BookingRequest{Date: "2025-03-10", Slot: "10:00"}); !errors.Is(err, verification.ErrCodeMismatch) {
		t.Fatalf("wrong code error = %v, want ErrCodeMismatch", err)
	}
	if f.repo.count() != 0 || len(f.repo.pastUsers) != 0 {
		t.Fatalf("booking with a wrong code persisted data")
	}
	if !f.gate.isConfirmed("a@b.com") {
		t.Fatalf("wrong code must not spend the verification")
	}

	if _, err := f.svc.BookExternal(ctx, contact, "123456", BookingRequest{Date: "2025-03-10", Slot: "10:00"}); err != nil {
		t.Fatalf("BookExternal with the confirmed code error: %v", err)
	}
}

func TestBookExternal_ConflictKeepsVerification(t *testing.T) {
	f := newFixture(t, passLocker{})
	ctx := context.Background()

	if _, err := f.svc.BookSelf(ctx, user("42"), BookingRequest{Date: "2025-03-10", Slot: "10:00"}); err != nil {
		t.Fatalf("BookSelf error: %v", err)
	}
	f.gate.confirm("a@b.com", "123456")

	_, err := f.svc.BookExternal(ctx, subject.Contact{Name: "Ada", Email: "a@b.com"}, "123456", BookingRequest{Date: "2025-03-10", Slot: "10:00"})
	if !errors.Is(err, ErrSlotConflict) {
		t.Fatalf("error = %v, want ErrSlotConflict", err)
	}
	if !f.gate.isConfirmed("a@b.com") {
		t.Fatalf("conflicting booking must not spend the verification")
	}
	if len(f.repo.pastUsers) != 0 {
		t.Fatalf("external user created for a failed booking")
	}
}

func TestAdmin_BookingForDeletedPastUserFails(t *testing.T) {
	f := newFixture(t, passLocker{})
	ctx := context.Background()
	past := f.resolver.addPast("Walk In")

	// The record is removed after the subject resolved but before the
	// schedule transaction writes.
	f.repo.beforeTx = func(context.Context) error {
		f.repo.deleteSubject(past)
		return nil
	}

	_, err := f.svc.BookForSubject(ctx, admin, subject.Request{Kind: subject.KindPast, Identifier: past.ID}, BookingRequest{Date: "2025-03-10", Slot: "11:00"})
	if !errors.Is(err, subject.ErrSubjectNotFound) {
		t.Fatalf("error = %v, want ErrSubjectNotFound", err)
	}
	if f.repo.count() != 0 {
		t.Fatalf("appointment stored for a deleted past user")
	}
}

func TestOwnership(t *testing.T) {
	f := newFixture(t, passLocker{})
	ctx := context.Background()

	a, _ := f.svc.BookSelf(ctx, user("42"), BookingRequest{Date: "2025-03-10", Slot: "10:00"})

	if _, err := f.svc.Get(ctx, user("42"), a.ID); err != nil {
		t.Fatalf("owner Get error: %v", err)
	}
	if _, err := f.svc.Get(ctx, user("7"), a.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("other Get error = %v", err)
	}
	if _, err := f.svc.Cancel(ctx, user("7"), a.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("other Cancel error = %v", err)
	}
	if _, err := f.svc.Complete(ctx, user("42"), a.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("owner Complete error = %v", err)
	}
	if _, err := f.svc.BookForSubject(ctx, user("42"), subject.Request{Kind: subject.KindRegistered, Identifier: "7"}, BookingRequest{Date: "2025-03-10", Slot: "11:00"}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("user admin booking error = %v", err)
	}
	if _, err := f.svc.ListForSubject(ctx, user("7"), subject.Ref{Kind: subject.KindRegistered, ID: "42"}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("other list error = %v", err)
	}

	list, err := f.svc.ListForSubject(ctx, admin, subject.Ref{Kind: subject.KindRegistered, ID: "42"})
	if err != nil || len(list) != 1 {
		t.Fatalf("admin list = %v, %v", list, err)
	}
	if _, err := f.svc.ListForSubject(ctx, admin, subject.Ref{Kind: subject.KindPast, ID: uuid.NewString()}); !errors.Is(err, subject.ErrSubjectNotFound) {
		t.Fatalf("admin list unknown subject error = %v", err)
	}
}

func TestBook_TimeoutLeavesNoPartialWrite(t *testing.T) {
	f := newFixture(t, passLocker{})
	f.svc.timeout = 20 * time.Millisecond
	f.repo.beforeTx = func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}

	_, err := f.svc.BookSelf(context.Background(), user("42"), BookingRequest{Date: "2025-03-10", Slot: "10:00"})
	if !errors.Is(err, apperr.ErrTransient) {
		t.Fatalf("error = %v, want ErrTransient", err)
	}
	if f.repo.count() != 0 {
		t.Fatalf("timed out booking was stored")
	}
}

func TestBook_RedisOutageIsTransient(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	f := newFixture(t, redisclient.NewRedisSlotLocker(rdb, 5*time.Second))
	mr.Close()

	_, err := f.svc.BookSelf(context.Background(), user("42"), BookingRequest{Date: "2025-03-10", Slot: "10:00"})
	if !errors.Is(err, apperr.ErrTransient) {
		t.Fatalf("error = %v, want ErrTransient", err)
	}
	if errors.Is(err, ErrSlotConflict) {
		t.Fatalf("outage reported as a conflict: %v", err)
	}
	if f.repo.count() != 0 {
		t.Fatalf("booking stored without the slot lock")
	}
}

func TestHousekeeper_RemindsOnceAndPrunes(t *testing.T) {
	f := newFixture(t, passLocker{})
	ctx := context.Background()

	soon, _ := f.svc.BookSelf(ctx, user("42"), BookingRequest{Date: "2025-03-03", Slot: "09:00"})
	if _, err := f.svc.BookSelf(ctx, user("43"), BookingRequest{Date: "2025-03-20", Slot: "09:00"}); err != nil {
		t.Fatalf("BookSelf error: %v", err)
	}

	sender := &captureSender{}
	now := time.Date(2025, 3, 2, 10, 0, 0, 0, time.UTC)
	hk := NewHousekeeper(f.repo, f.resolver, sender, f.hours, 24*time.Hour, 24*time.Hour).
		WithClock(func() time.Time { return now })

	n, err := hk.SendReminders(ctx)
	if err != nil || n != 1 {
		t.Fatalf("SendReminders = %d, %v", n, err)
	}
	if sender.sent[0].To != "user42@example.com" {
		t.Fatalf("reminder sent to %q", sender.sent[0].To)
	}
	got, _ := f.repo.GetByID(ctx, soon.ID)
	if !got.ReminderSent {
		t.Fatalf("reminder not marked")
	}

	if n, _ := hk.SendReminders(ctx); n != 0 {
		t.Fatalf("second run sent %d reminders", n)
	}

	before := len(f.repo.eventTypes())
	now = now.Add(48 * time.Hour)
	pruned, err := hk.PruneEvents(ctx)
	if err != nil {
		t.Fatalf("PruneEvents error: %v", err)
	}
	if int(pruned) != before || len(f.repo.eventTypes()) != 0 {
		t.Fatalf("pruned %d of %d events", pruned, before)
	}
}

func slotAvailable(t *testing.T, cal *calendar.Calendar, day time.Time, start string) bool {
	t.Helper()
	slots, err := cal.AvailableSlots(context.Background(), day)
	if err != nil {
		t.Fatalf("AvailableSlots error: %v", err)
	}
	for _, s := range slots {
		if s.Start.Format("15:04") == start {
			return s.Available
		}
	}
	t.Fatalf("slot %s not on the grid", start)
	return false
}
