package reminder

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"recado/app/core/db"
	"recado/app/core/timeparse"
)

type fakeNotifier struct {
	mu       sync.Mutex
	calls    []string
	failures int
}

func (f *fakeNotifier) Notify(_ context.Context, owner, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, owner+"|"+content)
	if f.failures > 0 {
		f.failures--
		return errors.New("delivery unavailable")
	}
	return nil
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeNotifier) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return ""
	}
	return f.calls[len(f.calls)-1]
}

func newTestService(t *testing.T, notifier Notifier, settings Settings) (*Service, *Store) {
	t.Helper()
	database, err := db.NewMemoryDB()
	if err != nil {
		t.Fatalf("open memory db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	store := NewStore(database)
	if settings.Location == nil {
		settings.Location = time.UTC
	}
	return NewService(store, notifier, settings), store
}

func TestScheduleParsesNaturalLanguage(t *testing.T) {
	loc, err := time.LoadLocation("America/Bogota")
	if err != nil {
		t.Fatalf("load timezone: %v", err)
	}
	svc, _ := newTestService(t, &fakeNotifier{}, Settings{Location: loc})

	now := time.Date(2024, 1, 1, 10, 0, 0, 0, loc)
	r, err := svc.Schedule(context.Background(), "u1", "comprar pan mañana a las 5 pm", now)
	if err != nil {
		t.Fatalf("schedule failed: %v", err)
	}

	want := time.Date(2024, 1, 2, 17, 0, 0, 0, loc)
	if !r.FireAt.Equal(want) {
		t.Fatalf("expected fire at %s, got %s", want, r.FireAt)
	}
	if r.Payload != "comprar pan" {
		t.Fatalf("expected payload %q, got %q", "comprar pan", r.Payload)
	}
	if r.State != StateScheduled {
		t.Fatalf("expected scheduled state, got %s", r.State)
	}
}

func TestScheduleRejectsUnparseableText(t *testing.T) {
	svc, _ := newTestService(t, &fakeNotifier{}, Settings{})

	_, err := svc.Schedule(context.Background(), "u1", "comprar pan", time.Now())
	if !errors.Is(err, ErrUnparsableTime) {
		t.Fatalf("expected ErrUnparsableTime, got %v", err)
	}
	if !errors.Is(err, timeparse.ErrUnrecognized) {
		t.Fatalf("expected parse kind to stay reachable, got %v", err)
	}
}

func TestScheduleWrapsPastTime(t *testing.T) {
	loc, err := time.LoadLocation("America/Bogota")
	if err != nil {
		t.Fatalf("load timezone: %v", err)
	}
	svc, _ := newTestService(t, &fakeNotifier{}, Settings{Location: loc})

	now := time.Date(2024, 1, 1, 22, 0, 0, 0, loc)
	_, err = svc.Schedule(context.Background(), "u1", "regar las plantas hoy a las 8 pm", now)
	if !errors.Is(err, ErrUnparsableTime) {
		t.Fatalf("expected ErrUnparsableTime, got %v", err)
	}
	if !errors.Is(err, timeparse.ErrPastTime) {
		t.Fatalf("expected ErrPastTime to stay reachable, got %v", err)
	}
}

func TestDispatchDueDeliversAndFires(t *testing.T) {
	notifier := &fakeNotifier{}
	svc, store := newTestService(t, notifier, Settings{MaxRetries: 3})

	r, err := svc.ScheduleAt(context.Background(), "u1", "comprar pan", time.Now().Add(-time.Second))
	if err != nil {
		t.Fatalf("schedule failed: %v", err)
	}

	svc.DispatchDue(context.Background())
	svc.wg.Wait()

	if notifier.count() != 1 {
		t.Fatalf("expected 1 delivery, got %d", notifier.count())
	}
	if !strings.Contains(notifier.last(), "comprar pan") {
		t.Fatalf("expected payload in delivery, got %q", notifier.last())
	}

	fresh, err := store.Get(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if fresh.State != StateFired {
		t.Fatalf("expected fired state, got %s", fresh.State)
	}
}

func TestDispatchDueFiresExactlyOnce(t *testing.T) {
	notifier := &fakeNotifier{}
	svc, _ := newTestService(t, notifier, Settings{})

	if _, err := svc.ScheduleAt(context.Background(), "u1", "pagar la luz", time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("schedule failed: %v", err)
	}

	svc.DispatchDue(context.Background())
	svc.wg.Wait()
	svc.DispatchDue(context.Background())
	svc.wg.Wait()

	if notifier.count() != 1 {
		t.Fatalf("expected exactly one delivery, got %d", notifier.count())
	}
}

func TestDispatchDueSkipsCancelled(t *testing.T) {
	notifier := &fakeNotifier{}
	svc, _ := newTestService(t, notifier, Settings{})

	r, err := svc.ScheduleAt(context.Background(), "u1", "cita médica", time.Now().Add(-time.Second))
	if err != nil {
		t.Fatalf("schedule failed: %v", err)
	}
	if err := svc.Cancel(context.Background(), "u1", r.ID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	svc.DispatchDue(context.Background())
	svc.wg.Wait()

	if notifier.count() != 0 {
		t.Fatalf("expected no delivery for cancelled reminder, got %d", notifier.count())
	}
}

func TestDeliveryRetriesThenMisfires(t *testing.T) {
	notifier := &fakeNotifier{failures: 10}
	svc, store := newTestService(t, notifier, Settings{
		MaxRetries: 1,
		RetryDelay: time.Millisecond,
	})

	r, err := svc.ScheduleAt(context.Background(), "u1", "sacar la basura", time.Now().Add(-time.Second))
	if err != nil {
		t.Fatalf("schedule failed: %v", err)
	}

	svc.DispatchDue(context.Background())
	svc.wg.Wait()

	mid, err := store.Get(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if mid.State != StateScheduled || mid.Attempts != 1 {
		t.Fatalf("expected one recorded failure, got state=%s attempts=%d", mid.State, mid.Attempts)
	}

	time.Sleep(5 * time.Millisecond)
	svc.DispatchDue(context.Background())
	svc.wg.Wait()

	final, err := store.Get(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if final.State != StateMisfired {
		t.Fatalf("expected misfired after retries, got %s", final.State)
	}
	if notifier.count() != 2 {
		t.Fatalf("expected 2 delivery attempts, got %d", notifier.count())
	}
}

func TestRecoverStartupGraceWindow(t *testing.T) {
	notifier := &fakeNotifier{}
	svc, store := newTestService(t, notifier, Settings{GraceWindow: 5 * time.Minute})

	stale, err := svc.ScheduleAt(context.Background(), "u1", "muy viejo", time.Now().Add(-10*time.Minute))
	if err != nil {
		t.Fatalf("schedule failed: %v", err)
	}
	recent, err := svc.ScheduleAt(context.Background(), "u1", "apenas tarde", time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("schedule failed: %v", err)
	}

	flagged, err := svc.RecoverStartup(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("recovery failed: %v", err)
	}
	if flagged != 1 {
		t.Fatalf("expected 1 flagged reminder, got %d", flagged)
	}

	staleFresh, _ := store.Get(context.Background(), stale.ID)
	if staleFresh.State != StateMisfired {
		t.Fatalf("expected stale reminder misfired, got %s", staleFresh.State)
	}

	// The one inside the grace window stays scheduled and fires on the
	// next poll.
	svc.DispatchDue(context.Background())
	svc.wg.Wait()

	recentFresh, _ := store.Get(context.Background(), recent.ID)
	if recentFresh.State != StateFired {
		t.Fatalf("expected in-grace reminder fired, got %s", recentFresh.State)
	}
	if notifier.count() != 1 {
		t.Fatalf("expected 1 delivery, got %d", notifier.count())
	}
}

// blockingNotifier parks every delivery until release closes, so several
// dispatch loops can race over the same due reminder.
type blockingNotifier struct {
	mu      sync.Mutex
	calls   int
	release chan struct{}
}

func (n *blockingNotifier) Notify(_ context.Context, _, _ string) error {
	n.mu.Lock()
	n.calls++
	n.mu.Unlock()
	<-n.release
	return nil
}

func (n *blockingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls
}

func TestConcurrentDispatchDeliversOnce(t *testing.T) {
	notifier := &blockingNotifier{release: make(chan struct{})}
	svc, store := newTestService(t, notifier, Settings{})
	ctx := context.Background()

	r, err := svc.ScheduleAt(ctx, "u1", "una sola vez", time.Now().Add(-time.Second))
	if err != nil {
		t.Fatalf("schedule failed: %v", err)
	}

	var starters sync.WaitGroup
	for i := 0; i < 8; i++ {
		starters.Add(1)
		go func() {
			defer starters.Done()
			svc.DispatchDue(ctx)
		}()
	}
	starters.Wait()
	close(notifier.release)
	svc.wg.Wait()

	if notifier.count() != 1 {
		t.Fatalf("expected exactly one delivery under concurrent dispatch, got %d", notifier.count())
	}
	fresh, err := store.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if fresh.State != StateFired {
		t.Fatalf("expected fired state, got %s", fresh.State)
	}
}

func TestRecoverStartupSurvivesRestart(t *testing.T) {
	dataDir := t.TempDir()
	ctx := context.Background()

	first, err := db.NewSQLiteDB(dataDir)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	before := NewService(NewStore(first), &fakeNotifier{}, Settings{
		GraceWindow: 5 * time.Minute,
		Location:    time.UTC,
	})
	stale, err := before.ScheduleAt(ctx, "u1", "muy viejo", time.Now().Add(-10*time.Minute))
	if err != nil {
		t.Fatalf("schedule failed: %v", err)
	}
	recent, err := before.ScheduleAt(ctx, "u1", "apenas tarde", time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("schedule failed: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close db: %v", err)
	}

	// A fresh process: reopen the same file and apply the misfire policy.
	reopened, err := db.NewSQLiteDB(dataDir)
	if err != nil {
		t.Fatalf("reopen db: %v", err)
	}
	t.Cleanup(func() { reopened.Close() })
	notifier := &fakeNotifier{}
	svc := NewService(NewStore(reopened), notifier, Settings{
		GraceWindow: 5 * time.Minute,
		Location:    time.UTC,
	})

	flagged, err := svc.RecoverStartup(ctx, time.Now())
	if err != nil {
		t.Fatalf("recovery failed: %v", err)
	}
	if flagged != 1 {
		t.Fatalf("expected 1 flagged reminder, got %d", flagged)
	}

	svc.DispatchDue(ctx)
	svc.wg.Wait()

	staleFresh, err := svc.store.Get(ctx, stale.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if staleFresh.State != StateMisfired {
		t.Fatalf("expected stale reminder misfired after restart, got %s", staleFresh.State)
	}
	recentFresh, err := svc.store.Get(ctx, recent.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if recentFresh.State != StateFired {
		t.Fatalf("expected in-grace reminder fired after restart, got %s", recentFresh.State)
	}
	if notifier.count() != 1 || !strings.Contains(notifier.last(), "apenas tarde") {
		t.Fatalf("expected one delivery for the in-grace reminder, got %d (%q)", notifier.count(), notifier.last())
	}
}

func TestSweepMisfiredDeliversLate(t *testing.T) {
	notifier := &fakeNotifier{}
	svc, store := newTestService(t, notifier, Settings{GraceWindow: time.Minute})

	r, err := svc.ScheduleAt(context.Background(), "u1", "tomar la pastilla", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("schedule failed: %v", err)
	}
	if _, err := svc.RecoverStartup(context.Background(), time.Now()); err != nil {
		t.Fatalf("recovery failed: %v", err)
	}

	svc.SweepMisfired(context.Background())
	svc.wg.Wait()

	if notifier.count() != 1 {
		t.Fatalf("expected 1 late delivery, got %d", notifier.count())
	}
	if !strings.Contains(notifier.last(), "atrasado") {
		t.Fatalf("expected late note in delivery, got %q", notifier.last())
	}

	fresh, _ := store.Get(context.Background(), r.ID)
	if fresh.State != StateFired {
		t.Fatalf("expected fired after late delivery, got %s", fresh.State)
	}
}

func TestSweepMisfiredKeepsStateOnFailure(t *testing.T) {
	notifier := &fakeNotifier{failures: 10}
	svc, store := newTestService(t, notifier, Settings{GraceWindow: time.Minute})

	r, err := svc.ScheduleAt(context.Background(), "u1", "regar plantas", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("schedule failed: %v", err)
	}
	if _, err := svc.RecoverStartup(context.Background(), time.Now()); err != nil {
		t.Fatalf("recovery failed: %v", err)
	}

	svc.SweepMisfired(context.Background())
	svc.wg.Wait()

	fresh, _ := store.Get(context.Background(), r.ID)
	if fresh.State != StateMisfired {
		t.Fatalf("expected reminder to stay misfired, got %s", fresh.State)
	}
}

func TestCancelSemantics(t *testing.T) {
	notifier := &fakeNotifier{}
	svc, _ := newTestService(t, notifier, Settings{})
	ctx := context.Background()

	if err := svc.Cancel(ctx, "u1", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	r, err := svc.ScheduleAt(ctx, "u1", "lavar el carro", time.Now().Add(-time.Second))
	if err != nil {
		t.Fatalf("schedule failed: %v", err)
	}
	if err := svc.Cancel(ctx, "u2", r.ID); !errors.Is(err, ErrNotCancelable) {
		t.Fatalf("expected ErrNotCancelable for wrong owner, got %v", err)
	}

	svc.DispatchDue(ctx)
	svc.wg.Wait()
	if err := svc.Cancel(ctx, "u1", r.ID); !errors.Is(err, ErrNotCancelable) {
		t.Fatalf("expected ErrNotCancelable after firing, got %v", err)
	}
}

func TestScheduleCronRecurs(t *testing.T) {
	notifier := &fakeNotifier{}
	svc, store := newTestService(t, notifier, Settings{})
	ctx := context.Background()

	r, err := svc.ScheduleCron(ctx, "u1", "tomar agua", "*/5 * * * *")
	if err != nil {
		t.Fatalf("schedule cron failed: %v", err)
	}
	if r.Kind != KindCron || !r.FireAt.After(time.Now().Add(-time.Second)) {
		t.Fatalf("expected future recurring reminder, got %+v", r)
	}

	// Force it due and dispatch.
	if err := store.Reschedule(ctx, r.ID, time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("force due failed: %v", err)
	}
	svc.DispatchDue(ctx)
	svc.wg.Wait()

	if notifier.count() != 1 {
		t.Fatalf("expected 1 delivery, got %d", notifier.count())
	}
	fresh, _ := store.Get(ctx, r.ID)
	if fresh.State != StateScheduled {
		t.Fatalf("expected recurring reminder rescheduled, got %s", fresh.State)
	}
	if !fresh.FireAt.After(time.Now()) {
		t.Fatalf("expected next occurrence in the future, got %s", fresh.FireAt)
	}
}

func TestScheduleCronRejectsBadSpec(t *testing.T) {
	svc, _ := newTestService(t, &fakeNotifier{}, Settings{})
	if _, err := svc.ScheduleCron(context.Background(), "u1", "x", "not a cron"); err == nil {
		t.Fatal("expected error for invalid cron spec")
	}
}

func TestListByOwnerOnlyScheduled(t *testing.T) {
	notifier := &fakeNotifier{}
	svc, _ := newTestService(t, notifier, Settings{})
	ctx := context.Background()

	fired, err := svc.ScheduleAt(ctx, "u1", "ya pasó", time.Now().Add(-time.Second))
	if err != nil {
		t.Fatalf("schedule failed: %v", err)
	}
	if _, err := svc.ScheduleAt(ctx, "u1", "pendiente", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("schedule failed: %v", err)
	}

	svc.DispatchDue(ctx)
	svc.wg.Wait()

	items, err := svc.List(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(items) != 1 || items[0].Payload != "pendiente" {
		t.Fatalf("expected only the pending reminder, got %+v", items)
	}
	for _, it := range items {
		if it.ID == fired.ID {
			t.Fatal("fired reminder leaked into scheduled list")
		}
	}
}
