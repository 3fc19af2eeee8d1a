package reminder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"recado/app/core/timeparse"
	"recado/app/pkg/logger"
)

// ErrUnparsableTime is returned by Schedule when the text carries no
// usable time expression. The parser's error stays in the chain, so
// errors.Is still distinguishes unrecognized input from past times.
var ErrUnparsableTime = errors.New("reminder: unparsable time expression")

// Notifier delivers a fired reminder to its owner.
type Notifier interface {
	Notify(ctx context.Context, owner string, content string) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, owner string, content string) error

func (f NotifierFunc) Notify(ctx context.Context, owner string, content string) error {
	return f(ctx, owner, content)
}

// Settings are the dispatch knobs, taken from config at wiring time.
type Settings struct {
	GraceWindow time.Duration
	MaxRetries  int
	RetryDelay  time.Duration
	BatchSize   int
	Location    *time.Location
}

// Service owns the reminder lifecycle: scheduling from natural language,
// dispatching due reminders, flagging misfires, and late recovery.
type Service struct {
	store    *Store
	notifier Notifier
	settings Settings

	runMu   sync.Mutex
	running map[string]struct{}
	wg      sync.WaitGroup
}

func NewService(store *Store, notifier Notifier, settings Settings) *Service {
	if settings.BatchSize <= 0 {
		settings.BatchSize = 20
	}
	if settings.RetryDelay <= 0 {
		settings.RetryDelay = 30 * time.Second
	}
	if settings.Location == nil {
		settings.Location = time.Local
	}
	return &Service{
		store:    store,
		notifier: notifier,
		settings: settings,
		running:  map[string]struct{}{},
	}
}

// Schedule parses a natural-language fragment like "comprar pan mañana a
// las 5 pm" and persists a one-shot reminder. The fragment must already
// have its trigger keyword stripped.
func (s *Service) Schedule(ctx context.Context, owner, text string, now time.Time) (Reminder, error) {
	parsed, err := timeparse.Parse(text, now, s.settings.Location)
	if err != nil {
		return Reminder{}, fmt.Errorf("%w: %w", ErrUnparsableTime, err)
	}
	return s.store.Create(ctx, Reminder{
		Owner:   owner,
		Kind:    KindAt,
		Spec:    parsed.At.Format(time.RFC3339),
		FireAt:  parsed.At,
		Payload: parsed.Task,
	})
}

// ScheduleAt persists a one-shot reminder at an explicit time.
func (s *Service) ScheduleAt(ctx context.Context, owner, payload string, at time.Time) (Reminder, error) {
	return s.store.Create(ctx, Reminder{
		Owner:   owner,
		Kind:    KindAt,
		Spec:    at.Format(time.RFC3339),
		FireAt:  at,
		Payload: payload,
	})
}

// ScheduleCron persists a recurring reminder from a standard 5-field cron
// expression, evaluated in the configured timezone.
func (s *Service) ScheduleCron(ctx context.Context, owner, payload, spec string) (Reminder, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return Reminder{}, fmt.Errorf("reminder: invalid cron spec %q: %w", spec, err)
	}
	next := sched.Next(time.Now().In(s.settings.Location))
	return s.store.Create(ctx, Reminder{
		Owner:   owner,
		Kind:    KindCron,
		Spec:    spec,
		FireAt:  next,
		Payload: payload,
	})
}

func (s *Service) List(ctx context.Context, owner string, limit int) ([]Reminder, error) {
	return s.store.ListByOwner(ctx, owner, limit)
}

func (s *Service) Cancel(ctx context.Context, owner, id string) error {
	return s.store.Cancel(ctx, owner, id)
}

// DispatchDue fans out delivery of every due reminder. The in-process
// running set keeps overlapping poll ticks from picking up the same
// reminder while a delivery is still in flight.
func (s *Service) DispatchDue(ctx context.Context) {
	due, err := s.store.ListDue(ctx, time.Now(), s.settings.BatchSize)
	if err != nil {
		logger.Error("list due reminders failed", "error", err)
		return
	}
	for _, r := range due {
		r := r
		if !s.markRunning(r.ID) {
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.unmarkRunning(r.ID)
			s.execute(ctx, r)
		}()
	}
}

func (s *Service) execute(ctx context.Context, stale Reminder) {
	// Re-read before acting: the reminder may have been cancelled or
	// already handled since the due query ran.
	fresh, err := s.store.Get(ctx, stale.ID)
	if err != nil {
		logger.Error("reload reminder failed", "id", stale.ID, "error", err)
		return
	}
	if fresh.State != StateScheduled || fresh.FireAt.After(time.Now()) {
		return
	}

	deliverErr := s.notifier.Notify(ctx, fresh.Owner, s.formatDelivery(fresh))
	if deliverErr == nil {
		s.settle(ctx, fresh)
		return
	}

	attempts := fresh.Attempts + 1
	if attempts <= s.settings.MaxRetries {
		nextAttempt := time.Now().Add(s.settings.RetryDelay)
		if err := s.store.RecordFailure(ctx, fresh.ID, attempts, nextAttempt, deliverErr.Error()); err != nil {
			logger.Error("record delivery failure failed", "id", fresh.ID, "error", err)
		}
		logger.Warn("reminder delivery failed, will retry",
			"id", fresh.ID, "attempt", attempts, "error", deliverErr)
		return
	}

	if _, err := s.store.MarkMisfired(ctx, fresh.ID, deliverErr.Error()); err != nil {
		logger.Error("mark misfired failed", "id", fresh.ID, "error", err)
		return
	}
	logger.Warn("reminder misfired after retries exhausted",
		"id", fresh.ID, "attempts", attempts, "error", deliverErr)
}

// settle finalizes a successful delivery: one-shot reminders become fired,
// recurring ones advance to their next occurrence.
func (s *Service) settle(ctx context.Context, r Reminder) {
	if r.Kind == KindCron {
		sched, err := cron.ParseStandard(r.Spec)
		if err != nil {
			logger.Error("stored cron spec no longer parses", "id", r.ID, "spec", r.Spec, "error", err)
			if _, err := s.store.Transition(ctx, r.ID, StateScheduled, StateFired); err != nil {
				logger.Error("transition to fired failed", "id", r.ID, "error", err)
			}
			return
		}
		next := sched.Next(time.Now().In(s.settings.Location))
		if err := s.store.Reschedule(ctx, r.ID, next); err != nil {
			logger.Error("reschedule recurring reminder failed", "id", r.ID, "error", err)
			return
		}
		logger.Info("recurring reminder delivered", "id", r.ID, "next", next)
		return
	}

	won, err := s.store.Transition(ctx, r.ID, StateScheduled, StateFired)
	if err != nil {
		logger.Error("transition to fired failed", "id", r.ID, "error", err)
		return
	}
	if won {
		logger.Info("reminder delivered", "id", r.ID, "owner", r.Owner)
	}
}

// RecoverStartup applies the misfire policy after downtime: scheduled
// reminders whose fire time fell outside the grace window are flagged
// misfired instead of firing late; the ones still inside the window are
// left alone and fire on the next poll.
func (s *Service) RecoverStartup(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.Add(-s.settings.GraceWindow)
	flagged, err := s.store.MarkMisfiredBefore(ctx, cutoff, "missed while offline")
	if err != nil {
		return 0, fmt.Errorf("reminder: startup recovery failed: %w", err)
	}
	if flagged > 0 {
		logger.Warn("flagged stale reminders as misfired", "count", flagged, "grace", s.settings.GraceWindow)
	}
	return flagged, nil
}

// SweepMisfired tries a late delivery for every misfired reminder. Success
// moves it to fired with an apology note; failure leaves it misfired for
// the next sweep.
func (s *Service) SweepMisfired(ctx context.Context) {
	misfired, err := s.store.ListMisfired(ctx, s.settings.BatchSize)
	if err != nil {
		logger.Error("list misfired reminders failed", "error", err)
		return
	}
	for _, r := range misfired {
		r := r
		if !s.markRunning(r.ID) {
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.unmarkRunning(r.ID)
			s.recoverOne(ctx, r)
		}()
	}
}

func (s *Service) recoverOne(ctx context.Context, stale Reminder) {
	fresh, err := s.store.Get(ctx, stale.ID)
	if err != nil || fresh.State != StateMisfired {
		return
	}
	if err := s.notifier.Notify(ctx, fresh.Owner, s.formatLateDelivery(fresh)); err != nil {
		logger.Warn("late delivery failed", "id", fresh.ID, "error", err)
		return
	}
	if fresh.Kind == KindCron {
		if sched, parseErr := cron.ParseStandard(fresh.Spec); parseErr == nil {
			next := sched.Next(time.Now().In(s.settings.Location))
			if err := s.store.Reschedule(ctx, fresh.ID, next); err != nil {
				logger.Error("reschedule after late delivery failed", "id", fresh.ID, "error", err)
			}
			return
		}
	}
	if _, err := s.store.Transition(ctx, fresh.ID, StateMisfired, StateFired); err != nil {
		logger.Error("transition misfired to fired failed", "id", fresh.ID, "error", err)
	}
}

// Stop waits for in-flight deliveries to finish.
func (s *Service) Stop(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()
	if timeout <= 0 {
		<-done
		return nil
	}
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("reminder: stop timeout after %s", timeout)
	}
}

func (s *Service) markRunning(id string) bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if _, exists := s.running[id]; exists {
		return false
	}
	s.running[id] = struct{}{}
	return true
}

func (s *Service) unmarkRunning(id string) {
	s.runMu.Lock()
	delete(s.running, id)
	s.runMu.Unlock()
}

func (s *Service) formatDelivery(r Reminder) string {
	return fmt.Sprintf("⏰ Recordatorio: %s", strings.TrimSpace(r.Payload))
}

func (s *Service) formatLateDelivery(r Reminder) string {
	when := r.FireAt.In(s.settings.Location).Format("2006-01-02 15:04")
	return fmt.Sprintf("⏰ Recordatorio atrasado (era para %s): %s", when, strings.TrimSpace(r.Payload))
}
