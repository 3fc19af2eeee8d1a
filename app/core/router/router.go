package router

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"recado/app/core/history"
	"recado/app/core/reminder"
	"recado/app/core/timeparse"
	"recado/app/pkg/logger"
	"recado/app/pkg/types"
)

const (
	fallbackUnauthorized = "Lo siento, no tengo permitido hablar contigo."
	fallbackGeneration   = "Perdona, en este momento no puedo responder. Inténtalo de nuevo en un rato."
	fallbackInternal     = "Algo salió mal procesando tu mensaje. Inténtalo de nuevo."
	hintUnparseableTime  = "No entendí cuándo quieres el recordatorio. Prueba algo como: recuérdame comprar pan mañana a las 5 pm"
	hintPastTime         = "Esa hora ya pasó hoy. Dime una hora futura para el recordatorio."
)

// Gate reports whether an owner may use the assistant.
type Gate interface {
	Allowed(identity string) bool
}

// Scheduler is the reminder surface the router drives.
type Scheduler interface {
	Schedule(ctx context.Context, owner, text string, now time.Time) (reminder.Reminder, error)
	List(ctx context.Context, owner string, limit int) ([]reminder.Reminder, error)
	Cancel(ctx context.Context, owner, id string) error
}

// Generator produces a conversational reply from replayed context.
type Generator interface {
	Generate(ctx context.Context, turns []*history.Turn, userText string) (string, error)
}

type Options struct {
	Name        string
	Location    *time.Location
	ReplayLimit int
}

// Router classifies inbound text by prefix and drives the matching
// subsystem. Reminder triggers are checked before search triggers; text
// matching neither falls through to the conversational path.
type Router struct {
	gate      Gate
	scheduler Scheduler
	histStore *history.Store
	generator Generator
	opts      Options
}

func New(gate Gate, scheduler Scheduler, histStore *history.Store, generator Generator, opts Options) *Router {
	if opts.Name == "" {
		opts.Name = "recado"
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.ReplayLimit <= 0 {
		opts.ReplayLimit = 20
	}
	return &Router{
		gate:      gate,
		scheduler: scheduler,
		histStore: histStore,
		generator: generator,
		opts:      opts,
	}
}

func (r *Router) Name() string {
	return r.opts.Name
}

// Process handles one inbound event and returns the reply to deliver.
// Non-text events produce an empty reply, which the caller drops.
func (r *Router) Process(ctx context.Context, msg types.Message) (types.Message, error) {
	if msg.Kind != types.MessageKindText {
		return types.Message{}, nil
	}
	text := strings.TrimSpace(msg.Content)
	if text == "" {
		return types.Message{}, nil
	}

	if !r.gate.Allowed(msg.Owner) {
		logger.Warn("rejected message from unknown owner", "owner", msg.Owner)
		return r.reply(msg, fallbackUnauthorized), nil
	}

	lower := strings.ToLower(text)

	if rest, ok := matchTrigger(lower, text, reminderTriggers); ok {
		return r.reply(msg, r.handleReminder(ctx, msg.Owner, rest)), nil
	}
	if reply, ok := r.handleCommand(ctx, msg.Owner, lower, text); ok {
		return r.reply(msg, reply), nil
	}
	if reply, ok := handleSearch(lower, text); ok {
		return r.reply(msg, reply), nil
	}
	return r.reply(msg, r.handleConversation(ctx, msg.Owner, text)), nil
}

var reminderTriggers = []string{"recuérdame", "recuerdame", "recordarme", "remind me to", "remind me"}

var listTriggers = []string{"mis recordatorios", "recordatorios", "my reminders"}

const cancelTrigger = "cancelar "

func (r *Router) handleReminder(ctx context.Context, owner, rest string) string {
	job, err := r.scheduler.Schedule(ctx, owner, rest, time.Now().In(r.opts.Location))
	switch {
	case errors.Is(err, reminder.ErrUnparsableTime):
		if errors.Is(err, timeparse.ErrPastTime) {
			return hintPastTime
		}
		return hintUnparseableTime
	case err != nil:
		logger.Error("schedule reminder failed", "owner", owner, "error", err)
		return fallbackInternal
	}
	when := job.FireAt.In(r.opts.Location).Format("Mon 02 Jan 15:04")
	return fmt.Sprintf("✅ Listo, te recordaré: %s (%s)", job.Payload, when)
}

func (r *Router) handleCommand(ctx context.Context, owner, lower, text string) (string, bool) {
	for _, trigger := range listTriggers {
		if lower == trigger {
			return r.listReminders(ctx, owner), true
		}
	}
	if strings.HasPrefix(lower, cancelTrigger) {
		id := strings.TrimSpace(text[len(cancelTrigger):])
		return r.cancelReminder(ctx, owner, id), true
	}
	return "", false
}

func (r *Router) listReminders(ctx context.Context, owner string) string {
	items, err := r.scheduler.List(ctx, owner, 10)
	if err != nil {
		logger.Error("list reminders failed", "owner", owner, "error", err)
		return fallbackInternal
	}
	if len(items) == 0 {
		return "No tienes recordatorios pendientes."
	}
	var b strings.Builder
	b.WriteString("Tus recordatorios:\n")
	for _, it := range items {
		when := it.FireAt.In(r.opts.Location).Format("Mon 02 Jan 15:04")
		fmt.Fprintf(&b, "• %s (%s) [%s]\n", it.Payload, when, shortID(it.ID))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (r *Router) cancelReminder(ctx context.Context, owner, prefix string) string {
	if prefix == "" {
		return "Dime cuál recordatorio cancelar, por ejemplo: cancelar 1a2b3c4d"
	}
	items, err := r.scheduler.List(ctx, owner, 50)
	if err != nil {
		logger.Error("list reminders failed", "owner", owner, "error", err)
		return fallbackInternal
	}
	for _, it := range items {
		if strings.HasPrefix(it.ID, prefix) || shortID(it.ID) == prefix {
			if err := r.scheduler.Cancel(ctx, owner, it.ID); err != nil {
				logger.Error("cancel reminder failed", "owner", owner, "id", it.ID, "error", err)
				return fallbackInternal
			}
			return fmt.Sprintf("🗑️ Cancelado: %s", it.Payload)
		}
	}
	return "No encontré ese recordatorio."
}

var searchTriggers = []string{"youtube", "busca", "search", "google"}

func handleSearch(lower, text string) (string, bool) {
	for _, trigger := range searchTriggers {
		if !strings.HasPrefix(lower, trigger+" ") {
			continue
		}
		query := strings.TrimSpace(text[len(trigger)+1:])
		if query == "" {
			return "", false
		}
		if trigger == "youtube" {
			return "https://www.youtube.com/results?search_query=" + url.QueryEscape(query), true
		}
		return "https://www.google.com/search?q=" + url.QueryEscape(query), true
	}
	return "", false
}

func (r *Router) handleConversation(ctx context.Context, owner, text string) string {
	turns, err := r.histStore.Recent(owner, r.opts.ReplayLimit)
	if err != nil {
		logger.Error("load conversation history failed", "owner", owner, "error", err)
		return fallbackInternal
	}

	reply, err := r.generator.Generate(ctx, turns, text)
	if err != nil {
		logger.Error("generation failed", "owner", owner, "error", err)
		return fallbackGeneration
	}

	// Both turns land together so a crash can never persist the question
	// without its answer.
	if err := r.histStore.AppendExchange(owner, text, reply); err != nil {
		logger.Error("persist exchange failed", "owner", owner, "error", err)
		return fallbackInternal
	}
	return reply
}

func (r *Router) reply(in types.Message, content string) types.Message {
	return types.Message{
		Content:   content,
		Role:      types.MessageRoleAssistant,
		Kind:      types.MessageKindText,
		ChannelID: in.ChannelID,
		Owner:     in.Owner,
	}
}

// matchTrigger returns the text after the first matching prefix, with a
// leading connector like "que" dropped.
func matchTrigger(lower, text string, triggers []string) (string, bool) {
	for _, trigger := range triggers {
		if !strings.HasPrefix(lower, trigger) {
			continue
		}
		rest := strings.TrimSpace(text[len(trigger):])
		lowerRest := strings.ToLower(rest)
		for _, connector := range []string{"que ", "de ", "to "} {
			if strings.HasPrefix(lowerRest, connector) {
				rest = strings.TrimSpace(rest[len(connector):])
				break
			}
		}
		return rest, true
	}
	return "", false
}

func shortID(id string) string {
	if len(id) >= 8 {
		return id[:8]
	}
	return id
}
