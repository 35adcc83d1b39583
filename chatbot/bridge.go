package chatbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/huddle/chat"
	"github.com/onnwee/huddle/telemetry"
)

// State is the outcome of handling one message.
type State int

const (
	NotTriggered State = iota
	Pending
	Responded
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Responded:
		return "responded"
	case Failed:
		return "failed"
	default:
		return "not_triggered"
	}
}

// Querier answers a triggered query.
type Querier interface {
	Query(ctx context.Context, message, username string) (string, error)
}

// Poster publishes text into the room as another identity.
type Poster interface {
	PostAs(ctx context.Context, senderID, text string) (*chat.Event, error)
}

// IdentityFinder resolves the bot identity.
type IdentityFinder interface {
	FindByID(ctx context.Context, id string) (*chat.Identity, error)
}

// Options configures a Bridge.
type Options struct {
	BotID          string
	TriggerPrefix  string
	Timeout        time.Duration
	FallbackText   string
	MaxConcurrency int
}

// Bridge is a chat.Mediator that answers triggered messages.
type Bridge struct {
	opts       Options
	querier    Querier
	room       Poster
	identities IdentityFinder

	slots chan struct{}
	wg    sync.WaitGroup
}

// NewBridge returns a bridge posting replies through room.
func NewBridge(querier Querier, room Poster, identities IdentityFinder, opts Options) *Bridge {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 4
	}
	if opts.TriggerPrefix == "" {
		opts.TriggerPrefix = "@bot"
	}
	opts.FallbackText = clampText(strings.TrimSpace(opts.FallbackText))
	return &Bridge{
		opts:       opts,
		querier:    querier,
		room:       room,
		identities: identities,
		slots:      make(chan struct{}, opts.MaxConcurrency),
	}
}

// CheckIdentity verifies the bot identity exists. Callers log the result;
// a missing identity only disables emission.
func (b *Bridge) CheckIdentity(ctx context.Context) error {
	if b.opts.BotID == "" {
		return fmt.Errorf("bot user id not configured: %w", chat.ErrNotFound)
	}
	if _, err := b.identities.FindByID(ctx, b.opts.BotID); err != nil {
		return fmt.Errorf("resolve bot identity %s: %w", b.opts.BotID, err)
	}
	return nil
}

// Observe implements chat.Mediator. Triggered messages are answered on a
// separate goroutine that outlives the sender's connection.
func (b *Bridge) Observe(ctx context.Context, ev chat.Event) {
	if _, ok := b.trigger(ev); !ok {
		return
	}
	ctx = context.WithoutCancel(ctx)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.Handle(ctx, ev)
	}()
}

// Wait blocks until in-flight replies have been emitted.
func (b *Bridge) Wait() {
	b.wg.Wait()
}

func (b *Bridge) trigger(ev chat.Event) (string, bool) {
	if ev.Kind != chat.KindText || ev.SenderID == b.opts.BotID {
		return "", false
	}
	return ParseTrigger(b.opts.TriggerPrefix, ev.Text)
}

// Handle answers ev synchronously and returns the final state. Failures of
// the responder result in the fallback text being posted instead.
func (b *Bridge) Handle(ctx context.Context, ev chat.Event) State {
	query, ok := b.trigger(ev)
	if !ok {
		return NotTriggered
	}

	ctx, span := telemetry.StartSpan(ctx, "huddle/chatbot", "bot.respond",
		attribute.Int64("message_id", ev.ID),
		attribute.String("user_id", ev.SenderID))
	defer span.End()

	logger := telemetry.LoggerWithCorr(ctx).With(
		slog.String("component", "chatbot"),
		slog.Int64("message_id", ev.ID))

	username := ev.SenderID
	if ev.Sender != nil && ev.Sender.Username != "" {
		username = ev.Sender.Username
	}

	state := Responded
	var reply string
	var err error
	telemetry.TimeFunc(telemetry.BotDuration, func() {
		reply, err = b.ask(ctx, query, username)
	})
	if err != nil {
		state = Failed
		reply = b.fallback()
		telemetry.RecordError(span, err)
		logger.Warn("bot responder failed; posting fallback", slog.Any("err", err))
	}
	telemetry.IncLabel(telemetry.BotRequests, state.String())

	if err := b.emit(ctx, reply); err != nil {
		logger.Error("bot reply not posted", slog.String("state", state.String()), slog.Any("err", err))
		return state
	}
	if state == Responded {
		telemetry.SetSpanSuccess(span)
	}
	logger.Debug("bot replied", slog.String("state", state.String()))
	return state
}

func (b *Bridge) ask(ctx context.Context, query, username string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, b.opts.Timeout)
	defer cancel()

	select {
	case b.slots <- struct{}{}:
	case <-ctx.Done():
		return "", fmt.Errorf("%w: waiting for a responder slot: %v", chat.ErrUpstreamUnavailable, ctx.Err())
	}
	defer func() { <-b.slots }()

	reply, err := b.querier.Query(ctx, query, username)
	if err != nil {
		if !errors.Is(err, chat.ErrUpstreamUnavailable) {
			err = fmt.Errorf("%w: %v", chat.ErrUpstreamUnavailable, err)
		}
		return "", err
	}
	return reply, nil
}

func (b *Bridge) emit(ctx context.Context, text string) error {
	if b.opts.BotID == "" {
		return fmt.Errorf("bot user id not configured")
	}
	if _, err := b.room.PostAs(ctx, b.opts.BotID, text); err != nil {
		if chat.Classify(err) == chat.ErrorClassUnauthenticated {
			return fmt.Errorf("bot identity %s unresolvable, emission skipped: %w", b.opts.BotID, err)
		}
		return err
	}
	return nil
}

func (b *Bridge) fallback() string {
	if b.opts.FallbackText != "" {
		return b.opts.FallbackText
	}
	return "Sorry, I'm having trouble responding right now."
}
