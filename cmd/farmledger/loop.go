package main

import (
	"context"
	"errors"

	"FarmLedger/internal/core"
	"FarmLedger/internal/event"
	"FarmLedger/internal/ingestion"
	"FarmLedger/internal/observability"

	"github.com/rs/zerolog"
)

// engineLoop is the only goroutine that touches the engine. NATS messages,
// API commands and admin calls are serialized through it.
type engineLoop struct {
	engine   *core.FarmingEngine
	raw      <-chan ingestion.RawEvent
	commands <-chan ingestion.Command
	calls    chan engineCall
	health   *observability.HealthChecker
	logger   zerolog.Logger
}

type engineCall struct {
	fn   func(*core.FarmingEngine) error
	done chan error
}

func newEngineLoop(
	engine *core.FarmingEngine,
	raw <-chan ingestion.RawEvent,
	commands <-chan ingestion.Command,
	health *observability.HealthChecker,
) *engineLoop {
	return &engineLoop{
		engine:   engine,
		raw:      raw,
		commands: commands,
		calls:    make(chan engineCall),
		health:   health,
		logger:   observability.NewLogger("engine"),
	}
}

// Run processes inputs until ctx is done or both input channels close.
func (l *engineLoop) Run(ctx context.Context) error {
	raw, commands := l.raw, l.commands
	for raw != nil || commands != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case r, ok := <-raw:
			if !ok {
				raw = nil
				continue
			}
			l.handleRaw(r)

		case cmd, ok := <-commands:
			if !ok {
				commands = nil
				continue
			}
			out, err := l.engine.ProcessEvent(cmd.Event)
			l.logResult(cmd.Event, out, err)
			cmd.Reply <- ingestion.CommandResult{Outcome: out, Err: err}

		case call := <-l.calls:
			call.done <- call.fn(l.engine)
		}

		if l.health != nil {
			l.health.SetSequence(l.engine.GetSequence() - 1)
		}
	}
	return nil
}

// Do runs fn on the loop goroutine and returns its error.
func (l *engineLoop) Do(ctx context.Context, fn func(*core.FarmingEngine) error) error {
	call := engineCall{fn: fn, done: make(chan error, 1)}
	select {
	case l.calls <- call:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-call.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleRaw applies one NATS message and settles it. Logged outcomes and
// rejections are acked; a gap is nacked so the message is redelivered
// once its predecessor has arrived.
func (l *engineLoop) handleRaw(raw ingestion.RawEvent) {
	evt, err := ingestion.ParseRawEvent(raw, raw.EventType)
	if err != nil {
		l.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping malformed message")
		if raw.TermFunc != nil {
			settle(raw.TermFunc)
		} else {
			settle(raw.AckFunc)
		}
		return
	}

	out, err := l.engine.ProcessEvent(evt)
	l.logResult(evt, out, err)

	switch {
	case err == nil, core.IsRejection(err):
		settle(raw.AckFunc)
	case errors.Is(err, core.ErrOutOfOrder):
		// Its sequence is already consumed; redelivery cannot help.
		settle(raw.AckFunc)
	default:
		settle(raw.NakFunc)
	}
}

func (l *engineLoop) logResult(evt event.Event, out *core.Outcome, err error) {
	switch {
	case err == nil && out == nil:
		l.logger.Debug().Str("event_type", evt.EventType().String()).
			Str("key", evt.IdempotencyKey()).Msg("duplicate or superseded")
	case err == nil:
		l.logger.Debug().Str("event_type", evt.EventType().String()).
			Str("outcome", string(out.Kind)).Int64("seq", l.engine.GetSequence()-1).Msg("applied")
	case core.IsRejection(err):
		l.logger.Info().Str("event_type", evt.EventType().String()).Str("key", evt.IdempotencyKey()).
			Str("code", core.RejectionCode(err)).Err(err).Msg("rejected")
	case errors.Is(err, core.ErrSequenceGap), errors.Is(err, core.ErrOutOfOrder):
		l.logger.Warn().Str("event_type", evt.EventType().String()).Str("partition", evt.Partition()).
			Int64("source_seq", evt.SourceSequence()).Err(err).Msg("sequence check failed")
	default:
		l.logger.Error().Str("event_type", evt.EventType().String()).Str("key", evt.IdempotencyKey()).
			Err(err).Msg("process event failed")
	}
}

func settle(fn func()) {
	if fn != nil {
		fn()
	}
}
