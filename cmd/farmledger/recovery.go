package main

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"FarmLedger/internal/core"
	"FarmLedger/internal/observability"
	"FarmLedger/internal/persistence"

	"github.com/rs/zerolog"
)

const replayBatchSize = 1000

// eventSource is the part of the snapshot store recovery reads.
type eventSource interface {
	LoadLatestSnapshot(ctx context.Context) (*persistence.SnapshotData, error)
	LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]persistence.EventRow, error)
}

// recoverEngine restores the latest verified snapshot and replays the log
// tail. A replayed event whose state hash differs from the logged one stops
// recovery. It returns the last applied sequence, -1 for an empty log.
func recoverEngine(ctx context.Context, engine *core.FarmingEngine, source eventSource, metrics *observability.Metrics, logger zerolog.Logger) (int64, error) {
	start := time.Now()

	snap, err := source.LoadLatestSnapshot(ctx)
	if err != nil {
		return 0, fmt.Errorf("load snapshot: %w", err)
	}

	from := int64(0)
	if snap != nil {
		var state core.SnapshotState
		if err := persistence.UnmarshalState(snap.State, &state); err != nil {
			return 0, fmt.Errorf("decode snapshot %d: %w", snap.Sequence, err)
		}
		if state.Sequence != snap.Sequence || !bytes.Equal(state.StateHash[:], snap.StateHash) {
			return 0, fmt.Errorf("snapshot %d does not match its stored header", snap.Sequence)
		}
		if err := engine.RestoreFromSnapshot(&state); err != nil {
			return 0, fmt.Errorf("restore snapshot %d: %w", snap.Sequence, err)
		}
		if engine.GetStateHash() != state.StateHash {
			return 0, fmt.Errorf("state hash mismatch after restoring snapshot %d", snap.Sequence)
		}
		from = snap.Sequence
		logger.Info().Int64("seq", snap.Sequence).Int("keys", len(state.IdempotencyKeys)).Msg("restored snapshot")
	} else {
		logger.Info().Msg("no verified snapshot, replaying from sequence 0")
	}

	var replayed int64
	for {
		rows, err := source.LoadEventsFrom(ctx, from, replayBatchSize)
		if err != nil {
			return 0, fmt.Errorf("load events from %d: %w", from, err)
		}
		if len(rows) == 0 {
			break
		}
		for _, row := range rows {
			env, err := row.Envelope()
			if err != nil {
				return 0, fmt.Errorf("decode event %d: %w", row.Sequence, err)
			}
			if err := engine.Replay(env); err != nil {
				return 0, fmt.Errorf("replay: %w", err)
			}
			replayed++
		}
		from = rows[len(rows)-1].Sequence + 1
		if len(rows) < replayBatchSize {
			break
		}
	}

	if metrics != nil {
		metrics.ReplayEventsTotal.Add(float64(replayed))
		metrics.ReplayDuration.Set(time.Since(start).Seconds())
	}
	last := engine.GetSequence() - 1
	logger.Info().Int64("replayed", replayed).Int64("seq", last).Dur("took", time.Since(start)).Msg("recovery complete")
	return last, nil
}
