package main

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"FarmLedger/internal/core"
	"FarmLedger/internal/farm"
	"FarmLedger/internal/observability"
	"FarmLedger/internal/persistence"
	"FarmLedger/internal/projection"

	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// durableMark tracks the highest sequence known to be in the event log.
type durableMark struct {
	seq atomic.Int64
}

func newDurableMark(seq int64) *durableMark {
	d := &durableMark{}
	d.seq.Store(seq)
	return d
}

func (d *durableMark) advance(seq int64) {
	for {
		cur := d.seq.Load()
		if seq <= cur || d.seq.CompareAndSwap(cur, seq) {
			return
		}
	}
}

func (d *durableMark) load() int64 {
	return d.seq.Load()
}

// wait blocks until seq is durable.
func (d *durableMark) wait(ctx context.Context, seq int64) error {
	if d.load() >= seq {
		return nil
	}
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for seq %d to persist: %w", seq, ctx.Err())
		case <-ticker.C:
			if d.load() >= seq {
				return nil
			}
		}
	}
}

// outbox holds applied outputs until the persistence worker reports them
// flushed, then hands them to the outbound publisher. Consumers never see
// an event the log could still lose.
type outbox struct {
	mu      sync.Mutex
	pending []core.CoreOutput
	out     chan<- core.CoreOutput
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func newOutbox(out chan<- core.CoreOutput, metrics *observability.Metrics) *outbox {
	return &outbox{out: out, metrics: metrics, logger: observability.NewLogger("outbox")}
}

func (o *outbox) add(output core.CoreOutput) {
	o.mu.Lock()
	o.pending = append(o.pending, output)
	o.mu.Unlock()
}

// release forwards every pending output up to seq. The publisher is best
// effort, so a full channel drops.
func (o *outbox) release(seq int64) {
	o.mu.Lock()
	n := 0
	for n < len(o.pending) && o.pending[n].Envelope.Sequence <= seq {
		n++
	}
	ready := o.pending[:n:n]
	o.pending = o.pending[n:]
	o.mu.Unlock()

	for _, output := range ready {
		select {
		case o.out <- output:
		default:
			o.logger.Warn().Int64("seq", output.Envelope.Sequence).Msg("publish channel full, dropping outbound event")
		}
	}
	if o.metrics != nil {
		o.metrics.SetChannelMetrics("publish", len(o.out), cap(o.out))
	}
}

// bridgeOutputs converts engine outputs for the persistence worker and
// parks them in the outbox. It returns when in closes or ctx is done.
func bridgeOutputs(ctx context.Context, in <-chan core.CoreOutput, out chan<- persistence.CoreOutput, box *outbox, metrics *observability.Metrics) {
	for {
		select {
		case <-ctx.Done():
			return
		case output, ok := <-in:
			if !ok {
				return
			}
			row := persistence.CoreOutput{
				EventRow:    persistence.EventRowFromEnvelope(output.Envelope),
				JournalRows: persistence.JournalRowsFromBatch(output.Batch),
			}
			box.add(output)
			select {
			case out <- row:
			case <-ctx.Done():
				return
			}
			if metrics != nil {
				metrics.SetChannelMetrics("persist", len(out), cap(out))
			}
		}
	}
}

// adminOps runs maintenance through the engine loop. It backs the admin
// API, the keeper and the periodic snapshots.
type adminOps struct {
	loop        *engineLoop
	snapMgr     *persistence.SnapshotManager
	projections *projection.ProjectionWorker
	durable     *durableMark
	metrics     *observability.Metrics
	logger      zerolog.Logger
}

// TakeSnapshot captures engine state, stores it and marks it verified once
// the log covers it. It returns the snapshot's sequence, the first
// sequence replay starts from.
func (a *adminOps) TakeSnapshot(ctx context.Context) (int64, error) {
	start := time.Now()

	var (
		seq   int64
		hash  [32]byte
		state []byte
	)
	err := a.loop.Do(ctx, func(e *core.FarmingEngine) error {
		snap := e.CreateSnapshotState()
		seq, hash = snap.Sequence, snap.StateHash
		if seq == 0 {
			return nil
		}
		var err error
		state, err = persistence.MarshalState(snap)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("capture snapshot: %w", err)
	}
	if seq == 0 {
		return 0, status.Error(codes.FailedPrecondition, "event log is empty")
	}

	if err := a.snapMgr.SaveSnapshot(ctx, &persistence.SnapshotData{
		Sequence:  seq,
		StateHash: hash[:],
		State:     state,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return 0, err
	}
	if err := a.durable.wait(ctx, seq-1); err != nil {
		return 0, err
	}
	if err := a.snapMgr.MarkVerified(ctx, seq); err != nil {
		return 0, fmt.Errorf("mark snapshot %d verified: %w", seq, err)
	}

	if a.metrics != nil {
		a.metrics.SnapshotTaken.Inc()
		a.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		a.metrics.SnapshotSizeBytes.Set(float64(len(state)))
		a.metrics.SnapshotLastSeq.Set(float64(seq))
	}
	a.logger.Info().Int64("seq", seq).Int("bytes", len(state)).Dur("took", time.Since(start)).Msg("snapshot saved")
	return seq, nil
}

// RebuildProjections rebuilds the read model from engine state. The engine
// is paused until the journal covers that state and the tables are
// rewritten.
func (a *adminOps) RebuildProjections(ctx context.Context) (int64, error) {
	var lastSeq int64
	err := a.loop.Do(ctx, func(e *core.FarmingEngine) error {
		snap := e.CreateSnapshotState()
		lastSeq = snap.Sequence - 1
		if err := a.durable.wait(ctx, lastSeq); err != nil {
			return err
		}
		return a.projections.Rebuild(ctx, projection.State{
			Farms:    snap.Farms,
			Deposits: snap.Deposits,
			Stakes:   snap.Stakes,
			LastSeq:  lastSeq,
		})
	})
	if err != nil {
		return 0, fmt.Errorf("rebuild projections: %w", err)
	}
	a.logger.Info().Int64("seq", lastSeq).Msg("projections rebuilt")
	return lastSeq, nil
}

func (a *adminOps) LatestSequence(ctx context.Context) (int64, error) {
	return a.snapMgr.GetLatestSequence(ctx)
}

// ExpiredFarms lists farms anyone may end at the engine clock. Wall time
// plays no part: the clock only moves with upstream commands.
func (a *adminOps) ExpiredFarms(ctx context.Context) ([]farm.Key, error) {
	var keys []farm.Key
	err := a.loop.Do(ctx, func(e *core.FarmingEngine) error {
		keys = e.ExpiredFarms(e.Clock())
		return nil
	})
	return keys, err
}

// runPeriodicSnapshots snapshots every interval events.
func runPeriodicSnapshots(ctx context.Context, ops *adminOps, interval int64, lastSnapshot int64) {
	if interval <= 0 {
		interval = 100_000
	}

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ops.durable.load()+1-lastSnapshot < interval {
				continue
			}
			seq, err := ops.TakeSnapshot(ctx)
			if err != nil {
				ops.logger.Warn().Err(err).Msg("periodic snapshot failed")
				continue
			}
			lastSnapshot = seq
		}
	}
}
