package keeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"FarmLedger/internal/core"
	"FarmLedger/internal/farm"
	"FarmLedger/internal/observability"

	"github.com/ethereum/go-ethereum/common"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// FarmLister reports farms past endTime plus the claim deadline that are
// not yet ended, judged at the engine clock.
type FarmLister interface {
	ExpiredFarms(ctx context.Context) ([]farm.Key, error)
}

// FarmEnder injects an EndFarm command.
type FarmEnder interface {
	EndFarm(ctx context.Context, key farm.Key, caller common.Address) (*core.Outcome, error)
}

// Keeper periodically ends expired farms so their unclaimed reward is
// refunded to the sponsor without waiting for anyone to call EndFarm.
type Keeper struct {
	cron     *cron.Cron
	schedule string
	caller   common.Address
	lister   FarmLister
	ender    FarmEnder
	timeout  time.Duration
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

// New schedules sweeps on a standard five-field cron spec or a descriptor
// such as "@every 1m".
func New(schedule string, caller common.Address, lister FarmLister, ender FarmEnder, metrics *observability.Metrics) (*Keeper, error) {
	k := &Keeper{
		schedule: schedule,
		caller:   caller,
		lister:   lister,
		ender:    ender,
		timeout:  30 * time.Second,
		metrics:  metrics,
		logger:   observability.NewLogger("keeper"),
	}

	cl := cronLogger{k.logger}
	k.cron = cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	if _, err := k.cron.AddFunc(schedule, k.run); err != nil {
		return nil, fmt.Errorf("keeper schedule %q: %w", schedule, err)
	}
	return k, nil
}

// Start runs the scheduler until ctx is done.
func (k *Keeper) Start(ctx context.Context) {
	k.cron.Start()
	k.logger.Info().Str("schedule", k.schedule).Str("caller", k.caller.Hex()).Msg("keeper started")
	go func() {
		<-ctx.Done()
		<-k.cron.Stop().Done()
		k.logger.Info().Msg("keeper stopped")
	}()
}

func (k *Keeper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), k.timeout)
	defer cancel()
	if _, err := k.Sweep(ctx); err != nil {
		k.logger.Error().Err(err).Msg("keeper sweep failed")
	}
}

// Sweep ends every expired farm once and returns how many it ended.
// Rejections, such as a farm ended by someone else in between, are skipped;
// any other error aborts the sweep.
func (k *Keeper) Sweep(ctx context.Context) (int, error) {
	keys, err := k.lister.ExpiredFarms(ctx)
	if err != nil {
		k.countSweep("error")
		return 0, fmt.Errorf("list expired farms: %w", err)
	}

	ended := 0
	for _, key := range keys {
		out, err := k.ender.EndFarm(ctx, key, k.caller)
		switch {
		case err == nil && out != nil:
			ended++
			if k.metrics != nil {
				k.metrics.KeeperFarmsEnded.Inc()
			}
			k.logger.Info().Str("farm", key.String()).Str("refund", out.Amount.Dec()).Msg("farm ended")
		case err == nil:
			// duplicate
		case core.IsRejection(err):
			k.logger.Debug().Str("farm", key.String()).Err(err).Msg("end farm rejected")
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			k.countSweep("timeout")
			return ended, err
		default:
			k.countSweep("error")
			return ended, fmt.Errorf("end farm %s: %w", key, err)
		}
	}

	k.countSweep("ok")
	return ended, nil
}

func (k *Keeper) countSweep(status string) {
	if k.metrics != nil {
		k.metrics.KeeperSweeps.WithLabelValues(status).Inc()
	}
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	l zerolog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug().Fields(keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
