package ingestion_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"FarmLedger/internal/core"
	"FarmLedger/internal/event"
	"FarmLedger/internal/farm"
	"FarmLedger/internal/ingestion"
	"FarmLedger/internal/position"

	"github.com/ethereum/go-ethereum/common"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	subject string
	data    []byte
}

type fakeStream struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (f *fakeStream) Publish(_ context.Context, subject string, data []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.msgs = append(f.msgs, published{subject: subject, data: data})
	return &jetstream.PubAck{}, nil
}

func unstakeOutput(seq int64) core.CoreOutput {
	key := farm.Key{RangeID: common.HexToHash(rangeHex), StartTime: 1000, EndTime: 2000}
	s := &position.Stake{Farm: key}
	s.TokenID.SetUint64(7)
	s.Liquidity.SetUint64(100)

	out := &core.Outcome{
		Kind:    core.OutcomeTokenUnstaked,
		Farm:    &farm.Farm{Key: key},
		Stake:   s,
		Account: common.HexToAddress(ownerHex),
	}
	out.Amount.SetUint64(1000)
	out.SecondsX.SetUint64(12345)

	return core.CoreOutput{
		Envelope: &event.EventEnvelope{Sequence: seq, IdempotencyKey: "req", Timestamp: time.Unix(1500, 0).UTC()},
		Outcome:  out,
	}
}

func TestNewPublishableEvent_Unstake(t *testing.T) {
	evt, ok := ingestion.NewPublishableEvent(unstakeOutput(5))
	require.True(t, ok)

	assert.Equal(t, "TokenUnstaked", evt.EventType)
	assert.Equal(t, "7", evt.Payload.TokenID)
	assert.Equal(t, "1000", evt.Payload.Amount)
	assert.Equal(t, "12345", evt.Payload.SecondsX)
	assert.Equal(t, ownerHex, evt.Payload.Account)
	assert.Empty(t, evt.Payload.Counterparty)
}

func TestNewPublishableEvent_SkipsInternal(t *testing.T) {
	_, ok := ingestion.NewPublishableEvent(core.CoreOutput{Envelope: &event.EventEnvelope{}})
	assert.False(t, ok, "rejection")

	_, ok = ingestion.NewPublishableEvent(core.CoreOutput{
		Envelope: &event.EventEnvelope{},
		Outcome:  &core.Outcome{Kind: core.OutcomeCheckpointRecorded},
	})
	assert.False(t, ok, "checkpoint")
}

func TestOutboundSubject(t *testing.T) {
	assert.Equal(t, "farm.out.token_unstaked", ingestion.OutboundSubject("TokenUnstaked"))
	assert.Equal(t, "farm.out.farm_ended", ingestion.OutboundSubject("FarmEnded"))
}

func TestPublisher_Run(t *testing.T) {
	stream := &fakeStream{}
	in := make(chan core.CoreOutput, 3)
	in <- unstakeOutput(1)
	in <- core.CoreOutput{Envelope: &event.EventEnvelope{Sequence: 2}}
	in <- unstakeOutput(3)
	close(in)

	require.NoError(t, ingestion.NewOutboundPublisher(stream, in).Run(context.Background()))

	require.Len(t, stream.msgs, 2)
	assert.Equal(t, "farm.out.token_unstaked", stream.msgs[0].subject)

	var decoded ingestion.PublishableEvent
	require.NoError(t, json.Unmarshal(stream.msgs[1].data, &decoded))
	assert.Equal(t, int64(3), decoded.Sequence)
}

func TestPublisher_FailureIsNotFatal(t *testing.T) {
	stream := &fakeStream{err: errors.New("no responders")}
	in := make(chan core.CoreOutput, 1)
	in <- unstakeOutput(1)
	close(in)

	assert.NoError(t, ingestion.NewOutboundPublisher(stream, in).Run(context.Background()))
}

func TestGRPCIngest_SubmitWaitsForReply(t *testing.T) {
	cmds := make(chan ingestion.Command)
	svc := ingestion.NewGRPCIngestService(cmds)

	go func() {
		cmd := <-cmds
		cmd.Reply <- ingestion.CommandResult{Outcome: &core.Outcome{Kind: core.OutcomeFarmEnded}}
	}()

	key := farm.Key{RangeID: common.HexToHash(rangeHex), StartTime: 1000, EndTime: 2000}
	out, err := svc.EndFarm(context.Background(), key, common.HexToAddress(sponsorHex))
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeFarmEnded, out.Kind)
}

func TestGRPCIngest_SubmitHonoursContext(t *testing.T) {
	svc := ingestion.NewGRPCIngestService(make(chan ingestion.Command))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := svc.Submit(ctx, &event.HarvestReward{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGRPCIngest_AdminMetaIsMonotonic(t *testing.T) {
	svc := ingestion.NewGRPCIngestService(nil)

	a := svc.AdminMeta()
	b := svc.AdminMeta()
	assert.True(t, a.Admin)
	assert.Zero(t, a.Timestamp, "admin commands run at the engine clock")
	assert.Greater(t, b.Sequence, a.Sequence)
	assert.NotEqual(t, a.RequestID, b.RequestID)
}
