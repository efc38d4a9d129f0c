package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"FarmLedger/internal/core"
	"FarmLedger/internal/observability"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// streamPublisher is the part of jetstream.JetStream the publisher uses.
type streamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes applied outcomes to NATS for downstream
// consumers on farm.out.<kind>. The engine hands outputs over only after
// they are durable.
type OutboundPublisher struct {
	js        streamPublisher
	inputChan <-chan core.CoreOutput
	logger    zerolog.Logger
}

// PublishableEvent is the outbound wire form of an outcome.
type PublishableEvent struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Payload        OutboundPayload `json:"payload"`
	StateHash      string          `json:"state_hash"`
	Timestamp      time.Time       `json:"timestamp"`
}

// OutboundPayload carries the fields each outbound kind defines.
type OutboundPayload struct {
	Farm         string `json:"farm,omitempty"`
	TokenID      string `json:"token_id,omitempty"`
	Account      string `json:"account,omitempty"`
	Counterparty string `json:"counterparty,omitempty"`
	Amount       string `json:"amount,omitempty"`
	SecondsX     string `json:"seconds_x,omitempty"`
	Liquidity    string `json:"liquidity,omitempty"`
	Data         string `json:"data,omitempty"`
}

// outboundKinds are the outcomes downstream consumers see. Wallet funding
// and checkpoints are internal.
var outboundKinds = map[core.OutcomeKind]bool{
	core.OutcomeFarmCreated:        true,
	core.OutcomeFarmEnded:          true,
	core.OutcomeDepositRegistered:  true,
	core.OutcomeDepositTransferred: true,
	core.OutcomeTokenStaked:        true,
	core.OutcomeTokenUnstaked:      true,
	core.OutcomeRewardHarvested:    true,
	core.OutcomeTokenWithdrawn:     true,
}

func NewOutboundPublisher(js streamPublisher, inputChan <-chan core.CoreOutput) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		logger:    observability.NewLogger("publisher"),
	}
}

// NewOutboundPayload describes an outcome with the fields its kind defines.
func NewOutboundPayload(o *core.Outcome) OutboundPayload {
	p := OutboundPayload{
		Account:      addrString(o.Account),
		Counterparty: addrString(o.Counterparty),
	}
	if !o.Amount.IsZero() || o.Kind == core.OutcomeTokenUnstaked || o.Kind == core.OutcomeFarmEnded {
		p.Amount = o.Amount.Dec()
	}
	if o.Farm != nil {
		p.Farm = o.Farm.Key.String()
	}
	if o.Stake != nil {
		p.TokenID = o.Stake.TokenID.Dec()
		p.Liquidity = o.Stake.Liquidity.Dec()
		if o.Kind == core.OutcomeTokenUnstaked {
			p.SecondsX = o.SecondsX.Dec()
		}
	}
	if o.Deposit != nil {
		p.TokenID = o.Deposit.TokenID.Dec()
		p.Liquidity = o.Deposit.Liquidity.Dec()
	}
	if len(o.Data) > 0 {
		p.Data = hexutil.Encode(o.Data)
	}
	return p
}

// NewPublishableEvent converts an engine output. ok is false for rejections
// and internal outcomes.
func NewPublishableEvent(out core.CoreOutput) (PublishableEvent, bool) {
	o := out.Outcome
	if o == nil || !outboundKinds[o.Kind] {
		return PublishableEvent{}, false
	}

	env := out.Envelope
	return PublishableEvent{
		Sequence:       env.Sequence,
		EventType:      string(o.Kind),
		IdempotencyKey: env.IdempotencyKey,
		Payload:        NewOutboundPayload(o),
		StateHash:      hexutil.Encode(env.StateHash[:]),
		Timestamp:      env.Timestamp,
	}, true
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			evt, ok := NewPublishableEvent(out)
			if !ok {
				continue
			}
			if err := op.publish(ctx, evt); err != nil {
				// Non-fatal: downstream consumers can read the event log directly.
				op.logger.Warn().Err(err).Int64("seq", evt.Sequence).Str("event_type", evt.EventType).
					Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := OutboundSubject(evt.EventType)
	_, err = op.js.Publish(ctx, subject, data, jetstream.WithMsgID(strconv.FormatInt(evt.Sequence, 10)))
	return err
}

// OutboundSubject is farm.out.<kind> with the kind in snake case.
func OutboundSubject(kind string) string {
	var b strings.Builder
	for i, r := range kind {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return "farm.out." + b.String()
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       outboundStream,
		Subjects:   []string{"farm.out.>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 10 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	log := observability.NewLogger("publisher")
	log.Info().Str("stream", outboundStream).Msg("ensured outbound stream")
	return nil
}

func addrString(a common.Address) string {
	if a == (common.Address{}) {
		return ""
	}
	return strings.ToLower(a.Hex())
}
