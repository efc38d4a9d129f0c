package ingestion

import (
	"context"
	"fmt"
	"time"

	"FarmLedger/internal/observability"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// NATSSubscriber subscribes to NATS JetStream subjects and feeds events
// into the engine loop via eventChan. NATS is the high-throughput ingest
// surface; each command type has its own subject.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumers []jetstream.ConsumeContext
	logger    zerolog.Logger
}

// RawEvent is an unparsed message, ready for the shell to convert into a
// typed event.Event before it reaches the engine.
type RawEvent struct {
	Subject   string
	EventType string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // ACK after the engine has logged the command
	NakFunc   func() // NAK on infrastructure failure (redelivered)
	TermFunc  func() // TERM for messages that can never parse
}

// SubjectConfig maps NATS subjects to event types.
type SubjectConfig struct {
	Subject      string
	EventType    string
	ConsumerName string
	StreamName   string
}

const (
	commandStream    = "FARM_COMMANDS"
	checkpointStream = "FARM_CHECKPOINTS"
	outboundStream   = "FARM_EVENTS"
)

// DefaultSubjects returns the standard subject configuration.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "farm.cmd.wallet.fund", EventType: "WalletFunded", ConsumerName: "farm-wallet-fund", StreamName: commandStream},
		{Subject: "farm.cmd.farm.create", EventType: "CreateFarm", ConsumerName: "farm-create", StreamName: commandStream},
		{Subject: "farm.cmd.farm.end", EventType: "EndFarm", ConsumerName: "farm-end", StreamName: commandStream},
		{Subject: "farm.cmd.position.deposit", EventType: "DepositPosition", ConsumerName: "farm-deposit", StreamName: commandStream},
		{Subject: "farm.cmd.position.stake", EventType: "StakeToken", ConsumerName: "farm-stake", StreamName: commandStream},
		{Subject: "farm.cmd.position.unstake", EventType: "UnstakeToken", ConsumerName: "farm-unstake", StreamName: commandStream},
		{Subject: "farm.cmd.position.withdraw", EventType: "WithdrawToken", ConsumerName: "farm-withdraw", StreamName: commandStream},
		{Subject: "farm.cmd.position.transfer", EventType: "TransferDeposit", ConsumerName: "farm-transfer", StreamName: commandStream},
		{Subject: "farm.cmd.reward.harvest", EventType: "HarvestReward", ConsumerName: "farm-harvest", StreamName: commandStream},
		{Subject: "farm.checkpoints.>", EventType: "AccumulatorCheckpoint", ConsumerName: "farm-checkpoints", StreamName: checkpointStream},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
		logger:    observability.NewLogger("nats"),
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		eventType := cfg.EventType
		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawEvent{
				Subject:   msg.Subject(),
				EventType: eventType,
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { msg.Ack() },
				NakFunc:   func() { msg.Nak() },
				TermFunc:  func() { msg.Term() },
			}

			select {
			case ns.eventChan <- raw:
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.logger.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

// EnsureStreams creates the inbound JetStream streams if they don't exist.
// Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      commandStream,
			Subjects:  []string{"farm.cmd.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      checkpointStream,
			Subjects:  []string{"farm.checkpoints.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	logger := observability.NewLogger("nats")
	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}

	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	logger := observability.NewLogger("nats")
	nc, err := nats.Connect(url,
		nats.Name("farmledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
