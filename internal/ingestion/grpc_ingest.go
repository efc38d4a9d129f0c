package ingestion

import (
	"context"
	"sync"
	"time"

	"FarmLedger/internal/core"
	"FarmLedger/internal/event"
	"FarmLedger/internal/farm"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Command is one event submitted outside NATS, with a channel for the
// engine's verdict.
type Command struct {
	Event event.Event
	Reply chan CommandResult
}

// CommandResult is what the engine returned for a Command. Outcome and Err
// are both nil for duplicates.
type CommandResult struct {
	Outcome *core.Outcome
	Err     error
}

// GRPCIngestService injects commands from the gRPC/HTTP surface and the
// keeper. It is not the high-throughput path; use NATS for that.
type GRPCIngestService struct {
	commandChan chan<- Command

	mu       sync.Mutex
	adminSeq int64
	now      func() time.Time
}

func NewGRPCIngestService(commandChan chan<- Command) *GRPCIngestService {
	return &GRPCIngestService{commandChan: commandChan, now: time.Now}
}

// Submit sends evt to the engine and waits for its result.
func (s *GRPCIngestService) Submit(ctx context.Context, evt event.Event) (*core.Outcome, error) {
	cmd := Command{Event: evt, Reply: make(chan CommandResult, 1)}

	select {
	case s.commandChan <- cmd:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-cmd.Reply:
		return res.Outcome, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// AdminMeta stamps an operator or keeper command with a fresh request ID
// and a strictly increasing admin sequence. It carries no timestamp: the
// engine evaluates admin commands at its own clock.
func (s *GRPCIngestService) AdminMeta() event.Meta {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.now().UnixMicro()
	if seq <= s.adminSeq {
		seq = s.adminSeq + 1
	}
	s.adminSeq = seq

	return event.Meta{
		RequestID: "admin-" + uuid.NewString(),
		Sequence:  seq,
		Admin:     true,
	}
}

// EndFarm injects an admin EndFarm on behalf of caller.
func (s *GRPCIngestService) EndFarm(ctx context.Context, key farm.Key, caller common.Address) (*core.Outcome, error) {
	return s.Submit(ctx, &event.EndFarm{Meta: s.AdminMeta(), Key: key, Caller: caller})
}
