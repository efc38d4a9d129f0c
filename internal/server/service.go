package server

import (
	"context"
	"errors"
	"fmt"

	"FarmLedger/internal/core"
	"FarmLedger/internal/event"
	"FarmLedger/internal/farm"
	"FarmLedger/internal/ingestion"
	"FarmLedger/internal/query"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Submitter hands a command to the engine and waits for its verdict.
type Submitter interface {
	Submit(ctx context.Context, evt event.Event) (*core.Outcome, error)
}

// Admin runs maintenance that has to go through the engine loop.
type Admin interface {
	TakeSnapshot(ctx context.Context) (int64, error)
	RebuildProjections(ctx context.Context) (int64, error)
	LatestSequence(ctx context.Context) (int64, error)
}

// FarmService implements farmledger.v1.FarmService.
type FarmService struct {
	submitter Submitter
	queries   *query.QueryService
	admin     Admin
}

func NewFarmService(submitter Submitter, queries *query.QueryService, admin Admin) *FarmService {
	return &FarmService{submitter: submitter, queries: queries, admin: admin}
}

// Submit parses and applies one command.
func (s *FarmService) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResponse, error) {
	if event.ParseEventType(req.EventType) == event.EventTypeUnknown {
		return nil, status.Errorf(codes.InvalidArgument, "unknown event_type %q", req.EventType)
	}
	evt, err := ingestion.ParseRawEvent(ingestion.RawEvent{EventType: req.EventType, Data: req.Payload}, req.EventType)
	if err != nil {
		return nil, toStatus(err)
	}

	out, err := s.submitter.Submit(ctx, evt)
	if err != nil {
		return nil, toStatus(err)
	}
	if out == nil {
		return &SubmitResponse{Duplicate: true}, nil
	}
	payload := ingestion.NewOutboundPayload(out)
	return &SubmitResponse{Kind: string(out.Kind), Outcome: &payload}, nil
}

func (s *FarmService) GetFarm(ctx context.Context, req *GetFarmRequest) (*query.FarmResponse, error) {
	key, err := req.FarmKey.key()
	if err != nil {
		return nil, err
	}
	f, err := s.queries.GetFarm(ctx, key.String())
	if err != nil {
		return nil, toStatus(err)
	}
	return f, nil
}

func (s *FarmService) ListFarms(ctx context.Context, req *ListFarmsRequest) (*ListFarmsResponse, error) {
	var rangeID *common.Hash
	if req.RangeID != "" {
		h, err := parseHash(req.RangeID)
		if err != nil {
			return nil, err
		}
		rangeID = &h
	}
	farms, err := s.queries.ListFarms(ctx, rangeID, req.ActiveOnly, req.Limit)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ListFarmsResponse{Farms: farms}, nil
}

func (s *FarmService) GetStake(ctx context.Context, req *GetStakeRequest) (*query.StakeResponse, error) {
	tokenID, err := parseTokenID(req.TokenID)
	if err != nil {
		return nil, err
	}
	key, err := req.FarmKey.key()
	if err != nil {
		return nil, err
	}
	st, err := s.queries.GetStake(ctx, tokenID, key.String())
	if err != nil {
		return nil, toStatus(err)
	}
	return st, nil
}

func (s *FarmService) ListStakes(ctx context.Context, req *ListStakesRequest) (*ListStakesResponse, error) {
	tokenID, err := parseTokenID(req.TokenID)
	if err != nil {
		return nil, err
	}
	stakes, err := s.queries.ListStakesByDeposit(ctx, tokenID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ListStakesResponse{Stakes: stakes}, nil
}

func (s *FarmService) GetAccrued(ctx context.Context, req *AccountRequest) (*query.AccruedResponse, error) {
	account, err := parseAccount(req.Account)
	if err != nil {
		return nil, err
	}
	acc, err := s.queries.GetAccrued(ctx, account)
	if err != nil {
		return nil, toStatus(err)
	}
	return acc, nil
}

func (s *FarmService) GetRewardHistory(ctx context.Context, req *AccountRequest) (*RewardHistoryResponse, error) {
	account, err := parseAccount(req.Account)
	if err != nil {
		return nil, err
	}
	entries, err := s.queries.GetRewardHistory(ctx, account, req.Limit, req.Before)
	if err != nil {
		return nil, toStatus(err)
	}
	return &RewardHistoryResponse{Entries: entries}, nil
}

func (s *FarmService) ListJournals(ctx context.Context, req *AccountRequest) (*JournalsResponse, error) {
	account, err := parseAccount(req.Account)
	if err != nil {
		return nil, err
	}
	journals, err := s.queries.GetJournalHistory(ctx, account, req.Limit, req.Before)
	if err != nil {
		return nil, toStatus(err)
	}
	return &JournalsResponse{Journals: journals}, nil
}

// --- Admin ---

func (s *FarmService) VerifyIntegrity(ctx context.Context, _ *Empty) (*query.IntegrityReport, error) {
	report, err := s.queries.VerifyIntegrity(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return report, nil
}

func (s *FarmService) TakeSnapshot(ctx context.Context, _ *Empty) (*SnapshotResponse, error) {
	seq, err := s.admin.TakeSnapshot(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &SnapshotResponse{Sequence: seq}, nil
}

func (s *FarmService) RebuildProjections(ctx context.Context, _ *Empty) (*RebuildResponse, error) {
	seq, err := s.admin.RebuildProjections(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &RebuildResponse{Sequence: seq}, nil
}

func (s *FarmService) GetEventLogInfo(ctx context.Context, _ *Empty) (*EventLogInfoResponse, error) {
	seq, err := s.admin.LatestSequence(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &EventLogInfoResponse{LastSequence: seq}, nil
}

// --- error mapping ---

// toStatus maps engine and query errors to gRPC codes. Rejections keep
// their log code in the message.
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, ingestion.ErrMalformed):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, query.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, core.ErrOutOfOrder), errors.Is(err, core.ErrSequenceGap):
		return status.Error(codes.Aborted, err.Error())
	}

	code := core.RejectionCode(err)
	if code == "" {
		return status.Error(codes.Internal, err.Error())
	}
	return status.Errorf(rejectionCode(err), "rejected (%s): %v", code, err)
}

func rejectionCode(err error) codes.Code {
	switch {
	case errors.Is(err, core.ErrFarmNotFound), errors.Is(err, core.ErrDepositNotFound):
		return codes.NotFound
	case errors.Is(err, core.ErrNotOwner):
		return codes.PermissionDenied
	case errors.Is(err, core.ErrInvalidWindow),
		errors.Is(err, core.ErrZeroReward),
		errors.Is(err, core.ErrZeroAmount),
		errors.Is(err, core.ErrZeroAddress),
		errors.Is(err, core.ErrLiquidityOutOfRange),
		errors.Is(err, core.ErrArithmeticOverflow),
		errors.Is(err, core.ErrStaleTimestamp):
		return codes.InvalidArgument
	}
	return codes.FailedPrecondition
}

// --- request field parsing ---

func (k FarmKey) key() (farm.Key, error) {
	h, err := parseHash(k.RangeID)
	if err != nil {
		return farm.Key{}, err
	}
	return farm.Key{RangeID: h, StartTime: k.StartTime, EndTime: k.EndTime}, nil
}

func parseHash(s string) (common.Hash, error) {
	b, err := hexutil.Decode(s)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, status.Errorf(codes.InvalidArgument, "invalid range_id %q", s)
	}
	return common.BytesToHash(b), nil
}

func parseAccount(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, status.Errorf(codes.InvalidArgument, "invalid account %q", s)
	}
	return common.HexToAddress(s), nil
}

// parseTokenID normalizes a decimal or 0x-hex token ID to decimal.
func parseTokenID(s string) (string, error) {
	var (
		v   *uint256.Int
		err error
	)
	if len(s) > 1 && (s[:2] == "0x" || s[:2] == "0X") {
		v, err = uint256.FromHex(s)
	} else {
		v, err = uint256.FromDecimal(s)
	}
	if err != nil || s == "" {
		return "", status.Error(codes.InvalidArgument, fmt.Sprintf("invalid token_id %q", s))
	}
	return v.Dec(), nil
}
