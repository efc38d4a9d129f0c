package server

import (
	"encoding/json"

	"FarmLedger/internal/ingestion"
	"FarmLedger/internal/query"
)

// Request and response messages of farmledger.v1.FarmService. They travel
// as JSON over both gRPC and the HTTP gateway.

type FarmKey struct {
	RangeID   string `json:"range_id"`
	StartTime uint64 `json:"start_time"`
	EndTime   uint64 `json:"end_time"`
}

// SubmitRequest carries one command in the same JSON form as its NATS
// subject.
type SubmitRequest struct {
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

type SubmitResponse struct {
	Duplicate bool                       `json:"duplicate,omitempty"`
	Kind      string                     `json:"kind,omitempty"`
	Outcome   *ingestion.OutboundPayload `json:"outcome,omitempty"`
}

type GetFarmRequest struct {
	FarmKey
}

type ListFarmsRequest struct {
	RangeID    string `json:"range_id,omitempty"`
	ActiveOnly bool   `json:"active_only,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

type ListFarmsResponse struct {
	Farms []query.FarmResponse `json:"farms"`
}

type GetStakeRequest struct {
	TokenID string `json:"token_id"`
	FarmKey
}

type ListStakesRequest struct {
	TokenID string `json:"token_id"`
}

type ListStakesResponse struct {
	Stakes []query.StakeResponse `json:"stakes"`
}

type AccountRequest struct {
	Account string `json:"account"`
	Limit   int    `json:"limit,omitempty"`
	Before  *int64 `json:"before,omitempty"`
}

type RewardHistoryResponse struct {
	Entries []query.RewardHistoryEntry `json:"entries"`
}

type JournalsResponse struct {
	Journals []query.JournalHistoryEntry `json:"journals"`
}

type Empty struct{}

type SnapshotResponse struct {
	Sequence int64 `json:"sequence"`
}

type RebuildResponse struct {
	Sequence int64 `json:"sequence"`
}

type EventLogInfoResponse struct {
	LastSequence int64 `json:"last_sequence"`
}
