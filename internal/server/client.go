package server

import (
	"context"

	"FarmLedger/internal/query"

	"google.golang.org/grpc"
)

// Client calls farmledger.v1.FarmService over a gRPC connection using the
// json codec.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func invoke[Resp any](ctx context.Context, c *Client, method string, in any, opts ...grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(jsonCodec{}.Name())}, opts...)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Submit(ctx context.Context, in *SubmitRequest, opts ...grpc.CallOption) (*SubmitResponse, error) {
	return invoke[SubmitResponse](ctx, c, "Submit", in, opts...)
}

func (c *Client) GetFarm(ctx context.Context, in *GetFarmRequest, opts ...grpc.CallOption) (*query.FarmResponse, error) {
	return invoke[query.FarmResponse](ctx, c, "GetFarm", in, opts...)
}

func (c *Client) ListFarms(ctx context.Context, in *ListFarmsRequest, opts ...grpc.CallOption) (*ListFarmsResponse, error) {
	return invoke[ListFarmsResponse](ctx, c, "ListFarms", in, opts...)
}

func (c *Client) GetStake(ctx context.Context, in *GetStakeRequest, opts ...grpc.CallOption) (*query.StakeResponse, error) {
	return invoke[query.StakeResponse](ctx, c, "GetStake", in, opts...)
}

func (c *Client) ListStakes(ctx context.Context, in *ListStakesRequest, opts ...grpc.CallOption) (*ListStakesResponse, error) {
	return invoke[ListStakesResponse](ctx, c, "ListStakes", in, opts...)
}

func (c *Client) GetAccrued(ctx context.Context, in *AccountRequest, opts ...grpc.CallOption) (*query.AccruedResponse, error) {
	return invoke[query.AccruedResponse](ctx, c, "GetAccrued", in, opts...)
}

func (c *Client) GetRewardHistory(ctx context.Context, in *AccountRequest, opts ...grpc.CallOption) (*RewardHistoryResponse, error) {
	return invoke[RewardHistoryResponse](ctx, c, "GetRewardHistory", in, opts...)
}

func (c *Client) ListJournals(ctx context.Context, in *AccountRequest, opts ...grpc.CallOption) (*JournalsResponse, error) {
	return invoke[JournalsResponse](ctx, c, "ListJournals", in, opts...)
}

func (c *Client) VerifyIntegrity(ctx context.Context, opts ...grpc.CallOption) (*query.IntegrityReport, error) {
	return invoke[query.IntegrityReport](ctx, c, "VerifyIntegrity", &Empty{}, opts...)
}

func (c *Client) TakeSnapshot(ctx context.Context, opts ...grpc.CallOption) (*SnapshotResponse, error) {
	return invoke[SnapshotResponse](ctx, c, "TakeSnapshot", &Empty{}, opts...)
}

func (c *Client) RebuildProjections(ctx context.Context, opts ...grpc.CallOption) (*RebuildResponse, error) {
	return invoke[RebuildResponse](ctx, c, "RebuildProjections", &Empty{}, opts...)
}

func (c *Client) GetEventLogInfo(ctx context.Context, opts ...grpc.CallOption) (*EventLogInfoResponse, error) {
	return invoke[EventLogInfoResponse](ctx, c, "GetEventLogInfo", &Empty{}, opts...)
}
