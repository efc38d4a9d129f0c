package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"FarmLedger/internal/core"
	"FarmLedger/internal/event"
	"FarmLedger/internal/ingestion"
	"FarmLedger/internal/query"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

const (
	testSecret = "s3cret"
	rangeHex   = "0x00000000000000000000000000000000000000000000000000000000000000aa"
	accountHex = "0x1000000000000000000000000000000000000000"
)

type fakeSubmitter struct {
	outcome *core.Outcome
	err     error
	got     []event.Event
}

func (f *fakeSubmitter) Submit(_ context.Context, evt event.Event) (*core.Outcome, error) {
	f.got = append(f.got, evt)
	return f.outcome, f.err
}

type fakeAdmin struct {
	snapshots int
}

func (f *fakeAdmin) TakeSnapshot(context.Context) (int64, error) {
	f.snapshots++
	return 41, nil
}

func (f *fakeAdmin) RebuildProjections(context.Context) (int64, error) { return 41, nil }
func (f *fakeAdmin) LatestSequence(context.Context) (int64, error)     { return 42, nil }

type fixture struct {
	srv   *GRPCServer
	sub   *fakeSubmitter
	admin *fakeAdmin
	mock  sqlmock.Sqlmock
	auth  *AdminAuth
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sub := &fakeSubmitter{}
	admin := &fakeAdmin{}
	auth := NewAdminAuth(testSecret)
	svc := NewFarmService(sub, query.NewQueryService(db, nil), admin)
	srv := NewGRPCServer("", "", &ServerDeps{Service: svc, Auth: auth})
	return &fixture{srv: srv, sub: sub, admin: admin, mock: mock, auth: auth}
}

func walletFundedJSON() string {
	return `{"request_id":"r-1","sequence":1,"timestamp":100,"account":"` + accountHex + `","amount":"500"}`
}

func fundedOutcome() *core.Outcome {
	o := &core.Outcome{Kind: core.OutcomeWalletFunded, Account: common.HexToAddress(accountHex)}
	o.Amount.SetUint64(500)
	return o
}

// --- error mapping ---

func TestToStatus(t *testing.T) {
	tests := []struct {
		err  error
		code codes.Code
	}{
		{fmt.Errorf("%w: bad json", ingestion.ErrMalformed), codes.InvalidArgument},
		{fmt.Errorf("%w: farm x", query.ErrNotFound), codes.NotFound},
		{core.ErrFarmNotFound, codes.NotFound},
		{core.ErrDepositNotFound, codes.NotFound},
		{core.ErrNotOwner, codes.PermissionDenied},
		{core.ErrInvalidWindow, codes.InvalidArgument},
		{core.ErrZeroAmount, codes.InvalidArgument},
		{core.ErrStaleTimestamp, codes.InvalidArgument},
		{fmt.Errorf("stake: %w", core.ErrFarmNotActive), codes.FailedPrecondition},
		{core.ErrInsufficientAccrued, codes.FailedPrecondition},
		{core.ErrOutOfOrder, codes.Aborted},
		{core.ErrSequenceGap, codes.Aborted},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{context.Canceled, codes.Canceled},
		{errors.New("db down"), codes.Internal},
		{status.Error(codes.Unauthenticated, "no"), codes.Unauthenticated},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.code, status.Code(toStatus(tt.err)))
		})
	}
}

func TestToStatus_RejectionCodeInMessage(t *testing.T) {
	st := status.Convert(toStatus(fmt.Errorf("unstake: %w", core.ErrNoOpenStake)))
	assert.Contains(t, st.Message(), "no_open_stake")
}

// --- admin auth ---

func TestAdminAuth_IssueAndVerify(t *testing.T) {
	auth := NewAdminAuth(testSecret)
	token, err := auth.Issue("ops", time.Hour)
	require.NoError(t, err)

	assert.NoError(t, auth.Verify("Bearer "+token))
	assert.Equal(t, codes.Unauthenticated, status.Code(auth.Verify("")))
	assert.Equal(t, codes.Unauthenticated, status.Code(auth.Verify(token)), "missing Bearer prefix")
	assert.Equal(t, codes.Unauthenticated, status.Code(NewAdminAuth("other").Verify("Bearer "+token)))
}

func TestAdminAuth_Expired(t *testing.T) {
	auth := NewAdminAuth(testSecret)
	issuedAt := time.Unix(1_700_000_000, 0)
	auth.now = func() time.Time { return issuedAt }
	token, err := auth.Issue("ops", time.Minute)
	require.NoError(t, err)

	auth.now = func() time.Time { return issuedAt.Add(2 * time.Minute) }
	assert.Equal(t, codes.Unauthenticated, status.Code(auth.Verify("Bearer "+token)))
}

func TestAdminAuth_RequiresAdminRole(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  "reader",
		"role": "viewer",
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)

	err = NewAdminAuth(testSecret).Verify("Bearer " + signed)
	assert.Equal(t, codes.PermissionDenied, status.Code(err))
}

func TestAdminAuth_DisabledWithoutSecret(t *testing.T) {
	auth := NewAdminAuth("")
	_, err := auth.Issue("ops", time.Hour)
	assert.Error(t, err)
	assert.Equal(t, codes.PermissionDenied, status.Code(auth.Verify("Bearer x")))
}

// --- HTTP gateway ---

func doHTTP(t *testing.T, h http.Handler, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHTTP_SubmitCommand(t *testing.T) {
	f := newFixture(t)
	f.sub.outcome = fundedOutcome()
	h, err := f.srv.HTTPHandler()
	require.NoError(t, err)

	rec := doHTTP(t, h, http.MethodPost, "/v1/commands/WalletFunded", walletFundedJSON(), "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp SubmitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "WalletFunded", resp.Kind)
	assert.Equal(t, "500", resp.Outcome.Amount)
	assert.Equal(t, accountHex, resp.Outcome.Account)

	require.Len(t, f.sub.got, 1)
	wf := f.sub.got[0].(*event.WalletFunded)
	assert.True(t, wf.Amount.Eq(uint256.NewInt(500)))
}

func TestHTTP_SubmitDuplicate(t *testing.T) {
	f := newFixture(t)
	h, err := f.srv.HTTPHandler()
	require.NoError(t, err)

	rec := doHTTP(t, h, http.MethodPost, "/v1/commands/WalletFunded", walletFundedJSON(), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"duplicate":true}`, rec.Body.String())
}

func TestHTTP_SubmitErrors(t *testing.T) {
	f := newFixture(t)
	h, err := f.srv.HTTPHandler()
	require.NoError(t, err)

	rec := doHTTP(t, h, http.MethodPost, "/v1/commands/TradeFill", walletFundedJSON(), "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doHTTP(t, h, http.MethodPost, "/v1/commands/WalletFunded", `{"sequence":1}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.sub.err = fmt.Errorf("harvest: %w", core.ErrInsufficientAccrued)
	rec = doHTTP(t, h, http.MethodPost, "/v1/commands/WalletFunded", walletFundedJSON(), "")
	assert.Equal(t, http.StatusBadRequest, rec.Code, "FailedPrecondition maps to 400")
	assert.Contains(t, rec.Body.String(), "insufficient_accrued")
}

func TestHTTP_GetFarm(t *testing.T) {
	f := newFixture(t)
	h, err := f.srv.HTTPHandler()
	require.NoError(t, err)

	farmID := rangeHex + ":1000:2000"
	f.mock.ExpectQuery("SELECT last_sequence FROM projections.watermark").
		WillReturnRows(sqlmock.NewRows([]string{"last_sequence"}).AddRow(7))
	f.mock.ExpectQuery("FROM projections.farms WHERE farm_id = \\$1").
		WithArgs(farmID).
		WillReturnRows(sqlmock.NewRows([]string{
			"farm_id", "range_id", "start_time", "end_time", "sponsor", "total_reward", "remaining_reward",
			"claimed_seconds_x", "open_stakes", "open_liquidity", "ended", "refund",
		}).AddRow(farmID, rangeHex, 1000, 2000, "0x5000", "3000", "3000", "0", 0, "0", false, "0"))

	rec := doHTTP(t, h, http.MethodGet, "/v1/farms/"+rangeHex+"/1000/2000", "", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp query.FarmResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, farmID, resp.FarmID)
	assert.Equal(t, int64(7), resp.AsOfSequence)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestHTTP_GetFarmNotFound(t *testing.T) {
	f := newFixture(t)
	h, err := f.srv.HTTPHandler()
	require.NoError(t, err)

	f.mock.ExpectQuery("SELECT last_sequence").WillReturnError(sql.ErrNoRows)
	f.mock.ExpectQuery("FROM projections.farms").WillReturnError(sql.ErrNoRows)

	rec := doHTTP(t, h, http.MethodGet, "/v1/farms/"+rangeHex+"/1000/2000", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHTTP_BadParams(t *testing.T) {
	f := newFixture(t)
	h, err := f.srv.HTTPHandler()
	require.NoError(t, err)

	for _, path := range []string{
		"/v1/farms/0xzz/1000/2000",
		"/v1/farms/" + rangeHex + "/soon/2000",
		"/v1/accounts/nobody/accrued",
		"/v1/accounts/" + accountHex + "/history?limit=ten",
		"/v1/deposits/-1/stakes",
	} {
		rec := doHTTP(t, h, http.MethodGet, path, "", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
	}
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestHTTP_AdminRoutesRequireToken(t *testing.T) {
	f := newFixture(t)
	h, err := f.srv.HTTPHandler()
	require.NoError(t, err)

	rec := doHTTP(t, h, http.MethodPost, "/v1/admin/snapshot", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, f.admin.snapshots)

	token, err := f.auth.Issue("ops", time.Hour)
	require.NoError(t, err)
	rec = doHTTP(t, h, http.MethodPost, "/v1/admin/snapshot", "", token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"sequence":41}`, rec.Body.String())
	assert.Equal(t, 1, f.admin.snapshots)

	rec = doHTTP(t, h, http.MethodGet, "/v1/admin/events/info", "", token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"last_sequence":42}`, rec.Body.String())
}

func TestHTTP_Healthz(t *testing.T) {
	f := newFixture(t)
	h, err := f.srv.HTTPHandler()
	require.NoError(t, err)

	rec := doHTTP(t, h, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

// --- gRPC ---

func dialBufconn(t *testing.T, f *fixture) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go f.srv.ServeGRPC(ctx, lis)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewClient(conn)
}

func TestGRPC_Submit(t *testing.T) {
	f := newFixture(t)
	f.sub.outcome = fundedOutcome()
	client := dialBufconn(t, f)

	resp, err := client.Submit(context.Background(), &SubmitRequest{
		EventType: "WalletFunded",
		Payload:   json.RawMessage(walletFundedJSON()),
	})
	require.NoError(t, err)
	assert.Equal(t, "WalletFunded", resp.Kind)
	assert.Equal(t, "500", resp.Outcome.Amount)
}

func TestGRPC_RejectionStatus(t *testing.T) {
	f := newFixture(t)
	f.sub.err = fmt.Errorf("stake: %w", core.ErrFarmNotActive)
	client := dialBufconn(t, f)

	_, err := client.Submit(context.Background(), &SubmitRequest{
		EventType: "WalletFunded",
		Payload:   json.RawMessage(walletFundedJSON()),
	})
	st := status.Convert(err)
	assert.Equal(t, codes.FailedPrecondition, st.Code())
	assert.Contains(t, st.Message(), "farm_not_active")
}

func TestGRPC_AdminInterceptor(t *testing.T) {
	f := newFixture(t)
	client := dialBufconn(t, f)

	_, err := client.TakeSnapshot(context.Background())
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
	assert.Zero(t, f.admin.snapshots)

	token, err := f.auth.Issue("ops", time.Hour)
	require.NoError(t, err)
	ctx := metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer "+token)

	resp, err := client.TakeSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(41), resp.Sequence)

	info, err := client.GetEventLogInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(42), info.LastSequence)
}
