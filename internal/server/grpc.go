package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"FarmLedger/internal/observability"
	"FarmLedger/internal/query"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

const serviceName = "farmledger.v1.FarmService"

// farmServer is the handler type of farmledger.v1.FarmService.
type farmServer interface {
	Submit(context.Context, *SubmitRequest) (*SubmitResponse, error)
	GetFarm(context.Context, *GetFarmRequest) (*query.FarmResponse, error)
	ListFarms(context.Context, *ListFarmsRequest) (*ListFarmsResponse, error)
	GetStake(context.Context, *GetStakeRequest) (*query.StakeResponse, error)
	ListStakes(context.Context, *ListStakesRequest) (*ListStakesResponse, error)
	GetAccrued(context.Context, *AccountRequest) (*query.AccruedResponse, error)
	GetRewardHistory(context.Context, *AccountRequest) (*RewardHistoryResponse, error)
	ListJournals(context.Context, *AccountRequest) (*JournalsResponse, error)
	VerifyIntegrity(context.Context, *Empty) (*query.IntegrityReport, error)
	TakeSnapshot(context.Context, *Empty) (*SnapshotResponse, error)
	RebuildProjections(context.Context, *Empty) (*RebuildResponse, error)
	GetEventLogInfo(context.Context, *Empty) (*EventLogInfoResponse, error)
}

// adminMethods require an admin bearer token.
var adminMethods = map[string]bool{
	"/" + serviceName + "/VerifyIntegrity":    true,
	"/" + serviceName + "/TakeSnapshot":       true,
	"/" + serviceName + "/RebuildProjections": true,
	"/" + serviceName + "/GetEventLogInfo":    true,
}

// farmServiceDesc is written by hand in place of protoc output; messages
// use the json codec.
var farmServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*farmServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Submit", farmServer.Submit),
		unary("GetFarm", farmServer.GetFarm),
		unary("ListFarms", farmServer.ListFarms),
		unary("GetStake", farmServer.GetStake),
		unary("ListStakes", farmServer.ListStakes),
		unary("GetAccrued", farmServer.GetAccrued),
		unary("GetRewardHistory", farmServer.GetRewardHistory),
		unary("ListJournals", farmServer.ListJournals),
		unary("VerifyIntegrity", farmServer.VerifyIntegrity),
		unary("TakeSnapshot", farmServer.TakeSnapshot),
		unary("RebuildProjections", farmServer.RebuildProjections),
		unary("GetEventLogInfo", farmServer.GetEventLogInfo),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "farmledger/v1/farm.proto",
}

func unary[Req, Resp any](name string, call func(farmServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + serviceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
			}
			if interceptor == nil {
				return call(srv.(farmServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(farmServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// GRPCServer wraps the gRPC server and the HTTP gateway.
type GRPCServer struct {
	grpcServer    *grpc.Server
	httpServer    *http.Server
	grpcAddr      string
	httpAddr      string
	svc           *FarmService
	auth          *AdminAuth
	healthChecker *observability.HealthChecker
	logger        zerolog.Logger
}

// ServerDeps holds what the servers need.
type ServerDeps struct {
	Service       *FarmService
	Auth          *AdminAuth
	HealthChecker *observability.HealthChecker
}

// NewGRPCServer creates a gRPC server with FarmService, health and
// reflection registered.
func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) *GRPCServer {
	logger := observability.NewLogger("server")
	auth := deps.Auth
	if auth == nil {
		auth = NewAdminAuth("")
	}

	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(loggingInterceptor(logger), auth.UnaryInterceptor),
	)
	grpcServer.RegisterService(&farmServiceDesc, deps.Service)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	reflection.Register(grpcServer)

	return &GRPCServer{
		grpcServer:    grpcServer,
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		svc:           deps.Service,
		auth:          auth,
		healthChecker: deps.HealthChecker,
		logger:        logger,
	}
}

func loggingInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		ev := logger.Debug()
		if err != nil {
			ev = logger.Warn().Err(err)
		}
		ev.Str("method", info.FullMethod).
			Str("code", status.Code(err).String()).
			Dur("duration", time.Since(start)).
			Msg("rpc")
		return resp, err
	}
}

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.ServeGRPC(ctx, lis)
}

// ServeGRPC serves on an existing listener until ctx is done.
func (s *GRPCServer) ServeGRPC(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTPGateway serves the HTTP/JSON surface (blocking).
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	handler, err := s.HTTPHandler()
	if err != nil {
		return err
	}
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// HTTPHandler builds the gateway mux. Routes call FarmService in process;
// farm keys are spread over three path segments.
func (s *GRPCServer) HTTPHandler() (http.Handler, error) {
	mux := runtime.NewServeMux()

	routes := []struct {
		method  string
		pattern string
		admin   bool
		call    func(r *http.Request, p map[string]string) (any, error)
	}{
		{"POST", "/v1/commands/{event_type}", false, s.httpSubmit},
		{"GET", "/v1/farms", false, s.httpListFarms},
		{"GET", "/v1/farms/{range_id}/{start_time}/{end_time}", false, s.httpGetFarm},
		{"GET", "/v1/deposits/{token_id}/stakes", false, s.httpListStakes},
		{"GET", "/v1/stakes/{token_id}/{range_id}/{start_time}/{end_time}", false, s.httpGetStake},
		{"GET", "/v1/accounts/{account}/accrued", false, s.httpAccrued},
		{"GET", "/v1/accounts/{account}/history", false, s.httpRewardHistory},
		{"GET", "/v1/accounts/{account}/journals", false, s.httpJournals},
		{"GET", "/v1/admin/integrity", true, func(r *http.Request, _ map[string]string) (any, error) {
			return s.svc.VerifyIntegrity(r.Context(), &Empty{})
		}},
		{"POST", "/v1/admin/snapshot", true, func(r *http.Request, _ map[string]string) (any, error) {
			return s.svc.TakeSnapshot(r.Context(), &Empty{})
		}},
		{"POST", "/v1/admin/rebuild", true, func(r *http.Request, _ map[string]string) (any, error) {
			return s.svc.RebuildProjections(r.Context(), &Empty{})
		}},
		{"GET", "/v1/admin/events/info", true, func(r *http.Request, _ map[string]string) (any, error) {
			return s.svc.GetEventLogInfo(r.Context(), &Empty{})
		}},
	}

	for _, rt := range routes {
		err := mux.HandlePath(rt.method, rt.pattern, func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			if rt.admin {
				if err := s.auth.Verify(r.Header.Get("Authorization")); err != nil {
					writeError(w, err)
					return
				}
			}
			resp, err := rt.call(r, p)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, resp)
		})
		if err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}

	httpMux := http.NewServeMux()
	if s.healthChecker != nil {
		httpMux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}
	httpMux.Handle("/", mux)
	return httpMux, nil
}

// --- HTTP route adapters ---

func (s *GRPCServer) httpSubmit(r *http.Request, p map[string]string) (any, error) {
	var payload json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode body: %v", err)
	}
	return s.svc.Submit(r.Context(), &SubmitRequest{EventType: p["event_type"], Payload: payload})
}

func (s *GRPCServer) httpListFarms(r *http.Request, _ map[string]string) (any, error) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"))
	if err != nil {
		return nil, err
	}
	return s.svc.ListFarms(r.Context(), &ListFarmsRequest{
		RangeID:    q.Get("range_id"),
		ActiveOnly: q.Get("active_only") == "true",
		Limit:      limit,
	})
}

func (s *GRPCServer) httpGetFarm(r *http.Request, p map[string]string) (any, error) {
	key, err := farmKeyParams(p)
	if err != nil {
		return nil, err
	}
	return s.svc.GetFarm(r.Context(), &GetFarmRequest{FarmKey: key})
}

func (s *GRPCServer) httpListStakes(r *http.Request, p map[string]string) (any, error) {
	return s.svc.ListStakes(r.Context(), &ListStakesRequest{TokenID: p["token_id"]})
}

func (s *GRPCServer) httpGetStake(r *http.Request, p map[string]string) (any, error) {
	key, err := farmKeyParams(p)
	if err != nil {
		return nil, err
	}
	return s.svc.GetStake(r.Context(), &GetStakeRequest{TokenID: p["token_id"], FarmKey: key})
}

func (s *GRPCServer) httpAccrued(r *http.Request, p map[string]string) (any, error) {
	return s.svc.GetAccrued(r.Context(), &AccountRequest{Account: p["account"]})
}

func (s *GRPCServer) httpRewardHistory(r *http.Request, p map[string]string) (any, error) {
	req, err := accountParams(r, p)
	if err != nil {
		return nil, err
	}
	return s.svc.GetRewardHistory(r.Context(), req)
}

func (s *GRPCServer) httpJournals(r *http.Request, p map[string]string) (any, error) {
	req, err := accountParams(r, p)
	if err != nil {
		return nil, err
	}
	return s.svc.ListJournals(r.Context(), req)
}

func farmKeyParams(p map[string]string) (FarmKey, error) {
	start, err := strconv.ParseUint(p["start_time"], 10, 64)
	if err != nil {
		return FarmKey{}, status.Errorf(codes.InvalidArgument, "invalid start_time %q", p["start_time"])
	}
	end, err := strconv.ParseUint(p["end_time"], 10, 64)
	if err != nil {
		return FarmKey{}, status.Errorf(codes.InvalidArgument, "invalid end_time %q", p["end_time"])
	}
	return FarmKey{RangeID: p["range_id"], StartTime: start, EndTime: end}, nil
}

func accountParams(r *http.Request, p map[string]string) (*AccountRequest, error) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"))
	if err != nil {
		return nil, err
	}
	req := &AccountRequest{Account: p["account"], Limit: limit}
	if v := q.Get("before"); v != "" {
		before, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "invalid before %q", v)
		}
		req.Before = &before
	}
	return req, nil
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, status.Errorf(codes.InvalidArgument, "invalid integer %q", v)
	}
	return n, nil
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	st := status.Convert(toStatus(err))
	writeJSON(w, runtime.HTTPStatusFromCode(st.Code()), errorBody{Code: st.Code().String(), Message: st.Message()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
