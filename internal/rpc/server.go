package rpc

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/TimurManjosov/flagship-sdk-backend/internal/engine"
	"github.com/TimurManjosov/flagship-sdk-backend/internal/evaluation"
	"github.com/TimurManjosov/flagship-sdk-backend/internal/logging"
	"github.com/TimurManjosov/flagship-sdk-backend/internal/rules"
	"github.com/TimurManjosov/flagship-sdk-backend/internal/store"
)

// RequestIDKey is the metadata key carrying the request id in both directions.
const RequestIDKey = "x-request-id"

const maxMessageSize = 4 << 20

type requestIDCtxKey struct{}

// RequestIDFromContext returns the id assigned by the request id interceptor.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDCtxKey{}).(string)
	return id
}

// Server implements SDKBackendServer on top of the evaluation service.
type Server struct {
	svc    *evaluation.Service
	env    string
	logger zerolog.Logger
}

// NewServer returns a Server. env is used when a request carries no envId.
func NewServer(svc *evaluation.Service, env string, logger zerolog.Logger) *Server {
	return &Server{svc: svc, env: env, logger: logging.Component(logger, "rpc")}
}

// NewGRPCServer builds a grpc.Server with the service registered and the
// request id and logging interceptors installed.
func (s *Server) NewGRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{
		grpc.ChainUnaryInterceptor(requestIDInterceptor, s.loggingInterceptor),
		grpc.MaxRecvMsgSize(maxMessageSize),
		grpc.MaxSendMsgSize(maxMessageSize),
	}, opts...)
	gs := grpc.NewServer(opts...)
	RegisterSDKBackendServer(gs, s)
	return gs
}

func (s *Server) envOrDefault(env string) string {
	if env != "" {
		return env
	}
	return s.env
}

func (s *Server) Evaluate(ctx context.Context, req *EvaluateRequest) (*EvaluateResponse, error) {
	if req.FlagID == "" {
		return nil, status.Error(codes.InvalidArgument, "flagId is required")
	}
	traits, err := contextOf(req.Context)
	if err != nil {
		return nil, err
	}

	fe, err := s.svc.Evaluate(ctx, s.envOrDefault(req.EnvID), req.FlagID, traits)
	if err != nil {
		return nil, toStatus(err)
	}
	return &EvaluateResponse{
		Success: !fe.Failed(),
		Results: fe.Results(),
		Details: detailsOf(fe),
	}, nil
}

func (s *Server) EvaluateBatch(ctx context.Context, req *EvaluateBatchRequest) (*EvaluateBatchResponse, error) {
	traits, err := contextOf(req.Context)
	if err != nil {
		return nil, err
	}

	evals, err := s.svc.EvaluateBatch(ctx, s.envOrDefault(req.EnvID), req.FlagIDs, traits)
	if err != nil {
		return nil, toStatus(err)
	}

	resp := &EvaluateBatchResponse{
		Success: true,
		Results: make(map[string]any, len(evals)),
		Details: make([]Details, 0, len(evals)),
	}
	for _, fe := range evals {
		resp.Details = append(resp.Details, detailsOf(fe))
		if fe.Failed() {
			resp.Success = false
			if resp.Errors == nil {
				resp.Errors = make(map[string]string)
			}
			resp.Errors[fe.FlagKey] = firstError(fe)
		}
		switch {
		case fe.IsLegacy:
			resp.Results[fe.FlagKey] = fe.Results()
		case fe.Err == nil:
			resp.Results[fe.FlagKey] = fe.Result.Value()
		}
	}
	return resp, nil
}

func (s *Server) UpdateCache(ctx context.Context, req *UpdateCacheRequest) (*UpdateCacheResponse, error) {
	err := s.svc.UpdateCache(ctx, evaluation.CacheUpdate{
		UserID:  req.UserID,
		Env:     req.EnvID,
		FlagKey: req.FlagID,
		Rules:   rules.Normalize(req.Rules),
		Version: req.Version,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return &UpdateCacheResponse{Success: true, Message: "rules published"}, nil
}

func contextOf(attrs map[string]any) (rules.Context, error) {
	if attrs == nil {
		return nil, status.Error(codes.InvalidArgument, "context is required")
	}
	traits, err := rules.NewContext(attrs)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "context: %v", err)
	}
	return traits, nil
}

func detailsOf(fe evaluation.FlagEvaluation) Details {
	d := Details{FlagID: fe.FlagKey, EnvID: fe.Env, Version: fe.Version, Legacy: fe.IsLegacy, Bucket: -1}
	if fe.Err != nil {
		d.Error = fe.Err.Error()
	}
	if fe.IsLegacy {
		for _, r := range fe.Legacy {
			if r.Err != nil {
				if d.RuleErrors == nil {
					d.RuleErrors = make(map[string]string)
				}
				d.RuleErrors[r.Key] = r.Err.Error()
			}
		}
		return d
	}
	if fe.Result.Reason != "" {
		d.Variation = fe.Result.Variation
		d.Reason = string(fe.Result.Reason)
		d.RuleID = fe.Result.RuleID
		d.Bucket = fe.Result.Bucket
	}
	return d
}

func firstError(fe evaluation.FlagEvaluation) string {
	if fe.Err != nil {
		return fe.Err.Error()
	}
	for _, r := range fe.Legacy {
		if r.Err != nil {
			return "rule " + r.Key + ": " + r.Err.Error()
		}
	}
	return ""
}

// toStatus maps service errors onto gRPC status codes.
func toStatus(err error) error {
	var (
		reqErr *evaluation.RequestError
		cfgErr *rules.ConfigurationError
	)
	switch {
	case errors.As(err, &reqErr):
		return status.Error(codes.InvalidArgument, reqErr.Error())
	case errors.As(err, &cfgErr), errors.Is(err, rules.ErrMalformedDocument):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, store.ErrNotFound), errors.Is(err, engine.ErrFlagNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, store.ErrStaleVersion):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// requestIDInterceptor propagates the caller's request id, or assigns one,
// and echoes it in the response header.
func requestIDInterceptor(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	var id string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(RequestIDKey); len(v) > 0 {
			id = v[0]
		}
	}
	if id == "" {
		id = uuid.NewString()
	}
	_ = grpc.SetHeader(ctx, metadata.Pairs(RequestIDKey, id))
	return handler(context.WithValue(ctx, requestIDCtxKey{}, id), req)
}

func (s *Server) loggingInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)

	code := status.Code(err)
	ev := s.logger.Info()
	if code == codes.Internal || code == codes.Unknown {
		ev = s.logger.Error().Err(err)
	}
	ev.Str("method", info.FullMethod).
		Str("code", code.String()).
		Dur("duration", time.Since(start)).
		Str("request_id", RequestIDFromContext(ctx)).
		Msg("rpc request")
	return resp, err
}
