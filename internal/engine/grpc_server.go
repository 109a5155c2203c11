package engine

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xela07ax/governor/internal/admission"
	"github.com/xela07ax/governor/internal/domain"
	"github.com/xela07ax/governor/internal/infra"
	"github.com/xela07ax/governor/internal/infra/auth"
)

type ActionClassifier interface {
	Classify(ctx context.Context, candidates []domain.CandidateAction, tenantID, agentType string) (domain.DecisionReport, error)
}

type AdmissionGate interface {
	Admit(ctx context.Context, req admission.Request) (domain.AdmissionResult, error)
	Finish(ctx context.Context, u admission.Usage) error
}

// GovernanceServer: gRPC вход для агентов. Тела запросов и ответов передаются
// как google.protobuf.Struct с теми же JSON-полями, что и в HTTP API.
type GovernanceServer interface {
	Classify(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	CheckAdmission(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	FinishRun(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

const grpcServiceName = "governance.v1.Governance"

// GovernanceServiceDesc описывает сервис без кодогенерации.
var GovernanceServiceDesc = grpc.ServiceDesc{
	ServiceName: grpcServiceName,
	HandlerType: (*GovernanceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("Classify", GovernanceServer.Classify),
		unaryMethod("CheckAdmission", GovernanceServer.CheckAdmission),
		unaryMethod("FinishRun", GovernanceServer.FinishRun),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "governance/v1/governance.proto",
}

func unaryMethod(name string, call func(GovernanceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	fullMethod := "/" + grpcServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(GovernanceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(GovernanceServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// GRPCServer: реализация GovernanceServer поверх того же классификатора и гейта, что и HTTP.
type GRPCServer struct {
	classifier ActionClassifier
	gate       AdmissionGate
	logger     *zap.Logger
}

func NewGRPCServer(c ActionClassifier, g AdmissionGate, logger *zap.Logger) *GRPCServer {
	return &GRPCServer{classifier: c, gate: g, logger: logger.Named("grpc")}
}

// Register вешает сервис на grpc.Server.
func (s *GRPCServer) Register(srv *grpc.Server) {
	srv.RegisterService(&GovernanceServiceDesc, s)
}

type ClassifyRequest struct {
	TenantID  string                   `json:"tenant_id"`
	AgentType string                   `json:"agent_type"`
	Actions   []domain.CandidateAction `json:"actions"`
}

// ClassifyResponse: при ошибке конфигурации Report все равно заполнен, всё в pending.
type ClassifyResponse struct {
	Report domain.DecisionReport `json:"report"`
	Error  string                `json:"error,omitempty"`
}

type AdmissionRequest struct {
	TenantID  string               `json:"tenant_id"`
	AgentType string               `json:"agent_type"`
	Live      domain.SystemMetrics `json:"live"`
}

type FinishRequest struct {
	TenantID string  `json:"tenant_id"`
	RunID    string  `json:"run_id"`
	Tokens   int64   `json:"tokens"`
	Cost     float64 `json:"cost"`
}

func (s *GRPCServer) Classify(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ClassifyRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, err
	}
	if err := authorizeTenant(ctx, req.TenantID, auth.ScopeClassify); err != nil {
		return nil, err
	}

	report, err := s.classifier.Classify(ctx, req.Actions, req.TenantID, req.AgentType)
	resp := ClassifyResponse{Report: report}
	if err != nil {
		var cfgErr *domain.ConfigurationError
		if !errors.As(err, &cfgErr) {
			return nil, toStatus(err)
		}
		resp.Error = err.Error()
	}
	return encodeStruct(resp)
}

func (s *GRPCServer) CheckAdmission(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req AdmissionRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, err
	}
	if err := authorizeTenant(ctx, req.TenantID, auth.ScopeAdmit); err != nil {
		return nil, err
	}

	res, err := s.gate.Admit(ctx, admission.Request{TenantID: req.TenantID, AgentType: req.AgentType, Live: req.Live})
	if err != nil {
		return nil, toStatus(err)
	}
	return encodeStruct(res)
}

func (s *GRPCServer) FinishRun(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req FinishRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, err
	}
	if err := authorizeTenant(ctx, req.TenantID, auth.ScopeAdmit); err != nil {
		return nil, err
	}

	if err := s.gate.Finish(ctx, admission.Usage{TenantID: req.TenantID, RunID: req.RunID, Tokens: req.Tokens, Cost: req.Cost}); err != nil {
		s.logger.Error("finish run failed",
			zap.String("tenant_id", req.TenantID),
			zap.String("trace_id", infra.TraceID(ctx)),
			zap.Error(err))
		return nil, toStatus(err)
	}
	return encodeStruct(map[string]any{"ok": true})
}

// authorizeTenant: без interceptor'а (auth выключен) claims нет, и проверка пропускается.
func authorizeTenant(ctx context.Context, tenantID, scope string) error {
	claims, ok := auth.FromContext(ctx)
	if !ok {
		return nil
	}
	if !claims.HasScope(scope) || !claims.CanAccessTenant(tenantID) {
		return status.Errorf(codes.PermissionDenied, "token does not grant %s for tenant %q", scope, tenantID)
	}
	return nil
}

func decodeStruct(in *structpb.Struct, dst any) error {
	// AsMap + encoding/json: целые числа не уходят в экспоненциальную запись
	raw, err := json.Marshal(in.AsMap())
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "bad payload: %v", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return status.Errorf(codes.InvalidArgument, "bad payload: %v", err)
	}
	return nil
}

func encodeStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, domain.ErrSchema):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, domain.ErrUnknownRun):
		return status.Error(codes.FailedPrecondition, err.Error())
	case domain.IsStoreUnavailable(err):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
