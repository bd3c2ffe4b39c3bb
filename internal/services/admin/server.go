package adminservice

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/niczy/gitreview/internal/models"
	"github.com/niczy/gitreview/internal/services/structrpc"
	"github.com/niczy/gitreview/internal/storage"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "gitreview.admin.v1.AdminService"

var (
	listChangesMethod = structrpc.FullMethod(ServiceName, "ListChanges")
	getChangeMethod   = structrpc.FullMethod(ServiceName, "GetChange")
)

// AdminServiceServer answers read-only queries about review records.
type AdminServiceServer interface {
	ListChanges(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetChange(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes the admin service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AdminServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListChanges", Handler: structrpc.Handler[AdminServiceServer](listChangesMethod, AdminServiceServer.ListChanges)},
		{MethodName: "GetChange", Handler: structrpc.Handler[AdminServiceServer](getChangeMethod, AdminServiceServer.GetChange)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "gitreview/admin/v1/admin.proto",
}

type adminServiceServer struct {
	storage storage.Storage
	logger  *zap.Logger
}

func newAdminServiceServer(st storage.Storage, logger *zap.Logger) *adminServiceServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &adminServiceServer{
		storage: st,
		logger:  logger,
	}
}

// NewGRPCServer constructs a gRPC server for the admin service using the provided storage backend.
func NewGRPCServer(st storage.Storage, logger *zap.Logger, opts ...grpc.ServerOption) *grpc.Server {
	srv := grpc.NewServer(opts...)
	Register(srv, st, logger)
	return srv
}

// Register adds the admin service to an existing server.
func Register(srv grpc.ServiceRegistrar, st storage.Storage, logger *zap.Logger) {
	srv.RegisterService(&ServiceDesc, newAdminServiceServer(st, logger))
}

// ListChanges returns the open changes of a project, oldest first, honoring
// limit and offset.
func (s *adminServiceServer) ListChanges(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	m := in.AsMap()
	project := structrpc.String(m, "project")
	limit := int(structrpc.Int(m, "limit"))
	offset := int(structrpc.Int(m, "offset"))
	s.logger.Debug("ListChanges called", zap.String("project", project), zap.Int("limit", limit), zap.Int("offset", offset))

	if project == "" {
		return nil, status.Error(codes.InvalidArgument, "project is required")
	}
	if limit < 0 || offset < 0 {
		return nil, status.Error(codes.InvalidArgument, "limit and offset must not be negative")
	}

	changes, err := s.storage.ListOpenChanges(ctx, project)
	if err != nil {
		return nil, status.Error(codes.Internal, fmt.Sprintf("failed to list changes: %v", err))
	}
	total := len(changes)
	if offset > len(changes) {
		offset = len(changes)
	}
	changes = changes[offset:]
	if limit > 0 && limit < len(changes) {
		changes = changes[:limit]
	}

	infos := make([]any, 0, len(changes))
	for _, c := range changes {
		infos = append(infos, changeInfo(c))
	}
	return newStruct(map[string]any{
		"changes": infos,
		"total":   total,
	})
}

// GetChange returns one change with its patch sets, approvals and messages.
func (s *adminServiceServer) GetChange(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id := structrpc.Int(in.AsMap(), "change_id")
	s.logger.Debug("GetChange called", zap.Int64("change", id))

	if id <= 0 {
		return nil, status.Error(codes.InvalidArgument, "change_id is required")
	}

	change, err := s.storage.GetChange(ctx, id)
	if errors.Is(err, storage.ErrChangeNotFound) {
		return nil, status.Error(codes.NotFound, fmt.Sprintf("change not found: %d", id))
	}
	if err != nil {
		return nil, status.Error(codes.Internal, fmt.Sprintf("failed to load change: %v", err))
	}
	patchSets, err := s.storage.ListPatchSets(ctx, id)
	if err != nil {
		return nil, status.Error(codes.Internal, fmt.Sprintf("failed to list patch sets: %v", err))
	}
	approvals, err := s.storage.ListApprovalsByChange(ctx, id)
	if err != nil {
		return nil, status.Error(codes.Internal, fmt.Sprintf("failed to list approvals: %v", err))
	}
	messages, err := s.storage.ListChangeMessages(ctx, id)
	if err != nil {
		return nil, status.Error(codes.Internal, fmt.Sprintf("failed to list messages: %v", err))
	}

	info := changeInfo(change)
	psInfos := make([]any, 0, len(patchSets))
	for _, ps := range patchSets {
		psInfos = append(psInfos, map[string]any{
			"number":   ps.ID.PatchSetNum,
			"revision": ps.Revision,
			"ref":      ps.RefName(),
			"uploader": ps.Uploader,
			"created":  ps.CreatedOn.UTC().Format(time.RFC3339),
		})
	}
	info["patch_sets"] = psInfos

	approvalInfos := make([]any, 0, len(approvals))
	for _, a := range approvals {
		if a.IsDummy() {
			continue
		}
		approvalInfos = append(approvalInfos, map[string]any{
			"patch_set": a.PatchSetID.PatchSetNum,
			"account":   a.AccountID,
			"category":  a.CategoryID,
			"value":     int(a.Value),
		})
	}
	info["approvals"] = approvalInfos

	msgInfos := make([]any, 0, len(messages))
	for _, msg := range messages {
		msgInfos = append(msgInfos, map[string]any{
			"author":  msg.Author,
			"written": msg.WrittenOn.UTC().Format(time.RFC3339),
			"message": msg.Message,
		})
	}
	info["messages"] = msgInfos

	return newStruct(map[string]any{"change": info})
}

func changeInfo(c *models.Change) map[string]any {
	return map[string]any{
		"id":                c.ID,
		"key":               c.Key,
		"project":           c.Project,
		"branch":            c.Dest,
		"topic":             c.Topic,
		"owner":             c.Owner,
		"status":            c.Status.String(),
		"subject":           c.Subject,
		"current_patch_set": c.CurrentPatchSet,
		"updated":           c.LastUpdatedOn.UTC().Format(time.RFC3339),
	}
}

func newStruct(m map[string]any) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, fmt.Sprintf("failed to encode response: %v", err))
	}
	return out, nil
}
