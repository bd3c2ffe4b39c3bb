package hookservice

import (
	"context"
	"errors"
	"fmt"

	"github.com/niczy/gitreview/internal/gitrepo"
	"github.com/niczy/gitreview/internal/receive"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

type hookServiceServer struct {
	receiver *receive.Receiver
	repos    *gitrepo.Manager
	logger   *zap.Logger
}

func newHookServiceServer(r *receive.Receiver, repos *gitrepo.Manager, logger *zap.Logger) *hookServiceServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &hookServiceServer{
		receiver: r,
		repos:    repos,
		logger:   logger,
	}
}

// NewGRPCServer constructs a gRPC server exposing the hook service.
func NewGRPCServer(r *receive.Receiver, repos *gitrepo.Manager, logger *zap.Logger, opts ...grpc.ServerOption) *grpc.Server {
	srv := grpc.NewServer(opts...)
	Register(srv, r, repos, logger)
	return srv
}

// Register adds the hook service to an existing server.
func Register(srv grpc.ServiceRegistrar, r *receive.Receiver, repos *gitrepo.Manager, logger *zap.Logger) {
	srv.RegisterService(&ServiceDesc, newHookServiceServer(r, repos, logger))
}

// NewService constructs the hook service implementation for use without gRPC.
func NewService(r *receive.Receiver, repos *gitrepo.Manager, logger *zap.Logger) HookServiceServer {
	return newHookServiceServer(r, repos, logger)
}

func (s *hookServiceServer) PreReceive(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, cmds, err := decode(in)
	if err != nil {
		return nil, err
	}
	log := s.logger.With(zap.String("project", req.Project), zap.String("pusher", req.Pusher))
	log.Info("pre-receive", zap.Int("commands", len(cmds)), zap.Bool("apply", req.Apply))

	session, err := s.newSession(ctx, req)
	if err != nil {
		return nil, err
	}
	session.PreReceive(ctx, cmds)
	if !req.Apply {
		return encode(cmds, session.Messages())
	}

	repo, err := s.repos.Get(req.Project)
	if err != nil {
		return nil, sessionError(err)
	}
	repo.ApplyCommands(cmds)

	// Post-receive starts from the refs git now holds, not from the
	// replacements queued while validating.
	post, err := s.newSession(ctx, req)
	if err != nil {
		return nil, err
	}
	post.PostReceive(ctx, cmds)
	return encode(cmds, append(session.Messages(), post.Messages()...))
}

func (s *hookServiceServer) PostReceive(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, cmds, err := decode(in)
	if err != nil {
		return nil, err
	}
	s.logger.Info("post-receive",
		zap.String("project", req.Project),
		zap.String("pusher", req.Pusher),
		zap.Int("commands", len(cmds)))

	session, err := s.newSession(ctx, req)
	if err != nil {
		return nil, err
	}
	// git reports only the updates it applied.
	for _, cmd := range cmds {
		cmd.SetResult(gitrepo.ResultOK, "")
	}
	session.PostReceive(ctx, cmds)
	return encode(cmds, session.Messages())
}

func (s *hookServiceServer) newSession(ctx context.Context, req *Request) (*receive.Session, error) {
	session, err := s.receiver.NewSession(ctx, req.Project, req.Pusher, receive.PushOptions{
		Reviewers: req.Reviewers,
		CC:        req.CC,
	})
	if err != nil {
		return nil, sessionError(err)
	}
	return session, nil
}

func decode(in *structpb.Struct) (*Request, []*gitrepo.Command, error) {
	req, err := RequestFromStruct(in)
	if err != nil {
		return nil, nil, status.Error(codes.InvalidArgument, err.Error())
	}
	cmds, err := req.GitCommands()
	if err != nil {
		return nil, nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return req, cmds, nil
}

func encode(cmds []*gitrepo.Command, messages []string) (*structpb.Struct, error) {
	resp := &Response{Messages: messages}
	for _, cmd := range cmds {
		resp.Results = append(resp.Results, Result{
			Ref:     cmd.RefName,
			Status:  cmd.Result.String(),
			Message: cmd.Message,
		})
	}
	out, err := resp.ToStruct()
	if err != nil {
		return nil, status.Error(codes.Internal, fmt.Sprintf("failed to encode response: %v", err))
	}
	return out, nil
}

func sessionError(err error) error {
	switch {
	case errors.Is(err, receive.ErrUnknownProject), errors.Is(err, gitrepo.ErrRepositoryNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, receive.ErrUnknownPusher):
		return status.Error(codes.PermissionDenied, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
