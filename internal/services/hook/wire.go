package hookservice

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/niczy/gitreview/internal/gitrepo"
	"github.com/niczy/gitreview/internal/services/structrpc"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "gitreview.hook.v1.HookService"

var (
	preReceiveMethod  = structrpc.FullMethod(ServiceName, "PreReceive")
	postReceiveMethod = structrpc.FullMethod(ServiceName, "PostReceive")
)

// HookServiceServer is the server API of the hook service. Messages travel as
// structpb.Struct; Request and Response are their typed views.
type HookServiceServer interface {
	PreReceive(context.Context, *structpb.Struct) (*structpb.Struct, error)
	PostReceive(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes the hook service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*HookServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "PreReceive", Handler: structrpc.Handler[HookServiceServer](preReceiveMethod, HookServiceServer.PreReceive)},
		{MethodName: "PostReceive", Handler: structrpc.Handler[HookServiceServer](postReceiveMethod, HookServiceServer.PostReceive)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "gitreview/hook/v1/hook.proto",
}

// Command is one "<old> <new> <ref>" line of hook input.
type Command struct {
	Old string
	New string
	Ref string
}

// Request is the typed form of a PreReceive or PostReceive call.
type Request struct {
	Project   string
	Pusher    string
	Reviewers []string
	CC        []string
	Commands  []Command
	// Apply asks the service to apply accepted branch and tag updates itself
	// and run post-receive processing in the same call.
	Apply bool
}

// Result is the outcome of one command.
type Result struct {
	Ref     string
	Status  string
	Message string
}

// Response is the typed form of a hook service reply.
type Response struct {
	Results  []Result
	Messages []string
}

// ToStruct encodes the request for the wire.
func (r *Request) ToStruct() (*structpb.Struct, error) {
	cmds := make([]any, 0, len(r.Commands))
	for _, c := range r.Commands {
		cmds = append(cmds, map[string]any{"old": c.Old, "new": c.New, "ref": c.Ref})
	}
	return structpb.NewStruct(map[string]any{
		"project":   r.Project,
		"pusher":    r.Pusher,
		"reviewers": structrpc.List(r.Reviewers),
		"cc":        structrpc.List(r.CC),
		"commands":  cmds,
		"apply":     r.Apply,
	})
}

// RequestFromStruct decodes a request received from the wire.
func RequestFromStruct(s *structpb.Struct) (*Request, error) {
	m := s.AsMap()
	req := &Request{
		Project: structrpc.String(m, "project"),
		Pusher:  structrpc.String(m, "pusher"),
		Apply:   structrpc.Bool(m, "apply"),
	}
	if req.Project == "" {
		return nil, errors.New("project is required")
	}
	if req.Pusher == "" {
		return nil, errors.New("pusher is required")
	}

	var err error
	if req.Reviewers, err = structrpc.Strings(m, "reviewers"); err != nil {
		return nil, err
	}
	if req.CC, err = structrpc.Strings(m, "cc"); err != nil {
		return nil, err
	}
	cmds, err := structrpc.Objects(m, "commands")
	if err != nil {
		return nil, err
	}
	for _, c := range cmds {
		req.Commands = append(req.Commands, Command{
			Old: structrpc.String(c, "old"),
			New: structrpc.String(c, "new"),
			Ref: structrpc.String(c, "ref"),
		})
	}
	return req, nil
}

// ToStruct encodes the response for the wire.
func (r *Response) ToStruct() (*structpb.Struct, error) {
	results := make([]any, 0, len(r.Results))
	for _, res := range r.Results {
		results = append(results, map[string]any{"ref": res.Ref, "status": res.Status, "message": res.Message})
	}
	return structpb.NewStruct(map[string]any{
		"results":  results,
		"messages": structrpc.List(r.Messages),
	})
}

// ResponseFromStruct decodes a reply.
func ResponseFromStruct(s *structpb.Struct) (*Response, error) {
	m := s.AsMap()
	resp := &Response{}
	var err error
	if resp.Messages, err = structrpc.Strings(m, "messages"); err != nil {
		return nil, err
	}
	results, err := structrpc.Objects(m, "results")
	if err != nil {
		return nil, err
	}
	for _, r := range results {
		resp.Results = append(resp.Results, Result{
			Ref:     structrpc.String(r, "ref"),
			Status:  structrpc.String(r, "status"),
			Message: structrpc.String(r, "message"),
		})
	}
	return resp, nil
}

// GitCommands converts wire commands to receive commands.
func (r *Request) GitCommands() ([]*gitrepo.Command, error) {
	cmds := make([]*gitrepo.Command, 0, len(r.Commands))
	for i, c := range r.Commands {
		oldID, err := parseHash(c.Old)
		if err != nil {
			return nil, fmt.Errorf("commands[%d] old: %w", i, err)
		}
		newID, err := parseHash(c.New)
		if err != nil {
			return nil, fmt.Errorf("commands[%d] new: %w", i, err)
		}
		if c.Ref == "" {
			return nil, fmt.Errorf("commands[%d]: ref is required", i)
		}
		if oldID.IsZero() && newID.IsZero() {
			return nil, fmt.Errorf("commands[%d]: old and new are both zero", i)
		}
		cmds = append(cmds, gitrepo.NewCommand(oldID, newID, c.Ref))
	}
	return cmds, nil
}

func parseHash(s string) (plumbing.Hash, error) {
	if len(s) != 40 {
		return plumbing.ZeroHash, fmt.Errorf("invalid object id %q", s)
	}
	if _, err := hex.DecodeString(s); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("invalid object id %q", s)
	}
	return plumbing.NewHash(s), nil
}

// Client calls the hook service over an established connection.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps a connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// PreReceive submits the commands of a push before refs are updated.
func (c *Client) PreReceive(ctx context.Context, req *Request, opts ...grpc.CallOption) (*Response, error) {
	return c.call(ctx, preReceiveMethod, req, opts...)
}

// PostReceive reports commands that were applied.
func (c *Client) PostReceive(ctx context.Context, req *Request, opts ...grpc.CallOption) (*Response, error) {
	return c.call(ctx, postReceiveMethod, req, opts...)
}

func (c *Client) call(ctx context.Context, method string, req *Request, opts ...grpc.CallOption) (*Response, error) {
	in, err := req.ToStruct()
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	out, err := structrpc.Invoke(ctx, c.cc, method, in, opts...)
	if err != nil {
		return nil, err
	}
	return ResponseFromStruct(out)
}
