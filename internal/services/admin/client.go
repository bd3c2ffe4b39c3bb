package adminservice

import (
	"context"
	"fmt"

	"github.com/niczy/gitreview/internal/services/structrpc"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ChangeSummary is one entry of a ListChanges reply.
type ChangeSummary struct {
	ID              int64
	Key             string
	Branch          string
	Topic           string
	Status          string
	Subject         string
	CurrentPatchSet int
}

// Client calls the admin service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps a connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// ListChanges returns a page of open changes and the total number of open changes.
func (c *Client) ListChanges(ctx context.Context, project string, limit, offset int) ([]ChangeSummary, int, error) {
	in, err := structpb.NewStruct(map[string]any{"project": project, "limit": limit, "offset": offset})
	if err != nil {
		return nil, 0, fmt.Errorf("encode request: %w", err)
	}
	out, err := structrpc.Invoke(ctx, c.cc, listChangesMethod, in)
	if err != nil {
		return nil, 0, err
	}
	m := out.AsMap()
	objs, err := structrpc.Objects(m, "changes")
	if err != nil {
		return nil, 0, err
	}
	changes := make([]ChangeSummary, 0, len(objs))
	for _, o := range objs {
		changes = append(changes, summary(o))
	}
	return changes, int(structrpc.Int(m, "total")), nil
}

// GetChange returns the full record of a change as decoded JSON-like values.
func (c *Client) GetChange(ctx context.Context, id int64) (map[string]any, error) {
	in, err := structpb.NewStruct(map[string]any{"change_id": id})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	out, err := structrpc.Invoke(ctx, c.cc, getChangeMethod, in)
	if err != nil {
		return nil, err
	}
	change, ok := out.AsMap()["change"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("malformed reply: missing change")
	}
	return change, nil
}

func summary(o map[string]any) ChangeSummary {
	return ChangeSummary{
		ID:              structrpc.Int(o, "id"),
		Key:             structrpc.String(o, "key"),
		Branch:          structrpc.String(o, "branch"),
		Topic:           structrpc.String(o, "topic"),
		Status:          structrpc.String(o, "status"),
		Subject:         structrpc.String(o, "subject"),
		CurrentPatchSet: int(structrpc.Int(o, "current_patch_set")),
	}
}
