// Package structrpc carries unary gRPC calls whose request and response are
// google.protobuf.Struct messages, so services can be described without
// generated code.
package structrpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Method is a unary method of service implementation S.
type Method[S any] func(S, context.Context, *structpb.Struct) (*structpb.Struct, error)

// Handler adapts m to a grpc.MethodHandler for fullMethod.
func Handler[S any](fullMethod string, m Method[S]) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return m(srv.(S), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return m(srv.(S), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// FullMethod returns "/service/method".
func FullMethod(service, method string) string {
	return "/" + service + "/" + method
}

// Invoke performs one unary call.
func Invoke(ctx context.Context, cc grpc.ClientConnInterface, fullMethod string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := cc.Invoke(ctx, fullMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// String returns m[key] if it is a string.
func String(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// Bool returns m[key] if it is a bool.
func Bool(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

// Int returns m[key] as an integer. Struct numbers are float64 on the wire.
func Int(m map[string]any, key string) int64 {
	f, _ := m[key].(float64)
	return int64(f)
}

// Strings returns m[key] as a string list; a missing key yields nil.
func Strings(m map[string]any, key string) ([]string, error) {
	raw, ok := m[key]
	if !ok || raw == nil {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("%s: not a list", key)
	}
	out := make([]string, 0, len(list))
	for i, item := range list {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("%s[%d]: not a string", key, i)
		}
		out = append(out, s)
	}
	return out, nil
}

// Objects returns m[key] as a list of objects; a missing key yields nil.
func Objects(m map[string]any, key string) ([]map[string]any, error) {
	raw, ok := m[key]
	if !ok || raw == nil {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("%s: not a list", key)
	}
	out := make([]map[string]any, 0, len(list))
	for i, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s[%d]: not an object", key, i)
		}
		out = append(out, obj)
	}
	return out, nil
}

// List converts strings to the []any form structpb.NewStruct accepts.
func List(values []string) []any {
	out := make([]any, 0, len(values))
	for _, v := range values {
		out = append(out, v)
	}
	return out
}
