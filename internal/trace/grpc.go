package trace

import (
	"context"
	"path"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// UnaryClientInterceptor wraps each outgoing OCR call in a span and forwards
// the trace context as metadata, so the service logs can be joined with the
// poll that produced the frame.
func UnaryClientInterceptor() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		ctx, span := StartSpan(ctx, "grpc."+path.Base(method))
		defer span.End()
		if cc != nil {
			span.SetAttr("target", cc.Target())
		}

		err := invoker(injectMetadata(ctx), method, req, reply, cc, opts...)
		span.SetAttr("code", status.Code(err).String())
		span.RecordError(err)
		return err
	}
}

// injectMetadata adds trace context to outgoing gRPC metadata. Keys already
// present are overwritten, never appended.
func injectMetadata(ctx context.Context) context.Context {
	tc, ok := FromContext(ctx)
	if !ok {
		tc = New()
		ctx = WithContext(ctx, tc)
	}

	md, ok := metadata.FromOutgoingContext(ctx)
	if !ok {
		md = metadata.New(nil)
	} else {
		md = md.Copy()
	}

	md.Set(TraceIDKey, tc.TraceID)
	md.Set(SpanIDKey, tc.SpanID)
	if tc.ParentSpanID != "" {
		md.Set(ParentSpanIDKey, tc.ParentSpanID)
	}

	return metadata.NewOutgoingContext(ctx, md)
}
