package ocr

import (
	"context"
	"errors"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/wrapperspb"

	apperrors "github.com/GriffinCanCode/runwatch/internal/errors"
	"github.com/GriffinCanCode/runwatch/internal/resilience"
	"github.com/GriffinCanCode/runwatch/internal/trace"
)

// ExtractTextMethod is the unary method of the OCR service. The request is a
// google.protobuf.BytesValue holding a PNG crop, the reply a StringValue.
const ExtractTextMethod = "/ocr.OCRService/ExtractText"

// Client configuration defaults
const (
	DefaultKeepaliveTime    = 10 * time.Second
	DefaultKeepaliveTimeout = 3 * time.Second
)

// GRPCClient calls a remote OCR service behind a circuit breaker.
type GRPCClient struct {
	conn    *grpc.ClientConn
	breaker *resilience.Breaker
}

// NewGRPCClient connects lazily to addr.
func NewGRPCClient(addr string, opts ...grpc.DialOption) (*GRPCClient, error) {
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                DefaultKeepaliveTime,
			Timeout:             DefaultKeepaliveTimeout,
			PermitWithoutStream: true,
		}),
		grpc.WithChainUnaryInterceptor(trace.UnaryClientInterceptor()),
	}
	conn, err := grpc.NewClient(addr, append(base, opts...)...)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeConfigInvalid, "create ocr client")
	}
	return &GRPCClient{conn: conn, breaker: resilience.New("ocr", resilience.OCRConfig())}, nil
}

// Breaker exposes the breaker for state hooks.
func (c *GRPCClient) Breaker() *resilience.Breaker { return c.breaker }

// Close closes the gRPC connection
func (c *GRPCClient) Close() error {
	return c.conn.Close()
}

func (c *GRPCClient) Recognize(ctx context.Context, img []byte) (string, error) {
	text, err := resilience.ExecuteWithResult(c.breaker, func() (string, error) {
		out := &wrapperspb.StringValue{}
		if err := c.conn.Invoke(ctx, ExtractTextMethod, wrapperspb.Bytes(img), out); err != nil {
			return "", err
		}
		return out.GetValue(), nil
	})
	if errors.Is(err, resilience.ErrOpen) {
		return "", apperrors.Wrap(err, apperrors.CodeOCRFailed, "ocr service unavailable")
	}
	if err != nil {
		appErr := apperrors.FromGRPCError(err)
		switch appErr.Code {
		case apperrors.CodeUnavailable, apperrors.CodeTimeout, apperrors.CodeRateLimited,
			apperrors.CodeCancelled, apperrors.CodeOCRFailed, apperrors.CodeOCRInvalidImage:
		case apperrors.CodeInvalidArgument:
			appErr.Code = apperrors.CodeOCRInvalidImage
		default:
			// remote codes must not read as local state or config failures
			appErr.Code = apperrors.CodeOCRFailed
		}
		return "", appErr
	}
	return text, nil
}
