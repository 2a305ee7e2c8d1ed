package grpcclient

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/REFLX0/RAM/internal/frame"
	"github.com/REFLX0/RAM/internal/logging"
	"github.com/REFLX0/RAM/internal/matcher"
)

// VerifyMethod is the full gRPC method name of the matcher's verify call.
const VerifyMethod = "/faceverify.v1.Matcher/Verify"

// dialTimeout bounds how long DialMatcher waits for the first connection.
const dialTimeout = 5 * time.Second

// DialMatcher returns a matcher client speaking gRPC to addr. It waits up to
// dialTimeout (or ctx) for the connection to become ready; a matcher that is
// still down is logged and left to reconnect in the background, since failed
// verifications are absorbed per tick. The caller owns closing conn.
func DialMatcher(ctx context.Context, addr string, logger *zap.Logger, opts ...grpc.DialOption) (matcher.Client, *grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_matcher", "", err)
		logger.Error("failed to dial matcher", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if err := waitReady(dialCtx, conn); err != nil {
		logger.Warn("matcher not ready, continuing", zap.String("addr", addr), zap.Error(err))
	}
	return New(conn, logger), conn, nil
}

func waitReady(ctx context.Context, conn *grpc.ClientConn) error {
	conn.Connect()
	for {
		state := conn.GetState()
		if state == connectivity.Ready {
			return nil
		}
		if !conn.WaitForStateChange(ctx, state) {
			return ctx.Err()
		}
	}
}

// New wraps an existing connection.
func New(conn grpc.ClientConnInterface, logger *zap.Logger) matcher.Client {
	return &grpcMatcher{
		conn:   conn,
		logger: logger.Named("matcher_grpc"),
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

type grpcMatcher struct {
	conn   grpc.ClientConnInterface
	logger *zap.Logger
	now    func() time.Time
	newID  func() string
}

func (g *grpcMatcher) Verify(ctx context.Context, f frame.Frame) (*matcher.Outcome, error) {
	requestID := g.newID()
	contentType := f.ContentType
	if contentType == "" {
		contentType = "image/jpeg"
	}
	req, err := structpb.NewStruct(map[string]any{
		"image_data":   base64.StdEncoding.EncodeToString(f.Data),
		"content_type": contentType,
		"request_id":   requestID,
	})
	if err != nil {
		return nil, logging.NewOperationError("grpcclient.verify", requestID, err)
	}

	resp := &structpb.Struct{}
	started := g.now()
	if err := g.conn.Invoke(ctx, VerifyMethod, req, resp); err != nil {
		wrapped := logging.NewOperationError("grpcclient.verify", requestID, classify(err))
		g.logger.Debug("matcher call failed", zap.Error(wrapped))
		return nil, wrapped
	}
	arrived := g.now()

	body, err := protojson.Marshal(resp)
	if err != nil {
		return nil, logging.NewOperationError("grpcclient.verify", requestID, &matcher.ProtocolError{Reason: "unrenderable response", Err: err})
	}
	out, err := matcher.DecodeOutcome(body)
	if err != nil {
		return nil, logging.NewOperationError("grpcclient.verify", requestID, err)
	}
	out.Latency = arrived.Sub(started)
	out.RequestID = requestID
	return out, nil
}

// classify maps gRPC failures onto the matcher error taxonomy.
func classify(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return &matcher.NetworkError{Op: "matcher.verify", Err: err}
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		return &matcher.NetworkError{Op: "matcher.verify", Err: err}
	default:
		return &matcher.ProtocolError{Reason: st.Code().String() + ": " + st.Message(), Err: err}
	}
}
