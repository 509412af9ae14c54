package grpcclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/face-verify/internal/embedding"
	"github.com/example/face-verify/internal/imagecodec"
	"github.com/example/face-verify/internal/logging"
)

// RepresentMethod is the unary RPC served by the embedding model. It takes the
// staged JPEG as a google.protobuf.BytesValue and answers with a
// google.protobuf.Struct shaped like embedding.Response.
const RepresentMethod = "/faceembed.v1.EmbeddingService/Represent"

// Options selects the model and detector on the remote service.
type Options struct {
	Model       string
	Detector    string
	DialTimeout time.Duration
	DialOptions []grpc.DialOption
}

// DialEmbeddingProvider returns a ready-to-use gRPC embedding provider.
func DialEmbeddingProvider(ctx context.Context, addr string, opts Options, logger *zap.Logger) (*Provider, error) {
	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, opts.DialOptions...)

	conn, err := grpc.DialContext(dialCtx, addr, dialOpts...)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_embedding_provider", "", err)
		logger.Error("failed to dial embedding provider", zap.Error(wrapped), zap.String("addr", addr))
		return nil, wrapped
	}
	return &Provider{conn: conn, opts: opts, logger: logger.Named("grpc_provider")}, nil
}

// Provider implements embedding.Provider over a gRPC connection.
type Provider struct {
	conn   *grpc.ClientConn
	opts   Options
	logger *zap.Logger
}

// Extract sends img to the remote model. The JPEG staging buffer is local to
// the call.
func (p *Provider) Extract(ctx context.Context, img *imagecodec.Image) (*embedding.Face, error) {
	staged, err := img.JPEG()
	if err != nil {
		return nil, logging.NewOperationError("grpcclient.stage_image", "", err)
	}

	ctx = metadata.AppendToOutgoingContext(ctx, "model", p.opts.Model, "detector", p.opts.Detector)
	reply := &structpb.Struct{}
	if err := p.conn.Invoke(ctx, RepresentMethod, wrapperspb.Bytes(staged), reply); err != nil {
		if st, ok := status.FromError(err); ok && st.Code() == codes.InvalidArgument {
			return nil, embedding.Classify(st.Message())
		}
		wrapped := logging.NewOperationError("grpcclient.represent", "", err)
		p.logger.Error("embedding provider call failed", zap.Error(wrapped))
		return nil, wrapped
	}

	resp, err := decodeResponse(reply)
	if err != nil {
		return nil, logging.NewOperationError("grpcclient.decode_response", "", err)
	}
	return resp.Resolve()
}

// Close tears down the connection.
func (p *Provider) Close() error {
	return p.conn.Close()
}

func decodeResponse(reply *structpb.Struct) (*embedding.Response, error) {
	raw, err := protojson.Marshal(reply)
	if err != nil {
		return nil, err
	}
	var resp embedding.Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("unexpected response shape: %w", err)
	}
	return &resp, nil
}
