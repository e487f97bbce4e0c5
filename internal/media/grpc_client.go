package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Sameersah/talknshop/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Service and method names exposed by the media service. Requests and
// responses are google.protobuf.Struct values.
const (
	ServiceName        = "talknshop.media.v1.MediaService"
	transcribeMethod   = "/" + ServiceName + "/Transcribe"
	analyzeImageMethod = "/" + ServiceName + "/AnalyzeImage"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errNotServing               = errors.New("media service not serving")
	errEmptyTranscript          = errors.New("media service returned an empty transcript")
)

// GrpcClient is a Client backed by the media service's gRPC API.
type GrpcClient struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
	cfg    GrpcClientConfig
	logger *slog.Logger
}

// GrpcClientConfig holds configuration for the gRPC client.
type GrpcClientConfig struct {
	Address          string
	Language         string
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGrpcClientConfig returns default configuration.
func DefaultGrpcClientConfig() GrpcClientConfig {
	return GrpcClientConfig{
		Address:          "localhost:50051",
		Language:         "en",
		ConnectTimeout:   5 * time.Second,
		RequestTimeout:   30 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// NewGrpcClient dials the media service and waits until the connection is
// ready, so a bad endpoint fails at startup instead of on the first turn.
func NewGrpcClient(cfg GrpcClientConfig, logger *slog.Logger, opts ...grpc.DialOption) (*GrpcClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = withDefaults(cfg)

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, opts...)

	// Build client connection (no network I/O yet).
	conn, err := grpc.NewClient(cfg.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to media service at %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("media service at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to media service", "address", cfg.Address)

	return &GrpcClient{
		conn:   conn,
		health: healthpb.NewHealthClient(conn),
		cfg:    cfg,
		logger: logger,
	}, nil
}

func withDefaults(cfg GrpcClientConfig) GrpcClientConfig {
	def := DefaultGrpcClientConfig()
	if cfg.Address == "" {
		cfg.Address = def.Address
	}
	if cfg.Language == "" {
		cfg.Language = def.Language
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.KeepaliveTime <= 0 {
		cfg.KeepaliveTime = def.KeepaliveTime
	}
	if cfg.KeepaliveTimeout <= 0 {
		cfg.KeepaliveTimeout = def.KeepaliveTimeout
	}
	return cfg
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the gRPC connection.
func (c *GrpcClient) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Health asks the standard gRPC health service whether the media service is
// serving.
func (c *GrpcClient) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return classify(fmt.Errorf("health check failed: %w", err))
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: media: %w (%s)", domain.ErrCollaboratorUnavailable, errNotServing, resp.GetStatus())
	}
	return nil
}

// Transcribe converts an uploaded audio object to text.
func (c *GrpcClient) Transcribe(ctx context.Context, ref domain.MediaRef) (*domain.Transcription, error) {
	resp, err := c.invoke(ctx, transcribeMethod, map[string]any{
		"s3_key":       ref.S3Key,
		"content_type": ref.ContentType,
		"language":     c.cfg.Language,
	})
	if err != nil {
		c.logger.Error("Audio transcription failed", "error", err, "s3_key", ref.S3Key)
		return nil, err
	}

	out := transcriptionFromStruct(resp)
	if out.Transcript == "" {
		return nil, fmt.Errorf("%w: media: %w", domain.ErrCollaboratorUnavailable, errEmptyTranscript)
	}
	c.logger.Info("Audio transcription completed",
		"s3_key", ref.S3Key,
		"confidence", out.Confidence,
		"transcript_length", len(out.Transcript),
	)
	return out, nil
}

// AnalyzeImage extracts labels, OCR text and detected objects from an image.
func (c *GrpcClient) AnalyzeImage(ctx context.Context, ref domain.MediaRef) (*domain.ImageAttributes, error) {
	resp, err := c.invoke(ctx, analyzeImageMethod, map[string]any{
		"s3_key":          ref.S3Key,
		"content_type":    ref.ContentType,
		"extract_text":    true,
		"extract_objects": true,
	})
	if err != nil {
		c.logger.Error("Image attribute extraction failed", "error", err, "s3_key", ref.S3Key)
		return nil, err
	}

	out := imageAttributesFromStruct(resp)
	c.logger.Info("Image attribute extraction completed",
		"s3_key", ref.S3Key,
		"labels", len(out.Labels),
		"objects", len(out.Objects),
	)
	return out, nil
}

func (c *GrpcClient) invoke(ctx context.Context, method string, payload map[string]any) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(payload)
	if err != nil {
		return nil, fmt.Errorf("build media request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, method, req, resp); err != nil {
		return nil, classify(err)
	}
	return resp, nil
}

// classify maps gRPC status codes onto the collaborator error taxonomy.
func classify(err error) error {
	switch status.Code(err) {
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: media: %w", domain.ErrCollaboratorTimeout, err)
	case codes.Canceled:
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: media: %w", domain.ErrCollaboratorTimeout, err)
		}
	}
	return domain.CollaboratorError("media", err)
}

func transcriptionFromStruct(s *structpb.Struct) *domain.Transcription {
	fields := s.GetFields()
	out := &domain.Transcription{
		Transcript: fields["transcript"].GetStringValue(),
		Confidence: 1.0,
	}
	if v, ok := fields["confidence"]; ok {
		out.Confidence = v.GetNumberValue()
	}
	return out
}

func imageAttributesFromStruct(s *structpb.Struct) *domain.ImageAttributes {
	fields := s.GetFields()
	return &domain.ImageAttributes{
		Labels:  stringList(fields["labels"]),
		Text:    stringList(fields["text"]),
		Objects: stringList(fields["objects"]),
	}
}

// stringList reads a list of strings. Object entries such as
// {"name": "shoe", "confidence": 0.9} contribute their name.
func stringList(v *structpb.Value) []string {
	list := v.GetListValue()
	if list == nil {
		return nil
	}
	out := make([]string, 0, len(list.GetValues()))
	for _, item := range list.GetValues() {
		switch k := item.GetKind().(type) {
		case *structpb.Value_StringValue:
			if k.StringValue != "" {
				out = append(out, k.StringValue)
			}
		case *structpb.Value_StructValue:
			if name := k.StructValue.GetFields()["name"].GetStringValue(); name != "" {
				out = append(out, name)
			}
		}
	}
	return out
}

var _ Client = (*GrpcClient)(nil)
