// Package qdrant stores the epitaph relevance index in a Qdrant collection.
//
// The embedded chromem index is rebuilt from the epitaph log on every start.
// A Qdrant index lets several daemons share one collection and keeps large
// pools out of process memory.
package qdrant

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/fyrsmithlabs/verdict/internal/epitaph"
)

// payloadID holds the epitaph id; Qdrant point ids must be UUIDs.
const payloadID = "epitaph_id"

// pointNamespace derives point ids from epitaph ids.
var pointNamespace = uuid.MustParse("6f1c7a52-4a8e-4d4c-9d2b-1b0f3e5a9c11")

// Config configures the Qdrant connection.
type Config struct {
	// Host is the Qdrant server hostname or IP address.
	Host string

	// Port is the Qdrant gRPC port (NOT HTTP REST port).
	Port int

	UseTLS bool
	APIKey string

	// Collection holds the epitaph vectors. Default: "verdict_epitaphs".
	Collection string

	// MaxMessageSize is the maximum gRPC message size in bytes.
	MaxMessageSize int

	// RequestTimeout bounds each call, including the start-up health check.
	RequestTimeout time.Duration
}

// DefaultConfig returns defaults for a local Qdrant.
func DefaultConfig() Config {
	return Config{
		Host:           "localhost",
		Port:           6334,
		Collection:     "verdict_epitaphs",
		MaxMessageSize: 8 * 1024 * 1024,
		RequestTimeout: 10 * time.Second,
	}
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.Host == "" {
		c.Host = d.Host
	}
	if c.Port == 0 {
		c.Port = d.Port
	}
	if c.Collection == "" {
		c.Collection = d.Collection
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = d.RequestTimeout
	}
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", c.Port)
	}
	if strings.TrimSpace(c.Collection) == "" {
		return fmt.Errorf("collection is required")
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("invalid max message size: %d (must be > 0)", c.MaxMessageSize)
	}
	return nil
}

// Index implements epitaph.Index on a Qdrant collection.
type Index struct {
	client     *qdrant.Client
	collection string
	embed      epitaph.EmbedFunc
	timeout    time.Duration
	logger     *zap.Logger
}

var _ epitaph.Index = (*Index)(nil)

// NewIndex connects, checks health and creates the collection with
// dims-wide cosine vectors when it does not exist yet.
func NewIndex(ctx context.Context, cfg Config, dims int, embed epitaph.EmbedFunc, logger *zap.Logger) (*Index, error) {
	if embed == nil {
		return nil, fmt.Errorf("embed function is required")
	}
	if dims < 1 {
		return nil, fmt.Errorf("invalid vector size: %d", dims)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid qdrant config: %w", err)
	}

	qcfg := &qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		UseTLS: cfg.UseTLS,
		APIKey: cfg.APIKey,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(cfg.MaxMessageSize),
				grpc.MaxCallSendMsgSize(cfg.MaxMessageSize),
			),
		},
	}
	if !cfg.UseTLS {
		qcfg.GrpcOptions = append(qcfg.GrpcOptions, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	client, err := qdrant.NewClient(qcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	x := &Index{
		client:     client,
		collection: cfg.Collection,
		embed:      embed,
		timeout:    cfg.RequestTimeout,
		logger:     logger,
	}
	if err := x.ensureCollection(ctx, uint64(dims)); err != nil {
		_ = client.Close()
		return nil, err
	}
	logger.Info("qdrant epitaph index ready",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("collection", cfg.Collection))
	return x, nil
}

func (x *Index) ensureCollection(ctx context.Context, dims uint64) error {
	ctx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()

	if _, err := x.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("qdrant health check failed: %w", err)
	}
	exists, err := x.client.CollectionExists(ctx, x.collection)
	if err != nil {
		return fmt.Errorf("checking collection %s: %w", x.collection, err)
	}
	if exists {
		return nil
	}
	err = x.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: x.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     dims,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("creating collection %s: %w", x.collection, err)
	}
	return nil
}

// Upsert embeds text and stores it under id.
func (x *Index) Upsert(ctx context.Context, id, text string) error {
	vec, err := x.embed(ctx, text)
	if err != nil {
		return fmt.Errorf("embedding %s: %w", id, err)
	}
	ctx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()

	_, err = x.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: x.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         []*qdrant.PointStruct{point(id, vec)},
	})
	if err != nil {
		return fmt.Errorf("upserting %s: %w", id, err)
	}
	return nil
}

// Search returns up to n epitaph ids ordered by similarity.
func (x *Index) Search(ctx context.Context, text string, n int) ([]epitaph.Candidate, error) {
	if n <= 0 || strings.TrimSpace(text) == "" {
		return nil, nil
	}
	vec, err := x.embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()

	res, err := x.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: x.collection,
		Query:          qdrant.NewQuery(vec...),
		Limit:          qdrant.PtrOf(uint64(n)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", x.collection, err)
	}
	return candidates(res, x.logger), nil
}

// Close closes the client connection.
func (x *Index) Close() error {
	if x == nil || x.client == nil {
		return nil
	}
	return x.client.Close()
}

// PointID returns the Qdrant point id for an epitaph id.
func PointID(epitaphID string) string {
	return uuid.NewSHA1(pointNamespace, []byte(epitaphID)).String()
}

func point(id string, vec []float32) *qdrant.PointStruct {
	return &qdrant.PointStruct{
		Id:      qdrant.NewIDUUID(PointID(id)),
		Vectors: qdrant.NewVectors(vec...),
		Payload: map[string]*qdrant.Value{
			payloadID: {Kind: &qdrant.Value_StringValue{StringValue: id}},
		},
	}
}

// candidates converts scored points, skipping points written by something
// other than this index.
func candidates(res []*qdrant.ScoredPoint, logger *zap.Logger) []epitaph.Candidate {
	out := make([]epitaph.Candidate, 0, len(res))
	for _, sp := range res {
		id := sp.GetPayload()[payloadID].GetStringValue()
		if id == "" {
			logger.Warn("qdrant point without epitaph id", zap.String("point", sp.GetId().GetUuid()))
			continue
		}
		out = append(out, epitaph.Candidate{ID: id, Relevance: float64(sp.GetScore())})
	}
	return out
}
