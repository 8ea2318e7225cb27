package milvus

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/replydesk/backend/internal/storage/models"
	"github.com/replydesk/backend/pkg/logger"
)

type Client struct {
	client         client.Client
	collectionName string
	vectorDim      int
}

type SearchResult struct {
	ID         string
	Content    string
	Source     string
	SourceID   string
	Similarity float64
}

func NewClient(endpoint, collectionName string, vectorDim int) (*Client, error) {
	c, err := client.NewGrpcClient(
		context.Background(),
		endpoint,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Milvus client initialized",
		zap.String("endpoint", endpoint),
		zap.String("collection", collectionName),
	)

	return &Client{
		client:         c,
		collectionName: collectionName,
		vectorDim:      vectorDim,
	}, nil
}

func (m *Client) Close() error {
	return m.client.Close()
}

func (m *Client) EnsureCollection(ctx context.Context) error {
	has, err := m.client.HasCollection(ctx, m.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}

	if has {
		logger.Info("Collection already exists", zap.String("collection", m.collectionName))
		return nil
	}

	schema := &entity.Schema{
		CollectionName: m.collectionName,
		Description:    "Embedded support knowledge base",
		Fields: []*entity.Field{
			{
				Name:       "entry_id",
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				AutoID:     false,
				TypeParams: map[string]string{
					"max_length": "64",
				},
			},
			{
				Name:     "embedding",
				DataType: entity.FieldTypeFloatVector,
				TypeParams: map[string]string{
					"dim": fmt.Sprintf("%d", m.vectorDim),
				},
			},
			{
				Name:     "content",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "8192",
				},
			},
			{
				Name:     "source",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "64",
				},
			},
			{
				Name:     "source_id",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "64",
				},
			},
			{
				Name:     "content_hash",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "64",
				},
			},
			{
				Name:     "metadata",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "2048",
				},
			},
			{
				Name:     "created_ts",
				DataType: entity.FieldTypeInt64,
			},
		},
	}

	err = m.client.CreateCollection(ctx, schema, entity.DefaultShardNumber)
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	// Vectors are stored unit-normalized, so inner product equals cosine
	// similarity and search scores can be thresholded directly.
	idx, err := entity.NewIndexIvfFlat(entity.IP, 1024)
	if err != nil {
		return fmt.Errorf("failed to build index params: %w", err)
	}
	err = m.client.CreateIndex(ctx, m.collectionName, "embedding", idx, false)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	err = m.client.LoadCollection(ctx, m.collectionName, false)
	if err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}

	logger.Info("Collection created and loaded", zap.String("collection", m.collectionName))

	return nil
}

func (m *Client) Insert(ctx context.Context, entries []models.KnowledgeEntry) error {
	if len(entries) == 0 {
		return nil
	}

	ids := make([]string, len(entries))
	embeddings := make([][]float32, len(entries))
	contents := make([]string, len(entries))
	sources := make([]string, len(entries))
	sourceIDs := make([]string, len(entries))
	hashes := make([]string, len(entries))
	metadatas := make([]string, len(entries))
	timestamps := make([]int64, len(entries))

	for i, e := range entries {
		ids[i] = e.ID
		embeddings[i] = normalize(e.Embedding)
		contents[i] = e.Content
		sources[i] = e.Source
		sourceIDs[i] = e.SourceID
		hashes[i] = e.ContentHash
		metadatas[i] = encodeMetadata(e.Metadata)
		timestamps[i] = e.CreatedAt.Unix()
	}

	_, err := m.client.Insert(
		ctx,
		m.collectionName,
		"",
		entity.NewColumnVarChar("entry_id", ids),
		entity.NewColumnFloatVector("embedding", m.vectorDim, embeddings),
		entity.NewColumnVarChar("content", contents),
		entity.NewColumnVarChar("source", sources),
		entity.NewColumnVarChar("source_id", sourceIDs),
		entity.NewColumnVarChar("content_hash", hashes),
		entity.NewColumnVarChar("metadata", metadatas),
		entity.NewColumnInt64("created_ts", timestamps),
	)

	if err != nil {
		return fmt.Errorf("failed to insert knowledge entries: %w", err)
	}

	err = m.client.Flush(ctx, m.collectionName, false)
	if err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	logger.Info("Knowledge entries inserted", zap.Int("count", len(entries)))

	return nil
}

func (m *Client) Search(ctx context.Context, queryEmbedding []float32, topK int) ([]SearchResult, error) {
	sp, _ := entity.NewIndexIvfFlatSearchParam(16)

	searchResult, err := m.client.Search(
		ctx,
		m.collectionName,
		[]string{},
		"",
		[]string{"entry_id", "content", "source", "source_id"},
		[]entity.Vector{entity.FloatVector(normalize(queryEmbedding))},
		"embedding",
		entity.IP,
		topK,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	results := make([]SearchResult, 0)
	for _, sr := range searchResult {
		for i := 0; i < sr.ResultCount; i++ {
			idCol := sr.Fields.GetColumn("entry_id")
			contentCol := sr.Fields.GetColumn("content")
			sourceCol := sr.Fields.GetColumn("source")
			sourceIDCol := sr.Fields.GetColumn("source_id")

			id, _ := idCol.Get(i)
			content, _ := contentCol.Get(i)
			source, _ := sourceCol.Get(i)
			sourceID, _ := sourceIDCol.Get(i)

			results = append(results, SearchResult{
				ID:         id.(string),
				Content:    content.(string),
				Source:     source.(string),
				SourceID:   sourceID.(string),
				Similarity: float64(sr.Scores[i]),
			})
		}
	}

	logger.Debug("Vector search completed",
		zap.Int("topK", topK),
		zap.Int("results", len(results)),
	)

	return results, nil
}

// Exists reports whether an entry with the same content hash and source id is
// already stored, used to suppress duplicate knowledge extraction.
func (m *Client) Exists(ctx context.Context, contentHash, sourceID string) (bool, error) {
	expr := fmt.Sprintf(`content_hash == "%s" && source_id == "%s"`, contentHash, sourceID)

	result, err := m.client.Query(
		ctx,
		m.collectionName,
		[]string{},
		expr,
		[]string{"entry_id"},
	)
	if err != nil {
		return false, fmt.Errorf("failed to query for duplicates: %w", err)
	}

	for _, col := range result {
		if col.Name() == "entry_id" && col.Len() > 0 {
			return true, nil
		}
	}
	return false, nil
}

func encodeMetadata(m map[string]string) string {
	if len(m) == 0 {
		return ""
	}
	b, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(b)
}

func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := float32(math.Sqrt(sum))
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}
