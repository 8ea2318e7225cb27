package retriever

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/replydesk/backend/internal/cache/redis"
	"github.com/replydesk/backend/internal/vector/milvus"
	"github.com/replydesk/backend/pkg/logger"
	"github.com/replydesk/backend/pkg/utils"
)

const embeddingCacheTTL = 24 * time.Hour

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type KnowledgeSearcher interface {
	Search(ctx context.Context, queryEmbedding []float32, topK int) ([]milvus.SearchResult, error)
}

type Result struct {
	Content    string
	Source     string
	SourceID   string
	Similarity float64
}

// Retriever finds knowledge entries semantically close to a query. Retrieval
// is best-effort enrichment: every failure path degrades to an empty result,
// never an error.
type Retriever struct {
	embedder Embedder
	store    KnowledgeSearcher
	cache    *redis.Client
}

func New(embedder Embedder, store KnowledgeSearcher, cache *redis.Client) *Retriever {
	return &Retriever{
		embedder: embedder,
		store:    store,
		cache:    cache,
	}
}

// Retrieve returns up to k entries with similarity strictly above threshold,
// ordered by descending similarity.
func (r *Retriever) Retrieve(ctx context.Context, query string, k int, threshold float64) []Result {
	if query == "" || k <= 0 {
		return []Result{}
	}

	embedding, err := r.embedQuery(ctx, query)
	if err != nil {
		logger.Warn("Query embedding failed, retrieving nothing", zap.Error(err))
		return []Result{}
	}

	found, err := r.store.Search(ctx, embedding, k)
	if err != nil {
		logger.Warn("Knowledge search failed, retrieving nothing", zap.Error(err))
		return []Result{}
	}

	results := make([]Result, 0, len(found))
	for _, f := range found {
		if f.Similarity > threshold {
			results = append(results, Result{
				Content:    f.Content,
				Source:     f.Source,
				SourceID:   f.SourceID,
				Similarity: f.Similarity,
			})
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	if len(results) > k {
		results = results[:k]
	}

	logger.Debug("Knowledge retrieved",
		zap.Int("candidates", len(found)),
		zap.Int("results", len(results)),
		zap.Float64("threshold", threshold),
	)

	return results
}

func (r *Retriever) embedQuery(ctx context.Context, query string) ([]float32, error) {
	hash := utils.HashString(query)

	if cached, ok, err := r.cache.GetEmbedding(ctx, hash); err == nil && ok {
		return cached, nil
	} else if err != nil {
		logger.Debug("Embedding cache lookup failed", zap.Error(err))
	}

	embedding, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	if err := r.cache.SetEmbedding(ctx, hash, embedding, embeddingCacheTTL); err != nil {
		logger.Debug("Embedding cache store failed", zap.Error(err))
	}

	return embedding, nil
}
