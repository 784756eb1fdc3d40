package utils

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pinecone-io/go-pinecone/pinecone"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/Perceptus-Labs/perceptus-sight/models"
)

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// PineconeSceneMemory stores scene descriptions in a Pinecone index, one
// namespace per client.
type PineconeSceneMemory struct {
	index    *pinecone.IndexConnection
	embedder Embedder
	topK     int
}

type PineconeOptions struct {
	APIKey    string
	Index     string
	Namespace string
	TopK      int
}

func NewPineconeSceneMemory(ctx context.Context, opts PineconeOptions, embedder Embedder) (*PineconeSceneMemory, error) {
	if opts.Index == "" {
		return nil, fmt.Errorf("PINECONE_INDEX environment variable is not set")
	}
	if opts.APIKey == "" {
		return nil, fmt.Errorf("PINECONE_API_KEY environment variable is not set")
	}

	client, err := pinecone.NewClient(pinecone.NewClientParams{
		ApiKey: opts.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Pinecone client: %w", err)
	}

	idx, err := client.DescribeIndex(ctx, opts.Index)
	if err != nil {
		return nil, fmt.Errorf("failed to describe index %q: %w", opts.Index, err)
	}

	namespace := fmt.Sprintf("sight-%s", opts.Namespace)
	idxConnection, err := client.Index(pinecone.NewIndexConnParams{Host: idx.Host, Namespace: namespace})
	if err != nil {
		return nil, fmt.Errorf("failed to create IndexConnection for Host %v: %w", idx.Host, err)
	}

	topK := opts.TopK
	if topK <= 0 {
		topK = 3
	}
	return &PineconeSceneMemory{index: idxConnection, embedder: embedder, topK: topK}, nil
}

func (m *PineconeSceneMemory) Store(ctx context.Context, record models.SceneRecord) error {
	embedding, err := m.embedder.Embed(ctx, record.Description)
	if err != nil {
		return fmt.Errorf("error vectorizing scene: %w", err)
	}

	metadata, err := structpb.NewStruct(map[string]any{
		"text":       record.Description,
		"session_id": record.SessionID,
		"language":   record.Language,
		"timestamp":  record.Timestamp.Unix(),
	})
	if err != nil {
		return fmt.Errorf("failed to build vector metadata: %w", err)
	}

	id := record.ID
	if id == "" {
		id = uuid.NewString()
	}
	_, err = m.index.UpsertVectors(ctx, []*pinecone.Vector{{
		Id:       id,
		Values:   embedding,
		Metadata: metadata,
	}})
	if err != nil {
		return fmt.Errorf("error upserting scene: %w", err)
	}
	return nil
}

func (m *PineconeSceneMemory) Recall(ctx context.Context, query string) ([]string, error) {
	embedding, err := m.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("error vectorizing query: %w", err)
	}

	queryResponse, err := m.index.QueryByVectorValues(ctx, &pinecone.QueryByVectorValuesRequest{
		Vector:          embedding,
		TopK:            uint32(m.topK),
		IncludeValues:   false,
		IncludeMetadata: true,
	})
	if err != nil {
		return nil, fmt.Errorf("error querying Pinecone index: %w", err)
	}

	var matches []string
	for _, match := range queryResponse.Matches {
		if match.Vector == nil || match.Vector.Metadata == nil {
			continue
		}
		if value, ok := match.Vector.Metadata.Fields["text"]; ok {
			if text := value.GetStringValue(); text != "" {
				matches = append(matches, text)
			}
		}
	}
	return matches, nil
}

func (m *PineconeSceneMemory) Close() error {
	return m.index.Close()
}

// MemorySceneMemory keeps scene embeddings in process and ranks them by
// cosine similarity.
type MemorySceneMemory struct {
	embedder Embedder
	topK     int
	limit    int

	mu      sync.Mutex
	entries []sceneEntry
}

type sceneEntry struct {
	text   string
	vector []float32
}

// NewMemorySceneMemory keeps at most limit entries, dropping the oldest.
func NewMemorySceneMemory(embedder Embedder, topK, limit int) *MemorySceneMemory {
	if topK <= 0 {
		topK = 3
	}
	if limit <= 0 {
		limit = 200
	}
	return &MemorySceneMemory{embedder: embedder, topK: topK, limit: limit}
}

func (m *MemorySceneMemory) Store(ctx context.Context, record models.SceneRecord) error {
	text := strings.TrimSpace(record.Description)
	if text == "" {
		return nil
	}
	vector, err := m.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("error vectorizing scene: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, sceneEntry{text: text, vector: vector})
	if over := len(m.entries) - m.limit; over > 0 {
		m.entries = append(m.entries[:0:0], m.entries[over:]...)
	}
	return nil
}

func (m *MemorySceneMemory) Recall(ctx context.Context, query string) ([]string, error) {
	m.mu.Lock()
	empty := len(m.entries) == 0
	m.mu.Unlock()
	if empty {
		return nil, nil
	}

	vector, err := m.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("error vectorizing query: %w", err)
	}

	type scored struct {
		text  string
		score float32
	}
	m.mu.Lock()
	ranked := make([]scored, 0, len(m.entries))
	for _, e := range m.entries {
		ranked = append(ranked, scored{text: e.text, score: CosineSimilarity(vector, e.vector)})
	}
	m.mu.Unlock()

	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	if len(ranked) > m.topK {
		ranked = ranked[:m.topK]
	}

	out := make([]string, 0, len(ranked))
	for _, r := range ranked {
		if r.score <= 0 {
			continue
		}
		out = append(out, r.text)
	}
	zap.L().Debug("Recalled scenes", zap.Int("matches", len(out)))
	return out, nil
}

// CosineSimilarity uses the angle between two vectors, so it is robust to
// differences in magnitude.
func CosineSimilarity(vec1, vec2 []float32) float32 {
	if len(vec1) != len(vec2) || len(vec1) == 0 {
		return 0
	}

	var dotProduct, norm1, norm2 float32
	for i := 0; i < len(vec1); i++ {
		dotProduct += vec1[i] * vec2[i]
		norm1 += vec1[i] * vec1[i]
		norm2 += vec2[i] * vec2[i]
	}

	norm1 = float32(math.Sqrt(float64(norm1)))
	norm2 = float32(math.Sqrt(float64(norm2)))
	if norm1 == 0 || norm2 == 0 {
		return 0
	}
	return dotProduct / (norm1 * norm2)
}
