package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"google.golang.org/genai"

	"github.com/miniclaw/miniclaw/pkg/config"
)

// Embedder turns texts into vectors. Implementations must return one vector
// per input, in order.
type Embedder interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float64, error)
	Provider() string
	Model() string
}

// CosineSimilarity returns 0 when either vector is empty or zero-length.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// NewEmbedder builds the embedder selected by the secrets.
func NewEmbedder(secrets config.Secrets) Embedder {
	if secrets.EmbeddingProvider == config.ProviderGoogle {
		return &googleEmbedder{apiKey: secrets.GoogleAPIKey, model: secrets.GoogleEmbeddingModel}
	}
	return &openaiEmbedder{
		apiKey:  secrets.LLMAPIKey,
		baseURL: secrets.LLMBaseURL,
		model:   secrets.EmbeddingModel,
	}
}

type openaiEmbedder struct {
	apiKey  string
	baseURL string
	model   string
}

func (e *openaiEmbedder) Provider() string { return config.ProviderOpenAI }
func (e *openaiEmbedder) Model() string    { return e.model }

func (e *openaiEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	opts := []option.RequestOption{option.WithAPIKey(e.apiKey)}
	if e.baseURL != "" {
		opts = append(opts, option.WithBaseURL(e.baseURL))
	}
	client := openai.NewClient(opts...)

	resp, err := client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(e.model),
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	vectors := make([][]float64, len(texts))
	for _, item := range resp.Data {
		idx := int(item.Index)
		if idx < 0 || idx >= len(texts) {
			continue
		}
		vec := make([]float64, len(item.Embedding))
		copy(vec, item.Embedding)
		vectors[idx] = vec
	}
	return vectors, nil
}

type googleEmbedder struct {
	apiKey string
	model  string
}

func (e *googleEmbedder) Provider() string { return config.ProviderGoogle }
func (e *googleEmbedder) Model() string    { return e.model }

func (e *googleEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  e.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("google embeddings client: %w", err)
	}
	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}
	resp, err := client.Models.EmbedContent(ctx, e.model, contents, nil)
	if err != nil {
		return nil, fmt.Errorf("google embeddings: %w", err)
	}
	vectors := make([][]float64, len(texts))
	for i, embedding := range resp.Embeddings {
		if i >= len(texts) || embedding == nil {
			break
		}
		vec := make([]float64, len(embedding.Values))
		for j, v := range embedding.Values {
			vec[j] = float64(v)
		}
		vectors[i] = vec
	}
	return vectors, nil
}

// HashEmbedder is a deterministic offline embedder used by tests and by
// deployments without embedding credentials.
type HashEmbedder struct {
	Dims int
}

func (e *HashEmbedder) Provider() string { return "hash" }
func (e *HashEmbedder) Model() string    { return "hash-64" }

func (e *HashEmbedder) EmbedTexts(_ context.Context, texts []string) ([][]float64, error) {
	dims := e.Dims
	if dims <= 0 {
		dims = 64
	}
	vectors := make([][]float64, len(texts))
	for i, text := range texts {
		sum := sha256.Sum256([]byte(text))
		vec := make([]float64, dims)
		for j := 0; j < dims; j++ {
			word := binary.BigEndian.Uint32(sum[(j*4)%28:])
			vec[j] = float64(word%2000)/1000.0 - 1.0
			if (j+1)%7 == 0 {
				sum = sha256.Sum256(sum[:])
			}
		}
		vectors[i] = vec
	}
	return vectors, nil
}
