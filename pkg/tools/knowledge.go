package tools

import (
	"context"
	"encoding/json"
	"strings"
)

// KnowledgeRetriever answers hybrid queries over the knowledge index.
type KnowledgeRetriever interface {
	RetrieveKnowledge(ctx context.Context, query string, topK int) ([]KnowledgeHit, error)
}

// KnowledgeHit is one scored chunk from the knowledge base.
type KnowledgeHit struct {
	Text   string  `json:"text"`
	Score  float64 `json:"score"`
	Source string  `json:"source"`
}

type knowledgeArgs struct {
	Query string `json:"query" jsonschema:"description=Natural-language query against the knowledge base"`
	TopK  int    `json:"top_k,omitempty" jsonschema:"description=Number of chunks to return"`
}

// SearchKnowledgeTool exposes the knowledge index to the model.
type SearchKnowledgeTool struct {
	retriever KnowledgeRetriever
}

func NewSearchKnowledgeTool(retriever KnowledgeRetriever) *SearchKnowledgeTool {
	return &SearchKnowledgeTool{retriever: retriever}
}

func (t *SearchKnowledgeTool) Name() string { return "search_knowledge_base" }
func (t *SearchKnowledgeTool) Description() string {
	return "Search the agent's knowledge base and return the most relevant excerpts."
}
func (t *SearchKnowledgeTool) Schema() map[string]interface{} { return SchemaFor(&knowledgeArgs{}) }
func (t *SearchKnowledgeTool) Permission() Level              { return L0Read }

func (t *SearchKnowledgeTool) Run(ctx context.Context, tc Context, args map[string]interface{}) Result {
	query := strings.ToLower(strings.TrimSpace(stringArg(args, "query")))
	if query == "" {
		return Fail(ErrInvalidArgs, "query is required")
	}
	if t.retriever == nil {
		return Fail(ErrInternal, "knowledge retrieval is not configured")
	}

	hits, err := t.retriever.RetrieveKnowledge(ctx, query, intArg(args, "top_k", 0))
	if err != nil {
		return Fail(ErrIO, err.Error())
	}
	if len(hits) == 0 {
		return Ok("No matching knowledge base entries.")
	}

	raw, err := json.MarshalIndent(map[string]interface{}{"results": hits}, "", "  ")
	if err != nil {
		return Fail(ErrInternal, err.Error())
	}
	return Ok(string(raw))
}
