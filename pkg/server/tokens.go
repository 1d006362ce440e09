package server

import (
	"net/http"
	"os"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

const tokenEncoding = "cl100k_base"

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// countTokens uses the cl100k_base tokenizer; if the encoding cannot be
// loaded (offline BPE fetch), a chars/4 estimate stands in.
func countTokens(text string) int {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding(tokenEncoding)
		if err == nil {
			encoding = enc
		}
	})
	if encoding == nil {
		return len(text) / 4
	}
	return len(encoding.Encode(text, nil, nil))
}

func (s *Server) handleCountTokens(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text string `json:"text"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	writeData(w, map[string]interface{}{"tokens": countTokens(body.Text)})
}

func (s *Server) handleCountFileTokens(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AgentID string   `json:"agent_id"`
		Paths   []string `json:"paths"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	a := s.agentByID(w, body.AgentID)
	if a == nil {
		return
	}
	rows := make([]map[string]interface{}, 0, len(body.Paths))
	for _, rel := range body.Paths {
		abs, ok := resolveAPIPath(a.RootDir, rel)
		if !ok {
			rows = append(rows, map[string]interface{}{
				"path": rel,
				"error": map[string]interface{}{
					"code":    "invalid_path",
					"message": "path outside the allowed directories",
				},
			})
			continue
		}
		raw, err := os.ReadFile(abs)
		if err != nil {
			rows = append(rows, map[string]interface{}{
				"path": rel,
				"error": map[string]interface{}{
					"code":    "not_found",
					"message": "file not found",
				},
			})
			continue
		}
		rows = append(rows, map[string]interface{}{
			"path":   rel,
			"tokens": countTokens(string(raw)),
		})
	}
	writeData(w, map[string]interface{}{"files": rows})
}
