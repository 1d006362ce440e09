package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

// Embedding/LLM providers understood by the runtime.
const (
	ProviderOpenAI = "openai"
	ProviderGoogle = "google"
)

// Secrets holds provider credentials sourced from the environment.
type Secrets struct {
	LLMProvider string
	LLMAPIKey   string
	LLMBaseURL  string
	LLMModel    string

	EmbeddingProvider    string
	EmbeddingModel       string
	GoogleAPIKey         string
	GoogleEmbeddingModel string

	BraveAPIKey string
}

// Loaded bundles everything read at startup.
type Loaded struct {
	Secrets Secrets
	Runtime RuntimeConfig
}

func getenvDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// LoadSecrets reads provider credentials, loading baseDir/.env first when
// present. Existing environment variables win over .env entries.
func LoadSecrets(baseDir string) Secrets {
	_ = godotenv.Load(filepath.Join(baseDir, ".env"))

	return Secrets{
		LLMProvider:          strings.ToLower(getenvDefault("LLM_PROVIDER", ProviderOpenAI)),
		LLMAPIKey:            strings.TrimSpace(os.Getenv("LLM_API_KEY")),
		LLMBaseURL:           strings.TrimSpace(os.Getenv("LLM_BASE_URL")),
		LLMModel:             getenvDefault("LLM_MODEL", "gpt-4o-mini"),
		EmbeddingProvider:    strings.ToLower(getenvDefault("EMBEDDING_PROVIDER", ProviderOpenAI)),
		EmbeddingModel:       getenvDefault("EMBEDDING_MODEL", "text-embedding-3-small"),
		GoogleAPIKey:         strings.TrimSpace(os.Getenv("GOOGLE_API_KEY")),
		GoogleEmbeddingModel: getenvDefault("GOOGLE_EMBEDDING_MODEL", "text-embedding-004"),
		BraveAPIKey:          strings.TrimSpace(os.Getenv("BRAVE_API_KEY")),
	}
}

// ValidateRequiredSecrets reports the names of missing required secrets.
func ValidateRequiredSecrets(s Secrets) []string {
	var missing []string
	switch s.LLMProvider {
	case ProviderGoogle:
		if s.GoogleAPIKey == "" {
			missing = append(missing, "GOOGLE_API_KEY")
		}
	default:
		if s.LLMAPIKey == "" {
			missing = append(missing, "LLM_API_KEY")
		}
	}
	if s.EmbeddingProvider == ProviderGoogle && s.GoogleAPIKey == "" {
		if len(missing) == 0 || missing[len(missing)-1] != "GOOGLE_API_KEY" {
			missing = append(missing, "GOOGLE_API_KEY")
		}
	}
	return missing
}

// LoadConfig loads secrets plus the global runtime config from baseDir.
func LoadConfig(baseDir string) (Loaded, error) {
	runtime, err := LoadRuntimeConfig(filepath.Join(baseDir, "config.json"))
	if err != nil {
		return Loaded{}, err
	}
	return Loaded{Secrets: LoadSecrets(baseDir), Runtime: runtime}, nil
}
