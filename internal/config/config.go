package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds the application configuration
type Config struct {
	Server  ServerConfig
	Mongo   MongoConfig
	Chroma  ChromaConfig
	Ollama  OllamaConfig
	Storage StorageConfig
}

// ServerConfig holds server-specific configuration
type ServerConfig struct {
	Port string
	Host string
}

// MongoConfig holds document-store configuration
type MongoConfig struct {
	URL      string
	Database string
}

// ChromaConfig holds vector-store configuration
type ChromaConfig struct {
	Host string
	Port string
}

// OllamaConfig holds embedding-service configuration
type OllamaConfig struct {
	URL   string
	Model string
}

// StorageConfig holds on-disk layout configuration. Uploaded archives are
// staged under DataDir/uploads and extracted under DataDir/extracts/<job_id>;
// file attachments surfaced by the export live under FileStorage.
type StorageConfig struct {
	DataDir     string
	FileStorage string
}

// Load loads configuration from environment variables. A .env file in the
// working directory is honoured when present; real environment values win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
		},
		Mongo: MongoConfig{
			URL:      getEnv("MONGO_URL", "mongodb://mongodb:27017"),
			Database: getEnv("MONGO_DB", "slack_data"),
		},
		Chroma: ChromaConfig{
			Host: getEnv("CHROMA_HOST", "chroma"),
			Port: getEnv("CHROMA_PORT", "8000"),
		},
		Ollama: OllamaConfig{
			URL:   getEnv("OLLAMA_URL", "http://host.docker.internal:11434"),
			Model: getEnv("OLLAMA_EMBED_MODEL", "nomic-embed-text"),
		},
		Storage: StorageConfig{
			DataDir:     getEnv("DATA_DIR", "data"),
			FileStorage: getEnv("FILE_STORAGE", "file_storage"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port != "" {
		port, err := strconv.Atoi(c.Server.Port)
		if err != nil || port < 1 || port > 65535 {
			return fmt.Errorf("invalid server port: %s", c.Server.Port)
		}
	}

	if c.Mongo.URL == "" {
		return fmt.Errorf("MONGO_URL is required")
	}
	if c.Mongo.Database == "" {
		return fmt.Errorf("MONGO_DB is required")
	}

	if c.Chroma.Host == "" {
		return fmt.Errorf("CHROMA_HOST is required")
	}
	if port, err := strconv.Atoi(c.Chroma.Port); err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("invalid CHROMA_PORT: %s", c.Chroma.Port)
	}

	if c.Ollama.URL == "" {
		return fmt.Errorf("OLLAMA_URL is required")
	}

	if c.Storage.DataDir == "" {
		return fmt.Errorf("DATA_DIR is required")
	}

	return nil
}

// ChromaURL returns the base URL of the vector store.
func (c *Config) ChromaURL() string {
	return fmt.Sprintf("http://%s:%s", c.Chroma.Host, c.Chroma.Port)
}

// UploadDir returns the staging directory for uploaded archives.
func (c *Config) UploadDir() string {
	return filepath.Join(c.Storage.DataDir, "uploads")
}

// ExtractsRoot returns the directory holding all per-job extract trees.
func (c *Config) ExtractsRoot() string {
	return filepath.Join(c.Storage.DataDir, "extracts")
}

// ExtractDir returns the extraction root for one job.
func (c *Config) ExtractDir(jobID string) string {
	return filepath.Join(c.Storage.DataDir, "extracts", jobID)
}

// getEnv gets an environment variable with a fallback default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
