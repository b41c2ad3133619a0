// Package config provides configuration for the chat engine daemon.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds the daemon configuration.
type Config struct {
	// Server settings
	HTTPPort    int
	BackendPort int

	// Local backend database
	DatabaseURL string

	// Remote backend (empty = use the local SQLite backend)
	BackendURL string

	// Completion service
	CompletionURL     string
	CompletionAPIKey  string
	CompletionModel   string
	CompletionTimeout time.Duration

	// Identity of the resolved current user
	Username string

	// Agent roster file
	AgentsFile string

	// Limits
	HistoryLimit      int
	ReplyContextLimit int
}

// AgentConfig describes one configured agent: its identity, persona, and the
// channels it participates in by default.
type AgentConfig struct {
	Handle    string   `toml:"handle"`
	Name      string   `toml:"name"`
	Persona   string   `toml:"persona"`
	AvatarURL string   `toml:"avatar_url"`
	Channels  []string `toml:"channels"`
}

// Roster is the parsed agents file.
type Roster struct {
	Agents []AgentConfig `toml:"agents"`
}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		HTTPPort:          getEnvInt("PARLEY_HTTP_PORT", 8080),
		BackendPort:       getEnvInt("PARLEY_BACKEND_PORT", 8081),
		DatabaseURL:       getEnv("PARLEY_DATABASE_URL", "file:parley.db?cache=shared&mode=rwc"),
		BackendURL:        getEnv("PARLEY_BACKEND_URL", ""),
		CompletionURL:     getEnv("PARLEY_COMPLETION_URL", "https://api.openai.com"),
		CompletionAPIKey:  getEnv("PARLEY_COMPLETION_API_KEY", ""),
		CompletionModel:   getEnv("PARLEY_COMPLETION_MODEL", "gpt-4o-mini"),
		CompletionTimeout: time.Duration(getEnvInt("PARLEY_COMPLETION_TIMEOUT_MS", 120000)) * time.Millisecond,
		Username:          getEnv("PARLEY_USERNAME", "operator"),
		AgentsFile:        getEnv("PARLEY_AGENTS_FILE", "agents.toml"),
		HistoryLimit:      getEnvInt("PARLEY_HISTORY_LIMIT", 50),
		ReplyContextLimit: getEnvInt("PARLEY_REPLY_CONTEXT_LIMIT", 20),
	}
	return cfg
}

// LoadRoster parses the agents file. A missing file yields an empty roster;
// a malformed file is an error.
func LoadRoster(path string) (*Roster, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return &Roster{}, nil
	}

	var roster Roster
	if _, err := toml.DecodeFile(path, &roster); err != nil {
		return nil, fmt.Errorf("failed to parse agents file %s: %w", path, err)
	}

	for i, agent := range roster.Agents {
		if agent.Handle == "" {
			return nil, fmt.Errorf("agents[%d]: handle is required", i)
		}
	}
	return &roster, nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}
