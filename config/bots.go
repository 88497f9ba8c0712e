package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"vibetune/internal/credentials"
)

// BotConfig is one entry in the bots.yaml registry. The token is the
// transport bot token; `keyring:<name>` references a secret stored in
// the system keyring and `${VAR}` expands from the environment.
type BotConfig struct {
	Name    string `yaml:"name"`
	Token   string `yaml:"token"`
	Enabled bool   `yaml:"enabled"`
}

// BotRegistry holds all configured bots. It is the authoritative set the
// lifecycle manager reconciles running sessions against.
type BotRegistry struct {
	Bots []BotConfig `yaml:"bots"`
}

// LoadBotRegistry reads and resolves the bot registry. A missing file
// yields an empty registry, not an error.
func LoadBotRegistry(path string) (*BotRegistry, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return &BotRegistry{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read bot registry: %w", err)
	}

	var registry BotRegistry
	if err := yaml.Unmarshal(data, &registry); err != nil {
		return nil, fmt.Errorf("failed to parse bot registry: %w", err)
	}

	for i := range registry.Bots {
		token, err := resolveToken(registry.Bots[i].Token)
		if err != nil {
			return nil, fmt.Errorf("bot %q: %w", registry.Bots[i].Name, err)
		}
		registry.Bots[i].Token = token
	}

	return &registry, nil
}

// Active returns the enabled bots that resolved to a non-empty token.
func (r *BotRegistry) Active() []BotConfig {
	var active []BotConfig
	for _, b := range r.Bots {
		if b.Enabled && strings.TrimSpace(b.Token) != "" {
			active = append(active, b)
		}
	}
	return active
}

func resolveToken(raw string) (string, error) {
	token := strings.TrimSpace(raw)

	if name, ok := strings.CutPrefix(token, "keyring:"); ok {
		secret, err := credentials.GetSecret(name)
		if err != nil {
			return "", fmt.Errorf("resolve keyring token %q: %w", name, err)
		}
		return secret, nil
	}

	if strings.Contains(token, "${") {
		token = os.Expand(token, os.Getenv)
	}

	return token, nil
}
