package config

import (
	"os"
	"path/filepath"
)

const AppName = "vibetune"

// GetConfigDir returns the application config directory, creating it if
// needed. VIBETUNE_CONFIG_DIR overrides the default for tests and
// containerized deployments.
func GetConfigDir() (string, error) {
	if dir := os.Getenv("VIBETUNE_CONFIG_DIR"); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", err
		}
		return dir, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	configDir := filepath.Join(homeDir, ".config", AppName)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return "", err
	}

	return configDir, nil
}

// GetBotsFile returns the path of the bot registry file.
func GetBotsFile() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "bots.yaml"), nil
}

func GetDatabasePath() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "vibetune.db"), nil
}

func GetLogsDir() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}

	logsDir := filepath.Join(configDir, "logs")
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return "", err
	}

	return logsDir, nil
}

func GetDaemonLogPath() (string, error) {
	logsDir, err := GetLogsDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(logsDir, "daemon.log"), nil
}

func GetPIDFile() (string, error) {
	return filepath.Join(os.TempDir(), "vibetune.pid"), nil
}

// EnsureBotsFileExists writes a commented starter registry on first run.
func EnsureBotsFileExists() error {
	botsFile, err := GetBotsFile()
	if err != nil {
		return err
	}

	if _, err := os.Stat(botsFile); os.IsNotExist(err) {
		starter := `bots:
  - name: "example-bot"
    token: "${EXAMPLE_BOT_TOKEN}"
    enabled: false
`
		if err := os.WriteFile(botsFile, []byte(starter), 0600); err != nil {
			return err
		}
	}

	return nil
}
