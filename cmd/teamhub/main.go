package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	teamhub "github.com/teamhub-app/teamhub-go"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.teamhub/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Chat    ConfigChat    `toml:"chat"`
}

// ConfigDefault holds API connection settings.
type ConfigDefault struct {
	Token   string `toml:"token"`
	BaseURL string `toml:"base_url"`
	UserID  string `toml:"user_id"`
}

// ConfigChat holds chat command defaults.
type ConfigChat struct {
	Workspace    string `toml:"workspace"`
	HistoryLimit int    `toml:"history_limit"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.teamhub, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".teamhub")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.token").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.token)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "token":
			cfg.Default.Token = value
		case "base_url":
			cfg.Default.BaseURL = value
		case "user_id":
			cfg.Default.UserID = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "chat":
		switch field {
		case "workspace":
			cfg.Chat.Workspace = value
		case "history_limit":
			n, err := strconv.Atoi(value)
			if err != nil || n < 1 {
				return fmt.Errorf("history_limit must be a positive integer, got %q", value)
			}
			cfg.Chat.HistoryLimit = n
		default:
			return fmt.Errorf("unknown field %q in section [chat]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, chat)", section)
	}
	return nil
}

// ============================================================================
// Client construction
// ============================================================================

// getClient builds an API client from the config. The TEAMHUB_TOKEN
// environment variable overrides the stored token.
func getClient(cfg *Config) (*teamhub.Client, error) {
	token := os.Getenv("TEAMHUB_TOKEN")
	if token == "" {
		token = cfg.Default.Token
	}
	if token == "" {
		return nil, fmt.Errorf("no token configured: set TEAMHUB_TOKEN or run 'teamhub config set default.token <token>'")
	}

	opts := []teamhub.Option{teamhub.WithLogger(cliLogger())}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, teamhub.WithBaseURL(cfg.Default.BaseURL))
	}
	return teamhub.NewClient(token, opts...), nil
}

// parseChatType validates a chat type argument.
func parseChatType(arg string) (teamhub.ChatType, error) {
	t := teamhub.ChatType(arg)
	if !t.Valid() {
		return "", fmt.Errorf("unknown chat type %q (valid: workspace, project, direct)", arg)
	}
	return t, nil
}

// roomContextFor maps a chat type and target id onto a room context.
func roomContextFor(cfg *Config, chatType teamhub.ChatType, targetID string) teamhub.RoomContext {
	switch chatType {
	case teamhub.ChatWorkspace:
		return teamhub.RoomContext{Workspace: targetID}
	case teamhub.ChatProject:
		return teamhub.RoomContext{Project: targetID}
	default:
		return teamhub.RoomContext{
			OtherUserID:   targetID,
			CurrentUserID: cfg.Default.UserID,
		}
	}
}

// ============================================================================
// Root command
// ============================================================================

var verbose bool

// cliLogger builds the console logger. Silent unless --verbose is set.
func cliLogger() zerolog.Logger {
	if !verbose {
		return zerolog.Nop()
	}
	writer := zerolog.ConsoleWriter{Out: os.Stderr}
	return zerolog.New(writer).With().Timestamp().Logger().Level(zerolog.DebugLevel)
}

var rootCmd = &cobra.Command{
	Use:   "teamhub",
	Short: "TeamHub chat CLI",
	Long:  "Command-line interface for the TeamHub chat API.\nManage configuration, read and send messages, and watch rooms live.",
}

func main() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
