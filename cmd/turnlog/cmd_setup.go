package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/user/turnlog/internal/config"
)

func init() {
	rootCmd.AddCommand(setupCmd)
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive setup wizard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		scanner := bufio.NewScanner(os.Stdin)

		fmt.Println("turnlog setup")
		fmt.Println("Press Enter to accept the default value shown in brackets.")
		fmt.Println()

		cfg.LLM.Provider = prompt(scanner, "LLM provider (anthropic, openai, lorem)", cfg.LLM.Provider)
		if cfg.LLM.Provider != "lorem" {
			cfg.LLM.BaseURL = prompt(scanner, "LLM base URL (optional)", cfg.LLM.BaseURL)
			cfg.LLM.APIKey = prompt(scanner, "LLM API key", cfg.LLM.APIKey)
		}
		cfg.LLM.Model = prompt(scanner, "LLM model name", cfg.LLM.Model)
		if n, err := strconv.Atoi(prompt(scanner, "Max output tokens", strconv.Itoa(cfg.LLM.MaxTokens))); err == nil {
			cfg.LLM.MaxTokens = n
		}

		cfg.Storage.Driver = prompt(scanner, "Storage driver (file, postgres)", cfg.Storage.Driver)
		if cfg.Storage.Driver == "postgres" {
			cfg.Storage.DatabaseURL = prompt(scanner, "Postgres URL", cfg.Storage.DatabaseURL)
		}

		cfg.Counter.Driver = prompt(scanner, "Sequence counter (memory, redis)", cfg.Counter.Driver)
		if cfg.Counter.Driver == "redis" {
			cfg.Counter.RedisURL = prompt(scanner, "Redis URL", cfg.Counter.RedisURL)
		}

		cfg.Queue.Driver = prompt(scanner, "Materialization queue (local, nats)", cfg.Queue.Driver)
		if cfg.Queue.Driver == "nats" {
			cfg.Queue.NatsURL = prompt(scanner, "NATS URL", cfg.Queue.NatsURL)
		}

		cfg.Telegram.Token = prompt(scanner, "Telegram bot token (optional)", cfg.Telegram.Token)

		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}

		fmt.Println()
		fmt.Println("Configuration saved to", cfgPath)
		return nil
	},
}

// prompt shows label with its default and returns the trimmed input, or
// the default when the line is empty.
func prompt(scanner *bufio.Scanner, label, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", label, defaultVal)
	} else {
		fmt.Printf("%s: ", label)
	}
	if scanner.Scan() {
		if input := strings.TrimSpace(scanner.Text()); input != "" {
			return input
		}
	}
	return defaultVal
}
