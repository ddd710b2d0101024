// Command llamachat sends a single message to the configured model and
// prints the reply. It is a quick check of the API key and model choice;
// the chat page is served by cmd/server.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/RichardoC/llamachat/internal/config"
	"github.com/RichardoC/llamachat/internal/llm"
	"github.com/RichardoC/llamachat/internal/prompt"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "path to the TOML config file")
	envFile := flag.String("env", ".env", "path to a .env file")
	model := flag.String("model", "", "model id (default: first configured model)")
	maxLength := flag.Int("max-length", 0, "reply token limit (default: chat.max_length)")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "llamachat: %v\n", err)
		os.Exit(1)
	}

	logger, err := cfg.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "llamachat: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	input := strings.Join(flag.Args(), " ")
	if input == "" {
		data, err := io.ReadAll(bufio.NewReader(os.Stdin))
		if err != nil {
			logger.Fatal("failed to read message from stdin", zap.Error(err))
		}
		input = string(data)
	}
	if strings.TrimSpace(input) == "" {
		fmt.Fprintln(os.Stderr, "usage: llamachat [flags] message")
		os.Exit(2)
	}

	if *model == "" && len(cfg.Models) > 0 {
		*model = cfg.Models[0].ID
	}
	params := cfg.DefaultParams()
	if *maxLength > 0 {
		params.MaxLength = *maxLength
	}

	svc, err := llm.New(cfg.LLM.BaseURL, cfg.LLM.APIKey, *model, cfg.LLM.Timeout)
	if err != nil {
		logger.Fatal("failed to initialize LLM service", zap.Error(err))
	}

	req, err := prompt.Build(nil, input, params.MaxLength)
	if err != nil {
		logger.Fatal("failed to build prompt", zap.Error(err))
	}

	completion, err := svc.Complete(context.Background(), llm.Request{
		Model:             *model,
		Prompt:            req.Prompt,
		Temperature:       params.Temperature,
		TopP:              params.TopP,
		MaxTokens:         req.MaxTokens,
		RepetitionPenalty: llm.DefaultRepetitionPenalty,
		InputTokens:       req.InputTokens,
	})
	if err != nil {
		logger.Fatal("failed to generate completion", zap.Error(err))
	}
	fmt.Println(strings.TrimSpace(completion))
}
