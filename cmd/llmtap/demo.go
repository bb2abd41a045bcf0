package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	tapopenai "github.com/HakAl/llmtap/internal/adapters/openai"
	"github.com/HakAl/llmtap/internal/config"
	"github.com/HakAl/llmtap/pkg/llmtap"
)

func runDemo(ctx context.Context, cfg *config.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("demo", flag.ContinueOnError)
	model := fs.String("model", goopenai.GPT4oMini, "Model to call")
	prompt := fs.String("prompt", "Say hello in five words.", "Prompt to send")
	streaming := fs.Bool("stream", false, "Stream the response")
	workflow := fs.String("workflow", "demo", "Workflow ID recorded with the call")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return fail(os.Stderr, missingKeyError("OPENAI_API_KEY"))
	}
	clientCfg := goopenai.DefaultConfig(apiKey)
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		clientCfg.BaseURL = baseURL
	}

	cfg.Emitter.LogRecords = true
	tap, err := llmtap.New(cfg, llmtap.WithLogger(logger))
	if err != nil {
		return fail(os.Stderr, storeError(cfg.Store.DBPath, err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tap.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown", "error", err)
		}
	}()

	client := tap.WrapOpenAI(goopenai.NewClientWithConfig(clientCfg))
	ctx = llmtap.WithWorkflow(ctx, *workflow)
	req := goopenai.ChatCompletionRequest{
		Model:    *model,
		Messages: []goopenai.ChatCompletionMessage{{Role: goopenai.ChatMessageRoleUser, Content: *prompt}},
	}

	if *streaming {
		err = demoStream(ctx, client.Chat.Completions, req)
	} else {
		var resp goopenai.ChatCompletionResponse
		resp, err = client.Chat.Completions.Create(ctx, req)
		if err == nil && len(resp.Choices) > 0 {
			fmt.Println(resp.Choices[0].Message.Content)
		}
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}

func demoStream(ctx context.Context, chat *tapopenai.ChatCompletions, req goopenai.ChatCompletionRequest) error {
	req.StreamOptions = &goopenai.StreamOptions{IncludeUsage: true}
	s, err := chat.Stream(ctx, req)
	if err != nil {
		return err
	}
	defer s.Close()

	for {
		chunk, err := s.Recv()
		if errors.Is(err, io.EOF) {
			fmt.Println()
			return nil
		}
		if err != nil {
			return err
		}
		for _, c := range chunk.Choices {
			fmt.Print(c.Delta.Content)
		}
	}
}
