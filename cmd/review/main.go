// Command review runs one agent over a Markdown file and prints the outcome.
// Useful for trying prompts against a document without the HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/docsurge/docsurge/internal/config"
	"github.com/docsurge/docsurge/internal/llm"
	"github.com/docsurge/docsurge/internal/metrics"
	"github.com/docsurge/docsurge/internal/review"
	"github.com/docsurge/docsurge/internal/search"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", "", "Path to configuration file")
	agentName := flag.String("agent", "redundancy", "Agent: redundancy | table | thesis | evidence")
	file := flag.String("file", "", "Markdown file to review")
	out := flag.String("out", "", "Write the rebuilt document here (optional)")
	title := flag.String("title", "", "Document title (defaults to the file name)")
	flag.Parse()

	if *file == "" {
		fmt.Fprintln(os.Stderr, "usage: review -agent <name> -file <doc.md> [-out rebuilt.md]")
		os.Exit(2)
	}

	kind, err := review.ParseKind(*agentName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "unknown agent %q\n", *agentName)
		os.Exit(2)
	}

	cfgPath := *configPath
	if cfgPath == "" {
		cfgPath = os.Getenv("CONFIG_PATH")
	}
	var cfg *config.Config
	if cfgPath != "" {
		cfg, err = config.LoadConfig(cfgPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			os.Exit(1)
		}
	} else {
		cfg = config.Default()
	}

	content, err := os.ReadFile(*file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read %s: %v\n", *file, err)
		os.Exit(1)
	}
	if strings.TrimSpace(string(content)) == "" {
		fmt.Fprintln(os.Stderr, "文档内容不能为空")
		os.Exit(1)
	}

	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zerolog.WarnLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger().Level(level)
	metrics.InitMetrics()

	llmClient := llm.NewClient(llm.Config{
		Provider:    llm.Provider(cfg.LLM.Provider),
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		BaseURL:     cfg.LLM.BaseURL,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
		Timeout:     cfg.LLM.Timeout,
		Retries:     cfg.LLM.Retries,
		RateLimit:   cfg.LLM.RateLimit,
	}, logger)

	opts := review.Options{
		ModifyConcurrency: cfg.Review.ModifyConcurrency,
		SearchConcurrency: cfg.Review.SearchConcurrency,
		ClaimCap:          cfg.Review.ClaimCap,
	}

	var agent review.Agent
	switch kind {
	case review.KindRedundancy:
		agent = review.NewRedundancyAgent(llmClient, opts, logger)
	case review.KindTable:
		agent = review.NewTableAgent(llmClient, opts, logger)
	case review.KindThesis:
		agent = review.NewThesisAgent(llmClient, opts, logger)
	case review.KindEvidence:
		searchClient := search.NewClient(search.Config{
			Provider:   search.Provider(cfg.Search.Provider),
			APIKey:     cfg.Search.APIKey,
			BaseURL:    cfg.Search.BaseURL,
			MaxResults: cfg.Search.MaxResults,
			Timeout:    cfg.Search.Timeout,
			RateLimit:  cfg.Search.RateLimit,
		}, logger)
		agent = review.NewEvidenceAgent(llmClient, searchClient, opts, logger)
	}

	docTitle := *title
	if docTitle == "" {
		docTitle = strings.TrimSuffix(filepath.Base(*file), filepath.Ext(*file))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Review.TaskTimeout)
	defer cancel()

	progress := review.ProgressFunc(func(p int, msg string, current, total int) {
		if total > 0 {
			fmt.Fprintf(os.Stderr, "[%3d%%] %s (%d/%d)\n", p, msg, current, total)
			return
		}
		fmt.Fprintf(os.Stderr, "[%3d%%] %s\n", p, msg)
	})

	result, err := agent.Run(ctx, review.Request{
		Content:  string(content),
		Title:    docTitle,
		Filename: filepath.Base(*file),
	}, progress)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Review failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(result.Summary)
	if result.Message != "" {
		fmt.Println(result.Message)
	}
	for i, ch := range result.Chapters {
		fmt.Printf("\n--- 修改 %d（%s）---\n", i+1, ch.Comment)
		fmt.Printf("原文：\n%s\n", ch.OriginalText)
		fmt.Printf("修改后：\n%s\n", ch.EditText)
	}
	for _, ev := range result.Evidence {
		fmt.Printf("\n论断 %s [%s]：%s\n", ev.ClaimID, ev.Status, ev.ClaimText)
		for _, src := range ev.Sources {
			fmt.Printf("  来源：%s（%.2f）%s\n", src.Title, src.Score, src.URL)
		}
	}

	if *out != "" && result.Rebuilt != "" {
		if err := os.WriteFile(*out, []byte(result.Rebuilt), 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write %s: %v\n", *out, err)
			os.Exit(1)
		}
		fmt.Printf("\n重建文档已写入 %s\n", *out)
	}
}
