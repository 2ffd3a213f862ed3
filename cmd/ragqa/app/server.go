// Package app provides the RAG question answering server application.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kart-io/sentinel-rag/cmd/ragqa/app/options"
	"github.com/kart-io/sentinel-rag/pkg/infra/app"
)

const (
	// Name is the name of the application.
	Name = "ragqa"

	// commandDesc is the description of the command.
	commandDesc = `Sentinel RAG question answering service

Answers natural-language questions over a local collection of structured
documents (CSV, TSV, Excel, text) using retrieval-augmented generation.

This server provides:
  - Incremental document indexing with persisted vector snapshots
  - Semantic search with metadata filters
  - Multi-turn chat sessions with streamed answers
  - OpenAI-compatible, Ollama and offline embedding/chat providers`
)

// NewApp creates and returns a new App object with default parameters.
func NewApp() *app.App {
	opts := options.NewServerOptions()
	return app.NewApp(
		app.WithName(Name),
		app.WithDescription(commandDesc),
		app.WithDotEnv(),
		app.WithOptions(opts),
		app.WithRunFunc(run(opts)),
	)
}

// run contains the main logic for initializing and running the server.
func run(opts *options.ServerOptions) app.RunFunc {
	return func(ctx context.Context, _ []string) error {
		cfg, err := opts.Config()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		ctx = setupSignalContext(ctx)

		server, err := cfg.NewServer(ctx)
		if err != nil {
			return fmt.Errorf("failed to create server: %w", err)
		}

		// 收到信号后 ctx 取消，Run 执行优雅关闭
		return server.Run(ctx)
	}
}

// setupSignalContext returns a context that is cancelled on SIGINT or SIGTERM.
// A second signal exits immediately.
func setupSignalContext(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		cancel()
		<-c
		os.Exit(1)
	}()
	return ctx
}
