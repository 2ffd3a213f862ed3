// Package app provides the offline index builder. It shares configuration
// keys with the ragqa server so both can point at the same index directory.
package app

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/kart-io/sentinel-rag/cmd/ragqa/app/options"
	"github.com/kart-io/sentinel-rag/internal/rag/biz"
	"github.com/kart-io/sentinel-rag/internal/rag/store"
	"github.com/kart-io/sentinel-rag/pkg/infra/app"
	"github.com/kart-io/sentinel-rag/pkg/utils/json"
)

// Name is the name of the application.
const Name = "ragqa-index"

const commandDesc = `Build and inspect the persisted RAG index without running the server.

  build   rebuild the index from scratch
  update  append new files, rebuild when existing ones changed
  status  print the source file manifest of the persisted index`

// NewApp creates the index builder application.
func NewApp() *app.App {
	opts := options.NewServerOptions()
	return app.NewApp(
		app.WithName(Name),
		app.WithDescription(commandDesc),
		app.WithDotEnv(),
		app.WithOptions(opts),
		app.WithCommands(
			newIndexCommand(opts, "build", "Rebuild the index from a document directory", true),
			newIndexCommand(opts, "update", "Incrementally update the index from a document directory", false),
			newStatusCommand(opts),
		),
	)
}

// StatusReport is printed by the status command.
type StatusReport struct {
	Dir   string       `json:"dir"`
	Files []SourceFile `json:"files"`
}

// SourceFile 清单中的一个源文件。
type SourceFile struct {
	Path    string    `json:"path"`
	Hash    string    `json:"hash"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

func newIndexCommand(opts *options.ServerOptions, use, short string, force bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [directory]",
		Short: short,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := opts.RAGOptions.Index.DataDir
			if len(args) == 1 {
				dir = args[0]
			}
			report, err := runIndex(cmd.Context(), opts, dir, force)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), struct {
				*biz.BuildReport
				Warnings []string `json:"warnings,omitempty"`
			}{report, report.WarningMessages()})
		},
	}
}

func newStatusCommand(opts *options.ServerOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the source file manifest of the persisted index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir := opts.RAGOptions.Index.Dir
			files, err := store.LoadManifest(cmd.Context(), dir)
			if err != nil {
				return fmt.Errorf("failed to read index manifest: %w", err)
			}
			out := StatusReport{Dir: dir, Files: make([]SourceFile, len(files))}
			for i, f := range files {
				out.Files[i] = SourceFile{Path: f.Path, Hash: f.Hash, Size: f.Size, ModTime: f.ModTime}
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func runIndex(ctx context.Context, opts *options.ServerOptions, dir string, force bool) (*biz.BuildReport, error) {
	cfg, err := opts.Config()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.InitLogger(Name); err != nil {
		return nil, err
	}
	components, err := cfg.NewComponents(ctx)
	if err != nil {
		return nil, err
	}
	defer components.Close(opts.HTTPOptions.ShutdownTimeout)

	// 增量模式下由 Indexer 按清单决定加载、追加或重建
	return components.Service.IndexDirectory(ctx, dir, force)
}

func printJSON(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
