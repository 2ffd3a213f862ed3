package biz

import (
	"context"
	"fmt"
	"time"

	"github.com/kart-io/logger"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kart-io/sentinel-rag/internal/pkg/rag/chunker"
	"github.com/kart-io/sentinel-rag/internal/pkg/rag/loader"
	"github.com/kart-io/sentinel-rag/internal/rag/metrics"
	"github.com/kart-io/sentinel-rag/internal/rag/store"
	"github.com/kart-io/sentinel-rag/pkg/infra/tracing"
	"github.com/kart-io/sentinel-rag/pkg/utils/errors"
)

// BuildMode 一次索引操作的实际方式。
type BuildMode string

const (
	// BuildFull 全量重建。
	BuildFull BuildMode = "full"
	// BuildAppend 只追加新增文件。
	BuildAppend BuildMode = "append"
	// BuildUnchanged 源文件未变化，沿用已有索引。
	BuildUnchanged BuildMode = "unchanged"
)

// IndexerConfig 索引器配置。
type IndexerConfig struct {
	// Dir 索引持久化目录。
	Dir string
	// Chunk 分块参数。
	Chunk chunker.Config
	// Loader 加载参数。
	Loader loader.Options
}

// BuildReport 一次索引操作的结果。
type BuildReport struct {
	Mode      BuildMode        `json:"mode"`
	Files     int              `json:"files"`
	Documents int              `json:"documents"`
	Chunks    int              `json:"chunks"`
	Entries   int              `json:"entries"`
	Version   uint64           `json:"version"`
	Warnings  []loader.Warning `json:"-"`
	Location  store.Location   `json:"location"`
	Duration  time.Duration    `json:"duration"`
}

// WarningMessages 返回可序列化的警告列表。
func (r *BuildReport) WarningMessages() []string {
	out := make([]string, len(r.Warnings))
	for i, w := range r.Warnings {
		out[i] = w.Error()
	}
	return out
}

// Indexer 负责 加载 → 分块 → 向量化 → 写入索引 → 持久化。
type Indexer struct {
	loader   *loader.Loader
	chunker  *chunker.Chunker
	embedder *EmbeddingClient
	config   *IndexerConfig
	metrics  *metrics.Metrics
}

// NewIndexer 创建索引器；分块配置无效时返回 ErrInvalidChunkConfig。
func NewIndexer(embedder *EmbeddingClient, config *IndexerConfig, m *metrics.Metrics) (*Indexer, error) {
	ch, err := chunker.New(config.Chunk)
	if err != nil {
		return nil, err
	}
	return &Indexer{
		loader:   loader.New(config.Loader),
		chunker:  ch,
		embedder: embedder,
		config:   config,
		metrics:  m,
	}, nil
}

// Dir 索引持久化目录。
func (i *Indexer) Dir() string { return i.config.Dir }

// Load 把持久化的索引读入 idx。
func (i *Indexer) Load(ctx context.Context, idx *store.Index) error {
	loaded, err := store.Load(ctx, i.config.Dir)
	if err != nil {
		return err
	}
	if err := idx.Restore(loaded.Entries(), loaded.Version()); err != nil {
		return err
	}
	logger.Infow("index loaded", "dir", i.config.Dir, "entries", idx.Len(),
		"dimension", idx.Dimension(), "version", idx.Version())
	return nil
}

// Build 全量重建 dir 下的所有文档并持久化。
func (i *Indexer) Build(ctx context.Context, idx *store.Index, dir string) (*BuildReport, error) {
	start := time.Now()
	files, warnings, err := i.scan(dir)
	if err != nil {
		i.metrics.RecordIndexing(0, 0, 0, err)
		return nil, err
	}

	report, err := i.rebuild(ctx, idx, files, warnings)
	if err != nil {
		return nil, err
	}
	report.Duration = time.Since(start)
	return report, nil
}

// Update 根据源文件清单做增量更新：
// 只有新增文件时追加；有文件修改、删除或 force 时全量重建；没有变化时沿用已有索引。
func (i *Indexer) Update(ctx context.Context, idx *store.Index, dir string, force bool) (*BuildReport, error) {
	ctx, span := tracing.Start(ctx, "rag.index",
		attribute.String("rag.dir", dir),
		attribute.Bool("rag.force", force),
	)
	start := time.Now()
	report, err := i.update(ctx, idx, dir, force)
	if err != nil {
		tracing.End(span, err)
		return nil, err
	}
	report.Duration = time.Since(start)
	span.SetAttributes(
		attribute.String("rag.mode", string(report.Mode)),
		attribute.Int("rag.chunks", report.Chunks),
		attribute.Int("rag.entries", report.Entries),
	)
	tracing.End(span, nil)
	return report, nil
}

func (i *Indexer) update(ctx context.Context, idx *store.Index, dir string, force bool) (*BuildReport, error) {
	files, warnings, err := i.scan(dir)
	if err != nil {
		i.metrics.RecordIndexing(0, 0, 0, err)
		return nil, err
	}

	manifest, err := store.LoadManifest(ctx, i.config.Dir)
	if err != nil && !errors.Is(err, errors.ErrIndexArtifactMissing) {
		logger.Warnw("cannot read index manifest, rebuilding", "dir", i.config.Dir, "error", err.Error())
		manifest = nil
	}
	if force || manifest == nil {
		return i.rebuild(ctx, idx, files, warnings)
	}

	added, changed := diffManifest(manifest, files)
	if changed {
		logger.Infow("source files modified or removed, rebuilding index", "dir", dir)
		return i.rebuild(ctx, idx, files, warnings)
	}

	if idx.State() == store.StateEmpty {
		if err := i.Load(ctx, idx); err != nil {
			logger.Warnw("cannot load persisted index, rebuilding", "dir", i.config.Dir, "error", err.Error())
			return i.rebuild(ctx, idx, files, warnings)
		}
	}

	if len(added) == 0 {
		return &BuildReport{
			Mode:     BuildUnchanged,
			Files:    len(files),
			Entries:  idx.Len(),
			Version:  idx.Version(),
			Warnings: warnings,
			Location: store.NewLocation(i.config.Dir),
		}, nil
	}

	logger.Infow("appending new source files", "dir", dir, "files", len(added))
	entries, docs, walkWarnings, err := i.process(ctx, paths(added))
	warnings = append(warnings, walkWarnings...)
	if err == nil {
		err = idx.Append(entries)
	}
	var loc store.Location
	if err == nil {
		loc, err = store.Persist(ctx, idx, i.config.Dir, sourceFiles(files)...)
	}
	if err != nil {
		i.metrics.RecordIndexing(0, 0, len(warnings), err)
		return nil, err
	}
	i.metrics.RecordIndexing(docs, len(entries), len(warnings), nil)

	return &BuildReport{
		Mode:      BuildAppend,
		Files:     len(added),
		Documents: docs,
		Chunks:    len(entries),
		Entries:   idx.Len(),
		Version:   idx.Version(),
		Warnings:  warnings,
		Location:  loc,
	}, nil
}

// scan 发现文件并计算指纹。
func (i *Indexer) scan(dir string) ([]loader.FileInfo, []loader.Warning, error) {
	found, err := i.loader.Discover(dir)
	if err != nil {
		return nil, nil, errors.ErrInvalidParam.WithCause(err)
	}
	files, warnings := loader.Fingerprints(found)
	return files, warnings, nil
}

func (i *Indexer) rebuild(ctx context.Context, idx *store.Index, files []loader.FileInfo, warnings []loader.Warning) (*BuildReport, error) {
	entries, docs, walkWarnings, err := i.process(ctx, paths(files))
	warnings = append(warnings, walkWarnings...)
	if err == nil {
		err = idx.Restore(entries, i.nextVersion(ctx, idx))
	}
	var loc store.Location
	if err == nil {
		loc, err = store.Persist(ctx, idx, i.config.Dir, sourceFiles(files)...)
	}
	if err != nil {
		i.metrics.RecordIndexing(0, 0, len(warnings), err)
		return nil, err
	}
	i.metrics.RecordIndexing(docs, len(entries), len(warnings), nil)

	logger.Infow("index built",
		"files", len(files),
		"documents", docs,
		"chunks", len(entries),
		"warnings", len(warnings),
		"version", idx.Version(),
		"dir", i.config.Dir,
	)
	return &BuildReport{
		Mode:      BuildFull,
		Files:     len(files),
		Documents: docs,
		Chunks:    len(entries),
		Entries:   idx.Len(),
		Version:   idx.Version(),
		Warnings:  warnings,
		Location:  loc,
	}, nil
}

// nextVersion 重建后的快照版本，接在内存与持久化版本中较大者之后，
// 避免重启后复用旧版本号命中过期的查询缓存。
func (i *Indexer) nextVersion(ctx context.Context, idx *store.Index) uint64 {
	v := idx.Version()
	if persisted, err := store.LoadVersion(ctx, i.config.Dir); err == nil && persisted > v {
		v = persisted
	}
	return v + 1
}

// process 加载并分块，再统一向量化。
func (i *Indexer) process(ctx context.Context, files []string) ([]store.Entry, int, []loader.Warning, error) {
	var (
		chunks []store.Chunk
		docs   int
	)
	warnings, err := i.loader.Walk(ctx, files, func(doc loader.Document) error {
		docs++
		chunks = append(chunks, i.chunker.Split(doc)...)
		return nil
	})
	if err != nil {
		return nil, 0, warnings, err
	}

	texts := make([]string, len(chunks))
	for n, c := range chunks {
		texts[n] = c.Text
	}
	vectors, err := i.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, 0, warnings, fmt.Errorf("embed %d chunks: %w", len(chunks), err)
	}

	entries := make([]store.Entry, len(chunks))
	for n := range chunks {
		entries[n] = store.Entry{Chunk: chunks[n], Vector: vectors[n]}
	}
	return entries, docs, warnings, nil
}

// diffManifest 返回新增的文件，以及是否存在修改或删除。
func diffManifest(manifest []store.SourceFile, files []loader.FileInfo) (added []loader.FileInfo, changed bool) {
	known := make(map[string]string, len(manifest))
	for _, f := range manifest {
		known[f.Path] = f.Hash
	}
	seen := 0
	for _, f := range files {
		hash, ok := known[f.Path]
		switch {
		case !ok:
			added = append(added, f)
		case hash != f.Hash:
			return nil, true
		default:
			seen++
		}
	}
	return added, seen != len(manifest)
}

func paths(files []loader.FileInfo) []string {
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.Path
	}
	return out
}

func sourceFiles(files []loader.FileInfo) []store.SourceFile {
	out := make([]store.SourceFile, len(files))
	for i, f := range files {
		out[i] = store.SourceFile{Path: f.Path, Hash: f.Hash, Size: f.Size, ModTime: f.ModTime}
	}
	return out
}
