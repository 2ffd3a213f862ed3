// Package chunker 把 Document 切分为带重叠的定长分块。
//
// 长度以字符 (rune) 计。窗口结尾优先落在段落、句子或空白边界上，
// 找不到时按窗口大小硬切。表格行文档始终只产出一个分块。
package chunker

import (
	"strings"
	"unicode"

	"github.com/kart-io/sentinel-rag/internal/pkg/rag/loader"
	"github.com/kart-io/sentinel-rag/internal/rag/store"
	"github.com/kart-io/sentinel-rag/pkg/utils/errors"
)

// FieldPrefix 与保留键冲突的字段名加此前缀。
const FieldPrefix = "field."

// Config 分块参数。
type Config struct {
	// Size 窗口大小（字符）。
	Size int
	// Overlap 相邻分块共享的字符数，必须小于 Size；负数按 0 处理。
	Overlap int
}

// Chunker 文本分块器，可并发使用。
type Chunker struct {
	size    int
	overlap int
}

// New 校验配置并创建 Chunker。
func New(cfg Config) (*Chunker, error) {
	if cfg.Size <= 0 {
		return nil, errors.ErrInvalidChunkConfig.WithMessagef("chunk size must be positive, got %d", cfg.Size)
	}
	if cfg.Overlap < 0 {
		cfg.Overlap = 0
	}
	if cfg.Overlap >= cfg.Size {
		return nil, errors.ErrInvalidChunkConfig.WithMessagef(
			"chunk overlap %d must be less than chunk size %d", cfg.Overlap, cfg.Size)
	}
	return &Chunker{size: cfg.Size, overlap: cfg.Overlap}, nil
}

// Size 窗口大小。
func (c *Chunker) Size() int { return c.size }

// Overlap 重叠大小。
func (c *Chunker) Overlap() int { return c.overlap }

// Split 切分单个文档。空白文档不产出分块。
func (c *Chunker) Split(doc loader.Document) []store.Chunk {
	if strings.TrimSpace(doc.Content) == "" {
		return nil
	}

	var texts []string
	if doc.Tabular() {
		texts = []string{doc.Content}
	} else {
		texts = c.SplitText(doc.Content)
	}

	meta := Metadata(doc)
	chunks := make([]store.Chunk, len(texts))
	for i, text := range texts {
		chunks[i] = store.Chunk{
			ID:            store.ChunkID(doc.ID, i),
			DocumentID:    doc.ID,
			Text:          text,
			SequenceIndex: i,
			Metadata:      meta.Clone(),
		}
	}
	return chunks
}

// SplitText 切分文本。相邻片段恰好共享 Overlap 个字符，
// 去掉重叠部分后依次拼接即得到原文。
func (c *Chunker) SplitText(text string) []string {
	r := []rune(text)
	n := len(r)
	if n == 0 {
		return nil
	}
	if n <= c.size {
		return []string{text}
	}

	var out []string
	start := 0
	for {
		end := start + c.size
		if end >= n {
			out = append(out, string(r[start:]))
			return out
		}
		// 切点必须越过重叠区，保证每次前进
		lo := max(start+c.size/2, start+c.overlap+1)
		cut := boundary(r, lo, end)
		out = append(out, string(r[start:cut]))
		start = cut - c.overlap
	}
}

// boundary 在 [lo, hi] 内从后向前寻找切点，依次尝试段落、句子、空白；
// 都没有时返回 hi。
func boundary(r []rune, lo, hi int) int {
	if lo > hi {
		return hi
	}
	for _, at := range []func([]rune, int) bool{paragraphEnd, sentenceEnd, spaceEnd} {
		for p := hi; p >= lo; p-- {
			if at(r, p) {
				return p
			}
		}
	}
	return hi
}

// paragraphEnd r[:p] 以空行结尾。
func paragraphEnd(r []rune, p int) bool {
	return p >= 2 && r[p-1] == '\n' && r[p-2] == '\n'
}

// sentenceEnd r[:p] 以句末标点结尾。半角标点后须跟空白或文本结束。
func sentenceEnd(r []rune, p int) bool {
	if p < 1 {
		return false
	}
	switch r[p-1] {
	case '。', '！', '？':
		return true
	case '.', '!', '?':
		return p == len(r) || unicode.IsSpace(r[p])
	}
	return false
}

func spaceEnd(r []rune, p int) bool {
	return p >= 1 && unicode.IsSpace(r[p-1])
}
