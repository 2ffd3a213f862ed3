package chunker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kart-io/sentinel-rag/internal/pkg/rag/loader"
	"github.com/kart-io/sentinel-rag/internal/rag/store"
	"github.com/kart-io/sentinel-rag/pkg/utils/errors"
)

// reconstruct 去掉重叠后拼接。
func reconstruct(parts []string, overlap int) string {
	var b strings.Builder
	for i, p := range parts {
		if i == 0 {
			b.WriteString(p)
			continue
		}
		b.WriteString(string([]rune(p)[overlap:]))
	}
	return b.String()
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"valid", Config{Size: 10, Overlap: 3}, true},
		{"zero overlap", Config{Size: 10}, true},
		{"negative overlap clamped", Config{Size: 10, Overlap: -5}, true},
		{"overlap equals size", Config{Size: 10, Overlap: 10}, false},
		{"overlap exceeds size", Config{Size: 10, Overlap: 11}, false},
		{"zero size", Config{Size: 0}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(tt.cfg)
			if tt.ok {
				require.NoError(t, err)
				assert.GreaterOrEqual(t, c.Overlap(), 0)
				return
			}
			assert.True(t, errors.Is(err, errors.ErrInvalidChunkConfig))
		})
	}
}

func TestSplitTextHardCuts(t *testing.T) {
	tests := []struct {
		n, size, overlap int
	}{
		{100, 10, 0},
		{100, 10, 3},
		{101, 10, 3},
		{57, 20, 19},
		{11, 10, 9},
		{1000, 64, 16},
	}
	for _, tt := range tests {
		// 无空白、无标点，只能硬切
		text := strings.Repeat("字", tt.n)
		c, err := New(Config{Size: tt.size, Overlap: tt.overlap})
		require.NoError(t, err)

		parts := c.SplitText(text)
		assert.Len(t, parts, ceilDiv(tt.n-tt.overlap, tt.size-tt.overlap), "n=%d w=%d o=%d", tt.n, tt.size, tt.overlap)
		assert.Equal(t, text, reconstruct(parts, tt.overlap))
		for i, p := range parts {
			assert.LessOrEqual(t, len([]rune(p)), tt.size, "part %d", i)
		}
	}
}

func TestSplitTextOverlapIsExact(t *testing.T) {
	text := strings.Repeat("The quick brown fox jumps over the lazy dog. ", 20) +
		"\n\n" + strings.Repeat("敏捷的棕色狐狸跳过了懒狗。", 15)
	c, err := New(Config{Size: 80, Overlap: 12})
	require.NoError(t, err)

	parts := c.SplitText(text)
	require.Greater(t, len(parts), 1)
	assert.Equal(t, text, reconstruct(parts, 12))

	for i := 1; i < len(parts); i++ {
		prev, cur := []rune(parts[i-1]), []rune(parts[i])
		assert.Equal(t, string(prev[len(prev)-12:]), string(cur[:12]), "overlap between %d and %d", i-1, i)
	}

	n := len([]rune(text))
	hard := ceilDiv(n-12, 80-12)
	// 边界对齐最多让窗口缩短一半
	assert.GreaterOrEqual(t, len(parts), hard)
	assert.LessOrEqual(t, len(parts), ceilDiv(n-12, 40-12))
}

func TestSplitTextPrefersBoundaries(t *testing.T) {
	c, err := New(Config{Size: 30})
	require.NoError(t, err)

	t.Run("paragraph", func(t *testing.T) {
		text := "first paragraph. still first\n\nsecond paragraph goes on"
		parts := c.SplitText(text)
		require.NotEmpty(t, parts)
		assert.Equal(t, "first paragraph. still first\n\n", parts[0])
	})

	t.Run("sentence", func(t *testing.T) {
		text := "Short one here. Another sentence that runs long"
		parts := c.SplitText(text)
		assert.Equal(t, "Short one here.", parts[0])
	})

	t.Run("cjk sentence", func(t *testing.T) {
		text := "这是第一句话，内容比较长一些。这是第二句话继续写下去直到超过窗口"
		parts := c.SplitText(text)
		assert.True(t, strings.HasSuffix(parts[0], "。"), "got %q", parts[0])
	})

	t.Run("whitespace", func(t *testing.T) {
		text := "alpha beta gamma delta epsilon zeta eta theta"
		parts := c.SplitText(text)
		assert.True(t, strings.HasSuffix(parts[0], " "), "got %q", parts[0])
		assert.Equal(t, text, reconstruct(parts, 0))
	})

	t.Run("decimal point is not a sentence end", func(t *testing.T) {
		text := "version 3.14159265358979 was released then"
		parts := c.SplitText(text)
		assert.NotContains(t, parts[0], "3.14159265358979 w")
		assert.Equal(t, text, reconstruct(parts, 0))
	})
}

func TestSplitShortDocument(t *testing.T) {
	c, err := New(Config{Size: 100, Overlap: 10})
	require.NoError(t, err)

	doc := loader.Document{ID: "doc-1", Source: "notes.txt", Format: loader.FormatText, Content: "一段短文本。"}
	chunks := c.Split(doc)
	require.Len(t, chunks, 1)
	assert.Equal(t, "doc-1#0", chunks[0].ID)
	assert.Equal(t, doc.Content, chunks[0].Text)
	assert.Equal(t, "notes.txt", chunks[0].Metadata[store.MetaSource])
	assert.Equal(t, "text", chunks[0].Metadata[store.MetaFormat])
	assert.NotContains(t, chunks[0].Metadata, store.MetaRowIndex)

	assert.Empty(t, c.Split(loader.Document{ID: "blank", Content: "  \n\t"}))
}

func TestSplitTabularIsNeverSplit(t *testing.T) {
	c, err := New(Config{Size: 10, Overlap: 2})
	require.NoError(t, err)

	doc := loader.Document{
		ID:      "row-1",
		Source:  "jobs.xlsx",
		Sheet:   "上海",
		Row:     7,
		Format:  loader.FormatSpreadsheet,
		Content: strings.Repeat("很长的岗位描述", 20),
		Fields: []loader.Field{
			{Name: "title", Value: "Go 开发"},
			{Name: "salary", Value: "15-20K"},
			{Name: "source", Value: "拉勾"},
			{Name: " ", Value: "ignored"},
		},
	}
	chunks := c.Split(doc)
	require.Len(t, chunks, 1)

	chunk := chunks[0]
	assert.Equal(t, doc.Content, chunk.Text)
	assert.Equal(t, 0, chunk.SequenceIndex)
	assert.Equal(t, store.Metadata{
		"title":            "Go 开发",
		"salary":           "15-20K",
		"field.source":     "拉勾",
		store.MetaSource:   "jobs.xlsx",
		store.MetaFormat:   "spreadsheet",
		store.MetaSheet:    "上海",
		store.MetaRowIndex: float64(7),
	}, chunk.Metadata)
}

func TestSplitChunkIDs(t *testing.T) {
	c, err := New(Config{Size: 10, Overlap: 2})
	require.NoError(t, err)

	chunks := c.Split(loader.Document{ID: "d", Format: loader.FormatText, Content: strings.Repeat("x", 30)})
	require.Len(t, chunks, 4)
	for i, ch := range chunks {
		assert.Equal(t, store.ChunkID("d", i), ch.ID)
		assert.Equal(t, i, ch.SequenceIndex)
		assert.Equal(t, "d", ch.DocumentID)
	}

	// 各分块的元数据互不影响
	chunks[0].Metadata["x"] = "y"
	assert.NotContains(t, chunks[1].Metadata, "x")
}

func TestFieldName(t *testing.T) {
	assert.Equal(t, "city", FieldName(" city "))
	assert.Equal(t, "field.sheet", FieldName("sheet"))
	assert.Equal(t, "field.row_index", FieldName("row_index"))
}
