package store

import (
	"strconv"
)

// Metadata 分块元数据，值为 string 或 float64。
type Metadata map[string]any

// 保留的元数据键。
const (
	MetaSource   = "source"
	MetaSheet    = "sheet"
	MetaRowIndex = "row_index"
	MetaFormat   = "format"
)

// String 返回键对应的字符串表示；数值按最短形式格式化。
func (m Metadata) String(key string) (string, bool) {
	switch v := m[key].(type) {
	case string:
		return v, true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	default:
		return "", false
	}
}

// Number 返回数值；字符串按十进制解析。
func (m Metadata) Number(key string) (float64, bool) {
	switch v := m[key].(type) {
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Clone 浅拷贝。
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Chunk 可检索的最小文本单元。
type Chunk struct {
	// ID 形如 <DocumentID>#<SequenceIndex>。
	ID            string   `json:"id"`
	DocumentID    string   `json:"document_id"`
	Text          string   `json:"text"`
	SequenceIndex int      `json:"sequence_index"`
	Metadata      Metadata `json:"metadata,omitempty"`
}

// ChunkID 组合分块 ID。
func ChunkID(documentID string, seq int) string {
	return documentID + "#" + strconv.Itoa(seq)
}

// Entry 索引条目：分块与其向量，一一对应。
type Entry struct {
	Chunk  Chunk
	Vector []float32
}

// Hit 一条检索结果。
type Hit struct {
	Chunk Chunk   `json:"chunk"`
	Score float64 `json:"score"`
}

// RetrievalResult 按分数降序排列的检索结果。
type RetrievalResult []Hit

// ChunkIDs 返回结果中分块 ID，顺序不变。
func (r RetrievalResult) ChunkIDs() []string {
	ids := make([]string, len(r))
	for i, h := range r {
		ids[i] = h.Chunk.ID
	}
	return ids
}
