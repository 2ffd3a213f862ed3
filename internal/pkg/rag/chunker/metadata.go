package chunker

import (
	"strings"

	"github.com/kart-io/sentinel-rag/internal/pkg/rag/loader"
	"github.com/kart-io/sentinel-rag/internal/rag/store"
)

var reserved = map[string]bool{
	store.MetaSource:   true,
	store.MetaSheet:    true,
	store.MetaRowIndex: true,
	store.MetaFormat:   true,
}

// Metadata 构造文档所有分块共享的元数据。
// 表格字段按表头名原样保存；与保留键同名的字段加 FieldPrefix。
func Metadata(doc loader.Document) store.Metadata {
	m := make(store.Metadata, len(doc.Fields)+4)
	for _, f := range doc.Fields {
		name := FieldName(f.Name)
		if name == "" {
			continue
		}
		m[name] = f.Value
	}

	m[store.MetaSource] = doc.Source
	m[store.MetaFormat] = string(doc.Format)
	if doc.Sheet != "" {
		m[store.MetaSheet] = doc.Sheet
	}
	if doc.Row > 0 {
		m[store.MetaRowIndex] = float64(doc.Row)
	}
	return m
}

// FieldName 返回表头名在元数据中的键。
func FieldName(header string) string {
	header = strings.TrimSpace(header)
	if reserved[header] {
		return FieldPrefix + header
	}
	return header
}
