// Package loader 读取源文档目录，产出可分块的 Document。
//
// 支持的格式：
//   - 分隔文本 (.csv, .tsv)：首行为表头，每个数据行是一个 Document
//   - 电子表格 (.xlsx)：每个工作表首行为表头，每个非空数据行是一个 Document
//   - 连续文本 (.txt, .md)：整个文件是一个 Document
//
// 无法读取或格式错误的文件以 Warning 形式报告并跳过，不会中断其他文件。
package loader

import (
	"fmt"
	"strings"

	"github.com/kart-io/sentinel-rag/pkg/utils/errors"
	"github.com/kart-io/sentinel-rag/pkg/utils/id"
)

// Format 文档格式。
type Format string

const (
	FormatText        Format = "text"
	FormatDelimited   Format = "delimited"
	FormatSpreadsheet Format = "spreadsheet"
)

// Field 表格行中的一个单元格，保持表头顺序。
type Field struct {
	Name  string
	Value string
}

// Document 单个源文档。分块后即被丢弃。
type Document struct {
	ID      string
	Origin  string
	Content string
	Format  Format

	// Source 源文件路径。
	Source string
	// Sheet 工作表名，仅电子表格。
	Sheet string
	// Row 数据行序号，从 1 开始；非表格文档为 0。
	Row int
	// Fields 表格行的原始字段，未经任何改写。
	Fields []Field
}

// Tabular 表格行文档不再被分块。
func (d Document) Tabular() bool {
	return d.Format == FormatDelimited || d.Format == FormatSpreadsheet
}

// FieldMap 返回字段名到值的映射。
func (d Document) FieldMap() map[string]string {
	m := make(map[string]string, len(d.Fields))
	for _, f := range d.Fields {
		m[f.Name] = f.Value
	}
	return m
}

func newTextDocument(path, content string) Document {
	return Document{
		ID:      id.DocumentID(path),
		Origin:  path,
		Content: content,
		Format:  FormatText,
		Source:  path,
	}
}

func newRowDocument(path, sheet string, row int, format Format, fields []Field) Document {
	origin := fmt.Sprintf("%s#%d", path, row)
	if sheet != "" {
		origin = fmt.Sprintf("%s#%s!%d", path, sheet, row)
	}
	return Document{
		ID:      id.DocumentID(origin),
		Origin:  origin,
		Content: renderRow(sheet, row, fields),
		Format:  format,
		Source:  path,
		Sheet:   sheet,
		Row:     row,
		Fields:  fields,
	}
}

// renderRow 把一行渲染成 "字段: 值" 形式，空值省略。
func renderRow(sheet string, row int, fields []Field) string {
	var b strings.Builder
	if sheet != "" {
		fmt.Fprintf(&b, "【%s #%d】\n", sheet, row)
	} else {
		fmt.Fprintf(&b, "【#%d】\n", row)
	}
	for _, f := range fields {
		v := strings.TrimSpace(f.Value)
		if v == "" {
			continue
		}
		b.WriteString(f.Name)
		b.WriteString(": ")
		b.WriteString(v)
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

// Warning 单个文件被跳过的原因。
type Warning struct {
	Path string
	Err  error
}

// Error 实现 error，errors.Is(w, errors.ErrIngestionWarning) 为 true。
func (w Warning) Error() string {
	return fmt.Sprintf("skip %s: %v", w.Path, w.Err)
}

// Unwrap 返回带原因的 ErrIngestionWarning。
func (w Warning) Unwrap() error {
	return errors.ErrIngestionWarning.WithCause(w.Err)
}
