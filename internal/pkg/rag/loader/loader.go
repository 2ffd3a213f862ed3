package loader

import (
	"bytes"
	"context"
	"encoding/csv"
	stderrors "errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/kart-io/logger"
	"github.com/xuri/excelize/v2"
)

var (
	errEmptyFile  = stderrors.New("file has no content")
	errNoHeader   = stderrors.New("missing header row")
	errNotUTF8    = stderrors.New("content is not valid UTF-8")
	errNoSheet    = stderrors.New("sheet not found")
	errUnknownExt = stderrors.New("unsupported file extension")
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Options 加载配置。
type Options struct {
	// Sheet 仅读取该工作表；为空读取全部。
	Sheet string
	// Extensions 目录发现时的扩展名白名单。
	Extensions []string
}

// Loader 文档加载器，无状态，可并发使用。
type Loader struct {
	opts Options
}

// New 创建 Loader。
func New(opts Options) *Loader {
	if len(opts.Extensions) == 0 {
		opts.Extensions = SupportedExtensions
	}
	return &Loader{opts: opts}
}

// Discover 返回目录下所有受支持的文件。
func (l *Loader) Discover(dir string) ([]string, error) {
	st, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", dir, err)
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}
	return FindFiles(dir, l.opts.Extensions)
}

// Documents 返回惰性文档序列：文件在迭代时逐个打开。
// 被跳过的文件通过 warn 回调报告；ctx 取消时序列提前结束。
func (l *Loader) Documents(ctx context.Context, paths []string, warn func(Warning)) iter.Seq[Document] {
	return func(yield func(Document) bool) {
		for _, path := range paths {
			if ctx.Err() != nil {
				return
			}
			docs, err := l.loadFile(path)
			if err != nil {
				w := Warning{Path: path, Err: err}
				logger.Warnw("source file skipped", "path", path, "error", err.Error())
				if warn != nil {
					warn(w)
				}
				continue
			}
			for _, doc := range docs {
				if !yield(doc) {
					return
				}
			}
		}
	}
}

// Walk 依次把文档交给 fn；fn 返回错误时停止并返回该错误。
func (l *Loader) Walk(ctx context.Context, paths []string, fn func(Document) error) ([]Warning, error) {
	var (
		warnings []Warning
		fnErr    error
	)
	for doc := range l.Documents(ctx, paths, func(w Warning) { warnings = append(warnings, w) }) {
		if fnErr = fn(doc); fnErr != nil {
			break
		}
	}
	if fnErr != nil {
		return warnings, fnErr
	}
	return warnings, ctx.Err()
}

// Result 一次加载的结果。
type Result struct {
	docs     []Document
	warnings []Warning
	files    []string
}

// Documents 按加载顺序遍历文档。
func (r *Result) Documents() iter.Seq[Document] {
	return slices.Values(r.docs)
}

// Len 文档数。
func (r *Result) Len() int { return len(r.docs) }

// Warnings 被跳过的文件。
func (r *Result) Warnings() []Warning { return r.warnings }

// Files 参与加载的文件。
func (r *Result) Files() []string { return r.files }

// LoadFiles 加载指定文件。
func (l *Loader) LoadFiles(ctx context.Context, paths []string) (*Result, error) {
	res := &Result{files: paths}
	warnings, err := l.Walk(ctx, paths, func(d Document) error {
		res.docs = append(res.docs, d)
		return nil
	})
	res.warnings = warnings
	if err != nil {
		return nil, err
	}
	return res, nil
}

// LoadDirectory 发现并加载目录下的所有受支持文件。
func (l *Loader) LoadDirectory(ctx context.Context, dir string) (*Result, error) {
	paths, err := l.Discover(dir)
	if err != nil {
		return nil, err
	}
	return l.LoadFiles(ctx, paths)
}

func (l *Loader) loadFile(path string) ([]Document, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return l.loadDelimited(path, ',')
	case ".tsv":
		return l.loadDelimited(path, '\t')
	case ".xlsx":
		return l.loadSpreadsheet(path)
	case ".txt", ".md":
		return l.loadText(path)
	default:
		return nil, errUnknownExt
	}
}

func (l *Loader) loadText(path string) ([]Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimPrefix(data, utf8BOM)
	if !utf8.Valid(data) {
		return nil, errNotUTF8
	}
	content := strings.ReplaceAll(string(data), "\r\n", "\n")
	if strings.TrimSpace(content) == "" {
		return nil, errEmptyFile
	}
	return []Document{newTextDocument(path, content)}, nil
}

func (l *Loader) loadDelimited(path string, comma rune) ([]Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimPrefix(data, utf8BOM)
	if !utf8.Valid(data) {
		return nil, errNotUTF8
	}

	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = comma
	r.FieldsPerRecord = -1
	r.LazyQuotes = comma == '\t'

	var records [][]string
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return rowsToDocuments(path, "", FormatDelimited, records)
}

func (l *Loader) loadSpreadsheet(path string) ([]Document, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if l.opts.Sheet != "" {
		if !slices.Contains(sheets, l.opts.Sheet) {
			return nil, fmt.Errorf("%w: %s", errNoSheet, l.opts.Sheet)
		}
		sheets = []string{l.opts.Sheet}
	}

	var docs []Document
	for _, sheet := range sheets {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return nil, fmt.Errorf("sheet %s: %w", sheet, err)
		}
		if len(rows) == 0 {
			continue
		}
		sheetDocs, err := rowsToDocuments(path, sheet, FormatSpreadsheet, rows)
		if err != nil {
			return nil, fmt.Errorf("sheet %s: %w", sheet, err)
		}
		docs = append(docs, sheetDocs...)
	}
	if len(docs) == 0 {
		return nil, errEmptyFile
	}
	return docs, nil
}

// rowsToDocuments 首行为表头，其后每个非空行生成一个 Document。
func rowsToDocuments(path, sheet string, format Format, records [][]string) ([]Document, error) {
	if len(records) == 0 {
		return nil, errEmptyFile
	}
	header := normalizeHeader(records[0])
	if len(header) == 0 {
		return nil, errNoHeader
	}

	docs := make([]Document, 0, len(records)-1)
	row := 0
	for _, rec := range records[1:] {
		if blank(rec) {
			continue
		}
		row++
		fields := make([]Field, 0, max(len(header), len(rec)))
		for i := 0; i < max(len(header), len(rec)); i++ {
			name := columnName(header, i)
			var value string
			if i < len(rec) {
				value = rec[i]
			}
			fields = append(fields, Field{Name: name, Value: value})
		}
		docs = append(docs, newRowDocument(path, sheet, row, format, fields))
	}
	if len(docs) == 0 && sheet == "" {
		return nil, errEmptyFile
	}
	return docs, nil
}

// normalizeHeader 去掉首尾空白；全空表头返回 nil。
func normalizeHeader(rec []string) []string {
	header := make([]string, len(rec))
	empty := true
	for i, h := range rec {
		header[i] = strings.TrimSpace(h)
		if header[i] != "" {
			empty = false
		}
	}
	if empty {
		return nil
	}
	return header
}

func columnName(header []string, i int) string {
	if i < len(header) && header[i] != "" {
		return header[i]
	}
	return fmt.Sprintf("column_%d", i+1)
}

func blank(rec []string) bool {
	for _, c := range rec {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
