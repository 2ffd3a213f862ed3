package loader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/kart-io/sentinel-rag/pkg/utils/errors"
)

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func writeXLSX(t *testing.T, dir, name string, sheets map[string][][]any) string {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()

	names := make([]string, 0, len(sheets))
	for s := range sheets {
		names = append(names, s)
	}
	slices.Sort(names)
	for i, s := range names {
		if i == 0 {
			require.NoError(t, f.SetSheetName("Sheet1", s))
		} else {
			_, err := f.NewSheet(s)
			require.NoError(t, err)
		}
		for r, row := range sheets[s] {
			cell, err := excelize.CoordinatesToCellName(1, r+1)
			require.NoError(t, err)
			require.NoError(t, f.SetSheetRow(s, cell, &row))
		}
	}
	path := filepath.Join(dir, name)
	require.NoError(t, f.SaveAs(path))
	return path
}

func TestLoadDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "jobs.csv", []byte("\xEF\xBB\xBFtitle,location,salary\nGo 开发,深圳,15-20K\n\n,,\nPython 开发,北京,20K以上\n"))
	writeFile(t, dir, "notes/readme.md", []byte("# 说明\n\n这里是招聘数据说明。"))
	writeFile(t, dir, "skip.pdf", []byte("%PDF"))
	writeFile(t, dir, ".hidden/secret.txt", []byte("hidden"))
	writeFile(t, dir, "bad.txt", []byte{0xff, 0xfe, 0xfd})
	writeXLSX(t, dir, "companies.xlsx", map[string][][]any{
		"公司": {
			{"公司名称", "地区"},
			{"甲公司", "上海"},
		},
	})

	res, err := New(Options{}).LoadDirectory(context.Background(), dir)
	require.NoError(t, err)

	assert.Len(t, res.Files(), 4, "pdf and hidden files are not discovered")
	require.Len(t, res.Warnings(), 1)
	assert.Equal(t, filepath.Join(dir, "bad.txt"), res.Warnings()[0].Path)
	assert.True(t, errors.Is(res.Warnings()[0], errors.ErrIngestionWarning))

	docs := slices.Collect(res.Documents())
	require.Len(t, docs, 4)

	// 按路径排序: bad.txt, companies.xlsx, jobs.csv, notes/readme.md
	company := docs[0]
	assert.Equal(t, FormatSpreadsheet, company.Format)
	assert.Equal(t, "公司", company.Sheet)
	assert.Equal(t, 1, company.Row)
	assert.Equal(t, "甲公司", company.FieldMap()["公司名称"])
	assert.Contains(t, company.Origin, "#公司!1")

	goJob, pyJob := docs[1], docs[2]
	assert.Equal(t, FormatDelimited, goJob.Format)
	assert.True(t, goJob.Tabular())
	assert.Equal(t, []Field{{"title", "Go 开发"}, {"location", "深圳"}, {"salary", "15-20K"}}, goJob.Fields)
	assert.Equal(t, 2, pyJob.Row, "blank rows do not consume row numbers")
	assert.Contains(t, goJob.Content, "location: 深圳")
	assert.NotEqual(t, goJob.ID, pyJob.ID)

	text := docs[3]
	assert.Equal(t, FormatText, text.Format)
	assert.False(t, text.Tabular())
	assert.Contains(t, text.Content, "招聘数据")
}

func TestDocumentIDsAreDeterministic(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "a.tsv", []byte("name\tcity\nx\ty\n"))

	l := New(Options{})
	r1, err := l.LoadFiles(context.Background(), []string{path})
	require.NoError(t, err)
	r2, err := l.LoadFiles(context.Background(), []string{path})
	require.NoError(t, err)

	d1 := slices.Collect(r1.Documents())
	d2 := slices.Collect(r2.Documents())
	require.Len(t, d1, 1)
	assert.Equal(t, d1[0].ID, d2[0].ID)
	assert.Equal(t, "y", d1[0].FieldMap()["city"])
}

func TestMalformedFilesAreSkipped(t *testing.T) {
	dir := t.TempDir()
	good := writeFile(t, dir, "good.csv", []byte("a,b\n1,2\n"))
	tests := []struct {
		name string
		file string
		data []byte
	}{
		{name: "bare quote", file: "quote.csv", data: []byte("a,b\n1,\"2\n3\"x,4\n")},
		{name: "header only blank", file: "blank.csv", data: []byte(" , \n1,2\n")},
		{name: "empty text", file: "empty.md", data: []byte("  \n")},
		{name: "broken xlsx", file: "broken.xlsx", data: []byte("not a zip")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bad := writeFile(t, dir, tt.file, tt.data)
			res, err := New(Options{}).LoadFiles(context.Background(), []string{bad, good})
			require.NoError(t, err)
			require.Len(t, res.Warnings(), 1)
			assert.Equal(t, bad, res.Warnings()[0].Path)
			assert.Equal(t, 1, res.Len(), "good file still loaded")
		})
	}
}

func TestMissingFileIsWarning(t *testing.T) {
	res, err := New(Options{}).LoadFiles(context.Background(), []string{filepath.Join(t.TempDir(), "nope.csv")})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Len())
	assert.Len(t, res.Warnings(), 1)
}

func TestSheetSelection(t *testing.T) {
	dir := t.TempDir()
	path := writeXLSX(t, dir, "multi.xlsx", map[string][][]any{
		"A": {{"k"}, {"a1"}, {"a2"}},
		"B": {{"k"}, {"b1"}},
	})

	all, err := New(Options{}).LoadFiles(context.Background(), []string{path})
	require.NoError(t, err)
	assert.Equal(t, 3, all.Len())

	onlyB, err := New(Options{Sheet: "B"}).LoadFiles(context.Background(), []string{path})
	require.NoError(t, err)
	require.Equal(t, 1, onlyB.Len())

	missing, err := New(Options{Sheet: "C"}).LoadFiles(context.Background(), []string{path})
	require.NoError(t, err)
	assert.Len(t, missing.Warnings(), 1)
}

func TestWideRowsGetColumnNames(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "wide.csv", []byte("a\n1,2\n"))
	res, err := New(Options{}).LoadFiles(context.Background(), []string{path})
	require.NoError(t, err)
	docs := slices.Collect(res.Documents())
	require.Len(t, docs, 1)
	assert.Equal(t, "2", docs[0].FieldMap()["column_2"])
}

func TestDocumentsIsLazy(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for i := range 3 {
		paths = append(paths, writeFile(t, dir, fmt.Sprintf("f%d.txt", i), []byte("text")))
	}
	// 第二个文件在迭代开始后才被删除，首个文档已产出时它仍未被读取
	seq := New(Options{}).Documents(context.Background(), paths, nil)
	var seen int
	for range seq {
		seen++
		if seen == 1 {
			require.NoError(t, os.Remove(paths[1]))
		}
	}
	assert.Equal(t, 2, seen)
}

func TestWalkStopsOnError(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "rows.csv", []byte("a\n1\n2\n3\n"))
	stop := fmt.Errorf("stop")
	var n int
	_, err := New(Options{}).Walk(context.Background(), []string{path}, func(Document) error {
		n++
		if n == 2 {
			return stop
		}
		return nil
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 2, n)
}

func TestWalkHonoursCancel(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "a.txt", []byte("x"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(Options{}).Walk(ctx, []string{path}, func(Document) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFingerprint(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "a.txt", []byte("hello"))
	info, err := Fingerprint(p)
	require.NoError(t, err)
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", info.Hash)
	assert.Equal(t, int64(5), info.Size)

	infos, warns := Fingerprints([]string{p, filepath.Join(dir, "missing")})
	assert.Len(t, infos, 1)
	assert.Len(t, warns, 1)
}
