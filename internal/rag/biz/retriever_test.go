package biz

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kart-io/sentinel-rag/internal/rag/metrics"
	"github.com/kart-io/sentinel-rag/internal/rag/store"
	"github.com/kart-io/sentinel-rag/pkg/utils/errors"
)

func ptr(v float64) *float64 { return &v }

func newTestRetriever(t *testing.T, chunks ...chunkSpec) *Retriever {
	t.Helper()
	emb := newTestEmbedder(t, nil)
	idx := buildIndex(t, emb, chunks...)
	return NewRetriever(idx, emb, NewFilterSchema("city", "title", "salary", "location"), nil, metrics.New())
}

func TestRetrieverFilterStarvation(t *testing.T) {
	var chunks []chunkSpec
	for i := range 25 {
		chunks = append(chunks, chunkSpec{
			text: fmt.Sprintf("北京 Java 销售 编号 %d", i),
			meta: store.Metadata{"city": "北京"},
		})
	}
	chunks = append(chunks,
		chunkSpec{text: "上海 Go 工程师 岗位 一", meta: store.Metadata{"city": "上海"}},
		chunkSpec{text: "上海 Go 工程师 岗位 二", meta: store.Metadata{"city": "上海"}},
	)
	r := newTestRetriever(t, chunks...)

	res, err := r.Retrieve(context.Background(), "上海 Go 工程师", 3, Filter{"city": {Equals: "上海"}})
	require.NoError(t, err)
	// 只有两条满足条件，不补齐
	require.Len(t, res, 2)
	for _, h := range res {
		city, _ := h.Chunk.Metadata.String("city")
		assert.Equal(t, "上海", city)
	}
	assert.GreaterOrEqual(t, res[0].Score, res[1].Score)

	none, err := r.Retrieve(context.Background(), "上海 Go 工程师", 3, Filter{"city": {Equals: "广州"}})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRetrieverWithoutFilter(t *testing.T) {
	r := newTestRetriever(t, jobChunks...)

	res, err := r.Retrieve(context.Background(), "Python 开发工程师", 2, nil)
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Contains(t, res[0].Chunk.Text, "Python")

	all, err := r.Retrieve(context.Background(), "工程师", 10, nil)
	require.NoError(t, err)
	assert.Len(t, all, len(jobChunks))
}

func TestRetrieverErrors(t *testing.T) {
	r := newTestRetriever(t, jobChunks...)
	ctx := context.Background()

	_, err := r.Retrieve(ctx, "Python", 0, nil)
	assert.True(t, errors.Is(err, errors.ErrInvalidTopK))

	_, err = r.Retrieve(ctx, "   ", 3, nil)
	assert.True(t, errors.Is(err, errors.ErrEmptyQuery))

	_, err = r.Retrieve(ctx, "Python", 3, Filter{"company": {Equals: "x"}})
	assert.True(t, errors.Is(err, errors.ErrUnknownFilterField))

	_, err = r.Retrieve(ctx, "Python", 3, Filter{"salary": {Min: ptr(20), Max: ptr(10)}})
	assert.True(t, errors.Is(err, errors.ErrInvalidParam))

	emb := newTestEmbedder(t, nil)
	empty := NewRetriever(store.NewIndex(0), emb, NewFilterSchema(), nil, nil)
	_, err = empty.Retrieve(ctx, "Python", 3, nil)
	assert.True(t, errors.Is(err, errors.ErrIndexNotReady))
}

func TestRetrieverSearchByMetadata(t *testing.T) {
	r := newTestRetriever(t, jobChunks...)
	ctx := context.Background()

	res, err := r.Search(ctx, "", Filter{"location": {Equals: "深圳"}}, 5)
	require.NoError(t, err)
	require.Len(t, res, 2)
	for _, h := range res {
		loc, _ := h.Chunk.Metadata.String("location")
		assert.Equal(t, "深圳", loc)
		assert.Equal(t, 1.0, h.Score)
	}

	res, err = r.Search(ctx, "", Filter{"salary": {Min: ptr(19000)}}, 5)
	require.NoError(t, err)
	titles := make([]string, len(res))
	for i, h := range res {
		titles[i], _ = h.Chunk.Metadata.String("title")
	}
	assert.Equal(t, []string{"Python 开发工程师", "Go 后端工程师"}, titles)

	res, err = r.Search(ctx, "", Filter{"title": {Contains: "python"}}, 1)
	require.NoError(t, err)
	assert.Len(t, res, 1)

	res, err = r.Search(ctx, "数据分析", Filter{"location": {In: []string{"深圳", "上海"}}}, 1)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Contains(t, res[0].Chunk.Text, "数据分析师")

	_, err = r.Search(ctx, "", nil, 0)
	assert.True(t, errors.Is(err, errors.ErrInvalidTopK))
}

func TestConditionMatch(t *testing.T) {
	meta := store.Metadata{
		"city":   " Shenzhen ",
		"salary": "15-20K",
		"age":    float64(30),
		"note":   "",
		"annual": "年薪30万",
	}
	tests := []struct {
		name string
		key  string
		cond Condition
		want bool
	}{
		{"equals ignores case and space", "city", Condition{Equals: "shenzhen"}, true},
		{"equals mismatch", "city", Condition{Equals: "Beijing"}, false},
		{"in", "city", Condition{In: []string{"beijing", "SHENZHEN"}}, true},
		{"contains", "city", Condition{Contains: "zhen"}, true},
		{"range overlaps", "salary", Condition{Min: ptr(18000)}, true},
		{"range below", "salary", Condition{Max: ptr(10000)}, false},
		{"annual salary as monthly", "annual", Condition{Min: ptr(24000), Max: ptr(26000)}, true},
		{"annual salary above monthly max", "annual", Condition{Max: ptr(20000)}, false},
		{"number in range", "age", Condition{Min: ptr(25), Max: ptr(35)}, true},
		{"number out of range", "age", Condition{Min: ptr(31)}, false},
		{"text is not numeric", "city", Condition{Min: ptr(1)}, false},
		{"missing field", "company", Condition{Equals: "x"}, false},
		{"empty condition requires value", "note", Condition{}, false},
		{"empty condition with value", "city", Condition{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cond.Match(meta, tt.key))
		})
	}
}

func TestFilterSchemaAlwaysAllowsReservedKeys(t *testing.T) {
	s := NewFilterSchema(" city ", "")
	assert.Equal(t, []string{"city", "format", "row_index", "sheet", "source"}, s.Fields())
	assert.NoError(t, s.Validate(Filter{"source": {Contains: "jobs"}, "city": {}}))
	assert.NoError(t, s.Validate(nil))
}

func TestFilterSchemaFromIndex(t *testing.T) {
	idx := store.NewIndex(0)
	s := NewFilterSchema().WithIndex(idx)
	assert.Error(t, s.Validate(Filter{"city": {}}))

	require.NoError(t, idx.Build([]store.Entry{
		{Chunk: store.Chunk{ID: "a", Metadata: store.Metadata{"city": "深圳"}}, Vector: []float32{1, 0}},
		{Chunk: store.Chunk{ID: "b", Metadata: store.Metadata{"title": "Go"}}, Vector: []float32{0, 1}},
	}))
	assert.NoError(t, s.Validate(Filter{"city": {}, "title": {}}))
	assert.Contains(t, s.Fields(), "city")
	err := s.Validate(Filter{"salary": {}})
	assert.True(t, errors.Is(err, errors.ErrUnknownFilterField))

	// 配置了字段时不再参考索引
	declared := NewFilterSchema("title").WithIndex(idx)
	assert.Error(t, declared.Validate(Filter{"city": {}}))
	assert.NotContains(t, declared.Fields(), "city")
}
