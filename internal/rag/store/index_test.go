package store

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kart-io/sentinel-rag/pkg/utils/errors"
)

func entry(id string, vec ...float32) Entry {
	return Entry{
		Chunk:  Chunk{ID: id, DocumentID: "doc", Text: "text " + id},
		Vector: vec,
	}
}

func TestIndexEmpty(t *testing.T) {
	idx := NewIndex(2)
	assert.Equal(t, StateEmpty, idx.State())
	assert.Equal(t, 0, idx.Len())

	_, err := idx.Query([]float32{1, 0}, 3)
	assert.True(t, errors.Is(err, errors.ErrIndexNotReady))

	_, err = idx.Scan(nil, 0)
	assert.True(t, errors.Is(err, errors.ErrIndexNotReady))
}

func TestIndexQueryTopK(t *testing.T) {
	idx := NewIndex(0)
	require.NoError(t, idx.Build([]Entry{
		entry("a", 1, 0),
		entry("b", 0, 1),
		entry("c", 1, 1),
		entry("d", 2, 0), // 与 a 同方向
	}))
	assert.Equal(t, 2, idx.Dimension())
	assert.Equal(t, StateReady, idx.State())

	res, err := idx.Query([]float32{1, 0}, 3)
	require.NoError(t, err)
	// a、d 同分，按插入顺序
	assert.Equal(t, []string{"a", "d", "c"}, res.ChunkIDs())
	assert.InDelta(t, 1.0, res[0].Score, 1e-9)
	assert.InDelta(t, 1.0, res[1].Score, 1e-9)
	assert.InDelta(t, 0.7071, res[2].Score, 1e-4)
}

func TestIndexQueryKLargerThanSize(t *testing.T) {
	idx := NewIndex(2)
	require.NoError(t, idx.Build([]Entry{entry("a", 1, 0), entry("b", 0, 1)}))

	res, err := idx.Query([]float32{0, 1}, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, res.ChunkIDs())
}

func TestIndexQueryErrors(t *testing.T) {
	idx := NewIndex(2)
	require.NoError(t, idx.Build([]Entry{entry("a", 1, 0)}))

	for _, k := range []int{0, -1} {
		_, err := idx.Query([]float32{1, 0}, k)
		assert.True(t, errors.Is(err, errors.ErrInvalidTopK), "k=%d", k)
	}

	_, err := idx.Query([]float32{1, 0, 0}, 1)
	assert.True(t, errors.Is(err, errors.ErrIndexDimensionMismatch))
}

func TestIndexZeroVector(t *testing.T) {
	idx := NewIndex(2)
	require.NoError(t, idx.Build([]Entry{entry("zero", 0, 0), entry("a", 1, 0)}))

	res, err := idx.Query([]float32{1, 0}, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "zero"}, res.ChunkIDs())
	assert.Zero(t, res[1].Score)
}

func TestIndexBuildValidation(t *testing.T) {
	tests := []struct {
		name    string
		dim     int
		entries []Entry
		want    error
	}{
		{"mixed dimensions", 0, []Entry{entry("a", 1, 0), entry("b", 1, 0, 0)}, errors.ErrIndexDimensionMismatch},
		{"declared dimension", 3, []Entry{entry("a", 1, 0)}, errors.ErrIndexDimensionMismatch},
		{"duplicate id", 2, []Entry{entry("a", 1, 0), entry("a", 0, 1)}, errors.ErrDuplicateChunk},
		{"empty id", 2, []Entry{entry("", 1, 0)}, errors.ErrInvalidParam},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idx := NewIndex(tt.dim)
			err := idx.Build(tt.entries)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
			assert.Equal(t, StateEmpty, idx.State())
			assert.Equal(t, 0, idx.Len())
		})
	}
}

func TestIndexFailedBuildKeepsSnapshot(t *testing.T) {
	idx := NewIndex(2)
	require.NoError(t, idx.Build([]Entry{entry("a", 1, 0), entry("b", 0, 1)}))
	version := idx.Version()

	err := idx.Build([]Entry{entry("x", 1, 0), entry("y", 1)})
	require.Error(t, err)
	assert.Equal(t, StateReady, idx.State())
	assert.Equal(t, version, idx.Version())

	res, err := idx.Query([]float32{1, 0}, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, res.ChunkIDs())
}

func TestIndexRebuildChangesDimension(t *testing.T) {
	idx := NewIndex(0)
	require.NoError(t, idx.Build([]Entry{entry("a", 1, 0)}))
	require.Equal(t, 2, idx.Dimension())

	// 追加沿用当前维度
	err := idx.Append([]Entry{entry("b", 1, 0, 0)})
	assert.True(t, errors.Is(err, errors.ErrIndexDimensionMismatch))

	require.NoError(t, idx.Build([]Entry{entry("b", 1, 0, 0), entry("c", 0, 0, 1)}))
	assert.Equal(t, 3, idx.Dimension())
	assert.Equal(t, uint64(2), idx.Version())

	res, err := idx.Query([]float32{0, 0, 1}, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, res.ChunkIDs())

	// 声明了维度的索引不接受其他维度
	fixed := NewIndex(2)
	err = fixed.Build([]Entry{entry("a", 1, 0, 0)})
	assert.True(t, errors.Is(err, errors.ErrIndexDimensionMismatch))
}

func TestIndexRestore(t *testing.T) {
	idx := NewIndex(0)
	require.NoError(t, idx.Restore([]Entry{entry("a", 1, 0)}, 7))
	assert.Equal(t, uint64(7), idx.Version())
	assert.Equal(t, StateReady, idx.State())

	// 版本号不倒退
	require.NoError(t, idx.Restore([]Entry{entry("b", 0, 1)}, 3))
	assert.Equal(t, uint64(8), idx.Version())
	require.NoError(t, idx.Build([]Entry{entry("c", 1, 1)}))
	assert.Equal(t, uint64(9), idx.Version())
}

func TestIndexAppend(t *testing.T) {
	idx := NewIndex(2)
	require.NoError(t, idx.Append([]Entry{entry("a", 1, 0)}))
	require.NoError(t, idx.Append([]Entry{entry("b", 0, 1), entry("c", 1, 1)}))
	assert.Equal(t, 3, idx.Len())
	assert.Equal(t, uint64(2), idx.Version())

	err := idx.Append([]Entry{entry("d", 1, 0), entry("a", 1, 0)})
	assert.True(t, errors.Is(err, errors.ErrDuplicateChunk))
	assert.Equal(t, 3, idx.Len())

	c, ok := idx.Get("c")
	require.True(t, ok)
	assert.Equal(t, "text c", c.Text)
	_, ok = idx.Get("d")
	assert.False(t, ok)
}

func TestIndexCopiesInput(t *testing.T) {
	e := entry("a", 1, 0)
	e.Chunk.Metadata = Metadata{"city": "深圳"}
	idx := NewIndex(2)
	require.NoError(t, idx.Build([]Entry{e}))

	e.Vector[0] = 0
	e.Chunk.Metadata["city"] = "北京"

	got := idx.Entries()
	require.Len(t, got, 1)
	assert.Equal(t, []float32{1, 0}, got[0].Vector)
	assert.Equal(t, "深圳", got[0].Chunk.Metadata["city"])
}

func TestIndexScan(t *testing.T) {
	idx := NewIndex(1)
	var entries []Entry
	for i := range 5 {
		e := entry(fmt.Sprintf("c%d", i), float32(i+1))
		e.Chunk.Metadata = Metadata{"n": float64(i)}
		entries = append(entries, e)
	}
	require.NoError(t, idx.Build(entries))

	even := func(c Chunk) bool {
		n, _ := c.Metadata.Number("n")
		return int(n)%2 == 0
	}
	got, err := idx.Scan(even, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "c0", got[0].ID)
	assert.Equal(t, "c4", got[2].ID)

	got, err = idx.Scan(even, 2)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

// 并发读取只能看到完整的快照。
func TestIndexConcurrentAppend(t *testing.T) {
	idx := NewIndex(2)
	require.NoError(t, idx.Build([]Entry{entry("seed-0", 1, 0), entry("seed-1", 0, 1)}))

	const batches = 50
	var wg sync.WaitGroup
	done := make(chan struct{})

	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				res, err := idx.Query([]float32{1, 1}, 1000)
				if !assert.NoError(t, err) {
					return
				}
				assert.Zero(t, len(res)%2, "partial snapshot observed")
			}
		}()
	}

	for i := range batches {
		require.NoError(t, idx.Append([]Entry{
			entry(fmt.Sprintf("b%d-0", i), 1, float32(i)),
			entry(fmt.Sprintf("b%d-1", i), float32(i), 1),
		}))
	}
	close(done)
	wg.Wait()

	assert.Equal(t, 2+2*batches, idx.Len())
	assert.Equal(t, uint64(1+batches), idx.Version())
}

func TestMetadataAccessors(t *testing.T) {
	m := Metadata{"s": "12.5", "n": float64(3), "b": true}

	s, ok := m.String("n")
	assert.True(t, ok)
	assert.Equal(t, "3", s)

	n, ok := m.Number("s")
	assert.True(t, ok)
	assert.Equal(t, 12.5, n)

	_, ok = m.Number("b")
	assert.False(t, ok)
	_, ok = m.String("missing")
	assert.False(t, ok)

	assert.Nil(t, Metadata(nil).Clone())
	assert.Equal(t, "doc#3", ChunkID("doc", 3))
}
