package store

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/kart-io/sentinel-rag/internal/pkg/rag/textutil"
	"github.com/kart-io/sentinel-rag/pkg/utils/errors"
)

// MetricCosine 余弦相似度。
const MetricCosine = "cosine"

// State 索引状态。
type State int32

const (
	StateEmpty State = iota
	StateBuilding
	StateReady
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateBuilding:
		return "building"
	case StateReady:
		return "ready"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// snapshot 不可变的索引版本。
type snapshot struct {
	version uint64
	entries []Entry
	norms   []float64
	ids     map[string]int
	// keys 快照中出现过的元数据键
	keys map[string]struct{}
}

// Index 精确余弦检索的内存向量索引。
type Index struct {
	// declared 构造时指定的维度，为 0 时每次 Build 按条目决定
	declared int
	dim      atomic.Int64
	state atomic.Int32
	snap  atomic.Pointer[snapshot]

	// mu 串行化写操作。
	mu sync.Mutex
}

// NewIndex 创建空索引；dim 为 0 时维度由每次 Build 的向量决定，
// Append 沿用当前维度。
func NewIndex(dim int) *Index {
	idx := &Index{declared: dim}
	idx.dim.Store(int64(dim))
	return idx
}

// Dimension 向量维度。
func (idx *Index) Dimension() int { return int(idx.dim.Load()) }

// Metric 相似度度量。
func (idx *Index) Metric() string { return MetricCosine }

// State 当前状态。
func (idx *Index) State() State { return State(idx.state.Load()) }

// Len 当前快照的条目数。
func (idx *Index) Len() int {
	if s := idx.snap.Load(); s != nil {
		return len(s.entries)
	}
	return 0
}

// Version 当前快照版本，每次成功写入加一。
func (idx *Index) Version() uint64 {
	if s := idx.snap.Load(); s != nil {
		return s.version
	}
	return 0
}

// Entries 当前快照条目的拷贝。
func (idx *Index) Entries() []Entry {
	s := idx.snap.Load()
	if s == nil {
		return nil
	}
	return slices.Clone(s.entries)
}

// Build 用 entries 替换全部内容。失败时保留原快照。
func (idx *Index) Build(entries []Entry) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.replace(entries, idx.Version()+1)
}

// Restore 用 entries 替换全部内容并指定快照版本，用于加载持久化索引。
// 版本号不会倒退：version 不大于当前版本时使用当前版本加一。
func (idx *Index) Restore(entries []Entry, version uint64) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.replace(entries, max(version, idx.Version()+1))
}

func (idx *Index) replace(entries []Entry, version uint64) error {
	prev := idx.State()
	idx.state.Store(int32(StateBuilding))

	dim := idx.declared
	switch {
	case dim > 0:
	case len(entries) > 0:
		dim = len(entries[0].Vector)
	default:
		dim = idx.Dimension()
	}
	next, err := newSnapshot(nil, entries, dim, version)
	if err != nil {
		idx.state.Store(int32(prev))
		return err
	}
	idx.dim.Store(int64(dim))
	idx.snap.Store(next)
	idx.state.Store(int32(StateReady))
	return nil
}

// Append 在当前快照之后追加条目，整体原子生效。
func (idx *Index) Append(entries []Entry) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	prev := idx.State()
	idx.state.Store(int32(StateBuilding))

	base := idx.snap.Load()
	dim := idx.Dimension()
	if dim == 0 && len(entries) > 0 {
		dim = len(entries[0].Vector)
	}
	next, err := newSnapshot(base, entries, dim, idx.Version()+1)
	if err != nil {
		idx.state.Store(int32(prev))
		return err
	}
	idx.dim.Store(int64(dim))
	idx.snap.Store(next)
	idx.state.Store(int32(StateReady))
	return nil
}

// newSnapshot 校验并构造新快照；base 非空时在其后追加。
func newSnapshot(base *snapshot, entries []Entry, dim int, version uint64) (*snapshot, error) {
	var n int
	if base != nil {
		n = len(base.entries)
	}
	s := &snapshot{
		version: version,
		entries: make([]Entry, 0, n+len(entries)),
		norms:   make([]float64, 0, n+len(entries)),
		ids:     make(map[string]int, n+len(entries)),
		keys:    make(map[string]struct{}),
	}
	if base != nil {
		s.entries = append(s.entries, base.entries...)
		s.norms = append(s.norms, base.norms...)
		for k, v := range base.ids {
			s.ids[k] = v
		}
		for k := range base.keys {
			s.keys[k] = struct{}{}
		}
	}

	for i, e := range entries {
		if len(e.Vector) != dim {
			return nil, errors.ErrIndexDimensionMismatch.WithMessagef(
				"entry %d (%s) has dimension %d, index expects %d", i, e.Chunk.ID, len(e.Vector), dim)
		}
		if e.Chunk.ID == "" {
			return nil, errors.ErrInvalidParam.WithMessagef("entry %d has an empty chunk id", i)
		}
		if _, dup := s.ids[e.Chunk.ID]; dup {
			return nil, errors.ErrDuplicateChunk.WithMessagef("duplicate chunk id %q", e.Chunk.ID)
		}
		e.Vector = slices.Clone(e.Vector)
		e.Chunk.Metadata = e.Chunk.Metadata.Clone()
		for k := range e.Chunk.Metadata {
			s.keys[k] = struct{}{}
		}
		s.ids[e.Chunk.ID] = len(s.entries)
		s.entries = append(s.entries, e)
		s.norms = append(s.norms, textutil.Norm(e.Vector))
	}
	return s, nil
}

// HasMetadataKey 当前快照中是否有分块带有元数据键 key。
func (idx *Index) HasMetadataKey(key string) bool {
	s := idx.snap.Load()
	if s == nil {
		return false
	}
	_, ok := s.keys[key]
	return ok
}

// MetadataKeys 当前快照中出现过的元数据键，已排序。
func (idx *Index) MetadataKeys() []string {
	s := idx.snap.Load()
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.keys))
	for k := range s.keys {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// Query 精确余弦 top-k；同分按插入顺序，k 大于条目数时返回全部。
func (idx *Index) Query(vector []float32, k int) (RetrievalResult, error) {
	if k <= 0 {
		return nil, errors.ErrInvalidTopK.WithMessagef("k must be positive, got %d", k)
	}
	s := idx.snap.Load()
	if s == nil {
		return nil, errors.ErrIndexNotReady
	}
	if dim := idx.Dimension(); len(vector) != dim {
		return nil, errors.ErrIndexDimensionMismatch.WithMessagef(
			"query has dimension %d, index expects %d", len(vector), dim)
	}

	qn := textutil.Norm(vector)
	order := make([]int, len(s.entries))
	scores := make([]float64, len(s.entries))
	for i := range s.entries {
		order[i] = i
		scores[i] = cosine(vector, qn, s.entries[i].Vector, s.norms[i])
	}
	slices.SortStableFunc(order, func(a, b int) int {
		switch {
		case scores[a] > scores[b]:
			return -1
		case scores[a] < scores[b]:
			return 1
		default:
			return 0
		}
	})

	k = min(k, len(order))
	result := make(RetrievalResult, k)
	for i := 0; i < k; i++ {
		result[i] = Hit{Chunk: s.entries[order[i]].Chunk, Score: scores[order[i]]}
	}
	return result, nil
}

// Scan 按插入顺序返回满足 pred 的分块，最多 limit 个（limit <= 0 不限制）。
func (idx *Index) Scan(pred func(Chunk) bool, limit int) ([]Chunk, error) {
	s := idx.snap.Load()
	if s == nil {
		return nil, errors.ErrIndexNotReady
	}
	var out []Chunk
	for _, e := range s.entries {
		if pred != nil && !pred(e.Chunk) {
			continue
		}
		out = append(out, e.Chunk)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Get 按 ID 查找分块。
func (idx *Index) Get(id string) (Chunk, bool) {
	s := idx.snap.Load()
	if s == nil {
		return Chunk{}, false
	}
	i, ok := s.ids[id]
	if !ok {
		return Chunk{}, false
	}
	return s.entries[i].Chunk, true
}

func cosine(q []float32, qn float64, v []float32, vn float64) float64 {
	if qn == 0 || vn == 0 {
		return 0
	}
	var dot float64
	for i := range q {
		dot += float64(q[i]) * float64(v[i])
	}
	return dot / (qn * vn)
}
