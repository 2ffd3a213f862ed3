package biz

import (
	"maps"
	"math"
	"slices"
	"sort"
	"strings"

	"github.com/kart-io/sentinel-rag/internal/pkg/rag/textutil"
	"github.com/kart-io/sentinel-rag/internal/rag/store"
	"github.com/kart-io/sentinel-rag/pkg/utils/errors"
)

// Condition 对单个元数据字段的约束，多个约束同时成立才匹配。
// 字符串比较忽略大小写与首尾空白。
type Condition struct {
	// Equals 值等于。
	Equals string `json:"eq,omitempty"`
	// In 值属于其中之一。
	In []string `json:"in,omitempty"`
	// Contains 值包含子串。
	Contains string `json:"contains,omitempty"`
	// Min / Max 数值区间。值可以是数字，也可以是 "15-20K" 这类区间文本，
	// 区间与 [Min, Max] 有交集即匹配；无法解析为数值的值不匹配。
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`
}

// Empty 没有任何约束。
func (c Condition) Empty() bool {
	return c.Equals == "" && len(c.In) == 0 && c.Contains == "" && c.Min == nil && c.Max == nil
}

// Match 判断元数据中 key 对应的值是否满足约束。字段缺失时不匹配。
func (c Condition) Match(meta store.Metadata, key string) bool {
	s, ok := meta.String(key)
	if !ok {
		return false
	}
	s = strings.TrimSpace(s)
	if c.Empty() {
		return s != ""
	}
	if c.Equals != "" && !strings.EqualFold(s, strings.TrimSpace(c.Equals)) {
		return false
	}
	if len(c.In) > 0 && !slices.ContainsFunc(c.In, func(v string) bool {
		return strings.EqualFold(s, strings.TrimSpace(v))
	}) {
		return false
	}
	if c.Contains != "" && !textutil.ContainsFold(s, strings.TrimSpace(c.Contains)) {
		return false
	}
	if c.Min != nil || c.Max != nil {
		lo, hi, ok := numericRange(meta, key)
		if !ok {
			return false
		}
		if c.Min != nil && hi < *c.Min {
			return false
		}
		if c.Max != nil && lo > *c.Max {
			return false
		}
	}
	return true
}

// numericRange 数值字段返回单点区间，文本字段按区间文本解析。
func numericRange(meta store.Metadata, key string) (lo, hi float64, ok bool) {
	if v, isNum := meta[key].(float64); isNum {
		return v, v, !math.IsNaN(v)
	}
	s, _ := meta.String(key)
	return textutil.ParseRange(s)
}

// Filter 字段名到约束的映射，所有字段同时满足才匹配。
type Filter map[string]Condition

// Fields 返回排序后的字段名。
func (f Filter) Fields() []string {
	out := make([]string, 0, len(f))
	for k := range f {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Match 判断分块是否满足过滤条件。
func (f Filter) Match(c store.Chunk) bool {
	for key, cond := range f {
		if !cond.Match(c.Metadata, key) {
			return false
		}
	}
	return true
}

// FilterSchema 检索边界认可的过滤字段。
type FilterSchema struct {
	fields map[string]struct{}
	// declared 是否配置了保留键以外的字段
	declared bool
	// index 未配置字段时，按索引快照中出现过的元数据键放行
	index *store.Index
}

var reservedFilterKeys = []string{store.MetaSource, store.MetaSheet, store.MetaRowIndex, store.MetaFormat}

// NewFilterSchema 创建过滤字段白名单。保留的元数据键始终可用。
func NewFilterSchema(fields ...string) *FilterSchema {
	s := &FilterSchema{fields: make(map[string]struct{}, len(fields)+len(reservedFilterKeys))}
	for _, k := range reservedFilterKeys {
		s.fields[k] = struct{}{}
	}
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			s.fields[f] = struct{}{}
			s.declared = true
		}
	}
	return s
}

// WithIndex 没有配置字段时改用 idx 当前快照的元数据键，重建后随之变化。
func (s *FilterSchema) WithIndex(idx *store.Index) *FilterSchema {
	s.index = idx
	return s
}

func (s *FilterSchema) allowed(key string) bool {
	if _, ok := s.fields[key]; ok {
		return true
	}
	return !s.declared && s.index != nil && s.index.HasMetadataKey(key)
}

// Fields 返回排序后的字段白名单。
func (s *FilterSchema) Fields() []string {
	set := maps.Clone(s.fields)
	if !s.declared && s.index != nil {
		for _, k := range s.index.MetadataKeys() {
			set[k] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(set))
}

// Validate 未声明的字段一律拒绝，而不是静默匹配为空。
func (s *FilterSchema) Validate(f Filter) error {
	var unknown []string
	for _, k := range f.Fields() {
		if !s.allowed(k) {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		return errors.ErrUnknownFilterField.WithMessagef("unknown filter fields: %s", strings.Join(unknown, ", "))
	}
	for _, k := range f.Fields() {
		c := f[k]
		if c.Min != nil && c.Max != nil && *c.Min > *c.Max {
			return errors.ErrInvalidParam.WithMessagef("filter %s: min %g is greater than max %g", k, *c.Min, *c.Max)
		}
	}
	return nil
}
