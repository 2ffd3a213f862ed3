// Package local 提供无需外部服务的离线供应商：
// 基于特征哈希的确定性 Embedding，以及从上下文中抽取相关行的 Chat。
// 适用于测试与隔离网络环境。
package local

import (
	"context"
	"hash/fnv"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/kart-io/sentinel-rag/pkg/llm"
)

// ProviderName 离线供应商名称。
const ProviderName = "local"

// DefaultDimension 默认向量维度。
const DefaultDimension = 256

// maxAnswerLines 抽取式回答最多包含的上下文行数。
const maxAnswerLines = 3

func init() {
	llm.RegisterProvider(ProviderName, NewProvider)
}

// Provider 离线供应商。
type Provider struct {
	dim int
}

// NewProvider 从配置 map 创建离线供应商，支持 "dimension" 键。
func NewProvider(configMap map[string]any) (llm.Provider, error) {
	return New(llm.ConfigInt(configMap, llm.KeyDimension, DefaultDimension)), nil
}

// New 创建指定维度的离线供应商，dim <= 0 时使用默认维度。
func New(dim int) *Provider {
	if dim <= 0 {
		dim = DefaultDimension
	}
	return &Provider{dim: dim}
}

// Name 返回供应商名称。
func (p *Provider) Name() string { return ProviderName }

// Dimension 返回向量维度。
func (p *Provider) Dimension() int { return p.dim }

// Embed 为多个文本生成向量嵌入。
func (p *Provider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = p.vector(t)
	}
	return out, nil
}

// EmbedSingle 为单个文本生成向量嵌入。
func (p *Provider) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.vector(text), nil
}

// vector 将每个特征哈希到一个桶，符号由哈希高位决定，最后归一化。
func (p *Provider) vector(text string) []float32 {
	v := make([]float32, p.dim)
	for _, tok := range Tokenize(text) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(tok))
		sum := h.Sum64()
		idx := int(sum % uint64(p.dim))
		if sum>>63 == 1 {
			v[idx]--
		} else {
			v[idx]++
		}
	}

	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return v
	}
	norm = math.Sqrt(norm)
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
	return v
}

// Tokenize 把文本切分为特征：拉丁字母与数字按词（小写），
// 汉字等表意字符输出单字与相邻二元组。
func Tokenize(text string) []string {
	var (
		tokens []string
		word   []rune
		prev   rune
	)
	flush := func() {
		if len(word) > 0 {
			tokens = append(tokens, string(word))
			word = word[:0]
		}
	}

	for _, r := range strings.ToLower(text) {
		switch {
		case isIdeograph(r):
			flush()
			tokens = append(tokens, string(r))
			if prev != 0 {
				tokens = append(tokens, string([]rune{prev, r}))
			}
			prev = r
			continue
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			word = append(word, r)
		default:
			flush()
		}
		prev = 0
	}
	flush()
	return tokens
}

func isIdeograph(r rune) bool {
	return unicode.Is(unicode.Han, r) || unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) || unicode.Is(unicode.Hangul, r)
}

// Chat 返回上下文中与最后一个用户问题重合度最高的若干行。
func (p *Provider) Chat(ctx context.Context, messages []llm.Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var question string
	var ctxLines []string
	for _, m := range messages {
		switch m.Role {
		case llm.RoleUser:
			question = m.Content
		case llm.RoleSystem:
			ctxLines = append(ctxLines, strings.Split(m.Content, "\n")...)
		}
	}

	qTokens := make(map[string]struct{})
	for _, t := range Tokenize(question) {
		qTokens[t] = struct{}{}
	}

	type scored struct {
		line  string
		score int
		pos   int
	}
	var candidates []scored
	for i, line := range ctxLines {
		line = strings.TrimSpace(line)
		// 模板里回显问题的行不算资料
		if line == "" || (question != "" && strings.Contains(line, strings.TrimSpace(question))) {
			continue
		}
		s := 0
		for _, t := range Tokenize(line) {
			if _, ok := qTokens[t]; ok {
				s++
			}
		}
		if s > 0 {
			candidates = append(candidates, scored{line: line, score: s, pos: i})
		}
	}
	if len(candidates) == 0 {
		return "资料中没有找到与问题相关的内容。", nil
	}

	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	candidates = candidates[:min(len(candidates), maxAnswerLines)]
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].pos < candidates[j].pos })

	lines := make([]string, len(candidates))
	for i, c := range candidates {
		lines[i] = c.line
	}
	return strings.Join(lines, "\n"), nil
}

// ChatStream 把抽取式回答按词切分后逐个输出。
func (p *Provider) ChatStream(ctx context.Context, messages []llm.Message) (llm.Stream, error) {
	answer, err := p.Chat(ctx, messages)
	if err != nil {
		return nil, err
	}
	return llm.NewStaticStream(splitAnswer(answer)...), nil
}

// splitAnswer 在空白之后切分；连续表意字符每 4 个一段。
func splitAnswer(s string) []string {
	var (
		out  []string
		cur  []rune
		hanN int
	)
	for _, r := range s {
		cur = append(cur, r)
		if isIdeograph(r) {
			hanN++
		}
		if unicode.IsSpace(r) || hanN == 4 {
			out = append(out, string(cur))
			cur, hanN = cur[:0], 0
		}
	}
	if len(cur) > 0 {
		out = append(out, string(cur))
	}
	return out
}

var (
	_ llm.Provider              = (*Provider)(nil)
	_ llm.StreamingChatProvider = (*Provider)(nil)
)
