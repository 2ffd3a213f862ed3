// Package textutil 提供 RAG 相关的文本与向量工具函数。
package textutil

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// CosineSimilarity 计算两个向量的余弦相似度，以 float64 累加。
// 维度不同、为空或含零向量时返回 0。
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Norm 返回向量的 L2 范数。
func Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// Normalize 原地将向量缩放为单位长度，零向量保持不变。
func Normalize(v []float32) []float32 {
	n := Norm(v)
	if n == 0 {
		return v
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / n)
	}
	return v
}

// TruncateRunes 截断字符串到指定的最大 Unicode 字符数。
func TruncateRunes(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	return string([]rune(s)[:maxLen])
}

// CollapseSpace 将连续空白折叠为单个空格并去除首尾空白。
func CollapseSpace(s string) string {
	return strings.Join(strings.FieldsFunc(s, unicode.IsSpace), " ")
}

// ContainsFold 大小写不敏感的子串匹配。
func ContainsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

var (
	rangePattern  = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*([kK千万]?)\s*[-~～至到]\s*(\d+(?:\.\d+)?)\s*([kK千万]?)`)
	singlePattern = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*([kK千万]?)\s*(以上|以下|左右)?`)
)

// aroundTolerance "左右" 的上下浮动比例。
const aroundTolerance = 0.2

// ParseRange 把 "15-20K"、"10万以上"、"8千-1万"、"月薪12000"、"年薪30万"、"3.5" 等文本解析为闭区间。
// 单位 k/千 乘 1000，万 乘 10000；区间一侧缺少单位时沿用另一侧。
// 带 "年薪" 的金额折算为月薪（除以 12）。
// "以上" 上界为 +Inf，"以下" 下界为 0。无法解析（如 "面议"）时 ok 为 false。
func ParseRange(s string) (lo, hi float64, ok bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, 0, false
	}
	lo, hi, ok = parseAmount(s)
	if ok && strings.Contains(s, "年薪") {
		lo, hi = lo/12, hi/12
	}
	return lo, hi, ok
}

func parseAmount(s string) (lo, hi float64, ok bool) {

	if m := rangePattern.FindStringSubmatch(s); m != nil {
		u1, u2 := m[2], m[4]
		if u1 == "" {
			u1 = u2
		}
		a, err1 := strconv.ParseFloat(m[1], 64)
		b, err2 := strconv.ParseFloat(m[3], 64)
		if err1 != nil || err2 != nil {
			return 0, 0, false
		}
		lo, hi = a*unitScale(u1), b*unitScale(u2)
		if lo > hi {
			lo, hi = hi, lo
		}
		return lo, hi, true
	}

	m := singlePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, 0, false
	}
	v *= unitScale(m[2])

	switch m[3] {
	case "以上":
		return v, math.Inf(1), true
	case "以下":
		return 0, v, true
	case "左右":
		return v * (1 - aroundTolerance), v * (1 + aroundTolerance), true
	default:
		return v, v, true
	}
}

func unitScale(unit string) float64 {
	switch unit {
	case "k", "K", "千":
		return 1000
	case "万":
		return 10000
	default:
		return 1
	}
}
