// Package options 各配置段的公共约定。
//
// 每个配置段的 flag 名与配置文件键保持一致，例如 rag.retrieval.top-k
// 对应配置文件中的 rag: retrieval: top-k。
package options

import (
	"strings"

	"github.com/spf13/pflag"
)

// IOptions 配置段需要实现的方法。
type IOptions interface {
	// Validate 返回全部校验错误，由调用方聚合。
	Validate() []error

	// AddFlags 注册 flag，prefixes 拼接在配置段自身前缀之前。
	AddFlags(fs *pflag.FlagSet, prefixes ...string)
}

// Join 用 "." 连接前缀，非空时追加结尾的 "."。
//
//	Join()                    == ""
//	Join("embedding")         == "embedding."
//	Join("index", "embedding") == "index.embedding."
func Join(prefixes ...string) string {
	if len(prefixes) == 0 {
		return ""
	}
	return strings.Join(prefixes, ".") + "."
}
