package spec

import (
	"strconv"
	"strings"
)

// 内部标识前缀。
const (
	ReqPrefix  = "R-"
	TestPrefix = "T-"
)

// Index 为原始标识与内部标识（prefix+位置）的双向映射。
// 不变量：内部标识从 0 开始连续编号，按 Add 调用顺序分配。
// 构造完成后只读，可并发查询。
type Index struct {
	prefix string
	orig   []string
	first  map[string]int // 原始标识 → 首次出现位置
}

// NewIndex 创建指定前缀的空索引。
func NewIndex(prefix string) *Index {
	return &Index{prefix: prefix, first: map[string]int{}}
}

// Prefix 返回内部标识前缀。
func (x *Index) Prefix() string { return x.prefix }

// Add 记录原始标识并返回分配的内部标识。
func (x *Index) Add(orig string) string {
	i := len(x.orig)
	x.orig = append(x.orig, orig)
	if _, ok := x.first[orig]; !ok {
		x.first[orig] = i
	}
	return x.prefix + strconv.Itoa(i)
}

// Len 返回已分配的内部标识数量。
func (x *Index) Len() int { return len(x.orig) }

// Position 解析内部标识为位置；仅接受规范形式（无前导零/符号）。
func (x *Index) Position(internal string) (int, bool) {
	if !strings.HasPrefix(internal, x.prefix) {
		return 0, false
	}
	n, err := strconv.Atoi(internal[len(x.prefix):])
	if err != nil || n < 0 || n >= len(x.orig) {
		return 0, false
	}
	if x.prefix+strconv.Itoa(n) != internal {
		return 0, false
	}
	return n, true
}

// Contains 判定内部标识是否在范围内。
func (x *Index) Contains(internal string) bool {
	_, ok := x.Position(internal)
	return ok
}

// Original 内部 → 原始。
func (x *Index) Original(internal string) (string, bool) {
	n, ok := x.Position(internal)
	if !ok {
		return "", false
	}
	return x.orig[n], true
}

// Internal 原始 → 内部；重复原始标识返回首次出现的位置。
func (x *Index) Internal(orig string) (string, bool) {
	n, ok := x.first[orig]
	if !ok {
		return "", false
	}
	return x.prefix + strconv.Itoa(n), true
}

// Originals 返回原始标识序列副本（按内部位置）。
func (x *Index) Originals() []string {
	return append([]string(nil), x.orig...)
}
