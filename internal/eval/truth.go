package eval

import (
	"context"
	"io"
	"sort"
	"strings"
	"unicode"

	"github.com/Test-Scouts/LLM-Req-Traceability/pkg/contract"
)

// 真值映射表头字段。
const (
	FieldReqID   = "Req ID"
	FieldTestIDs = "Test IDs"
)

// TruthFields 为真值映射表的必需字段。
var TruthFields = []string{FieldReqID, FieldTestIDs}

// Truth: 原始需求 ID → 真实覆盖它的测试 ID 集合。
type Truth map[string]map[string]struct{}

// LoadTruth 解析真值映射表。
// Test IDs 为逗号分隔列表，忽略所有空白；空单元格为空集合。同一需求出现多行时以后者为准。
func LoadTruth(ctx context.Context, sp contract.Splitter, id contract.FileID, r io.Reader) (Truth, error) {
	rows, err := sp.Split(ctx, id, r, TruthFields)
	if err != nil {
		return nil, err
	}
	t := make(Truth, len(rows))
	for _, row := range rows {
		t[row[FieldReqID]] = ParseIDList(row[FieldTestIDs])
	}
	return t, nil
}

// ParseIDList 解析逗号分隔的标识列表（去除全部空白，丢弃空项）。
func ParseIDList(s string) map[string]struct{} {
	s = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
	out := map[string]struct{}{}
	for _, p := range strings.Split(s, ",") {
		if p != "" {
			out[p] = struct{}{}
		}
	}
	return out
}

// Expected 返回需求的真值集合；未知需求返回 false。
func (t Truth) Expected(req string) (map[string]struct{}, bool) {
	e, ok := t[req]
	return e, ok
}

// Linked 返回真值中全部链接数 Σ|expected|。
func (t Truth) Linked() int {
	n := 0
	for _, e := range t {
		n += len(e)
	}
	return n
}

// sortedKeys 返回集合的有序键。
func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func toSet(ids []string) map[string]struct{} {
	s := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}
