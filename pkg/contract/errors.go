package contract

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// 最小错误分类（用于上层策略判定）。
var (
	// ErrRateLimited: 上游限流（429）或闸门拒绝。
	ErrRateLimited = errors.New("rate limited")
	// ErrResponseInvalid: 模型输出无法解释为合法的链接数组。
	ErrResponseInvalid = errors.New("response invalid")
	// ErrInvalidInput: 调用参数/配置非法。
	ErrInvalidInput = errors.New("invalid input")
	// ErrPathInvalid: 目标标识映射为无效/越界路径（例如绝对路径或 '..' 逃逸）。
	ErrPathInvalid = errors.New("path invalid")
	// ErrBudgetExceeded: 预算或配额不足（如 token 预算、上游配额）。
	ErrBudgetExceeded = errors.New("budget exceeded")
	// ErrInvariantViolation: 领域不变量违例（通用哨兵）。
	ErrInvariantViolation = errors.New("invariant violation")
	// ErrModelLoading: 本地模型正在加载，尚不可用；调用方可轮询重试。
	ErrModelLoading = errors.New("model not yet available")
)

// FieldMismatchError: 表头缺少必需字段。
// Expected 为必需字段集合；Present 为表头与必需集合的交集；Missing 为差集。
type FieldMismatchError struct {
	Source   FileID
	Expected []string
	Present  []string
	Missing  []string
}

// NewFieldMismatch 基于必需字段与实际表头构造错误；若无缺失返回 nil。
func NewFieldMismatch(source FileID, required, header []string) *FieldMismatchError {
	have := make(map[string]struct{}, len(header))
	for _, h := range header {
		have[h] = struct{}{}
	}
	var present, missing []string
	for _, f := range required {
		if _, ok := have[f]; ok {
			present = append(present, f)
		} else {
			missing = append(missing, f)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	exp := append([]string(nil), required...)
	sort.Strings(exp)
	sort.Strings(present)
	sort.Strings(missing)
	return &FieldMismatchError{Source: source, Expected: exp, Present: present, Missing: missing}
}

func (e *FieldMismatchError) Error() string {
	src := ""
	if e.Source != "" {
		src = string(e.Source) + ": "
	}
	return fmt.Sprintf("%smismatched field names: expected [%s], got [%s], missing [%s]",
		src, strings.Join(e.Expected, ", "), strings.Join(e.Present, ", "), strings.Join(e.Missing, ", "))
}
