package contract

import (
	"context"
	"io"
)

// Splitter: 将单个表格文本拆分为有序行。
// 约束：
//  1. 表头驱动：以首行作为字段名；
//  2. 缺少任一 required 字段时返回 *FieldMismatchError，且不返回任何行；
//  3. 行序与文件一致，额外列丢弃；
//  4. 无内部并发、幂等。
type Splitter interface {
	Split(ctx context.Context, fileID FileID, r io.Reader, required []string) ([]Row, error)
}
