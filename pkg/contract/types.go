package contract

// FileID: 逻辑文档ID（通常为路径，需规范化，跨平台一致）。
type FileID string

// Requirement: 需求记录（仅保留必需字段，其余列在加载期丢弃）。
// ID 在加载后被替换为内部标识 R-i。
type Requirement struct {
	ID          string `json:"ID" yaml:"ID"`
	Feature     string `json:"Feature" yaml:"Feature"`
	Description string `json:"Description" yaml:"Description"`
}

// TestCase: 测试用例记录。ID 在加载后被替换为内部标识 T-i。
type TestCase struct {
	ID      string `json:"ID" yaml:"ID"`
	Purpose string `json:"Purpose" yaml:"Purpose"`
	Steps   string `json:"Test steps" yaml:"Test steps"`
}

// Row: 表格中的一行（表头字段名 → 单元格文本）。
// 仅包含调用方声明的必需字段。
type Row map[string]string

// IDSet: 内部标识的只读成员判定（由 Identifier Index 实现）。
type IDSet interface {
	Contains(internal string) bool
}
