package contract

import (
	"path"
	"strings"
)

// NormalizeFileID 将路径统一为正斜杠并清理 . / .. 片段。
// 保留相对/绝对语义，不做隐式绝对化。
func NormalizeFileID(p string) FileID {
	return FileID(path.Clean(strings.ReplaceAll(p, "\\", "/")))
}

// FirstSegment 返回相对 root 的首个路径段（root 外或等于 root 时返回空）。
func FirstSegment(root, p FileID) string {
	r := string(NormalizeFileID(string(root)))
	s := string(NormalizeFileID(string(p)))
	if r != "." {
		if !strings.HasPrefix(s, r+"/") {
			return ""
		}
		s = strings.TrimPrefix(s, r+"/")
	}
	if i := strings.IndexByte(s, '/'); i >= 0 {
		return s[:i]
	}
	return ""
}
