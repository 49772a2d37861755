package diag

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	logPrefix         = "restat-"
	currentLogName    = logPrefix + "current.txt"
	defaultLogBytes   = 10 << 20
	defaultLogBackups = 20
)

// RotatingFile 将日志行追加到 dir/restat-current.txt，按大小轮转。
// 约束：
//  1. 写入前若 size+len(line) 超过 maxBytes，当前文件改名为 restat-<UTC 纳秒时间戳>.txt；
//  2. 轮转后只保留最近 maxBackups 个历史文件（按名称即时间排序）；
//  3. 并发安全；首次写入时才创建目录与文件。
type RotatingFile struct {
	dir        string
	maxBytes   int64
	maxBackups int

	mu   sync.Mutex
	f    *os.File
	size int64
}

// NewRotatingFile 构造轮转文件；maxBytes<=0 取 10 MiB，历史文件保留 20 个。
func NewRotatingFile(dir string, maxBytes int64) *RotatingFile {
	if maxBytes <= 0 {
		maxBytes = defaultLogBytes
	}
	return &RotatingFile{dir: dir, maxBytes: maxBytes, maxBackups: defaultLogBackups}
}

// WithBackups 设置历史文件保留数；n<=0 不清理。
func (w *RotatingFile) WithBackups(n int) *RotatingFile {
	w.mu.Lock()
	w.maxBackups = n
	w.mu.Unlock()
	return w
}

// WriteLine 追加一行（自动补换行）。
func (w *RotatingFile) WriteLine(b []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.open(); err != nil {
		return err
	}
	line := make([]byte, 0, len(b)+1)
	line = append(append(line, b...), '\n')
	if w.size > 0 && w.size+int64(len(line)) > w.maxBytes {
		if err := w.rotate(); err != nil {
			return err
		}
	}
	n, err := w.f.Write(line)
	w.size += int64(n)
	return err
}

func (w *RotatingFile) open() error {
	if w.f != nil {
		return nil
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(w.dir, currentLogName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w.f = f
	w.size = 0
	if st, err := f.Stat(); err == nil {
		w.size = st.Size()
	}
	return nil
}

func (w *RotatingFile) rotate() error {
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	cur := filepath.Join(w.dir, currentLogName)
	name := fmt.Sprintf("%s%s.txt", logPrefix, time.Now().UTC().Format("20060102-150405.000000000"))
	if err := os.Rename(cur, filepath.Join(w.dir, name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rotate log: %w", err)
	}
	w.prune()
	return w.open()
}

// prune 删除超出保留数的最旧历史文件；失败忽略。
func (w *RotatingFile) prune() {
	if w.maxBackups <= 0 {
		return
	}
	ents, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}
	var old []string
	for _, e := range ents {
		n := e.Name()
		if e.Type().IsRegular() && n != currentLogName && strings.HasPrefix(n, logPrefix) && strings.HasSuffix(n, ".txt") {
			old = append(old, n)
		}
	}
	if len(old) <= w.maxBackups {
		return
	}
	sort.Strings(old)
	for _, n := range old[:len(old)-w.maxBackups] {
		_ = os.Remove(filepath.Join(w.dir, n))
	}
}

// Close 关闭当前文件句柄；可重复调用。
func (w *RotatingFile) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}
