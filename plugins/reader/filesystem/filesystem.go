package filesystem

import (
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Test-Scouts/LLM-Req-Traceability/pkg/contract"
)

// Options 为 FileSystem Reader 的可选配置。
type Options struct {
	// BufSize 为读缓冲区大小（字节）。默认 64KiB。
	BufSize int `json:"buf_size"`
	// ExcludeDirNames: 递归时跳过的目录基名（大小写不敏感），如 [".git","logs"]。
	ExcludeDirNames []string `json:"exclude_dir_names"`
	// Names: 仅产出基名在此集合中的文件（如 ["res.json","res.yaml"]）；为空则不过滤。
	// 只作用于目录递归；显式给出的单文件 root 总是产出。
	Names []string `json:"names"`
}

// FileSystem 按稳定顺序发现文件（运行工件、语料 CSV）。
type FileSystem struct {
	bufSize    int
	excludeDir map[string]struct{}
	names      map[string]struct{}
}

// New 创建 FileSystem Reader。
func New(opts *Options) *FileSystem {
	const defaultBuf = 64 * 1024
	o := Options{}
	if opts != nil {
		o = *opts
	}
	b := defaultBuf
	if o.BufSize > 0 {
		b = o.BufSize
	}
	r := &FileSystem{bufSize: b, excludeDir: map[string]struct{}{}, names: map[string]struct{}{}}
	for _, name := range o.ExcludeDirNames {
		if name != "" {
			r.excludeDir[strings.ToLower(name)] = struct{}{}
		}
	}
	for _, name := range o.Names {
		if name != "" {
			r.names[name] = struct{}{}
		}
	}
	return r
}

var _ contract.Reader = (*FileSystem)(nil)

// Iterate 遍历 roots，按稳定顺序（目录字典序、先子目录后文件）对每个常规文件调用 yield。
// yield 负责关闭 rc；yield 返回错误时立即停止。
func (r *FileSystem) Iterate(ctx context.Context, roots []string, yield func(fileID contract.FileID, rc io.ReadCloser) error) error {
	if len(roots) == 0 {
		return contract.ErrInvalidInput
	}
	for _, root := range roots {
		if err := r.iterateOne(ctx, root, yield); err != nil {
			return err
		}
	}
	return nil
}

func (r *FileSystem) iterateOne(ctx context.Context, root string, yield func(contract.FileID, io.ReadCloser) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	info, err := os.Lstat(root)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return r.walkDir(ctx, root, yield)
	}
	// 单文件 root：符号链接仅跟随到常规文件
	ok, err := regular(root, info)
	if err != nil || !ok {
		return err
	}
	return r.open(root, yield)
}

func (r *FileSystem) walkDir(ctx context.Context, dir string, yield func(contract.FileID, io.ReadCloser) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	// 先目录（不跟随目录符号链接）
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, skip := r.excludeDir[strings.ToLower(e.Name())]; skip {
			continue
		}
		if err := r.walkDir(ctx, filepath.Join(dir, e.Name()), yield); err != nil {
			return err
		}
	}
	// 再文件
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.IsDir() {
			continue
		}
		if len(r.names) > 0 {
			if _, ok := r.names[e.Name()]; !ok {
				continue
			}
		}
		p := filepath.Join(dir, e.Name())
		info, err := e.Info()
		if err != nil {
			return err
		}
		ok, err := regular(p, info)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := r.open(p, yield); err != nil {
			return err
		}
	}
	return nil
}

// regular 判定是否为常规文件；符号链接按目标判定（目录或设备等返回 false）。
func regular(p string, info os.FileInfo) (bool, error) {
	if info.Mode()&os.ModeSymlink != 0 {
		t, err := os.Stat(p)
		if err != nil {
			return false, err
		}
		return t.Mode().IsRegular(), nil
	}
	return info.Mode().IsRegular(), nil
}

func (r *FileSystem) open(p string, yield func(contract.FileID, io.ReadCloser) error) error {
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	brc := newBufferedCloser(f, r.bufSize)
	if err := yield(contract.NormalizeFileID(p), brc); err != nil {
		_ = brc.Close()
		return err
	}
	return nil
}

// bufferedCloser 将 bufio.Reader 与底层 Closer 组合为 ReadCloser。
type bufferedCloser struct {
	*bufio.Reader
	c io.Closer
}

func newBufferedCloser(c io.ReadCloser, bufSize int) *bufferedCloser {
	if bufSize <= 0 {
		bufSize = 64 * 1024
	}
	return &bufferedCloser{Reader: bufio.NewReaderSize(c, bufSize), c: c}
}

func (b *bufferedCloser) Close() error { return b.c.Close() }
