package csvtable

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/Test-Scouts/LLM-Req-Traceability/pkg/contract"
)

// Options 为表格拆分器的可选配置（最小必要）。
type Options struct {
	// Comma: 字段分隔符（单个字符）。为空时使用 ","。
	Comma string `json:"comma"`
	// LazyQuotes: 容忍不规范引号。
	LazyQuotes bool `json:"lazy_quotes"`
	// TrimHeader: 去除表头字段名首尾空白。默认 false（表头原样匹配）。
	TrimHeader bool `json:"trim_header"`
}

// Splitter 实现表头驱动的 CSV 拆分。
type Splitter struct {
	comma      rune
	lazy       bool
	trimHeader bool
}

// New 创建拆分器；分隔符非法时返回 ErrInvalidInput。
func New(opts *Options) (*Splitter, error) {
	s := &Splitter{comma: ','}
	if opts == nil {
		return s, nil
	}
	if opts.Comma != "" {
		r, n := utf8.DecodeRuneInString(opts.Comma)
		if n != len(opts.Comma) || r == utf8.RuneError || r == '"' || r == '\r' || r == '\n' {
			return nil, fmt.Errorf("csvtable: %w: comma %q", contract.ErrInvalidInput, opts.Comma)
		}
		s.comma = r
	}
	s.lazy = opts.LazyQuotes
	s.trimHeader = opts.TrimHeader
	return s, nil
}

// Split 读取表头并校验 required；逐行仅保留 required 字段。
// 短行缺失的单元格视为空串；空文件按“无表头”处理。
func (s *Splitter) Split(ctx context.Context, fileID contract.FileID, r io.Reader, required []string) ([]contract.Row, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	cr := csv.NewReader(r)
	cr.Comma = s.comma
	cr.LazyQuotes = s.lazy
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		header = nil
	} else if err != nil {
		return nil, fmt.Errorf("csvtable %s: header: %w", fileID, err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}
	if s.trimHeader {
		for i := range header {
			header[i] = strings.TrimSpace(header[i])
		}
	}
	if fm := contract.NewFieldMismatch(fileID, required, header); fm != nil {
		return nil, fm
	}

	// 字段名 → 列位置（重复列名以首次出现为准）
	pos := make(map[string]int, len(required))
	for _, f := range required {
		for i, h := range header {
			if h == f {
				pos[f] = i
				break
			}
		}
	}

	var rows []contract.Row
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("csvtable %s: %w", fileID, err)
		}
		row := make(contract.Row, len(required))
		for _, f := range required {
			if i := pos[f]; i < len(rec) {
				row[f] = rec[i]
			} else {
				row[f] = ""
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

var _ contract.Splitter = (*Splitter)(nil)
