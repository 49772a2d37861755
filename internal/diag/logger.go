package diag

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// 级别定义
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "debug"
	case Info:
		return "info"
	case Warn:
		return "warn"
	case Error:
		return "error"
	default:
		return "info"
	}
}

// lineSink: 单行写出目标。
type lineSink interface {
	WriteLine(b []byte) error
}

// writerSink 将行写入任意 io.Writer（测试/管道）。
type writerSink struct{ w io.Writer }

func (s writerSink) WriteLine(b []byte) error {
	_, err := s.w.Write(append(b, '\n'))
	return err
}

// Logger 为最小结构化日志器：单行 JSON 输出；支持级别过滤。
type Logger struct {
	corrID string
	runID  string
	level  Level
	sink   lineSink
	mu     sync.Mutex
}

// NewLogger 通过配置的 level 初始化，并将日志写入默认目录 logs/，10MiB 轮转。
func NewLogger(corrID, level string) *Logger {
	return NewLoggerAt("logs", corrID, level)
}

// NewLoggerAt 与 NewLogger 相同，但写入指定目录。
func NewLoggerAt(dir, corrID, level string) *Logger {
	return &Logger{corrID: corrID, level: parseLevel(level), sink: NewRotatingFile(dir, 10*1024*1024)}
}

// NewLoggerTo 将日志写入 w（w 为 nil 时写 stderr）。
func NewLoggerTo(w io.Writer, corrID, level string) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return &Logger{corrID: corrID, level: parseLevel(level), sink: writerSink{w: w}}
}

// SetRunID 设置后续事件的 run_id。
func (l *Logger) SetRunID(id string) {
	l.mu.Lock()
	l.runID = id
	l.mu.Unlock()
}

// Close 关闭底层文件（若有）。
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.sink.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func parseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return Debug
	case "warn":
		return Warn
	case "error":
		return Error
	default:
		return Info
	}
}

// Event 为标准事件结构。
type Event struct {
	Level  string            `json:"level"`
	TS     string            `json:"ts"`
	CorrID string            `json:"corr_id"`
	RunID  string            `json:"run_id,omitempty"`
	Comp   string            `json:"comp"`
	Stage  string            `json:"stage"` // start|finish|error|warn|info
	Code   string            `json:"code,omitempty"`
	DurMS  int64             `json:"dur_ms,omitempty"`
	Count  int64             `json:"count,omitempty"`
	ReqID  string            `json:"req_id,omitempty"`
	Msg    string            `json:"msg"`
	KV     map[string]string `json:"kv,omitempty"`
}

// log 以最小开销写出事件，遵循级别。
func (l *Logger) log(lv Level, ev Event) {
	if l == nil || lv < l.level {
		return
	}
	ev.Level = lv.String()
	ev.TS = NowUTC()
	ev.CorrID = l.corrID
	l.mu.Lock()
	defer l.mu.Unlock()
	ev.RunID = l.runID
	b, _ := json.Marshal(ev)
	if l.sink == nil {
		// 后备：写 stderr
		_, _ = os.Stderr.Write(append(b, '\n'))
		return
	}
	if err := l.sink.WriteLine(b); err != nil {
		fmt.Fprintf(os.Stderr, "logger sink error: %v\n", err)
		_, _ = os.Stderr.Write(append(b, '\n'))
	}
}

// Start 记录 start 事件；返回计时器用于 Finish。
func (l *Logger) Start(comp, msg string) *Timer {
	l.log(Info, Event{Comp: comp, Stage: "start", Msg: msg})
	return &Timer{l: l, comp: comp, t0: time.Now()}
}

// StartWith 记录带 req_id 的 start。
func (l *Logger) StartWith(comp, msg, reqID string) *Timer {
	l.log(Info, Event{Comp: comp, Stage: "start", ReqID: reqID, Msg: msg})
	return &Timer{l: l, comp: comp, reqID: reqID, t0: time.Now()}
}

// StartWithKV 记录带 req_id 与键值的 start。
func (l *Logger) StartWithKV(comp, msg, reqID string, kv map[string]string) *Timer {
	l.log(Info, Event{Comp: comp, Stage: "start", ReqID: reqID, Msg: msg, KV: kv})
	return &Timer{l: l, comp: comp, reqID: reqID, t0: time.Now()}
}

// Error 记录 error 事件。
func (l *Logger) Error(comp, code, msg string, durSince *time.Time) {
	l.log(Error, Event{Comp: comp, Stage: "error", Code: code, DurMS: since(durSince), Msg: msg})
}

// ErrorWith 支持 req_id。
func (l *Logger) ErrorWith(comp, code, msg string, durSince *time.Time, reqID string) {
	l.log(Error, Event{Comp: comp, Stage: "error", Code: code, DurMS: since(durSince), Msg: msg, ReqID: reqID})
}

// ErrorWithKV 支持附带键值对（例如 HTTP 状态码、上游错误片段）。
func (l *Logger) ErrorWithKV(comp, code, msg string, durSince *time.Time, reqID string, kv map[string]string) {
	l.log(Error, Event{Comp: comp, Stage: "error", Code: code, DurMS: since(durSince), Msg: msg, ReqID: reqID, KV: kv})
}

// Warn 记录非致命诊断（如指纹漂移、真值缺失）。
func (l *Logger) Warn(comp, code, msg, reqID string, kv map[string]string) {
	l.log(Warn, Event{Comp: comp, Stage: "warn", Code: code, Msg: msg, ReqID: reqID, KV: kv})
}

// Info 记录一般信息事件。
func (l *Logger) Info(comp, msg string, kv map[string]string) {
	l.log(Info, Event{Comp: comp, Stage: "info", Msg: msg, KV: kv})
}

// InfoFinish 在已有起点的情况下记录 finish。
func (l *Logger) InfoFinish(comp, msg string, start time.Time, count int64) {
	l.log(Info, Event{Comp: comp, Stage: "finish", DurMS: time.Since(start).Milliseconds(), Count: count, Msg: msg})
}

// DebugStart 输出调试级别的“start”类事件（仅在 level=debug 时生效）。
func (l *Logger) DebugStart(comp, msg, reqID string, kv map[string]string) {
	l.log(Debug, Event{Comp: comp, Stage: "start", ReqID: reqID, Msg: msg, KV: kv})
}

func since(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return time.Since(*t).Milliseconds()
}

// Timer 用于 start→finish 计时。
type Timer struct {
	l     *Logger
	comp  string
	reqID string
	t0    time.Time
}

// Finish 记录 finish 并上报耗时；可选 count。
func (t *Timer) Finish(msg string, count int64) {
	if t == nil || t.l == nil {
		return
	}
	dur := time.Since(t.t0).Milliseconds()
	ObserveDuration(t.comp, msg, dur)
	t.l.log(Info, Event{Comp: t.comp, Stage: "finish", DurMS: dur, Count: count, ReqID: t.reqID, Msg: msg})
}
