package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fatih/color"
	c "github.com/life-stream-dev/life-stream-go-device-relay/internal/config"
)

const (
	LevelFatal slog.Level = 12
)

const logRetention = 30 * 24 * time.Hour

// asyncCore owns the output goroutine; every handler derived through
// WithAttrs/WithGroup writes into the same channel.
type asyncCore struct {
	ch          chan []byte
	writer      io.Writer
	stdout      io.Writer
	currentDay  int      // 当前日志日期（day of year）
	currentFile *os.File // 当前日志文件
	basePath    string   // 日志文件基础路径，为空时只输出到 stdout
	wg          sync.WaitGroup
	mu          sync.RWMutex
	closed      bool
}

type AsyncHandler struct {
	core     *asyncCore
	attrs    []slog.Attr
	group    string
	logLevel slog.Level
}

func NewAsyncHandler(basePath string, logLevel slog.Level) *AsyncHandler {
	return newAsyncHandler(os.Stdout, basePath, logLevel)
}

func newAsyncHandler(stdout io.Writer, basePath string, logLevel slog.Level) *AsyncHandler {
	core := &asyncCore{
		ch:       make(chan []byte, 1024),
		stdout:   stdout,
		writer:   stdout,
		basePath: basePath,
	}
	if err := core.rotateIfNeeded(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "log file unavailable, writing to stdout only: %v\n", err)
	}
	core.wg.Add(1)
	go core.startWorker()
	return &AsyncHandler{core: core, logLevel: logLevel}
}

func (core *asyncCore) cleanOldLogs() {
	files, _ := filepath.Glob(filepath.Join(core.basePath, "*.log"))
	now := time.Now()

	for _, f := range files {
		fi, err := os.Stat(f)
		if err != nil {
			continue
		}
		if now.Sub(fi.ModTime()) > logRetention {
			_ = os.Remove(f)
		}
	}
}

// 初始化或轮转日志文件
func (core *asyncCore) rotateIfNeeded() error {
	if core.basePath == "" {
		return nil
	}

	now := time.Now()
	currentDay := now.YearDay()

	if currentDay == core.currentDay && core.currentFile != nil {
		return nil
	}

	if core.currentFile != nil {
		if err := core.currentFile.Close(); err != nil {
			return fmt.Errorf("close log file: %w", err)
		}
		core.currentFile = nil
		core.writer = core.stdout
	}

	logPath := core.getLogPath(now)
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("create log file: %w", err)
	}

	core.currentFile = f
	core.currentDay = currentDay
	core.writer = io.MultiWriter(core.stdout, core.currentFile)
	core.cleanOldLogs()
	return nil
}

func (core *asyncCore) getLogPath(now time.Time) string {
	return filepath.Join(core.basePath, now.Format("2006-01-02")+".log")
}

func (core *asyncCore) startWorker() {
	defer core.wg.Done()
	for data := range core.ch {
		_ = core.rotateIfNeeded()
		_, _ = core.writer.Write(data)
	}
}

func (core *asyncCore) write(p []byte) {
	// 拷贝数据避免竞态
	pb := make([]byte, len(p))
	copy(pb, p)

	core.mu.RLock()
	defer core.mu.RUnlock()
	if core.closed {
		_, _ = core.stdout.Write(pb)
		return
	}
	core.ch <- pb
}

func (core *asyncCore) close() error {
	core.mu.Lock()
	if core.closed {
		core.mu.Unlock()
		return nil
	}
	core.closed = true
	close(core.ch)
	core.mu.Unlock()

	core.wg.Wait()
	if core.currentFile != nil {
		_ = core.currentFile.Sync()
		return core.currentFile.Close()
	}
	return nil
}

func (h *AsyncHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.logLevel
}

func (h *AsyncHandler) attrKey(key string) string {
	if h.group == "" {
		return key
	}
	return h.group + "." + key
}

func (h *AsyncHandler) Handle(_ context.Context, r slog.Record) error {
	level := r.Level.String()

	switch r.Level {
	case slog.LevelDebug:
		level = color.MagentaString(level)
	case slog.LevelInfo:
		level = color.BlueString(level)
	case slog.LevelWarn:
		level = color.YellowString(level)
	case slog.LevelError:
		level = color.RedString(level)
	case LevelFatal:
		level = color.HiRedString("FATAL")
	}

	// 基础格式：时间 | 级别 | 消息
	line := fmt.Sprintf(
		"%s | %-5s | %s",
		color.GreenString(r.Time.Format("2006-01-02T15:04:05.000")),
		level,
		color.CyanString(r.Message),
	)

	for _, attr := range h.attrs {
		line += color.CyanString(fmt.Sprintf(" %s=%v", attr.Key, attr.Value))
	}

	r.Attrs(func(attr slog.Attr) bool {
		line += color.CyanString(fmt.Sprintf(" %s=%v", h.attrKey(attr.Key), attr.Value))
		return true
	})

	line += "\n"

	h.Write([]byte(line))
	return nil
}

func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	newAttrs = append(newAttrs, h.attrs...)
	for _, attr := range attrs {
		newAttrs = append(newAttrs, slog.Attr{Key: h.attrKey(attr.Key), Value: attr.Value})
	}

	return &AsyncHandler{
		core:     h.core,
		attrs:    newAttrs,
		group:    h.group,
		logLevel: h.logLevel,
	}
}

func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &AsyncHandler{
		core:     h.core,
		attrs:    h.attrs,
		group:    h.attrKey(name),
		logLevel: h.logLevel,
	}
}

func (h *AsyncHandler) Write(p []byte) {
	h.core.write(p)
}

// Close drains pending lines and closes the current log file. Lines logged
// afterwards go straight to stdout.
func (h *AsyncHandler) Close() error {
	return h.core.close()
}

type ShutdownCallback struct {
	handler *AsyncHandler
}

func (lc *ShutdownCallback) Invoke(_ context.Context) error {
	return lc.handler.Close()
}

func Init() *ShutdownCallback {
	level := slog.LevelInfo
	basePath := "logs"
	if config, err := c.GetConfig(); err == nil {
		if config.DebugMode {
			level = slog.LevelDebug
		}
		basePath = config.LogPath
	}
	handler := NewAsyncHandler(basePath, level)
	slog.SetDefault(slog.New(handler))
	slog.Debug("Logger initialized")
	return &ShutdownCallback{handler: handler}
}

// Component returns the default logger tagged with the subsystem name.
func Component(name string) *slog.Logger {
	return slog.Default().With("component", name)
}

func Debug(msg string, v ...interface{}) {
	slog.Debug(msg, v...)
}

func DebugF(msg string, v ...interface{}) {
	slog.Debug(fmt.Sprintf(msg, v...))
}

func Info(msg string, v ...interface{}) {
	slog.Info(msg, v...)
}

func InfoF(msg string, v ...interface{}) {
	slog.Info(fmt.Sprintf(msg, v...))
}

func Warn(msg string, v ...interface{}) {
	slog.Warn(msg, v...)
}

func WarnF(msg string, v ...interface{}) {
	slog.Warn(fmt.Sprintf(msg, v...))
}

func Error(msg string, v ...interface{}) {
	slog.Error(msg, v...)
}

func ErrorF(msg string, v ...interface{}) {
	slog.Error(fmt.Sprintf(msg, v...))
}

func Fatal(msg string, v ...interface{}) {
	slog.Log(context.Background(), LevelFatal, msg, v...)
}

func FatalF(msg string, v ...interface{}) {
	slog.Log(context.Background(), LevelFatal, fmt.Sprintf(msg, v...))
}
