// Package logger is the structured logging layer shared by every tether package.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
)

// ========================================
// Structured Logger - 结构化日志系统
// ========================================

// Logger is the process-wide logger. Packages should prefer the module helpers below.
var Logger zerolog.Logger

var (
	persistentMu     sync.Mutex
	persistentLogger *PersistentLogger
)

// LogLevel 日志级别
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

// ParseLevel maps a config string onto a LogLevel. Unknown values fall back to Info.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return LogLevelDebug
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// LogConfig 日志配置
type LogConfig struct {
	Level       LogLevel
	Console     bool   // 是否输出到控制台
	File        bool   // 是否输出到文件
	FilePath    string // 日志文件路径
	MaxSizeMB   int    // 单个日志文件最大大小 (MB)
	MaxAgeDays  int    // 日志保留天数
	MaxBackups  int    // 最大备份数量
	Compress    bool   // 是否压缩旧日志
	TimeFormat  string // 时间格式
	AppDataPath string // 应用数据目录

	// Output overrides stdout for the console writer (tests).
	Output io.Writer
}

// DefaultLogConfig returns a console-only configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:      LogLevelInfo,
		Console:    true,
		File:       false,
		MaxSizeMB:  10,
		MaxAgeDays: 7,
		MaxBackups: 5,
		Compress:   true,
		TimeFormat: time.RFC3339,
	}
}

// PersistentLogConfig returns a configuration that also writes tether.log under appDataPath/logs.
func PersistentLogConfig(appDataPath string) LogConfig {
	cfg := DefaultLogConfig()
	cfg.File = true
	cfg.FilePath = filepath.Join(appDataPath, "logs", "tether.log")
	cfg.AppDataPath = appDataPath
	return cfg
}

// ========================================
// PersistentLogger - 持久化日志管理器
// ========================================

// PersistentLogger rotates the log file by size and prunes old rotations.
type PersistentLogger struct {
	mu          sync.Mutex
	config      LogConfig
	currentFile *os.File
	currentSize int64
	logDir      string
	stopCh      chan struct{}
	closeOnce   sync.Once
}

// NewPersistentLogger opens (or creates) config.FilePath for appending.
func NewPersistentLogger(config LogConfig) (*PersistentLogger, error) {
	logDir := filepath.Dir(config.FilePath)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	pl := &PersistentLogger{
		config: config,
		logDir: logDir,
		stopCh: make(chan struct{}),
	}

	if err := pl.openFile(); err != nil {
		return nil, err
	}

	go pl.cleanupRoutine()

	return pl, nil
}

// Write implements io.Writer.
func (pl *PersistentLogger) Write(p []byte) (n int, err error) {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	if pl.currentFile == nil {
		return 0, os.ErrClosed
	}

	if pl.config.MaxSizeMB > 0 && pl.currentSize+int64(len(p)) > int64(pl.config.MaxSizeMB)*1024*1024 {
		if err := pl.rotate(); err != nil {
			return 0, err
		}
	}

	n, err = pl.currentFile.Write(p)
	pl.currentSize += int64(n)
	return n, err
}

func (pl *PersistentLogger) openFile() error {
	file, err := os.OpenFile(pl.config.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}

	pl.currentFile = file
	pl.currentSize = info.Size()
	return nil
}

func (pl *PersistentLogger) rotatedPrefix() string {
	base := strings.TrimSuffix(filepath.Base(pl.config.FilePath), filepath.Ext(pl.config.FilePath))
	return base + "_"
}

// rotate 轮转日志文件
func (pl *PersistentLogger) rotate() error {
	if pl.currentFile != nil {
		pl.currentFile.Close()
	}

	timestamp := time.Now().Format("2006-01-02_15-04-05.000")
	rotatedPath := filepath.Join(pl.logDir, pl.rotatedPrefix()+timestamp+".log")

	if err := os.Rename(pl.config.FilePath, rotatedPath); err != nil {
		return pl.openFile()
	}

	if pl.config.Compress {
		go compressFile(rotatedPath)
	}

	return pl.openFile()
}

// compressFile gzips a rotated log and removes the original.
func compressFile(filePath string) {
	src, err := os.Open(filePath)
	if err != nil {
		return
	}
	defer src.Close()

	dst, err := os.Create(filePath + ".gz")
	if err != nil {
		return
	}

	gz := gzip.NewWriter(dst)
	_, copyErr := io.Copy(gz, src)
	closeErr := gz.Close()
	dst.Close()

	if copyErr != nil || closeErr != nil {
		os.Remove(filePath + ".gz")
		return
	}

	os.Remove(filePath)
}

func (pl *PersistentLogger) cleanupRoutine() {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	pl.cleanup()

	for {
		select {
		case <-ticker.C:
			pl.cleanup()
		case <-pl.stopCh:
			return
		}
	}
}

// cleanup 清理旧日志文件
func (pl *PersistentLogger) cleanup() {
	files, err := filepath.Glob(filepath.Join(pl.logDir, pl.rotatedPrefix()+"*.log*"))
	if err != nil {
		return
	}

	type fileInfo struct {
		path    string
		modTime time.Time
	}
	var fileInfos []fileInfo

	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			continue
		}
		fileInfos = append(fileInfos, fileInfo{path: f, modTime: info.ModTime()})
	}

	sort.Slice(fileInfos, func(i, j int) bool {
		return fileInfos[i].modTime.After(fileInfos[j].modTime)
	})

	now := time.Now()
	for i, fi := range fileInfos {
		if pl.config.MaxAgeDays > 0 && now.Sub(fi.modTime) > time.Duration(pl.config.MaxAgeDays)*24*time.Hour {
			os.Remove(fi.path)
			continue
		}
		if pl.config.MaxBackups > 0 && i >= pl.config.MaxBackups {
			os.Remove(fi.path)
		}
	}
}

// Close closes the current file. Safe to call more than once.
func (pl *PersistentLogger) Close() error {
	var err error
	pl.closeOnce.Do(func() {
		close(pl.stopCh)
		pl.mu.Lock()
		defer pl.mu.Unlock()
		if pl.currentFile != nil {
			err = pl.currentFile.Close()
			pl.currentFile = nil
		}
	})
	return err
}

// ========================================
// 日志初始化
// ========================================

func toZerologLevel(level LogLevel) zerolog.Level {
	switch level {
	case LogLevelDebug:
		return zerolog.DebugLevel
	case LogLevelInfo:
		return zerolog.InfoLevel
	case LogLevelWarn:
		return zerolog.WarnLevel
	case LogLevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// InitLogger (re)builds the global Logger from config.
func InitLogger(config LogConfig) error {
	var writers []io.Writer

	out := config.Output
	if out == nil {
		out = os.Stdout
	}

	if config.Console {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: "15:04:05",
		})
	}

	var pl *PersistentLogger
	if config.File && config.FilePath != "" {
		var err error
		pl, err = NewPersistentLogger(config)
		if err != nil {
			return err
		}
		writers = append(writers, pl)
	}

	if len(writers) == 0 {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: "15:04:05",
		})
	}

	if config.TimeFormat != "" {
		zerolog.TimeFieldFormat = config.TimeFormat
	}

	Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(toZerologLevel(config.Level)).
		With().
		Timestamp().
		Caller().
		Logger()

	persistentMu.Lock()
	old := persistentLogger
	persistentLogger = pl
	persistentMu.Unlock()
	if old != nil {
		old.Close()
	}

	return nil
}

// CloseLogger flushes and closes the persistent log file, if any.
func CloseLogger() {
	persistentMu.Lock()
	pl := persistentLogger
	persistentLogger = nil
	persistentMu.Unlock()
	if pl != nil {
		pl.Close()
	}
}

// LogFilePath returns the active log file, or "" when logging to console only.
func LogFilePath() string {
	persistentMu.Lock()
	defer persistentMu.Unlock()
	if persistentLogger != nil {
		return persistentLogger.config.FilePath
	}
	return ""
}

// ========================================
// 便捷日志函数
// ========================================

func Debug(module string) *zerolog.Event {
	return Logger.Debug().Str("module", module)
}

func Info(module string) *zerolog.Event {
	return Logger.Info().Str("module", module)
}

func Warn(module string) *zerolog.Event {
	return Logger.Warn().Str("module", module)
}

func Error(module string) *zerolog.Event {
	return Logger.Error().Str("module", module)
}

// ========================================
// Bridge actions - 连接操作日志
// ========================================

// Action names one user-visible bridge operation.
type Action string

const (
	ActionBridge     Action = "bridge"
	ActionReconnect  Action = "reconnect"
	ActionDisconnect Action = "disconnect"
	ActionForget     Action = "forget"
	ActionRestart    Action = "server_restart"
)

// LogAction records a bridge operation against a device serial.
func LogAction(action Action, serial string, details map[string]interface{}) {
	event := Logger.Info().
		Str("category", "bridge_action").
		Str("action", string(action)).
		Str("serial", serial)

	addFields(event, details)
	event.Msg("Bridge action")
}

func addFields(event *zerolog.Event, fields map[string]interface{}) {
	for k, v := range fields {
		switch val := v.(type) {
		case string:
			event.Str(k, val)
		case int:
			event.Int(k, val)
		case int64:
			event.Int64(k, val)
		case float64:
			event.Float64(k, val)
		case bool:
			event.Bool(k, val)
		case time.Duration:
			event.Dur(k, val)
		case error:
			event.AnErr(k, val)
		default:
			event.Interface(k, val)
		}
	}
}

// ========================================
// 性能日志
// ========================================

// OperationTimer logs the duration of one operation when it ends.
type OperationTimer struct {
	module    string
	operation string
	startTime time.Time
	details   map[string]interface{}
}

// StartOperation 开始计时
func StartOperation(module, operation string) *OperationTimer {
	return &OperationTimer{
		module:    module,
		operation: operation,
		startTime: time.Now(),
		details:   make(map[string]interface{}),
	}
}

// AddDetail attaches a field to the final log line.
func (t *OperationTimer) AddDetail(key string, value interface{}) *OperationTimer {
	t.details[key] = value
	return t
}

// End logs completion at debug level.
func (t *OperationTimer) End() {
	duration := time.Since(t.startTime)

	event := Logger.Debug().
		Str("module", t.module).
		Str("category", "performance").
		Str("operation", t.operation).
		Dur("duration", duration)

	addFields(event, t.details)
	event.Msg("Operation completed")
}

// EndWithError logs failure at warn level.
func (t *OperationTimer) EndWithError(err error) {
	duration := time.Since(t.startTime)

	event := Logger.Warn().
		Str("module", t.module).
		Str("category", "performance").
		Str("operation", t.operation).
		Dur("duration", duration).
		Err(err)

	addFields(event, t.details)
	event.Msg("Operation failed")
}

func init() {
	_ = InitLogger(DefaultLogConfig())
}
