package utils

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// logger.go - структурированное логирование (zap)
//
// Функции:
// - InitLogger: логгер по LogConfig (json/text, уровень, файл с ротацией)
// - глобальный логгер: L(), InitGlobalLogger, SetGlobalLogger
// - конструкторы доменных полей: Pair, Price, Side, CycleID, ...

// LogConfig - параметры логгера
type LogConfig struct {
	Level       string // debug, info, warn, error
	Format      string // json, text
	Output      string // stdout, stderr или путь к файлу
	Development bool

	// Ротация файла (lumberjack), 0 = значение по умолчанию
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Logger - обертка над zap.Logger с доменными хелперами
type Logger struct {
	*zap.Logger
}

var (
	globalLogger *Logger
	globalMu     sync.RWMutex
)

// InitLogger создает логгер; при ошибке открытия файла пишет в stderr
func InitLogger(cfg LogConfig) *Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeDuration = zapcore.MillisDurationEncoder

	var encoder zapcore.Encoder
	if strings.EqualFold(cfg.Format, "text") || strings.EqualFold(cfg.Format, "console") {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, openOutput(cfg), zap.NewAtomicLevelAt(parseLevel(cfg.Level)))

	opts := []zap.Option{zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)}
	if cfg.Development {
		opts = append(opts, zap.Development())
	}

	zl := zap.New(core, opts...)
	return &Logger{Logger: zl}
}

// openOutput: stdout/stderr или файл с ротацией
func openOutput(cfg LogConfig) zapcore.WriteSyncer {
	switch strings.ToLower(cfg.Output) {
	case "", "stdout":
		return zapcore.Lock(os.Stdout)
	case "stderr":
		return zapcore.Lock(os.Stderr)
	}

	dir := filepath.Dir(cfg.Output)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return zapcore.Lock(os.Stderr)
	}

	maxSize := cfg.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 100
	}
	maxBackups := cfg.MaxBackups
	if maxBackups <= 0 {
		maxBackups = 5
	}
	maxAge := cfg.MaxAgeDays
	if maxAge <= 0 {
		maxAge = 14
	}

	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.Output,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
		MaxAge:     maxAge,
		Compress:   true,
	})
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// ============================================================
// Глобальный логгер
// ============================================================

// GetGlobalLogger возвращает глобальный логгер, создавая логгер по умолчанию
func GetGlobalLogger() *Logger {
	globalMu.RLock()
	l := globalLogger
	globalMu.RUnlock()
	if l != nil {
		return l
	}

	globalMu.Lock()
	defer globalMu.Unlock()
	if globalLogger == nil {
		globalLogger = InitLogger(LogConfig{Level: "info", Format: "json"})
	}
	return globalLogger
}

// L - короткий алиас GetGlobalLogger
func L() *Logger {
	return GetGlobalLogger()
}

// InitGlobalLogger создает логгер и делает его глобальным
func InitGlobalLogger(cfg LogConfig) *Logger {
	l := InitLogger(cfg)
	SetGlobalLogger(l)
	return l
}

// SetGlobalLogger подменяет глобальный логгер (в т.ч. в тестах)
func SetGlobalLogger(l *Logger) {
	globalMu.Lock()
	globalLogger = l
	globalMu.Unlock()
}

// ============================================================
// Методы Logger
// ============================================================

// With возвращает дочерний логгер с полями
func (l *Logger) With(fields ...zap.Field) *Logger {
	child := l.Logger.With(fields...)
	return &Logger{Logger: child}
}

func (l *Logger) WithComponent(name string) *Logger { return l.With(Component(name)) }
func (l *Logger) WithPair(pair string) *Logger      { return l.With(Pair(pair)) }
func (l *Logger) WithCycle(id string) *Logger       { return l.With(CycleID(id)) }

// ============================================================
// Глобальные функции
// ============================================================

func Debug(msg string, fields ...zap.Field) { L().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { L().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { L().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { L().Error(msg, fields...) }

// ============================================================
// Доменные поля
// ============================================================

func Pair(v string) zap.Field      { return zap.String("pair", v) }
func Exchange(v string) zap.Field  { return zap.String("exchange", v) }
func OrderID(v string) zap.Field   { return zap.String("order_id", v) }
func Side(v string) zap.Field      { return zap.String("side", v) }
func Price(v float64) zap.Field    { return zap.Float64("price", v) }
func Level(v int) zap.Field        { return zap.Int("grid_level", v) }
func CycleID(v string) zap.Field   { return zap.String("cycle_id", v) }
func RiskLevel(v string) zap.Field { return zap.String("risk_level", v) }
func Drawdown(v float64) zap.Field { return zap.Float64("drawdown_pct", v) }
func PNL(v float64) zap.Field      { return zap.Float64("pnl", v) }
func State(v string) zap.Field     { return zap.String("state", v) }
func Latency(ms float64) zap.Field { return zap.Float64("latency_ms", ms) }
func RequestID(v string) zap.Field { return zap.String("request_id", v) }
func Component(v string) zap.Field { return zap.String("component", v) }

// Реэкспорт zap-конструкторов, чтобы пакеты не импортировали zap ради одного поля

func String(k, v string) zap.Field          { return zap.String(k, v) }
func Int(k string, v int) zap.Field         { return zap.Int(k, v) }
func Int64(k string, v int64) zap.Field     { return zap.Int64(k, v) }
func Float64(k string, v float64) zap.Field { return zap.Float64(k, v) }
func Err(err error) zap.Field               { return zap.Error(err) }
func Any(k string, v interface{}) zap.Field { return zap.Any(k, v) }
