package diag

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger: 结构化事件日志（start/finish/error），底层为 zap JSON 编码。
// nil *Logger 的所有方法均为 no-op，库调用方可不注入日志。
type Logger struct {
	z      *zap.Logger
	corrID string
	sink   *RotatingFile
}

// NewCorrID 生成一次运行的关联 ID。
func NewCorrID() string { return uuid.NewString() }

// NewLogger 按 level 初始化，写入 logs/bluebookify-current.txt，10 MiB 轮转。
func NewLogger(corrID, level string) *Logger {
	sink := NewRotatingFile("logs", 10*1024*1024)
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig()), sink, zap.NewAtomicLevelAt(ParseLevel(level)))
	l := NewLoggerWith(zap.New(core), corrID)
	l.sink = sink
	return l
}

// NewLoggerWith 包装已有 zap.Logger（测试/嵌入）。
func NewLoggerWith(z *zap.Logger, corrID string) *Logger {
	if z == nil {
		z = zap.NewNop()
	}
	return &Logger{z: z.With(zap.String("corr_id", corrID)), corrID: corrID}
}

// CorrID 返回关联 ID。
func (l *Logger) CorrID() string {
	if l == nil {
		return ""
	}
	return l.corrID
}

// Sync 刷新并关闭文件 sink。
func (l *Logger) Sync() error {
	if l == nil {
		return nil
	}
	err := l.z.Sync()
	if l.sink != nil {
		_ = l.sink.Close()
	}
	return err
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		MessageKey:     "msg",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     func(t time.Time, enc zapcore.PrimitiveArrayEncoder) { enc.AppendString(t.UTC().Format(time.RFC3339)) },
		EncodeDuration: zapcore.MillisDurationEncoder,
	}
}

// ParseLevel 解析 debug|info|warn|error；未知值为 info。
func ParseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// BatchLabel 将批序格式化为 batch_id 字段值。
func BatchLabel(i int) string { return strconv.Itoa(i) }

type event struct {
	comp, stage, code, fileID, batch string
	dur                              time.Duration
	count                            int64
	kv                               map[string]string
}

func (l *Logger) emit(lv zapcore.Level, msg string, ev event) {
	if l == nil {
		return
	}
	ce := l.z.Check(lv, msg)
	if ce == nil {
		return
	}
	fs := make([]zap.Field, 0, 8)
	fs = append(fs, zap.String("comp", ev.comp), zap.String("stage", ev.stage))
	if ev.code != "" {
		fs = append(fs, zap.String("code", ev.code))
	}
	if ev.dur > 0 {
		fs = append(fs, zap.Int64("dur_ms", ev.dur.Milliseconds()))
	}
	if ev.count != 0 {
		fs = append(fs, zap.Int64("count", ev.count))
	}
	if ev.fileID != "" {
		fs = append(fs, zap.String("file_id", ev.fileID))
	}
	if ev.batch != "" {
		fs = append(fs, zap.String("batch_id", ev.batch))
	}
	if len(ev.kv) > 0 {
		fs = append(fs, zap.Any("kv", ev.kv))
	}
	ce.Write(fs...)
}

// Start 记录 start 事件；返回计时器用于 Finish。
func (l *Logger) Start(comp, msg string) *Timer {
	return l.StartWithKV(comp, msg, "", "", nil)
}

// StartWith 记录带 file_id/batch_id 的 start。
func (l *Logger) StartWith(comp, msg, fileID, batch string) *Timer {
	return l.StartWithKV(comp, msg, fileID, batch, nil)
}

// StartWithKV 记录带 file_id/batch_id 与键值的 start。
func (l *Logger) StartWithKV(comp, msg, fileID, batch string, kv map[string]string) *Timer {
	l.emit(zapcore.InfoLevel, msg, event{comp: comp, stage: "start", fileID: fileID, batch: batch, kv: kv})
	return &Timer{l: l, comp: comp, fileID: fileID, batch: batch, t0: time.Now()}
}

// DebugStart 输出调试级别的 start 类事件（例如请求体摘要）。
func (l *Logger) DebugStart(comp, msg, fileID, batch string, kv map[string]string) {
	l.emit(zapcore.DebugLevel, msg, event{comp: comp, stage: "start", fileID: fileID, batch: batch, kv: kv})
}

// Error 记录 error 事件并计入 error_total。
func (l *Logger) Error(comp string, code Code, msg string, since *time.Time) {
	l.ErrorWithKV(comp, code, msg, since, "", "", nil)
}

// ErrorWith 支持 file_id/batch_id。
func (l *Logger) ErrorWith(comp string, code Code, msg string, since *time.Time, fileID, batch string) {
	l.ErrorWithKV(comp, code, msg, since, fileID, batch, nil)
}

// ErrorWithKV 支持附带键值对（例如 HTTP 状态码、上游错误片段）。
func (l *Logger) ErrorWithKV(comp string, code Code, msg string, since *time.Time, fileID, batch string, kv map[string]string) {
	var dur time.Duration
	if since != nil {
		dur = time.Since(*since)
	}
	IncError(comp, string(code))
	l.emit(zapcore.ErrorLevel, msg, event{comp: comp, stage: "error", code: string(code), dur: dur, fileID: fileID, batch: batch, kv: kv})
}

// Timer 用于 start→finish 计时。
type Timer struct {
	l      *Logger
	comp   string
	fileID string
	batch  string
	t0     time.Time
}

// Started 返回起点（供 Error 计算耗时）。
func (t *Timer) Started() *time.Time {
	if t == nil {
		return nil
	}
	return &t.t0
}

// Finish 记录 finish 并上报 op_total/op_duration_ms；count 可选。
func (t *Timer) Finish(msg string, count int64) {
	if t == nil {
		return
	}
	dur := time.Since(t.t0)
	IncOp(t.comp, "finish", "success")
	ObserveDuration(t.comp, "finish", dur.Milliseconds())
	t.l.emit(zapcore.InfoLevel, msg, event{comp: t.comp, stage: "finish", dur: dur, count: count, fileID: t.fileID, batch: t.batch})
}
