package logging

import (
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	cfgpkg "github.com/taoyao-code/magstim-server/internal/config"
)

// InitLogger 初始化 zap 日志器（stdout，可选 lumberjack 滚动文件双写）
// 未知级别直接报错，避免误配置时静默丢失 debug 帧日志
func InitLogger(cfg cfgpkg.LoggingConfig) (*zap.Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	encoderCfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stack",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.TimeEncoderOfLayout(time.RFC3339Nano),
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if strings.EqualFold(cfg.Format, "console") {
		encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	}

	ws := zapcore.AddSync(os.Stdout)
	if cfg.File.Filename != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.File.Filename,
			MaxSize:    cfg.File.MaxSizeMB,
			MaxBackups: cfg.File.MaxBackups,
			MaxAge:     cfg.File.MaxAgeDays,
			Compress:   cfg.File.Compress,
		}
		ws = zapcore.NewMultiWriteSyncer(ws, zapcore.AddSync(lj))
	}

	core := zapcore.NewCore(encoder, ws, level)
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)).Named("magstim"), nil
}

func parseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	}
	return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", s)
}

// ForDevice 设备子日志器，附带串口、型号与是否模拟器
func ForDevice(root *zap.Logger, dev cfgpkg.DeviceConfig) *zap.Logger {
	return root.Named("device").With(
		zap.String("port", dev.Port),
		zap.String("kind", dev.Kind),
		zap.Bool("simulated", strings.HasPrefix(dev.Port, "sim://")),
	)
}

// Frame 串口帧字段：可打印 ASCII 原样输出，其余字节（含末尾 CRC）以 <xx> 输出
func Frame(key string, b []byte) zap.Field {
	return zap.Stringer(key, frameText(b))
}

type frameText []byte

func (f frameText) String() string {
	var sb strings.Builder
	for _, c := range f {
		if c >= 0x20 && c < 0x7f && c != '<' {
			sb.WriteByte(c)
			continue
		}
		fmt.Fprintf(&sb, "<%02x>", c)
	}
	return sb.String()
}
