package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ZerologLogger implements Logger on top of zerolog
type ZerologLogger struct {
	base       zerolog.Logger // without the module field
	logger     zerolog.Logger
	config     *Config
	subsystem  string
	fileWriter *lumberjack.Logger
}

// NewZerologLogger builds a logger from config. A nil config means DefaultConfig.
func NewZerologLogger(config *Config) Logger {
	if config == nil {
		config = DefaultConfig()
	}

	var writers []io.Writer
	var fileWriter *lumberjack.Logger

	if config.FileConfig != nil && config.FileConfig.Filename != "" {
		if err := os.MkdirAll(filepath.Dir(config.FileConfig.Filename), 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "failed to create log directory: %v\n", err)
		} else {
			fileWriter = &lumberjack.Logger{
				Filename:   config.FileConfig.Filename,
				MaxSize:    config.FileConfig.MaxSize,
				MaxAge:     config.FileConfig.MaxAge,
				MaxBackups: config.FileConfig.MaxBackups,
				Compress:   config.FileConfig.Compress,
				LocalTime:  true,
			}
			writers = append(writers, fileWriter)
		}
	}

	for _, output := range config.Outputs {
		if config.Format == DefaultFormat {
			writers = append(writers, zerolog.ConsoleWriter{
				Out:        output,
				TimeFormat: "15:04:05",
				PartsOrder: []string{
					zerolog.TimestampFieldName,
					zerolog.LevelFieldName,
					zerolog.CallerFieldName,
					"module",
					zerolog.MessageFieldName,
				},
			})
			continue
		}
		writers = append(writers, output)
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = io.Discard
	case 1:
		writer = writers[0]
	default:
		writer = zerolog.MultiLevelWriter(writers...)
	}

	zl := zerolog.New(writer).Level(config.Level.zerolog()).With().Timestamp().Logger()
	if config.EnableCaller {
		zl = zl.With().CallerWithSkipFrameCount(4).Logger()
	}
	base := zl
	if config.Subsystem != "" {
		zl = zl.With().Str("module", config.Subsystem).Logger()
	}

	return &ZerologLogger{
		base:       base,
		logger:     zl,
		config:     config,
		subsystem:  config.Subsystem,
		fileWriter: fileWriter,
	}
}

func (zl *ZerologLogger) log(level zerolog.Level, msg string, fields []TypedField) {
	if zl.logger.GetLevel() > level {
		return
	}
	event := zl.logger.WithLevel(level)
	if event == nil {
		return
	}
	if len(fields) > 0 {
		event = event.Fields(fieldsToMap(fields))
	}
	event.Msg(msg)
}

func (zl *ZerologLogger) Trace(msg string, fields ...TypedField) {
	zl.log(zerolog.TraceLevel, msg, fields)
}

func (zl *ZerologLogger) Debug(msg string, fields ...TypedField) {
	zl.log(zerolog.DebugLevel, msg, fields)
}

func (zl *ZerologLogger) Info(msg string, fields ...TypedField) {
	zl.log(zerolog.InfoLevel, msg, fields)
}

func (zl *ZerologLogger) Warn(msg string, fields ...TypedField) {
	zl.log(zerolog.WarnLevel, msg, fields)
}

func (zl *ZerologLogger) Error(msg string, fields ...TypedField) {
	zl.log(zerolog.ErrorLevel, msg, fields)
}

// Fatal logs at fatal level. Unlike zerolog's Fatal it does not exit the process.
func (zl *ZerologLogger) Fatal(msg string, fields ...TypedField) {
	zl.log(zerolog.FatalLevel, msg, fields)
}

func (zl *ZerologLogger) Debugf(format string, args ...any) {
	zl.logger.Debug().Msgf(format, args...)
}

func (zl *ZerologLogger) Infof(format string, args ...any) {
	zl.logger.Info().Msgf(format, args...)
}

func (zl *ZerologLogger) Errorf(format string, args ...any) {
	zl.logger.Error().Msgf(format, args...)
}

// WithSubsystem nests name under the current subsystem ("a.b")
func (zl *ZerologLogger) WithSubsystem(name string) Logger {
	sub := name
	if zl.subsystem != "" {
		sub = zl.subsystem + "." + name
	}
	return zl.withModule(sub)
}

// WithSystem replaces the current subsystem with name
func (zl *ZerologLogger) WithSystem(name string) Logger {
	return zl.withModule(name)
}

func (zl *ZerologLogger) withModule(module string) Logger {
	return &ZerologLogger{
		base:       zl.base,
		logger:     zl.base.With().Str("module", module).Logger(),
		config:     zl.config,
		subsystem:  module,
		fileWriter: zl.fileWriter,
	}
}

func (zl *ZerologLogger) WithFields(fields ...TypedField) Logger {
	if len(fields) == 0 {
		return zl
	}
	base := zl.base.With().Fields(fieldsToMap(fields)).Logger()
	withFields := base
	if zl.subsystem != "" {
		withFields = base.With().Str("module", zl.subsystem).Logger()
	}
	return &ZerologLogger{
		base:       base,
		logger:     withFields,
		config:     zl.config,
		subsystem:  zl.subsystem,
		fileWriter: zl.fileWriter,
	}
}

func (zl *ZerologLogger) IsLevelEnabled(level LogLevel) bool {
	return zl.logger.GetLevel() <= level.zerolog()
}

func (zl *ZerologLogger) Close() error {
	if zl.fileWriter != nil {
		return zl.fileWriter.Close()
	}
	return nil
}
