package core

import (
	"os"

	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggingConfig mirrors the "logging" block of config/base.yaml.
// OutputPaths fans general logging out to additional file sinks beyond
// stdout. AuditPath, when set, adds a second always-JSON core active at
// Warn level and above: manager.go logs pipeline construction failures
// (including a failed upgrade boot during force-close) at Error and
// broadcast write failures at Warn, and an operator running with console encoding for
// interactive logs still wants those specific events captured as durable
// structured JSON on disk.
type LoggingConfig struct {
	Level       string   `yaml:"level"`
	Development bool     `yaml:"development"`
	Encoding    string   `yaml:"encoding"`
	OutputPaths []string `yaml:"outputPaths"`
	AuditPath   string   `yaml:"auditPath"`
}

// LoggerModule provides the logger dependencies.
var LoggerModule = fx.Options(
	fx.Provide(NewSugaredLogger),
	fx.Provide(NewLogger),
)

// NewLogger desugars the sugared logger for callers that want the
// structured API.
func NewLogger(sugar *zap.SugaredLogger) *zap.Logger {
	return sugar.Desugar()
}

// NewSugaredLogger creates a zap.SugaredLogger from the "logging" config
// block.
func NewSugaredLogger(provider config.Provider) (*zap.SugaredLogger, error) {
	var loggingConfig LoggingConfig
	if err := provider.Get("logging").Populate(&loggingConfig); err != nil {
		return nil, err
	}

	level, err := zapcore.ParseLevel(loggingConfig.Level)
	if err != nil {
		return nil, err
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	if loggingConfig.Development {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
	}

	var encoder zapcore.Encoder
	switch loggingConfig.Encoding {
	case "console":
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	default:
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	sink, err := openSink(loggingConfig.OutputPaths)
	if err != nil {
		return nil, err
	}
	cores := []zapcore.Core{zapcore.NewCore(encoder, sink, level)}

	if loggingConfig.AuditPath != "" {
		auditCore, err := openAuditCore(loggingConfig.AuditPath)
		if err != nil {
			return nil, err
		}
		cores = append(cores, auditCore)
	}

	c := zapcore.NewTee(cores...)

	var logger *zap.Logger
	if loggingConfig.Development {
		logger = zap.New(c, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	} else {
		logger = zap.New(c)
	}

	return logger.Sugar(), nil
}

// openSink fans log output to stdout plus every configured output path.
// "stdout"/"stderr" name the matching standard stream; anything else is
// opened as an append-mode file.
func openSink(paths []string) (zapcore.WriteSyncer, error) {
	syncers := make([]zapcore.WriteSyncer, 0, len(paths)+1)
	syncers = append(syncers, zapcore.AddSync(os.Stdout))
	for _, p := range paths {
		w, err := openOutputPath(p)
		if err != nil {
			return nil, err
		}
		syncers = append(syncers, w)
	}
	return zapcore.NewMultiWriteSyncer(syncers...), nil
}

// openAuditCore builds the Warn-and-above JSON core that backs AuditPath,
// independent of the primary encoder so a console-configured deployment
// still gets parseable audit records on disk.
func openAuditCore(path string) (zapcore.Core, error) {
	w, err := openOutputPath(path)
	if err != nil {
		return nil, err
	}
	encoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	return zapcore.NewCore(encoder, w, zapcore.WarnLevel), nil
}

func openOutputPath(path string) (zapcore.WriteSyncer, error) {
	switch path {
	case "stdout":
		return zapcore.AddSync(os.Stdout), nil
	case "stderr":
		return zapcore.AddSync(os.Stderr), nil
	default:
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
		return zapcore.AddSync(f), nil
	}
}
