package bootstrap

import (
	"fmt"
	"os"

	"logcorr/config"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// InitLogger initializes the zap logger with colored console output at level.
func InitLogger(level string) (*zap.Logger, *zap.SugaredLogger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.AddSync(os.Stdout),
		lvl,
	)

	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return logger, logger.Sugar(), nil
}

// InitConfig loads the application configuration. Errors are also written to
// stderr because the logger does not exist yet.
func InitConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to load config: %v\n", err)
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// logConfigSummary records where the configuration came from and the main
// choices it made.
func logConfigSummary(cfg *config.Config, sugar *zap.SugaredLogger) {
	if cfg.File == "" {
		sugar.Info("No config file found, using defaults and env vars")
	} else {
		sugar.Infow("Configuration loaded", "file", cfg.File)
	}
	sugar.Infow("Engine configuration",
		"workers", cfg.Engine.Workers,
		"queue_size", cfg.Engine.QueueSize,
		"state_backend", cfg.State.Backend,
		"sagan_host", cfg.Engine.Host,
		"default_proto", cfg.Engine.DefaultProto)
}
