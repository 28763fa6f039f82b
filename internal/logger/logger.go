package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var Logger *zap.SugaredLogger

func init() {
	// No-op until Initialize so packages can log from init paths and tests.
	Logger = zap.NewNop().Sugar()
}

// Initialize replaces the global logger. Console output is used unless
// jsonOutput is set; level accepts zap level names and defaults to info.
func Initialize(jsonOutput bool, level string) error {
	lvl := zapcore.InfoLevel
	if level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return err
		}
	}

	var config zap.Config
	if jsonOutput {
		config = zap.NewProductionConfig()
	} else {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		config.DisableStacktrace = true
	}
	config.Level = zap.NewAtomicLevelAt(lvl)

	zapLogger, err := config.Build()
	if err != nil {
		return err
	}
	Logger = zapLogger.Sugar()
	return nil
}

func ComponentLogger(component string) *zap.SugaredLogger {
	return Logger.Named(component)
}

func Sync() {
	_ = Logger.Sync()
}
