package persist

import (
	"os"

	"github.com/koracle-dev/koracle/internal/build"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger returns a logger that writes JSON entries to logFilename.
// The file is opened in append mode, and created if it does not exist.
func NewLogger(logFilename string) (*zap.Logger, func(), error) {
	logFile, err := os.OpenFile(logFilename, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, nil, err
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderCfg),
		zapcore.AddSync(logFile),
		zap.InfoLevel,
	)

	logger := zap.New(core)
	if build.GitRevision != "" {
		logger.Info("startup", zap.String("commit", build.GitRevision))
	} else {
		logger.Info("startup", zap.String("commit", "unknown"))
	}

	closeFn := func() {
		logger.Sync()
		logFile.Close()
	}
	return logger, closeFn, nil
}
