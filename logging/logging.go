package logging

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"ocpp_central/config"
)

// New returns the process logger configured from cfg.
func New(cfg *config.Config) (*logrus.Logger, error) {
	writer, err := GetLoggingWriter(cfg)
	if err != nil {
		return nil, err
	}
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log.SetOutput(writer)
	log.SetLevel(level(cfg.LogLevel))
	return log, nil
}

func level(l config.LogLevel) logrus.Level {
	switch l {
	case config.Trace:
		return logrus.TraceLevel
	case config.Debug:
		return logrus.DebugLevel
	case config.Warning:
		return logrus.WarnLevel
	default:
		return logrus.InfoLevel
	}
}

// Rotation limits of the log file.
const (
	maxLogSizeMB   = 5
	maxLogBackups  = 2
	maxLogAgeDays  = 28
	logFolderPerms = 0o711
)

// GetLoggingWriter returns stdout, or a rotating writer when cfg names a log
// file. The folder of the log file is created when missing.
func GetLoggingWriter(cfg *config.Config) (io.Writer, error) {
	if cfg.LogFile == "" {
		return os.Stdout, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.LogFile), logFolderPerms); err != nil {
		return nil, errors.Wrapf(err, "creating log folder for %s", cfg.LogFile)
	}
	return &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    maxLogSizeMB,
		MaxBackups: maxLogBackups,
		MaxAge:     maxLogAgeDays,
	}, nil
}

// Default returns an entry tagged with the charge point and the OCPP feature
// being processed.
func Default(log logrus.FieldLogger, chargePointId string, feature string) *logrus.Entry {
	return log.WithFields(logrus.Fields{"client": chargePointId, "message": feature})
}
