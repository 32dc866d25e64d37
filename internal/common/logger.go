package common

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/arbor/models"
)

const (
	logFileName   = "geosafe.log"
	logTimeFormat = "15:04:05"
)

var (
	globalLogger arbor.ILogger
	loggerMutex  sync.RWMutex
)

// GetLogger returns the logger built by InitLogger, or a console logger
// when InitLogger has not run (tools, tests)
func GetLogger() arbor.ILogger {
	loggerMutex.RLock()
	logger := globalLogger
	loggerMutex.RUnlock()
	if logger != nil {
		return logger
	}

	loggerMutex.Lock()
	defer loggerMutex.Unlock()
	if globalLogger == nil {
		globalLogger = arbor.NewLogger().WithConsoleWriter(consoleWriter())
	}
	return globalLogger
}

// InitLogger builds the process logger from the logging section. With no
// recognized output the console is used.
func InitLogger(config *Config) arbor.ILogger {
	loggerMutex.Lock()
	defer loggerMutex.Unlock()

	var toFile, toConsole bool
	for _, output := range config.Logging.Output {
		switch output {
		case "file":
			toFile = true
		case "stdout", "console":
			toConsole = true
		}
	}

	logger := arbor.NewLogger()
	if toFile {
		dir := logDirectory(config.Logging.Directory)
		if err := os.MkdirAll(dir, 0755); err != nil {
			// the logger is not up yet
			fmt.Fprintf(os.Stderr, "Warning: failed to create log directory %s: %v\n", dir, err)
			toConsole = true
		} else {
			logger = logger.WithFileWriter(fileWriter(filepath.Join(dir, logFileName)))
		}
	}
	if toConsole || !toFile {
		logger = logger.WithConsoleWriter(consoleWriter())
	}

	globalLogger = logger.WithLevelFromString(config.Logging.Level)
	return globalLogger
}

// logDirectory defaults to logs/ next to the executable
func logDirectory(configured string) string {
	if configured != "" {
		return configured
	}
	execPath, err := os.Executable()
	if err != nil {
		return "logs"
	}
	return filepath.Join(filepath.Dir(execPath), "logs")
}

func consoleWriter() models.WriterConfiguration {
	return models.WriterConfiguration{
		Type:       models.LogWriterTypeConsole,
		TimeFormat: logTimeFormat,
	}
}

// fileWriter rotates at 100 MB keeping three backups
func fileWriter(path string) models.WriterConfiguration {
	return models.WriterConfiguration{
		Type:       models.LogWriterTypeFile,
		FileName:   path,
		TimeFormat: logTimeFormat,
		MaxSize:    100 * 1024 * 1024,
		MaxBackups: 3,
	}
}
