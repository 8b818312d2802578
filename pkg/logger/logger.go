// Package logger is a thin level filter over the standard logger. Setup is
// called once at startup; the Log* helpers are safe to use before that and
// default to info.
package logger

import (
	"log"
	"os"
	"strings"
)

const (
	LogLevelError = "error"
	LogLevelWarn  = "warn"
	LogLevelInfo  = "info"
	LogLevelDebug = "debug"
)

// LoggingConfig holds the logging section of the settings file
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// GlobalLogging is the active configuration; nil before Setup
var GlobalLogging *LoggingConfig

// Setup installs the logging configuration and redirects output to the
// configured file when one is set. The file is opened append-only with
// 0600; on failure logging stays on stdout.
func Setup(config *LoggingConfig) {
	GlobalLogging = config
	if config.File == "" {
		return
	}
	f, err := os.OpenFile(config.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		log.Printf("⚠️ Cannot open log file %s, staying on stdout: %v", config.File, err)
		return
	}
	log.SetOutput(f)
}

// shouldLog orders error < warn < info < debug; unknown levels pass
func shouldLog(currentLevel, messageLevel string) bool {
	levels := []string{LogLevelError, LogLevelWarn, LogLevelInfo, LogLevelDebug}

	currentIndex := -1
	messageIndex := -1
	for i, level := range levels {
		if level == currentLevel {
			currentIndex = i
		}
		if level == messageLevel {
			messageIndex = i
		}
	}
	if currentIndex == -1 || messageIndex == -1 {
		return true
	}
	return messageIndex <= currentIndex
}

// LogStartup logs startup messages regardless of the configured level
func LogStartup(format string, args ...interface{}) {
	log.Printf("🔧 "+format, args...)
}

func LogError(format string, args ...interface{}) {
	if GlobalLogging == nil || shouldLog(strings.ToLower(GlobalLogging.Level), LogLevelError) {
		log.Printf("❌ "+format, args...)
	}
}

func LogWarn(format string, args ...interface{}) {
	if GlobalLogging == nil || shouldLog(strings.ToLower(GlobalLogging.Level), LogLevelWarn) {
		log.Printf("⚠️ "+format, args...)
	}
}

func LogInfo(format string, args ...interface{}) {
	if GlobalLogging == nil || shouldLog(strings.ToLower(GlobalLogging.Level), LogLevelInfo) {
		log.Printf("ℹ️ "+format, args...)
	}
}

// LogDebug is opt-in: silent until Setup enables the debug level
func LogDebug(format string, args ...interface{}) {
	if GlobalLogging != nil && shouldLog(strings.ToLower(GlobalLogging.Level), LogLevelDebug) {
		log.Printf("🔧 "+format, args...)
	}
}
