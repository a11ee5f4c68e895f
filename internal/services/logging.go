package services

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"goa.design/goa/v3/middleware"
)

// streamingPrefixes are the path prefixes of long-lived responses
var streamingPrefixes = []string{"/video_feed/", "/watch/", "/ws/"}

// IsStreaming reports whether path serves a long-lived response
func IsStreaming(path string) bool {
	for _, prefix := range streamingPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// goaLogger adapts zerolog to goa's middleware.Logger
type goaLogger struct {
	logger zerolog.Logger
}

// NewGoaLogger returns a goa logger writing key/value pairs as zerolog fields
func NewGoaLogger(logger zerolog.Logger) middleware.Logger {
	return &goaLogger{logger: logger}
}

func (l *goaLogger) Log(keyvals ...any) error {
	event := l.logger.Info()
	for i := 0; i < len(keyvals); i += 2 {
		key := fmt.Sprint(keyvals[i])
		if i+1 < len(keyvals) {
			event = event.Interface(key, keyvals[i+1])
		} else {
			event = event.Interface(key, nil)
		}
	}
	event.Send()
	return nil
}
