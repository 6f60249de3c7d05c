package registry

import (
	"io"
	"net/http"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// jsonLogEntry represents a log entry in JSON format.
type jsonLogEntry struct {
	Timestamp time.Time     `json:"timestamp"`
	Remote    string        `json:"remote"`
	Method    string        `json:"method"`
	Path      string        `json:"path"`
	Status    int           `json:"status"`
	Size      int64         `json:"size"`
	Duration  time.Duration `json:"duration_ns"`
	Referer   string        `json:"referer,omitempty"`
	UserAgent string        `json:"user_agent,omitempty"`
	RequestID string        `json:"request_id,omitempty"`
}

type responseLogger struct {
	http.ResponseWriter
	status int
	size   int64
}

func (l *responseLogger) WriteHeader(status int) {
	if l.status == 0 {
		l.status = status
	}
	l.ResponseWriter.WriteHeader(status)
}

func (l *responseLogger) Write(p []byte) (int, error) {
	if l.status == 0 {
		l.status = http.StatusOK
	}
	size, err := l.ResponseWriter.Write(p)
	l.size += int64(size)
	return size, err
}

func (l *responseLogger) Flush() {
	if f, ok := l.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (l *responseLogger) Unwrap() http.ResponseWriter {
	return l.ResponseWriter
}

func (l *responseLogger) Status() int {
	if l.status == 0 {
		return http.StatusOK
	}
	return l.status
}

// JSONLoggingHandler returns a http.Handler that wraps h and logs requests in JSON
// format similar to Combined Log Format.
func JSONLoggingHandler(out io.Writer, h http.Handler) http.Handler {
	var mu sync.Mutex
	enc := json.NewEncoder(out)
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		// the path may be rewritten by the handler
		path := req.URL.Path

		logger := &responseLogger{ResponseWriter: w}
		h.ServeHTTP(logger, req)

		mu.Lock()
		defer mu.Unlock()
		_ = enc.Encode(&jsonLogEntry{
			Timestamp: start.UTC(),
			Remote:    req.RemoteAddr,
			Method:    req.Method,
			Path:      path,
			Status:    logger.Status(),
			Size:      logger.size,
			Duration:  time.Since(start),
			Referer:   req.Referer(),
			UserAgent: req.UserAgent(),
			RequestID: w.Header().Get("Docker-Request-Id"),
		})
	})
}
