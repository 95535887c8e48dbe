package logging

import (
	"net/http"
)

// LoggingWriter wraps a response writer and records the status code and
// the number of bytes written, for the access log.
type LoggingWriter struct {
	writer http.ResponseWriter
	code   int
	bytes  int64
}

func NewLoggingWriter(w http.ResponseWriter) *LoggingWriter {
	return &LoggingWriter{writer: w}
}

func (lw *LoggingWriter) Write(data []byte) (count int, err error) {
	count, err = lw.writer.Write(data)
	lw.bytes += int64(count)
	return
}

func (lw *LoggingWriter) WriteHeader(code int) {
	lw.writer.WriteHeader(code)
	if code == 0 {
		code = http.StatusOK
	}
	lw.code = code
}

func (lw *LoggingWriter) Header() http.Header {
	return lw.writer.Header()
}

func (lw *LoggingWriter) Flush() {
	if f, ok := lw.writer.(http.Flusher); ok {
		f.Flush()
	}
}

// GetCode returns the written status code, defaulting to 200 when the
// handler never called WriteHeader explicitly.
func (lw *LoggingWriter) GetCode() int {
	if lw.code == 0 {
		return http.StatusOK
	}
	return lw.code
}

func (lw *LoggingWriter) GetBytes() int64 {
	return lw.bytes
}
