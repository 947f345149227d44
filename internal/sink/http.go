package sink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/yok-tottii/EzS2T-Segmenter/internal/logger"
	"github.com/yok-tottii/EzS2T-Segmenter/internal/segment"
)

// HTTPConfig configures the upload sink
type HTTPConfig struct {
	URL        string
	Timeout    time.Duration
	FieldName  string
	MaxRetries int
	Headers    map[string]string
}

// HTTP uploads each clip as a multipart form to a transcription endpoint
type HTTP struct {
	config     HTTPConfig
	httpClient *http.Client
	log        *logger.Logger
	backoff    func(attempt int) time.Duration
}

// statusError is a non-2xx response
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP error %d: %s", e.code, e.body)
}

// NewHTTP creates an upload sink
func NewHTTP(config HTTPConfig, log *logger.Logger) (*HTTP, error) {
	if config.URL == "" {
		return nil, errors.New("sink: upload URL cannot be empty")
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.FieldName == "" {
		config.FieldName = "file"
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if log == nil {
		log = logger.NewNop()
	}

	return &HTTP{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		log:        log,
		backoff: func(attempt int) time.Duration {
			d := time.Duration(1<<(attempt-1)) * time.Second
			if d > 30*time.Second {
				d = 30 * time.Second
			}
			return d
		},
	}, nil
}

// Name returns "http"
func (*HTTP) Name() string { return "http" }

// Consume uploads seg, retrying server errors and transport failures
func (h *HTTP) Consume(ctx context.Context, seg segment.Segment) error {
	var lastErr error
	for attempt := 0; attempt <= h.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(h.backoff(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
			h.log.Debug("Retrying upload of segment %d (attempt %d)", seg.Index, attempt+1)
		}

		err := h.upload(ctx, seg)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable(err) {
			break
		}
	}
	return fmt.Errorf("sink: upload segment %d: %w", seg.Index, lastErr)
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500 || se.code == http.StatusTooManyRequests
	}
	return true
}

func (h *HTTP) upload(ctx context.Context, seg segment.Segment) error {
	body, contentType, err := h.form(seg)
	if err != nil {
		return fmt.Errorf("failed to create multipart request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.config.URL, body)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	for k, v := range h.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{code: resp.StatusCode, body: string(respBody)}
	}

	h.log.Debug("Uploaded segment %d (%d bytes): %s", seg.Index, len(seg.Clip), bytes.TrimSpace(respBody))
	return nil
}

func (h *HTTP) form(seg segment.Segment) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fw, err := w.CreateFormFile(h.config.FieldName, seg.ID.String()+".wav")
	if err != nil {
		return nil, "", err
	}
	if _, err := fw.Write(seg.Clip); err != nil {
		return nil, "", err
	}

	fields := map[string]string{
		"segment_id": seg.ID.String(),
		"index":      strconv.Itoa(seg.Index),
		"reason":     string(seg.Reason),
		"start":      strconv.FormatFloat(seg.Start.Seconds(), 'f', 3, 64),
		"duration":   strconv.FormatFloat(seg.Duration.Seconds(), 'f', 3, 64),
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}
