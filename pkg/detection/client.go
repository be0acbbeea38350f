// Package detection talks to the external OMR detection service.
package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Dtcsrni/omr-review/internal/models"
)

var (
	analysisDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "omr",
		Subsystem: "detection",
		Name:      "request_duration_seconds",
		Help:      "Duration of detection service requests",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"outcome"})

	analysisStatuses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "omr",
		Subsystem: "detection",
		Name:      "results_total",
		Help:      "Normalized detection results by analysis status",
	}, []string{"status"})
)

// rawSchema checks the wire types before decoding so malformed payloads surface as
// service failures instead of silently zeroed fields.
const rawSchema = `{
  "type": "object",
  "properties": {
    "estadoAnalisis": {"type": ["string", "null"]},
    "calidadPagina": {"type": ["number", "null"]},
    "confianzaPromedio": {"type": ["number", "null"]},
    "ratioAmbiguas": {"type": ["number", "null"]},
    "templateVersion": {"type": ["integer", "null"]},
    "numeroPagina": {"type": ["integer", "null"]},
    "qrTexto": {"type": ["string", "null"]},
    "motivosRevision": {"type": ["array", "null"], "items": {"type": "string"}},
    "respuestasDetectadas": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "properties": {
          "numeroPregunta": {"type": ["integer", "null"]},
          "opcion": {"type": ["string", "null"]},
          "confianza": {"type": ["number", "null"]}
        }
      }
    }
  }
}`

var compiledSchema = jsonschema.MustCompileString("https://schemas.omr-review.local/detection-result.json", rawSchema)

// ErrServiceUnavailable is wrapped by failures caused by transport or 5xx responses.
var ErrServiceUnavailable = errors.New("detection service unavailable")

// AnalysisServiceFailure describes a failed analyze call. Resubmitting the identical
// page is always safe when Retryable is set.
type AnalysisServiceFailure struct {
	Folio      string
	PageNumber int
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *AnalysisServiceFailure) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("analysis of folio %q page %d failed with status %d: %v", e.Folio, e.PageNumber, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("analysis of folio %q page %d failed: %v", e.Folio, e.PageNumber, e.Err)
}

func (e *AnalysisServiceFailure) Unwrap() error {
	return e.Err
}

// Cancelled reports whether the failure was caused by the caller giving up.
func (e *AnalysisServiceFailure) Cancelled() bool {
	return errors.Is(e.Err, context.Canceled) || errors.Is(e.Err, context.DeadlineExceeded)
}

// Config configures the HTTP client.
type Config struct {
	BaseURL                string
	Timeout                time.Duration
	DefaultTemplateVersion int
	HTTPClient             *http.Client
	Logger                 zerolog.Logger
}

// Client calls the detection service over HTTP.
type Client struct {
	baseURL    string
	http       *http.Client
	normalizer Normalizer
	tracer     trace.Tracer
	logger     zerolog.Logger
}

// NewClient builds a detection client.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("detection service url is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:    base,
		http:       httpClient,
		normalizer: NewNormalizer(cfg.DefaultTemplateVersion),
		tracer:     otel.Tracer("github.com/Dtcsrni/omr-review/pkg/detection"),
		logger:     cfg.Logger.With().Str("component", "detection_client").Logger(),
	}, nil
}

// Analyze submits one page image. pageNumber 0 asks the service to infer the page
// from the QR printed on the sheet.
func (c *Client) Analyze(ctx context.Context, folio string, pageNumber int, image []byte) (models.PageAnalysisResult, error) {
	ctx, span := c.tracer.Start(ctx, "detection.analyze", trace.WithAttributes(
		attribute.String("detection.folio", folio),
		attribute.Int("detection.page", pageNumber),
		attribute.Int("detection.image_bytes", len(image)),
	))
	defer span.End()

	start := time.Now()
	raw, err := c.call(ctx, folio, pageNumber, image)
	if err != nil {
		outcome := "error"
		var failure *AnalysisServiceFailure
		if errors.As(err, &failure) && failure.Cancelled() {
			outcome = "cancelled"
		}
		analysisDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		c.logger.Warn().Err(err).Str("folio", folio).Int("page", pageNumber).Msg("detection request failed")
		return models.PageAnalysisResult{}, err
	}
	analysisDuration.WithLabelValues("ok").Observe(time.Since(start).Seconds())

	result := c.normalizer.Normalize(raw, pageNumber)
	analysisStatuses.WithLabelValues(string(result.EstadoAnalisis)).Inc()
	span.SetAttributes(
		attribute.String("detection.status", string(result.EstadoAnalisis)),
		attribute.Int("detection.answers", len(result.DetectedAnswers)),
	)

	return result, nil
}

func (c *Client) call(ctx context.Context, folio string, pageNumber int, image []byte) (RawResult, error) {
	fail := func(status int, retryable bool, err error) (RawResult, error) {
		return RawResult{}, &AnalysisServiceFailure{
			Folio:      folio,
			PageNumber: pageNumber,
			StatusCode: status,
			Retryable:  retryable,
			Err:        err,
		}
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if err := writer.WriteField("folio", folio); err != nil {
		return fail(0, false, err)
	}
	if err := writer.WriteField("numeroPagina", strconv.Itoa(pageNumber)); err != nil {
		return fail(0, false, err)
	}
	part, err := writer.CreateFormFile("imagen", "pagina.jpg")
	if err != nil {
		return fail(0, false, err)
	}
	if _, err := part.Write(image); err != nil {
		return fail(0, false, err)
	}
	if err := writer.Close(); err != nil {
		return fail(0, false, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/analyze", body)
	if err != nil {
		return fail(0, false, err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fail(0, true, ctx.Err())
		}
		return fail(0, true, fmt.Errorf("%v: %w", err, ErrServiceUnavailable))
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fail(resp.StatusCode, true, err)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return fail(resp.StatusCode, true, fmt.Errorf("%s: %w", strings.TrimSpace(string(payload)), ErrServiceUnavailable))
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return fail(resp.StatusCode, resp.StatusCode == http.StatusTooManyRequests, fmt.Errorf("service rejected request: %s", strings.TrimSpace(string(payload))))
	}

	raw, err := decodeRaw(payload)
	if err != nil {
		return fail(resp.StatusCode, true, err)
	}
	return raw, nil
}

func decodeRaw(payload []byte) (RawResult, error) {
	var generic interface{}
	if err := json.Unmarshal(payload, &generic); err != nil {
		return RawResult{}, fmt.Errorf("invalid json response: %w", err)
	}
	if err := compiledSchema.Validate(generic); err != nil {
		return RawResult{}, fmt.Errorf("unexpected response shape: %w", err)
	}

	var raw RawResult
	if err := json.Unmarshal(payload, &raw); err != nil {
		return RawResult{}, fmt.Errorf("decode response: %w", err)
	}
	return raw, nil
}
