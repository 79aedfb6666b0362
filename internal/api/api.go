// Package api exposes the scenario classifier over HTTP.
//
// Routes:
//
//	POST /api/detect-image/   multipart upload, field "image"
//	GET  /api/labels/         the label catalog and model identifier
//
// Every detect reply is a JSON object carrying either "scenario" or "error",
// never both.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/MrWong99/civicsight/internal/detect"
	"github.com/MrWong99/civicsight/internal/observe"
)

// formField is the multipart field carrying the uploaded image.
const formField = "image"

// DefaultMaxUploadBytes caps the request body size when Config leaves it
// zero.
const DefaultMaxUploadBytes = 32 << 20

// maxFormMemory is the part of a multipart body kept in memory; the rest
// spills to temporary files.
const maxFormMemory = 10 << 20

// User-facing messages for request-shape errors.
const (
	msgNoImage    = "No image provided"
	msgNoFile     = "No selected file"
	msgTooLarge   = "Image exceeds the upload limit of %d bytes"
	msgInternal   = "Internal error while classifying image"
	msgUnreadable = "Could not read uploaded image"
)

var errNoSelectedFile = errors.New("api: image field has no filename")

// Classifier is the subset of [detect.Classifier] used by the handlers.
type Classifier interface {
	Classify(ctx context.Context, data []byte) (detect.Result, error)
	Labels() []string
	ModelID() string
}

// Config tunes request handling.
type Config struct {
	// MaxUploadBytes limits the request body. Default: [DefaultMaxUploadBytes].
	MaxUploadBytes int64

	// DecodeFailureStatus is the status code for payloads that are not a
	// decodable image. Default: 500.
	DecodeFailureStatus int

	// IncludeScores adds the full probability distribution to successful
	// responses.
	IncludeScores bool
}

// Handler serves the detection API.
type Handler struct {
	classifier Classifier
	cfg        Config
	metrics    *observe.Metrics
}

// New creates a Handler. A nil m selects [observe.DefaultMetrics].
func New(c Classifier, cfg Config, m *observe.Metrics) *Handler {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if cfg.DecodeFailureStatus == 0 {
		cfg.DecodeFailureStatus = http.StatusInternalServerError
	}
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Handler{classifier: c, cfg: cfg, metrics: m}
}

// Register adds the API routes to mux. Both the slash-terminated and bare
// paths are served.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/detect-image/{$}", h.DetectImage)
	mux.HandleFunc("POST /api/detect-image", h.DetectImage)
	mux.HandleFunc("GET /api/labels/{$}", h.Labels)
	mux.HandleFunc("GET /api/labels", h.Labels)
}

// DetectImage classifies the uploaded image and replies with the winning
// scenario label.
func (h *Handler) DetectImage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	h.metrics.InflightRequests.Add(ctx, 1)
	defer h.metrics.InflightRequests.Add(ctx, -1)

	log := observe.Logger(ctx)

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadBytes)
	data, err := readUpload(r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeResult(w, http.StatusRequestEntityTooLarge, failure(fmt.Sprintf(msgTooLarge, tooLarge.Limit)))
		case errors.Is(err, errNoSelectedFile):
			writeResult(w, http.StatusBadRequest, failure(msgNoFile))
		case errors.Is(err, detect.ErrMissingInput):
			writeResult(w, http.StatusBadRequest, failure(msgNoImage))
		default:
			log.Warn("api: read upload", "err", err)
			writeResult(w, http.StatusBadRequest, failure(msgUnreadable))
		}
		return
	}

	ctx = observe.WithLogAttrs(ctx, slog.Int("upload_bytes", len(data)))
	log = observe.Logger(ctx)

	res, err := h.classifier.Classify(ctx, data)
	switch {
	case err == nil:
	case errors.Is(err, detect.ErrDecode):
		log.Info("api: undecodable upload", "err", err)
		writeResult(w, h.cfg.DecodeFailureStatus, failure(err.Error()))
		return
	case errors.Is(err, detect.ErrModel):
		log.Error("api: classification failed", "err", err)
		writeResult(w, http.StatusInternalServerError, failure(err.Error()))
		return
	default:
		log.Error("api: classification failed", "err", err)
		writeResult(w, http.StatusInternalServerError, failure(msgInternal))
		return
	}

	var labels []string
	if h.cfg.IncludeScores {
		labels = h.classifier.Labels()
	}
	writeResult(w, http.StatusOK, success(res, labels))
}

// Labels lists the catalog in scoring order.
func (h *Handler) Labels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, labelsResponse{
		Labels: h.classifier.Labels(),
		Model:  h.classifier.ModelID(),
	})
}

// readUpload returns the bytes of the "image" multipart field. Requests that
// are not multipart or lack the field yield [detect.ErrMissingInput]; a field
// sent without a filename yields errNoSelectedFile.
func readUpload(r *http.Request) ([]byte, error) {
	if err := r.ParseMultipartForm(maxFormMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", detect.ErrMissingInput, err)
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	f, fh, err := r.FormFile(formField)
	if errors.Is(err, http.ErrMissingFile) {
		// A part with an empty filename is parsed as a plain form value.
		if _, ok := r.MultipartForm.Value[formField]; ok {
			return nil, errNoSelectedFile
		}
		return nil, detect.ErrMissingInput
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	if fh.Filename == "" {
		return nil, errNoSelectedFile
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("api: read %s: %w", formField, err)
	}
	return data, nil
}
