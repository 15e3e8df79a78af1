package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/AilvenLiu/cad-recognition/internal/composer"
	"github.com/AilvenLiu/cad-recognition/internal/domain"
	"github.com/AilvenLiu/cad-recognition/internal/emitter"
	"github.com/AilvenLiu/cad-recognition/internal/middleware"
	"github.com/AilvenLiu/cad-recognition/internal/sinks"
	"github.com/AilvenLiu/cad-recognition/internal/usecases"
)

// close frame payloads are limited to 125 bytes, two of them hold the code
const maxCloseReason = 123

// composeRequest is the body of POST /reports
type composeRequest struct {
	Template string               `json:"template" validate:"omitempty,max=64"`
	Results  []domain.StageResult `json:"results" validate:"required,min=1"`
}

// templateInfo describes one registered template
type templateInfo struct {
	Name  string `json:"name"`
	Title string `json:"title"`
	Arity int    `json:"arity"` // 0 accepts any number of sources
}

// ReportHandler streams composed reports over HTTP and WebSocket
type ReportHandler struct {
	responder
	usecase      *usecases.ReportUsecase
	validate     *validator.Validate
	upgrader     websocket.Upgrader
	writeTimeout time.Duration
}

// NewReportHandler creates a new report handler. writeTimeout bounds every
// websocket frame write.
func NewReportHandler(usecase *usecases.ReportUsecase, logger *zap.Logger, writeTimeout time.Duration) *ReportHandler {
	return &ReportHandler{
		responder: responder{logger: logger},
		usecase:   usecase,
		validate:  validator.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: emitter.DefaultMaxChunkSize + 512,
		},
		writeTimeout: writeTimeout,
	}
}

// StreamReport handles GET /jobs/{id}/report
func (h *ReportHandler) StreamReport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	id := chi.URLParam(r, "id")
	if id == "" {
		h.respondError(w, http.StatusBadRequest, "id parameter is required", requestID)
		return
	}

	opts, err := parseStreamOptions(r)
	if err != nil {
		h.respondErr(w, err, requestID)
		return
	}

	sink, err := sinks.NewHTTPSink(w, composer.ContentType)
	if err != nil {
		h.respondErr(w, err, requestID)
		return
	}

	report, err := h.usecase.StreamReport(ctx, id, r.URL.Query().Get("template"), sink, opts)
	h.finishHTTP(w, sink, report, err, requestID)
}

// ComposeReport handles POST /reports: compose the posted results and stream them back
func (h *ReportHandler) ComposeReport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	var req composeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("failed to decode request body",
			zap.String("request_id", requestID),
			zap.Error(err),
		)
		h.respondError(w, http.StatusBadRequest, "invalid request body", requestID)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.respondErr(w, validationError(err), requestID)
		return
	}

	opts, err := parseStreamOptions(r)
	if err != nil {
		h.respondErr(w, err, requestID)
		return
	}

	sink, err := sinks.NewHTTPSink(w, composer.ContentType)
	if err != nil {
		h.respondErr(w, err, requestID)
		return
	}

	report, err := h.usecase.StreamResults(ctx, req.Results, req.Template, sink, opts)
	h.finishHTTP(w, sink, report, err, requestID)
}

// finishHTTP answers errors raised before the first chunk. Once the body has
// started the status is fixed and a failure can only cut the response short.
func (h *ReportHandler) finishHTTP(w http.ResponseWriter, sink *sinks.HTTPSink, report emitter.Report, err error, requestID string) {
	if err == nil {
		return
	}
	if !sink.Started() {
		h.respondErr(w, err, requestID)
		return
	}
	if !errors.Is(err, domain.ErrCancelled) {
		h.logger.Warn("stream ended early",
			zap.String("request_id", requestID),
			zap.String("stream_id", report.StreamID),
			zap.Int("last_index", report.LastIndex),
			zap.Error(err),
		)
	}
}

// StreamReportWS handles GET /jobs/{id}/report/ws
func (h *ReportHandler) StreamReportWS(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())

	id := chi.URLParam(r, "id")
	if id == "" {
		h.respondError(w, http.StatusBadRequest, "id parameter is required", requestID)
		return
	}

	// bad parameters are still answered over plain HTTP
	opts, err := parseStreamOptions(r)
	if err == nil {
		err = h.usecase.CheckStreamOptions(opts)
	}
	if err != nil {
		h.respondErr(w, err, requestID)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error
		h.logger.Warn("websocket upgrade failed",
			zap.String("request_id", requestID),
			zap.Error(err),
		)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sink := sinks.NewWebSocketSink(conn, h.writeTimeout)
	sink.WatchPeer(cancel)

	report, err := h.usecase.StreamReport(ctx, id, r.URL.Query().Get("template"), sink, opts)
	if err == nil || errors.Is(err, domain.ErrCancelled) {
		return
	}

	code, reason := closeFor(err)
	if closeErr := sink.Close(code, reason); closeErr != nil {
		h.logger.Debug("failed to send close frame",
			zap.String("request_id", requestID),
			zap.String("stream_id", report.StreamID),
			zap.Error(closeErr),
		)
	}
}

// closeFor maps a stream error to a websocket close code
func closeFor(err error) (int, string) {
	status, message := statusFor(err)

	code := websocket.CloseInternalServerErr
	switch {
	case status == http.StatusServiceUnavailable:
		code = websocket.CloseTryAgainLater
	case status >= 400 && status < 500:
		code = websocket.ClosePolicyViolation
	}

	if len(message) > maxCloseReason {
		message = message[:maxCloseReason]
	}
	return code, message
}

// ListTemplates handles GET /templates
func (h *ReportHandler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())
	registry := h.usecase.Templates()

	names := registry.Names()
	items := make([]templateInfo, 0, len(names))
	for _, name := range names {
		tmpl, err := registry.Lookup(name)
		if err != nil {
			continue
		}
		items = append(items, templateInfo{Name: tmpl.Name, Title: tmpl.Title, Arity: tmpl.Arity})
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{"data": items}, requestID)
}
