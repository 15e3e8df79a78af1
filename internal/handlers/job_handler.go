package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/AilvenLiu/cad-recognition/internal/domain"
	"github.com/AilvenLiu/cad-recognition/internal/middleware"
	"github.com/AilvenLiu/cad-recognition/internal/usecases"
)

const (
	defaultPage    = 1
	defaultPerPage = 20
	maxPerPage     = 100
)

// submitJobRequest is the body of POST /jobs
type submitJobRequest struct {
	ID       string               `json:"id" validate:"omitempty,max=64,printascii"`
	Title    string               `json:"title" validate:"max=256"`
	Template string               `json:"template" validate:"omitempty,max=64"`
	Results  []domain.StageResult `json:"results" validate:"required,min=1"`
}

// JobHandler handles HTTP requests for analysis jobs
type JobHandler struct {
	responder
	usecase  *usecases.ReportUsecase
	validate *validator.Validate
}

// NewJobHandler creates a new job handler
func NewJobHandler(usecase *usecases.ReportUsecase, logger *zap.Logger) *JobHandler {
	return &JobHandler{
		responder: responder{logger: logger},
		usecase:   usecase,
		validate:  validator.New(),
	}
}

// CreateJob handles POST /jobs
func (h *JobHandler) CreateJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	var req submitJobRequest
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

	job := &domain.AnalysisJob{
		ID:       req.ID,
		Title:    req.Title,
		Template: req.Template,
		Results:  req.Results,
	}
	if err := h.usecase.SubmitJob(ctx, job); err != nil {
		h.logger.Warn("failed to submit job",
			zap.String("request_id", requestID),
			zap.Error(err),
		)
		h.respondErr(w, err, requestID)
		return
	}

	h.respondJSON(w, http.StatusCreated, domain.JobSummary{
		ID:        job.ID,
		Title:     job.Title,
		Template:  job.Template,
		Sources:   len(job.Results),
		CreatedAt: job.CreatedAt,
	}, requestID)
}

// GetJob handles GET /jobs/{id}
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	id := chi.URLParam(r, "id")
	if id == "" {
		h.respondError(w, http.StatusBadRequest, "id parameter is required", requestID)
		return
	}

	job, err := h.usecase.GetJob(ctx, id)
	if err != nil {
		h.respondErr(w, err, requestID)
		return
	}

	h.respondJSON(w, http.StatusOK, job, requestID)
}

// DeleteJob handles DELETE /jobs/{id}
func (h *JobHandler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	id := chi.URLParam(r, "id")
	if id == "" {
		h.respondError(w, http.StatusBadRequest, "id parameter is required", requestID)
		return
	}

	if err := h.usecase.DeleteJob(ctx, id); err != nil {
		h.respondErr(w, err, requestID)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]string{"message": "job deleted"}, requestID)
}

// ListJobs handles GET /jobs with pagination
func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	page, perPage, err := parsePaginationParams(r)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error(), requestID)
		return
	}

	result, err := h.usecase.ListJobs(ctx, domain.PaginationParams{
		Limit:  perPage,
		Offset: (page - 1) * perPage,
	})
	if err != nil {
		h.respondErr(w, err, requestID)
		return
	}

	items := result.Items
	if items == nil {
		items = []domain.JobSummary{}
	}

	response := map[string]interface{}{
		"data": items,
		"pagination": map[string]interface{}{
			"page":        page,
			"per_page":    perPage,
			"total":       result.Total,
			"total_pages": (result.Total + perPage - 1) / perPage,
			"has_more":    result.HasMore,
		},
	}

	h.respondJSON(w, http.StatusOK, response, requestID)
}

// parsePaginationParams parses and validates pagination parameters
func parsePaginationParams(r *http.Request) (page, perPage int, err error) {
	pageStr := r.URL.Query().Get("page")
	if pageStr == "" {
		page = defaultPage
	} else {
		page, err = strconv.Atoi(pageStr)
		if err != nil || page < 1 {
			return 0, 0, fmt.Errorf("invalid page parameter: must be a positive integer")
		}
	}

	perPageStr := r.URL.Query().Get("per_page")
	if perPageStr == "" {
		perPage = defaultPerPage
	} else {
		perPage, err = strconv.Atoi(perPageStr)
		if err != nil || perPage < 1 {
			return 0, 0, fmt.Errorf("invalid per_page parameter: must be a positive integer")
		}
		if perPage > maxPerPage {
			perPage = maxPerPage
		}
	}

	return page, perPage, nil
}
