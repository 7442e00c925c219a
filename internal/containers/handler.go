package containers

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gan-shmuel/gan-shmuel/internal/platform/httpx"
)

const maxImportBytes = 8 << 20

// Handler wires HTTP endpoints for the container registry.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs Handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers container routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/unknown", h.handleUnknown)
	r.Post("/batch-weight", h.handleImport)
}

func (h *Handler) handleUnknown(w http.ResponseWriter, r *http.Request) {
	ids, err := h.service.Unknown(r.Context())
	if err != nil {
		h.logger.Error("list unknown containers", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	httpx.JSON(w, http.StatusOK, ids)
}

func (h *Handler) handleImport(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxImportBytes)
	if err := r.ParseMultipartForm(maxImportBytes); err != nil {
		httpx.RespondError(w, httpx.Mark(httpx.ErrValidation, fmt.Errorf("parse upload: %w", err)))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		httpx.RespondError(w, httpx.Mark(httpx.ErrValidation, fmt.Errorf("file field required: %w", err)))
		return
	}
	defer file.Close()

	format, err := FormatFromFilename(header.Filename)
	if err != nil {
		httpx.RespondError(w, httpx.Mark(httpx.ErrValidation, err))
		return
	}
	report, err := h.service.Import(r.Context(), file, format)
	if err != nil {
		if errors.Is(err, ErrMalformedFile) || errors.Is(err, ErrUnsupportedFormat) {
			httpx.RespondError(w, httpx.Mark(httpx.ErrValidation, err))
			return
		}
		h.logger.Error("import containers", slog.String("file", header.Filename), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	if report.Skipped == nil {
		report.Skipped = []string{}
	}
	httpx.JSON(w, http.StatusOK, report)
}
