package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/gan-shmuel/gan-shmuel/internal/platform/httpx"
	"github.com/gan-shmuel/gan-shmuel/internal/shared"
)

const (
	maxRateSheetBytes = 8 << 20
	xlsxContentType   = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// RateImportQueue defers rate sheet imports to the background worker.
type RateImportQueue interface {
	EnqueueRateImport(ctx context.Context, file string) (string, error)
}

// HandlerConfig groups optional handler dependencies.
type HandlerConfig struct {
	RatesDir string
	Queue    RateImportQueue
	Location *time.Location
}

// Handler wires HTTP endpoints for billing.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
	ratesDir  string
	queue     RateImportQueue
	location  *time.Location
}

// NewHandler constructs Handler.
func NewHandler(logger *slog.Logger, service *Service, cfg HandlerConfig) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	return &Handler{
		logger:    logger,
		service:   service,
		validator: validator.New(),
		ratesDir:  cfg.RatesDir,
		queue:     cfg.Queue,
		location:  loc,
	}
}

// MountRoutes registers billing routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/provider", func(r chi.Router) {
		r.Get("/", h.handleListProviders)
		r.Post("/", h.handleCreateProvider)
		r.Get("/{id}", h.handleGetProvider)
		r.Put("/{id}", h.handleUpdateProvider)
	})
	r.Route("/truck", func(r chi.Router) {
		r.Post("/", h.handleRegisterTruck)
		r.Get("/{id}", h.handleTruckInfo)
		r.Put("/{id}", h.handleUpdateTruck)
	})
	r.Get("/rates", h.handleListRates)
	r.Post("/rates", h.handleUploadRates)
	r.Get("/bill/{id}", h.handleBill)
}

type providerRequest struct {
	Name string `json:"name" validate:"required,max=255"`
}

// flexID accepts an id sent either as a JSON number or a numeric string.
type flexID int64

func (f *flexID) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(strings.TrimSpace(string(data)), `"`)
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return errors.New("provider must be an integer id")
	}
	*f = flexID(n)
	return nil
}

type truckRequest struct {
	ID       string  `json:"id" validate:"omitempty,max=10"`
	Provider *flexID `json:"provider" validate:"required"`
}

type rateUploadRequest struct {
	File  string `json:"file" validate:"required"`
	Async bool   `json:"async"`
}

func (h *Handler) handleListProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := h.service.ListProviders(r.Context())
	if err != nil {
		h.respondError(w, "list providers", err)
		return
	}
	if providers == nil {
		providers = []Provider{}
	}
	httpx.JSON(w, http.StatusOK, providers)
}

func (h *Handler) handleCreateProvider(w http.ResponseWriter, r *http.Request) {
	var req providerRequest
	if !h.decode(w, r, &req) {
		return
	}
	p, err := h.service.CreateProvider(r.Context(), req.Name)
	if err != nil {
		h.respondError(w, "create provider", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]string{"id": formatID(p.ID)})
}

func (h *Handler) handleGetProvider(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	p, err := h.service.GetProvider(r.Context(), id)
	if err != nil {
		h.respondError(w, "get provider", err)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}

func (h *Handler) handleUpdateProvider(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req providerRequest
	if !h.decode(w, r, &req) {
		return
	}
	p, err := h.service.UpdateProvider(r.Context(), id, req.Name)
	if err != nil {
		h.respondError(w, "update provider", err)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}

func (h *Handler) handleRegisterTruck(w http.ResponseWriter, r *http.Request) {
	var req truckRequest
	if !h.decode(w, r, &req) {
		return
	}
	t, err := h.service.RegisterTruck(r.Context(), Truck{ID: req.ID, ProviderID: int64(*req.Provider)})
	if err != nil {
		h.respondError(w, "register truck", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, t)
}

func (h *Handler) handleUpdateTruck(w http.ResponseWriter, r *http.Request) {
	var req truckRequest
	if !h.decode(w, r, &req) {
		return
	}
	t, err := h.service.UpdateTruck(r.Context(), Truck{ID: chi.URLParam(r, "id"), ProviderID: int64(*req.Provider)})
	if err != nil {
		h.respondError(w, "update truck", err)
		return
	}
	httpx.JSON(w, http.StatusOK, t)
}

func (h *Handler) handleTruckInfo(w http.ResponseWriter, r *http.Request) {
	rng, ok := h.parseRange(w, r)
	if !ok {
		return
	}
	history, err := h.service.TruckInfo(r.Context(), chi.URLParam(r, "id"), rng)
	if err != nil {
		h.respondError(w, "truck info", err)
		return
	}
	httpx.JSON(w, http.StatusOK, history)
}

func (h *Handler) handleBill(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	rng, ok := h.parseRange(w, r)
	if !ok {
		return
	}
	bill, err := h.service.CalculateBill(r.Context(), id, rng)
	if err != nil {
		h.respondError(w, "calculate bill", err)
		return
	}
	httpx.JSON(w, http.StatusOK, bill)
}

func (h *Handler) handleListRates(w http.ResponseWriter, r *http.Request) {
	rates, err := h.service.Rates(r.Context())
	if err != nil {
		h.respondError(w, "list rates", err)
		return
	}
	if r.URL.Query().Get("format") != "xlsx" {
		if rates == nil {
			rates = []Rate{}
		}
		httpx.JSON(w, http.StatusOK, rates)
		return
	}
	var buf bytes.Buffer
	if err := WriteRateSheet(&buf, rates); err != nil {
		h.respondError(w, "render rates", err)
		return
	}
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="rates.xlsx"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// handleUploadRates accepts either a multipart "file" upload or a JSON body naming a sheet
// in the rates directory; the latter may be deferred to the worker with "async".
func (h *Handler) handleUploadRates(w http.ResponseWriter, r *http.Request) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		h.uploadRateSheet(w, r)
		return
	}
	var req rateUploadRequest
	if !h.decode(w, r, &req) {
		return
	}
	name := filepath.Base(strings.TrimSpace(req.File))
	if req.Async {
		if h.queue == nil {
			httpx.RespondError(w, httpx.Mark(httpx.ErrValidation, errors.New("background import unavailable")))
			return
		}
		taskID, err := h.queue.EnqueueRateImport(r.Context(), name)
		if err != nil {
			h.respondError(w, "enqueue rate import", err)
			return
		}
		httpx.JSON(w, http.StatusAccepted, map[string]string{"status": "queued", "task": taskID})
		return
	}
	count, err := ImportRateFile(r.Context(), h.service, h.ratesDir, name)
	if err != nil {
		h.respondError(w, "import rates", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"status": "ok", "count": count})
}

func (h *Handler) uploadRateSheet(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRateSheetBytes)
	if err := r.ParseMultipartForm(maxRateSheetBytes); err != nil {
		httpx.RespondError(w, httpx.Mark(httpx.ErrValidation, fmt.Errorf("parse upload: %w", err)))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		httpx.RespondError(w, httpx.Mark(httpx.ErrValidation, fmt.Errorf("file field required: %w", err)))
		return
	}
	defer file.Close()
	if !strings.HasSuffix(strings.ToLower(header.Filename), ".xlsx") {
		httpx.RespondError(w, httpx.Mark(httpx.ErrValidation, errors.New("rate sheet must be an .xlsx file")))
		return
	}
	count, err := h.service.ImportRateSheet(r.Context(), file)
	if err != nil {
		h.respondError(w, "import rates", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"status": "ok", "count": count})
}

// ImportRateFile loads a rate sheet stored in dir.
func ImportRateFile(ctx context.Context, svc *Service, dir, name string) (int, error) {
	name = filepath.Base(name)
	if name == "." || name == string(filepath.Separator) {
		return 0, ErrRateFileNotFound
	}
	f, err := os.Open(filepath.Join(dir, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("%w: %s", ErrRateFileNotFound, name)
		}
		return 0, err
	}
	defer f.Close()
	return svc.ImportRateSheet(ctx, f)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		httpx.RespondError(w, httpx.Mark(httpx.ErrValidation, fmt.Errorf("decode body: %w", err)))
		return false
	}
	if err := h.validator.Struct(dst); err != nil {
		httpx.RespondError(w, httpx.Mark(httpx.ErrValidation, err))
		return false
	}
	return true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.RespondError(w, httpx.Mark(httpx.ErrNotFound, ErrProviderNotFound))
		return 0, false
	}
	return id, true
}

func (h *Handler) parseRange(w http.ResponseWriter, r *http.Request) (Range, bool) {
	def := h.service.DefaultRange()
	q := r.URL.Query()
	from, err := shared.ParseTimestamp(q.Get("from"), h.location, def.From.In(h.location))
	if err != nil {
		httpx.RespondError(w, httpx.Mark(httpx.ErrValidation, fmt.Errorf("from: %w", err)))
		return Range{}, false
	}
	to, err := shared.ParseTimestamp(q.Get("to"), h.location, def.To.In(h.location))
	if err != nil {
		httpx.RespondError(w, httpx.Mark(httpx.ErrValidation, fmt.Errorf("to: %w", err)))
		return Range{}, false
	}
	return Range{From: from, To: to}, true
}

func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrProviderNotFound), errors.Is(err, ErrTruckNotFound), errors.Is(err, ErrRateFileNotFound):
		httpx.RespondError(w, httpx.Mark(httpx.ErrNotFound, err))
	case errors.Is(err, ErrDuplicateProvider), errors.Is(err, ErrDuplicateTruck):
		httpx.RespondError(w, httpx.Mark(httpx.ErrDuplicate, err))
	case errors.Is(err, ErrInvalidName), errors.Is(err, ErrInvalidTruckID), errors.Is(err, ErrInvalidRange),
		errors.Is(err, ErrMalformedRates), errors.Is(err, ErrNoRates):
		httpx.RespondError(w, httpx.Mark(httpx.ErrValidation, err))
	default:
		h.logger.Error(op, slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
