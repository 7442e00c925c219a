package weighing

import (
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/gan-shmuel/gan-shmuel/internal/containers"
	"github.com/gan-shmuel/gan-shmuel/internal/platform/httpx"
	"github.com/gan-shmuel/gan-shmuel/internal/shared"
	"github.com/gan-shmuel/gan-shmuel/internal/units"
)

// Handler wires HTTP endpoints for the weighing module.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
	location  *time.Location
	now       func() time.Time
}

// NewHandler constructs Handler. Timestamps in requests are read in loc.
func NewHandler(logger *slog.Logger, service *Service, loc *time.Location) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if loc == nil {
		loc = time.Local
	}
	return &Handler{
		logger:    logger,
		service:   service,
		validator: validator.New(),
		location:  loc,
		now:       time.Now,
	}
}

// MountRoutes registers weighing routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/weight", h.handleRecord)
	r.Get("/weight", h.handleList)
	r.Get("/item/{id}", h.handleItem)
	r.Get("/session/{id}", h.handleSession)
}

type weightRequest struct {
	Direction  string `json:"direction"`
	Truck      string `json:"truck" validate:"required,max=64"`
	Containers string `json:"containers"`
	Weight     string `json:"weight" validate:"required"`
	Unit       string `json:"unit" validate:"required"`
	Force      string `json:"force"`
	Produce    string `json:"produce" validate:"max=64"`
}

func (h *Handler) handleRecord(w http.ResponseWriter, r *http.Request) {
	req, err := h.decodeWeightRequest(r)
	if err != nil {
		httpx.RespondError(w, httpx.Mark(httpx.ErrValidation, err))
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, httpx.Mark(httpx.ErrValidation, validationMessage(err)))
		return
	}
	evt, err := req.event()
	if err != nil {
		httpx.RespondError(w, httpx.Mark(httpx.ErrValidation, err))
		return
	}
	result, err := h.service.RecordEvent(r.Context(), evt)
	if err != nil {
		h.respondServiceError(w, "record weighing", err)
		return
	}
	if result.Conflict != nil {
		httpx.Message(w, http.StatusConflict, result.Conflict.Reason)
		return
	}
	httpx.JSON(w, http.StatusOK, Verbose(*result.Record))
}

func (h *Handler) decodeWeightRequest(r *http.Request) (weightRequest, error) {
	var req weightRequest
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		if err := httpx.DecodeJSON(r, &req); err != nil {
			return req, fmt.Errorf("decode body: %w", err)
		}
		return req, nil
	}
	if err := r.ParseForm(); err != nil {
		return req, fmt.Errorf("parse form: %w", err)
	}
	req = weightRequest{
		Direction:  r.PostFormValue("direction"),
		Truck:      r.PostFormValue("truck"),
		Containers: r.PostFormValue("containers"),
		Weight:     r.PostFormValue("weight"),
		Unit:       r.PostFormValue("unit"),
		Force:      r.PostFormValue("force"),
		Produce:    r.PostFormValue("produce"),
	}
	return req, nil
}

func (req weightRequest) event() (Event, error) {
	direction, err := ParseDirection(req.Direction)
	if err != nil {
		return Event{}, err
	}
	weight, err := units.ParseWeight(req.Weight)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidWeight, err)
	}
	return Event{
		Direction:  direction,
		Truck:      strings.TrimSpace(req.Truck),
		Containers: containers.SplitIDs(req.Containers),
		Weight:     weight,
		Unit:       strings.TrimSpace(req.Unit),
		Produce:    strings.TrimSpace(req.Produce),
		Force:      parseForce(req.Force),
	}, nil
}

func parseForce(raw string) bool {
	switch strings.TrimSpace(raw) {
	case "True", "true", "1":
		return true
	}
	return false
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	now := h.now().In(h.location)
	from, to, err := h.parseRange(r, shared.StartOfDay(now), now)
	if err != nil {
		httpx.RespondError(w, httpx.Mark(httpx.ErrValidation, err))
		return
	}
	filter := Filter{From: from, To: to}
	if raw := strings.TrimSpace(r.URL.Query().Get("filter")); raw != "" {
		filter.Direction = singleDirection(raw)
	}
	records, err := h.service.Query(r.Context(), filter)
	if err != nil {
		h.respondServiceError(w, "list weighings", err)
		return
	}
	httpx.JSON(w, http.StatusOK, Lines(records))
}

// singleDirection narrows the listing when the filter names exactly one of in or out;
// "in,out" and anything else list both.
func singleDirection(raw string) Direction {
	var picked []Direction
	for _, part := range strings.Split(raw, ",") {
		switch Direction(strings.ToLower(strings.TrimSpace(part))) {
		case DirectionIn:
			picked = append(picked, DirectionIn)
		case DirectionOut:
			picked = append(picked, DirectionOut)
		}
	}
	if len(picked) == 1 {
		return picked[0]
	}
	return ""
}

func (h *Handler) handleItem(w http.ResponseWriter, r *http.Request) {
	now := h.now().In(h.location)
	from, to, err := h.parseRange(r, shared.StartOfMonth(now), now)
	if err != nil {
		httpx.RespondError(w, httpx.Mark(httpx.ErrValidation, err))
		return
	}
	history, err := h.service.Item(r.Context(), chi.URLParam(r, "id"), Filter{From: from, To: to})
	if err != nil {
		h.respondServiceError(w, "item history", err)
		return
	}
	httpx.JSON(w, http.StatusOK, ItemLines(history))
}

func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.RespondError(w, httpx.Mark(httpx.ErrNotFound, ErrSessionNotFound))
		return
	}
	rec, err := h.service.Session(r.Context(), id)
	if err != nil {
		h.respondServiceError(w, "session detail", err)
		return
	}
	httpx.JSON(w, http.StatusOK, Verbose(rec))
}

func (h *Handler) parseRange(r *http.Request, defFrom, defTo time.Time) (time.Time, time.Time, error) {
	q := r.URL.Query()
	from, err := shared.ParseTimestamp(q.Get("from"), h.location, defFrom)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("from: %w", err)
	}
	to, err := shared.ParseTimestamp(q.Get("to"), h.location, defTo)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("to: %w", err)
	}
	return from, to, nil
}

func (h *Handler) respondServiceError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrItemNotFound):
		httpx.RespondError(w, httpx.Mark(httpx.ErrNotFound, err))
	case errors.Is(err, ErrInvalidWeight), errors.Is(err, ErrTruckRequired), errors.Is(err, ErrInvalidDirection):
		httpx.RespondError(w, httpx.Mark(httpx.ErrValidation, err))
	default:
		h.logger.Error(op, slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}

func validationMessage(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	parts := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return errors.New(strings.Join(parts, "; "))
}
