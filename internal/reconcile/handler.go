package reconcile

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/phonesync/internal/domain/changelog"
	"github.com/ehr/phonesync/internal/domain/patient"
	"github.com/ehr/phonesync/internal/domain/phone"
	"github.com/ehr/phonesync/internal/platform/fhir"
	"github.com/ehr/phonesync/internal/report"
)

// Handler exposes the normalizer and the reconciliation over HTTP. Every
// reconcile request runs on its own store; requests share nothing.
type Handler struct {
	normalizer phone.Normalizer
	format     phone.Format
	keySystem  string
	stamper    *patient.Stamper
	logger     zerolog.Logger
	// newSink gives each request its own result sink.
	newSink func() report.Sink
}

func NewHandler(normalizer phone.Normalizer, format phone.Format, keySystem string, stamper *patient.Stamper, logger zerolog.Logger) *Handler {
	return &Handler{
		normalizer: normalizer,
		format:     format,
		keySystem:  keySystem,
		stamper:    stamper,
		logger:     logger,
		newSink:    func() report.Sink { return &report.MemorySink{} },
	}
}

// internalError logs err and answers with a generic OperationOutcome so
// that internal details stay out of the response.
func (h *Handler) internalError(c echo.Context, runID string, err error) error {
	h.logger.Error().
		Err(err).
		Str("run_id", runID).
		Str("request_id", c.Response().Header().Get(echo.HeaderXRequestID)).
		Msg("reconcile request failed")
	return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome("reconciliation failed; see server logs for run "+runID))
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/phone/$normalize", h.Normalize)
	api.POST("/reconcile", h.Reconcile)
}

type normalizeRequest struct {
	Phone  string `json:"phone"`
	Format string `json:"format,omitempty"`
}

type reconcileRequest struct {
	Records json.RawMessage `json:"records"`
	Changes []changelog.Row `json:"changes"`
	Format  string          `json:"format,omitempty"`
}

type reconcileResponse struct {
	RunID    string             `json:"run_id"`
	Records  json.RawMessage    `json:"records"`
	Stats    report.Stats       `json:"stats"`
	Rejected []report.Rejection `json:"rejected"`
}

func (h *Handler) formatFor(requested string) (phone.Format, error) {
	if strings.TrimSpace(requested) == "" {
		return h.format, nil
	}
	return phone.ParseFormat(requested)
}

// Normalize handles POST /api/v1/phone/$normalize. A rejected number is a
// normal 200 response with valid=false.
func (h *Handler) Normalize(c echo.Context) error {
	var req normalizeRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome("invalid request body"))
	}
	f, err := h.formatFor(req.Format)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	}
	return c.JSON(http.StatusOK, h.normalizer.Normalize(req.Phone, f))
}

// Reconcile handles POST /api/v1/reconcile. The request carries the record
// collection (Bundle or array) and the change rows; the response carries the
// updated Bundle with the run's stats and rejections.
func (h *Handler) Reconcile(c echo.Context) error {
	var req reconcileRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome("invalid request body"))
	}
	if len(req.Records) == 0 {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome("records is required"))
	}
	f, err := h.formatFor(req.Format)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	}
	records, err := patient.DecodeCollection(req.Records)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	}

	runID := uuid.NewString()
	job := &Job{
		RunID:      runID,
		Rows:       changelog.SliceSource(req.Changes),
		Records:    patient.SliceSource(records),
		KeySystem:  h.keySystem,
		Stamper:    h.stamper,
		Normalizer: h.normalizer,
		Format:     f,
		Sink:       h.newSink(),
		Logger:     h.logger,
	}
	res, err := job.Execute(c.Request().Context())
	if err != nil {
		if errors.Is(err, patient.ErrDuplicateKey) {
			return c.JSON(http.StatusUnprocessableEntity, fhir.InvalidOutcome(err.Error()))
		}
		return h.internalError(c, runID, err)
	}

	bundle, err := patient.EncodeBundle(res.RunID, res.Records, nil)
	if err != nil {
		return h.internalError(c, runID, err)
	}
	return c.JSON(http.StatusOK, reconcileResponse{
		RunID:    res.RunID,
		Records:  bundle,
		Stats:    res.Stats,
		Rejected: res.Rejections,
	})
}
