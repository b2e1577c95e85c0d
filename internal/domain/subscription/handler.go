package subscription

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/subscriptions/internal/platform/auth"
	"github.com/ehr/subscriptions/internal/platform/fhir"
	"github.com/ehr/subscriptions/internal/platform/logging"
	"github.com/ehr/subscriptions/internal/platform/resource"
	"github.com/ehr/subscriptions/pkg/pagination"
)

// Handler provides the FHIR Subscription endpoints.
type Handler struct {
	svc    *Service
	logger zerolog.Logger
}

// NewHandler creates a new subscription handler.
func NewHandler(svc *Service, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// RegisterRoutes registers the FHIR endpoints on fhirGroup.
func (h *Handler) RegisterRoutes(fhirGroup *echo.Group) {
	g := fhirGroup.Group("", auth.RequireRole("admin"))

	g.GET("/Subscription", h.Search)
	g.POST("/Subscription", h.Create)
	g.POST("/Subscription/$validate", h.ValidateOp)
	g.GET("/Subscription/:id", h.Read)
	g.PUT("/Subscription/:id", h.Update)
	g.DELETE("/Subscription/:id", h.Delete)
	g.GET("/Subscription/:id/_history", h.History)
	g.GET("/Subscription/:id/_history/:vid", h.VRead)
	g.GET("/Subscription/:id/$index", h.IndexEntry)
}

func (h *Handler) Create(c echo.Context) error {
	body, status, outcome := readFHIRBody(c)
	if outcome != nil {
		return c.JSON(status, outcome)
	}
	ent, err := h.svc.Create(c.Request().Context(), body)
	if err != nil {
		return h.writeError(c, "", err)
	}
	c.Response().Header().Set("Location", "/fhir/Subscription/"+ent.ID+"/_history/"+strconv.Itoa(ent.Version))
	return h.writeEntity(c, http.StatusCreated, ent)
}

// ValidateOp handles POST /fhir/Subscription/$validate. Validation failures
// are reported in a 200 OperationOutcome; nothing is stored.
func (h *Handler) ValidateOp(c echo.Context) error {
	body, status, outcome := readFHIRBody(c)
	if outcome != nil {
		return c.JSON(status, outcome)
	}
	rt, err := h.svc.Validate(body)
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		return c.JSON(http.StatusOK, fhir.InvalidOutcome(ve.Reason))
	case err != nil:
		return h.writeError(c, "", err)
	}
	return c.JSON(http.StatusOK, fhir.NewOperationOutcome(fhir.IssueSeverityInformation, fhir.IssueTypeInformational,
		"Validation successful; criteria resource type "+rt.Name))
}

func (h *Handler) Read(c echo.Context) error {
	ent, err := h.svc.Read(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.writeError(c, c.Param("id"), err)
	}
	return h.writeEntity(c, http.StatusOK, ent)
}

func (h *Handler) Update(c echo.Context) error {
	ifMatch, err := fhir.IfMatchVersion(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome(err.Error()))
	}
	body, status, outcome := readFHIRBody(c)
	if outcome != nil {
		return c.JSON(status, outcome)
	}
	ent, created, err := h.svc.Update(c.Request().Context(), c.Param("id"), body, ifMatch)
	if err != nil {
		return h.writeError(c, c.Param("id"), err)
	}
	status = http.StatusOK
	if created {
		status = http.StatusCreated
		c.Response().Header().Set("Location", "/fhir/Subscription/"+ent.ID+"/_history/"+strconv.Itoa(ent.Version))
	}
	return h.writeEntity(c, status, ent)
}

func (h *Handler) Delete(c echo.Context) error {
	ent, err := h.svc.Delete(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.writeError(c, c.Param("id"), err)
	}
	c.Response().Header().Set("ETag", fhir.FormatETag(ent.Version))
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Search(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.Search(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return h.writeError(c, "", err)
	}
	results := make([]fhir.SearchResult, len(items))
	for i, e := range items {
		results[i] = fhir.SearchResult{ResourceType: ResourceType, ID: e.ID, Resource: e.Body}
	}
	return c.JSON(http.StatusOK, fhir.NewSearchBundle(results, fhir.SearchBundleParams{
		BaseURL: "/fhir/Subscription",
		Count:   pg.Limit,
		Offset:  pg.Offset,
		Total:   total,
	}))
}

func (h *Handler) History(c echo.Context) error {
	revs, err := h.svc.History(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.writeError(c, c.Param("id"), err)
	}
	entries := make([]fhir.HistoryEntry, len(revs))
	for i, r := range revs {
		entries[i] = fhir.HistoryEntry{
			ResourceType: ResourceType,
			ResourceID:   r.ID,
			VersionID:    r.Version,
			Resource:     r.Body,
			Action:       r.Action,
			Timestamp:    r.UpdatedAt,
		}
	}
	return c.JSON(http.StatusOK, fhir.NewHistoryBundle(entries, "/fhir"))
}

func (h *Handler) VRead(c echo.Context) error {
	vid, err := strconv.Atoi(c.Param("vid"))
	if err != nil || vid < 1 {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome("invalid version id: "+c.Param("vid")))
	}
	rev, err := h.svc.VRead(c.Request().Context(), c.Param("id"), vid)
	if err != nil {
		return h.writeError(c, c.Param("id"), err)
	}
	return h.writeEntity(c, http.StatusOK, &rev.Entity)
}

// IndexEntry exposes the subscription's index entry id to the delivery
// subsystem as a Parameters resource.
func (h *Handler) IndexEntry(c echo.Context) error {
	id := c.Param("id")
	entryID, found, err := h.svc.LookupIndexEntryID(c.Request().Context(), id)
	if err != nil {
		return h.writeError(c, id, err)
	}
	if !found {
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("Subscription", id+"/$index"))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"resourceType": "Parameters",
		"parameter": []map[string]interface{}{
			{"name": "subscription", "valueString": id},
			{"name": "indexEntry", "valueString": entryID.String()},
		},
	})
}

func (h *Handler) writeEntity(c echo.Context, status int, e *resource.Entity) error {
	fhir.SetVersionHeaders(c, e.Version, e.UpdatedAt)
	return c.Blob(status, fhir.FHIRContentType, e.Body)
}

// writeError maps service errors onto OperationOutcome responses.
func (h *Handler) writeError(c echo.Context, id string, err error) error {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		return c.JSON(http.StatusUnprocessableEntity, fhir.InvalidOutcome(ve.Reason))
	case errors.Is(err, ErrMalformed), errors.Is(err, resource.ErrInvalidBody), errors.Is(err, resource.ErrUnknownType):
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	case errors.Is(err, resource.ErrNotFound):
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("Subscription", id))
	case errors.Is(err, resource.ErrGone):
		return c.JSON(http.StatusGone, fhir.GoneOutcome("Subscription", id))
	case errors.Is(err, resource.ErrVersionConflict):
		return c.JSON(http.StatusConflict, fhir.ConflictOutcome("version conflict on Subscription/"+id))
	}
	logging.FromContext(c.Request().Context(), h.logger).Error().Err(err).
		Str("subscription", id).Msg("subscription request failed")
	return c.JSON(http.StatusInternalServerError, fhir.InternalErrorOutcome("internal server error"))
}

// readFHIRBody reads the request body. Non-JSON content types are refused
// with the returned status and outcome.
func readFHIRBody(c echo.Context) (json.RawMessage, int, *fhir.OperationOutcome) {
	if ct := c.Request().Header.Get(echo.HeaderContentType); ct != "" {
		enc, ok := fhir.EncodingForContentType(ct)
		if !ok || enc != fhir.EncodingJSON {
			return nil, http.StatusUnsupportedMediaType,
				fhir.ErrorOutcome("unsupported Content-Type: " + ct + ". Use application/fhir+json.")
		}
	}
	body, err := io.ReadAll(c.Request().Body)
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return nil, he.Code, fhir.ErrorOutcome(fmt.Sprint(he.Message))
	}
	if err != nil {
		return nil, http.StatusBadRequest, fhir.ErrorOutcome("failed to read request body")
	}
	return body, 0, nil
}
