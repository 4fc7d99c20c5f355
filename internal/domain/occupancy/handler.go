package occupancy

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/leitos/leitos/internal/platform/auth"
	"github.com/leitos/leitos/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – admin, physician, nurse
	readGroup := api.Group("", auth.RequireRole("admin", "physician", "nurse"))
	readGroup.GET("/units/:unitId/beds", h.ListBeds)
	readGroup.GET("/units/:unitId/aggregate", h.GetAggregate)
	readGroup.GET("/beds/:id", h.GetBed)
	readGroup.GET("/beds/:id/history", h.ListHistory)
	readGroup.GET("/beds/:id/events", h.ListEvents)
	readGroup.GET("/sessions/:id", h.GetSession)

	// Write endpoints – admin, nurse
	writeGroup := api.Group("", auth.RequireRole("admin", "nurse"))
	writeGroup.POST("/sessions", h.CreateSession)
	writeGroup.PUT("/sessions/:id", h.UpdateSession)
	writeGroup.POST("/sessions/:id/release", h.ReleaseSession)
	writeGroup.POST("/beds/:id/discharge", h.Discharge)

	// Admin endpoints
	adminGroup := api.Group("", auth.RequireRole("admin"))
	adminGroup.POST("/beds/:id/deactivate", h.DeactivateBed)
	adminGroup.POST("/beds/:id/reactivate", h.ReactivateBed)
	adminGroup.POST("/units/:unitId/aggregate/resync", h.ResyncAggregate)
	adminGroup.POST("/sessions/expire-overdue", h.ExpireOverdue)
}

// httpError maps domain errors to echo errors without re-deriving
// business meaning from message text.
func httpError(err error) error {
	var e *Error
	if errors.As(err, &e) {
		return echo.NewHTTPError(e.HTTPStatus(), e.Message)
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

type createSessionRequest struct {
	BedID           uuid.UUID      `json:"bed_id"`
	UnitID          uuid.UUID      `json:"unit_id"`
	CareMethodKey   string         `json:"care_method_key"`
	Items           map[string]int `json:"items"`
	AuthorID        uuid.UUID      `json:"author_id"`
	RecordID        *string        `json:"record_id"`
	ApplicationDate *string        `json:"application_date"`
	ConflictPolicy  ConflictPolicy `json:"conflict_policy"`
}

func (h *Handler) CreateSession(c echo.Context) error {
	var req createSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	in := CreateSessionInput{
		BedID:          req.BedID,
		UnitID:         req.UnitID,
		CareMethodKey:  req.CareMethodKey,
		Items:          req.Items,
		AuthorID:       req.AuthorID,
		RecordID:       req.RecordID,
		ConflictPolicy: req.ConflictPolicy,
	}
	if req.ApplicationDate != nil {
		d, err := time.Parse("2006-01-02", *req.ApplicationDate)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "application_date must be YYYY-MM-DD")
		}
		in.ApplicationDate = &d
	}
	res, err := h.svc.CreateSession(c.Request().Context(), in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, res)
}

type updateSessionRequest struct {
	Items         map[string]int `json:"items"`
	AuthorID      *uuid.UUID     `json:"author_id"`
	RecordID      *string        `json:"record_id"`
	Justification *string        `json:"justification"`
	CareMethodKey *string        `json:"care_method_key"`
}

func (h *Handler) UpdateSession(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req updateSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := h.svc.UpdateSession(c.Request().Context(), UpdateSessionInput{
		SessionID:     id,
		Items:         req.Items,
		AuthorID:      req.AuthorID,
		RecordID:      req.RecordID,
		Justification: req.Justification,
		CareMethodKey: req.CareMethodKey,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) ReleaseSession(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	res, err := h.svc.ReleaseSession(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

type dischargeRequest struct {
	Reason *string `json:"reason"`
}

func (h *Handler) Discharge(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req dischargeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := h.svc.Discharge(c.Request().Context(), id, req.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

type deactivateBedRequest struct {
	Justification *string `json:"justification"`
}

func (h *Handler) DeactivateBed(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req deactivateBedRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	bed, err := h.svc.DeactivateBed(c.Request().Context(), id, req.Justification)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, bed)
}

func (h *Handler) ReactivateBed(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	bed, err := h.svc.ReactivateBed(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, bed)
}

func (h *Handler) ExpireOverdue(c echo.Context) error {
	n, err := h.svc.ExpireOverdue(c.Request().Context(), 0)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]int{"expired": n})
}

func (h *Handler) ResyncAggregate(c echo.Context) error {
	unitID, err := uuid.Parse(c.Param("unitId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid unit id")
	}
	agg, err := h.svc.RecomputeUnit(c.Request().Context(), unitID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, agg)
}

func (h *Handler) GetSession(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	sess, err := h.svc.GetSession(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *Handler) GetBed(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	bed, err := h.svc.GetBed(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, bed)
}

func (h *Handler) ListBeds(c echo.Context) error {
	unitID, err := uuid.Parse(c.Param("unitId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid unit id")
	}
	pg := pagination.FromContext(c)
	beds, total, err := h.svc.ListBeds(c.Request().Context(), unitID, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(beds, total, pg.Limit, pg.Offset))
}

func (h *Handler) ListHistory(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListHistory(c.Request().Context(), id, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) ListEvents(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListEvents(c.Request().Context(), id, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetAggregate(c echo.Context) error {
	unitID, err := uuid.Parse(c.Param("unitId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid unit id")
	}
	agg, err := h.svc.GetAggregate(c.Request().Context(), unitID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, agg)
}
