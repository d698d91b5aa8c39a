package scheduling

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/agenda/agenda/internal/platform/auth"
	"github.com/agenda/agenda/pkg/pagination"
)

const dateLayout = "2006-01-02"

type Handler struct {
	engine *Engine
}

func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	admin, provider, client := string(RoleAdministrator), string(RoleProvider), string(RoleClient)

	api.GET("/providers/:id", h.GetProvider)
	api.GET("/slots", h.ListSlots)
	api.GET("/slots/:id", h.GetSlot)
	api.GET("/bookings", h.ListBookings)
	api.GET("/bookings/:id", h.GetBooking)

	api.POST("/providers", h.SaveProvider, auth.RequireRole(admin))
	api.POST("/slots/generate", h.GenerateSlots, auth.RequireRole(admin))
	api.PATCH("/slots/:id/status", h.SetSlotStatus, auth.RequireRole(admin, provider))
	api.POST("/bookings", h.Reserve, auth.RequireRole(admin, client))
	api.PATCH("/bookings/:id/cancel", h.Cancel, auth.RequireRole(admin, client))
	api.PATCH("/bookings/:id/status", h.UpdateOutcome, auth.RequireRole(admin, provider))
}

// actorFrom builds the engine actor from the authenticated request. The
// strongest scheduling role wins when a token carries several.
func actorFrom(c echo.Context) (Actor, error) {
	ctx := c.Request().Context()
	id, err := uuid.Parse(auth.UserIDFromContext(ctx))
	if err != nil {
		return Actor{}, echo.NewHTTPError(http.StatusUnauthorized, "subject is not a valid id")
	}
	roles := auth.RolesFromContext(ctx)
	for _, want := range []Role{RoleAdministrator, RoleProvider, RoleClient} {
		for _, have := range roles {
			if Role(have) == want {
				return Actor{ID: id, Role: want}, nil
			}
		}
	}
	return Actor{}, echo.NewHTTPError(http.StatusForbidden, "no scheduling role")
}

// httpError maps engine errors onto status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidDuration), errors.Is(err, ErrInvalidRange),
		errors.Is(err, ErrInvalidOutcome), errors.Is(err, ErrInvalidStatus),
		errors.Is(err, ErrInvalidProvider):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrSlotNotFound), errors.Is(err, ErrBookingNotFound),
		errors.Is(err, ErrProviderNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrSlotUnavailable), errors.Is(err, ErrSlotOccupied),
		errors.Is(err, ErrClientConflict), errors.Is(err, ErrNotCancellable),
		errors.Is(err, ErrStoreConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrPastSlot), errors.Is(err, ErrCancellationWindowViolated):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// parseInstant accepts RFC 3339 timestamps or plain dates (UTC midnight).
func parseInstant(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	return time.Parse(dateLayout, s)
}

// parseWindow reads the optional ?from= and ?to= bounds.
func parseWindow(c echo.Context) (from, to *time.Time, err error) {
	if v := c.QueryParam("from"); v != "" {
		t, err := parseInstant(v)
		if err != nil {
			return nil, nil, echo.NewHTTPError(http.StatusBadRequest, "invalid from")
		}
		from = &t
	}
	if v := c.QueryParam("to"); v != "" {
		t, err := parseInstant(v)
		if err != nil {
			return nil, nil, echo.NewHTTPError(http.StatusBadRequest, "invalid to")
		}
		to = &t
	}
	return from, to, nil
}

// -- Providers --

type providerRequest struct {
	ID           *uuid.UUID `json:"id"`
	Name         string     `json:"name"`
	VisitMinutes int        `json:"visit_minutes"`
}

func (h *Handler) SaveProvider(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	var req providerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p := &Provider{Name: req.Name, VisitMinutes: req.VisitMinutes}
	if req.ID != nil {
		p.ID = *req.ID
	}
	if err := h.engine.SaveProvider(c.Request().Context(), actor, p); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) GetProvider(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	p, err := h.engine.GetProvider(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

// -- Slots --

type generateRequest struct {
	ProviderID  uuid.UUID `json:"provider_id"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	WindowStart string    `json:"window_start"`
	WindowEnd   string    `json:"window_end"`
}

func (h *Handler) GenerateSlots(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	var req generateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	from, err := time.Parse(dateLayout, req.From)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "from must be YYYY-MM-DD")
	}
	to, err := time.Parse(dateLayout, req.To)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "to must be YYYY-MM-DD")
	}
	start, err := ParseTimeOfDay(req.WindowStart)
	if err != nil {
		return httpError(err)
	}
	end, err := ParseTimeOfDay(req.WindowEnd)
	if err != nil {
		return httpError(err)
	}

	res, err := h.engine.GenerateSlots(c.Request().Context(), actor, GenerateRequest{
		ProviderID: req.ProviderID,
		Dates:      DateRange{Start: from, End: to},
		Window:     DailyWindow{Start: start, End: end},
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) ListSlots(c echo.Context) error {
	pg := pagination.FromContext(c)
	var f SlotFilter
	if v := c.QueryParam("provider_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid provider_id")
		}
		f.ProviderID = &id
	}
	from, to, err := parseWindow(c)
	if err != nil {
		return err
	}
	f.From, f.To = from, to
	if v := c.QueryParam("status"); v != "" {
		if !ValidSlotStatus(SlotStatus(v)) {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid status")
		}
		f.Status = SlotStatus(v)
	}

	items, total, err := h.engine.ListSlots(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) GetSlot(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	s, err := h.engine.GetSlot(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, s)
}

type statusRequest struct {
	Status string `json:"status"`
}

func (h *Handler) SetSlotStatus(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req statusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	s, err := h.engine.SetSlotStatus(c.Request().Context(), actor, id, SlotStatus(req.Status))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, s)
}

// -- Bookings --

// reserveRequest names the slot either by id or by provider and start.
// Administrators may book on behalf of a client.
type reserveRequest struct {
	SlotID     *uuid.UUID `json:"slot_id"`
	ProviderID *uuid.UUID `json:"provider_id"`
	Start      *time.Time `json:"start"`
	ClientID   *uuid.UUID `json:"client_id"`
}

func (h *Handler) Reserve(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	var req reserveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()

	var slotID uuid.UUID
	switch {
	case req.SlotID != nil:
		slotID = *req.SlotID
	case req.ProviderID != nil && req.Start != nil:
		s, err := h.engine.FindSlot(ctx, *req.ProviderID, *req.Start)
		if err != nil {
			return httpError(err)
		}
		slotID = s.ID
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "slot_id or provider_id and start are required")
	}

	clientID := actor.ID
	if actor.IsAdministrator() {
		if req.ClientID == nil {
			return echo.NewHTTPError(http.StatusBadRequest, "client_id is required")
		}
		clientID = *req.ClientID
	}

	b, err := h.engine.Reserve(ctx, actor, slotID, clientID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, b)
}

func (h *Handler) ListBookings(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	var f BookingFilter
	if v := c.QueryParam("client_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid client_id")
		}
		f.ClientID = &id
	}
	if v := c.QueryParam("provider_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid provider_id")
		}
		f.ProviderID = &id
	}
	if v := c.QueryParam("status"); v != "" {
		if !ValidBookingStatus(BookingStatus(v)) {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid status")
		}
		f.Status = BookingStatus(v)
	}
	from, to, err := parseWindow(c)
	if err != nil {
		return err
	}
	f.From, f.To = from, to

	items, total, err := h.engine.ListBookings(c.Request().Context(), actor, f, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) GetBooking(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	b, err := h.engine.GetBooking(c.Request().Context(), actor, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) Cancel(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	b, err := h.engine.Cancel(c.Request().Context(), actor, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) UpdateOutcome(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req statusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	b, err := h.engine.UpdateOutcome(c.Request().Context(), actor, id, BookingStatus(req.Status))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, b)
}
