package scheduling

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/agenda/agenda/internal/platform/auth"
)

func newTestHandler(t *testing.T) (*Handler, *fixture, *echo.Echo) {
	f := newFixture(t)
	return NewHandler(f.engine), f, echo.New()
}

func newContext(e *echo.Echo, method, target, body string, actor Actor) (echo.Context, *httptest.ResponseRecorder) {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	ctx := auth.WithIdentity(req.Context(), actor.ID.String(), []string{string(actor.Role)})
	req = req.WithContext(ctx)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func assertHTTPStatus(t *testing.T, err error, want int) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected HTTP %d error, got nil", want)
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != want {
		t.Errorf("expected %d, got %d (%v)", want, httpErr.Code, httpErr.Message)
	}
}

func TestHandler_SaveProvider(t *testing.T) {
	h, f, e := newTestHandler(t)
	c, rec := newContext(e, http.MethodPost, "/", `{"name":"Dr. Sato","visit_minutes":45}`, f.admin)

	if err := h.SaveProvider(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var p Provider
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.ID == uuid.Nil || p.VisitMinutes != 45 {
		t.Errorf("unexpected provider %+v", p)
	}

	c, _ = newContext(e, http.MethodPost, "/", `{"name":"Dr. Zero","visit_minutes":0}`, f.admin)
	assertHTTPStatus(t, h.SaveProvider(c), http.StatusBadRequest)
}

func TestHandler_GenerateAndListSlots(t *testing.T) {
	h, f, e := newTestHandler(t)
	body := `{"provider_id":"` + f.provider.ID.String() + `","from":"2026-01-05","to":"2026-01-09","window_start":"08:00","window_end":"09:00"}`
	c, rec := newContext(e, http.MethodPost, "/", body, f.admin)

	if err := h.GenerateSlots(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var res GenerateResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Created != 10 {
		t.Errorf("expected 10 created, got %d", res.Created)
	}

	c, rec = newContext(e, http.MethodGet, "/?provider_id="+f.provider.ID.String()+"&from=2026-01-06&to=2026-01-07&limit=3", "", client())
	if err := h.ListSlots(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var page struct {
		Data       []Slot `json:"data"`
		Total      int    `json:"total"`
		TotalPages int    `json:"total_pages"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	// Tuesday both slots, Wednesday 00:00 upper bound excludes Wednesday's
	if page.Total != 2 || len(page.Data) != 2 || page.TotalPages != 1 {
		t.Errorf("expected 2 slots on one page, got %d/%d pages=%d", len(page.Data), page.Total, page.TotalPages)
	}
}

func TestHandler_GenerateSlots_Errors(t *testing.T) {
	h, f, e := newTestHandler(t)
	tests := []struct {
		name  string
		body  string
		actor Actor
		want  int
	}{
		{"bad date", `{"provider_id":"` + f.provider.ID.String() + `","from":"05/01/2026","to":"2026-01-09","window_start":"08:00","window_end":"09:00"}`, f.admin, http.StatusBadRequest},
		{"bad window", `{"provider_id":"` + f.provider.ID.String() + `","from":"2026-01-05","to":"2026-01-09","window_start":"8am","window_end":"09:00"}`, f.admin, http.StatusBadRequest},
		{"unknown provider", `{"provider_id":"` + uuid.NewString() + `","from":"2026-01-05","to":"2026-01-09","window_start":"08:00","window_end":"09:00"}`, f.admin, http.StatusNotFound},
		{"not administrator", `{"provider_id":"` + f.provider.ID.String() + `","from":"2026-01-05","to":"2026-01-09","window_start":"08:00","window_end":"09:00"}`, f.providerActor(), http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newContext(e, http.MethodPost, "/", tt.body, tt.actor)
			assertHTTPStatus(t, h.GenerateSlots(c), tt.want)
		})
	}
}

func TestHandler_ReserveAndCancel(t *testing.T) {
	h, f, e := newTestHandler(t)
	slot := f.slots(t)[0]
	owner := client()

	c, rec := newContext(e, http.MethodPost, "/", `{"slot_id":"`+slot.ID.String()+`"}`, owner)
	if err := h.Reserve(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var b Booking
	if err := json.Unmarshal(rec.Body.Bytes(), &b); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if b.ClientID != owner.ID {
		t.Errorf("expected booking for the caller, got %s", b.ClientID)
	}

	other := client()
	c, _ = newContext(e, http.MethodPost, "/", `{"slot_id":"`+slot.ID.String()+`"}`, other)
	assertHTTPStatus(t, h.Reserve(c), http.StatusConflict)

	c, _ = newContext(e, http.MethodPatch, "/", "", other)
	c.SetParamNames("id")
	c.SetParamValues(b.ID.String())
	assertHTTPStatus(t, h.Cancel(c), http.StatusForbidden)

	f.clock.Set(slot.Start.Add(-time.Hour))
	c, _ = newContext(e, http.MethodPatch, "/", "", owner)
	c.SetParamNames("id")
	c.SetParamValues(b.ID.String())
	assertHTTPStatus(t, h.Cancel(c), http.StatusUnprocessableEntity)

	c, rec = newContext(e, http.MethodPatch, "/", "", f.admin)
	c.SetParamNames("id")
	c.SetParamValues(b.ID.String())
	if err := h.Cancel(c); err != nil {
		t.Fatalf("admin cancel: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestHandler_ReserveByProviderAndStart(t *testing.T) {
	h, f, e := newTestHandler(t)
	slot := f.slots(t)[1]
	body := `{"provider_id":"` + f.provider.ID.String() + `","start":"` + slot.Start.Format(time.RFC3339) + `","client_id":"` + uuid.NewString() + `"}`

	c, rec := newContext(e, http.MethodPost, "/", body, f.admin)
	if err := h.Reserve(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var b Booking
	if err := json.Unmarshal(rec.Body.Bytes(), &b); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if b.SlotID != slot.ID {
		t.Errorf("expected slot %s, got %s", slot.ID, b.SlotID)
	}

	c, _ = newContext(e, http.MethodPost, "/", `{"slot_id":"`+slot.ID.String()+`"}`, f.admin)
	assertHTTPStatus(t, h.Reserve(c), http.StatusBadRequest)

	c, _ = newContext(e, http.MethodPost, "/", `{}`, client())
	assertHTTPStatus(t, h.Reserve(c), http.StatusBadRequest)
}

func TestHandler_ReservePastSlot(t *testing.T) {
	h, f, e := newTestHandler(t)
	slot := f.slots(t)[0]
	f.clock.Set(slot.Start.Add(time.Minute))

	c, _ := newContext(e, http.MethodPost, "/", `{"slot_id":"`+slot.ID.String()+`"}`, client())
	assertHTTPStatus(t, h.Reserve(c), http.StatusUnprocessableEntity)
}

func TestHandler_SetSlotStatus(t *testing.T) {
	h, f, e := newTestHandler(t)
	slots := f.slots(t)
	f.reserve(t, slots[0], client())

	tests := []struct {
		name  string
		slot  uuid.UUID
		body  string
		actor Actor
		want  int
	}{
		{"block free slot", slots[1].ID, `{"status":"blocked"}`, f.providerActor(), http.StatusOK},
		{"held slot", slots[0].ID, `{"status":"blocked"}`, f.admin, http.StatusConflict},
		{"invalid target", slots[2].ID, `{"status":"held"}`, f.admin, http.StatusBadRequest},
		{"unknown slot", uuid.New(), `{"status":"blocked"}`, f.admin, http.StatusNotFound},
		{"other provider", slots[2].ID, `{"status":"blocked"}`, Actor{ID: uuid.New(), Role: RoleProvider}, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, rec := newContext(e, http.MethodPatch, "/", tt.body, tt.actor)
			c.SetParamNames("id")
			c.SetParamValues(tt.slot.String())
			err := h.SetSlotStatus(c)
			if tt.want == http.StatusOK {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if rec.Code != http.StatusOK {
					t.Errorf("expected 200, got %d", rec.Code)
				}
				return
			}
			assertHTTPStatus(t, err, tt.want)
		})
	}
}

func TestHandler_UpdateOutcome(t *testing.T) {
	h, f, e := newTestHandler(t)
	slot := f.slots(t)[0]
	b := f.reserve(t, slot, client())

	c, _ := newContext(e, http.MethodPatch, "/", `{"status":"scheduled"}`, f.providerActor())
	c.SetParamNames("id")
	c.SetParamValues(b.ID.String())
	assertHTTPStatus(t, h.UpdateOutcome(c), http.StatusBadRequest)

	c, rec := newContext(e, http.MethodPatch, "/", `{"status":"completed"}`, f.providerActor())
	c.SetParamNames("id")
	c.SetParamValues(b.ID.String())
	if err := h.UpdateOutcome(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got Booking
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != BookingCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}

	c, _ = newContext(e, http.MethodPatch, "/", `{"status":"cancelled"}`, f.admin)
	c.SetParamNames("id")
	c.SetParamValues(b.ID.String())
	assertHTTPStatus(t, h.UpdateOutcome(c), http.StatusConflict)
}

func TestHandler_ListBookings(t *testing.T) {
	h, f, e := newTestHandler(t)
	slots := f.slots(t)
	mine := client()
	f.reserve(t, slots[0], mine)
	f.reserve(t, slots[1], client())

	c, rec := newContext(e, http.MethodGet, "/", "", mine)
	if err := h.ListBookings(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var page struct {
		Data  []Booking `json:"data"`
		Total int       `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if page.Total != 1 || page.Data[0].ClientID != mine.ID {
		t.Errorf("client should only see own booking, got %d", page.Total)
	}

	c, _ = newContext(e, http.MethodGet, "/?status=pending", "", f.admin)
	assertHTTPStatus(t, h.ListBookings(c), http.StatusBadRequest)
}

func TestHandler_GetBooking(t *testing.T) {
	h, f, e := newTestHandler(t)
	b := f.reserve(t, f.slots(t)[0], client())

	c, _ := newContext(e, http.MethodGet, "/", "", client())
	c.SetParamNames("id")
	c.SetParamValues(b.ID.String())
	assertHTTPStatus(t, h.GetBooking(c), http.StatusForbidden)

	c, rec := newContext(e, http.MethodGet, "/", "", f.providerActor())
	c.SetParamNames("id")
	c.SetParamValues(b.ID.String())
	if err := h.GetBooking(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestHandler_ActorRequired(t *testing.T) {
	h, _, e := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	assertHTTPStatus(t, h.ListBookings(c), http.StatusUnauthorized)

	c, _ = newContext(e, http.MethodGet, "/", "", Actor{ID: uuid.New(), Role: "nurse"})
	assertHTTPStatus(t, h.ListBookings(c), http.StatusForbidden)
}

func TestHandler_GetSlotAndProvider(t *testing.T) {
	h, f, e := newTestHandler(t)
	slot := f.slots(t)[0]

	c, rec := newContext(e, http.MethodGet, "/", "", client())
	c.SetParamNames("id")
	c.SetParamValues(slot.ID.String())
	if err := h.GetSlot(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	c, _ = newContext(e, http.MethodGet, "/", "", client())
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")
	assertHTTPStatus(t, h.GetProvider(c), http.StatusBadRequest)

	c, _ = newContext(e, http.MethodGet, "/", "", client())
	c.SetParamNames("id")
	c.SetParamValues(uuid.NewString())
	assertHTTPStatus(t, h.GetProvider(c), http.StatusNotFound)
}
