package admission

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/cadence/internal/account"
)

func newHandlerFixture(t *testing.T) (*gin.Engine, *fixture) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := newFixture(t)
	r := gin.New()
	NewHandler(f.bridge).RegisterRoutes(r.Group("/v1"))
	return r, f
}

func postJSON(t *testing.T, r *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRequestEndpointAdmits(t *testing.T) {
	r, f := newHandlerFixture(t)
	f.seedAccount(t, "acct_1", account.StateCreated)

	w := postJSON(t, r, "/v1/actions/request", map[string]any{
		"accountId":  "acct_1",
		"actionType": "view",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	var d Decision
	if err := json.Unmarshal(w.Body.Bytes(), &d); err != nil {
		t.Fatal(err)
	}
	if !d.Allowed || d.Reservation == nil {
		t.Fatalf("decision = %+v", d)
	}
}

func TestRequestEndpointDenialIs200(t *testing.T) {
	r, f := newHandlerFixture(t)
	f.seedAccount(t, "acct_1", account.StateCreated)

	w := postJSON(t, r, "/v1/actions/request", map[string]any{
		"accountId":  "acct_1",
		"actionType": "post",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 for a denial", w.Code)
	}

	var d Decision
	if err := json.Unmarshal(w.Body.Bytes(), &d); err != nil {
		t.Fatal(err)
	}
	if d.Allowed || d.Reason != ReasonStateDisallows {
		t.Fatalf("decision = %+v", d)
	}
}

func TestRequestEndpointValidation(t *testing.T) {
	r, f := newHandlerFixture(t)
	f.seedAccount(t, "acct_1", account.StateCreated)

	w := postJSON(t, r, "/v1/actions/request", map[string]any{"accountId": "acct_1"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing actionType: status = %d, want 400", w.Code)
	}

	w = postJSON(t, r, "/v1/actions/request", map[string]any{
		"accountId":  "acct_1",
		"actionType": "teleport",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad actionType: status = %d, want 400", w.Code)
	}

	w = postJSON(t, r, "/v1/actions/request", map[string]any{
		"accountId":  "acct_missing",
		"actionType": "view",
	})
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown account: status = %d, want 404", w.Code)
	}
}

func TestConfirmEndpoint(t *testing.T) {
	r, f := newHandlerFixture(t)
	f.seedAccount(t, "acct_1", account.StateCreated)

	d := f.request(t, "acct_1", account.ActionView)

	w := postJSON(t, r, "/v1/actions/confirm", map[string]any{
		"reservationId": d.Reservation.ID,
		"success":       true,
		"engagement":    3,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	var resp struct {
		Reservation Reservation `json:"reservation"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Reservation.Status != StatusConfirmed {
		t.Fatalf("status = %s, want confirmed", resp.Reservation.Status)
	}

	// A second confirm conflicts.
	w = postJSON(t, r, "/v1/actions/confirm", map[string]any{
		"reservationId": d.Reservation.ID,
		"success":       true,
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("double confirm: status = %d, want 409", w.Code)
	}
}

func TestConfirmEndpointValidation(t *testing.T) {
	r, _ := newHandlerFixture(t)

	// success must be explicit, not defaulted.
	w := postJSON(t, r, "/v1/actions/confirm", map[string]any{"reservationId": "rsv_x"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing success: status = %d, want 400", w.Code)
	}

	w = postJSON(t, r, "/v1/actions/confirm", map[string]any{
		"reservationId": "rsv_missing",
		"success":       false,
	})
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown reservation: status = %d, want 404", w.Code)
	}
}

func TestConfirmEndpointExpired(t *testing.T) {
	r, f := newHandlerFixture(t)
	f.seedAccount(t, "acct_1", account.StateCreated)

	d := f.request(t, "acct_1", account.ActionView)
	f.now = f.now.Add(10 * time.Minute)

	w := postJSON(t, r, "/v1/actions/confirm", map[string]any{
		"reservationId": d.Reservation.ID,
		"success":       true,
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}

	var resp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error != "expired" {
		t.Fatalf("error = %s, want expired", resp.Error)
	}
}
