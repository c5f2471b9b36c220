package threatguard

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
)

func newTestApp(t *testing.T, e *Engine) *fiber.App {
	t.Helper()
	app := fiber.New()
	app.Use(e.Handler())
	app.All("/*", func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})
	return app
}

func newAdminApp(t *testing.T, e *Engine) *fiber.App {
	t.Helper()
	app := fiber.New()
	e.RegisterAdminRoutes(app.Group("/admin/security"))
	return app
}

type testResponse struct {
	Code   int
	Body   []byte
	Header http.Header
}

// app.Test requests carry a synthetic remote address, so the forwarded
// header is the reliable way to pin the client identity.
func doRequest(t *testing.T, app *fiber.App, method, target, body, clientIP string) testResponse {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if clientIP != "" {
		req.Header.Set("X-Forwarded-For", clientIP)
	}
	if body != "" {
		req.Header.Set("Content-Type", fiber.MIMEApplicationJSON)
	}
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return testResponse{Code: resp.StatusCode, Body: data, Header: resp.Header}
}

func TestHandlerPassesCleanRequests(t *testing.T) {
	e := newTestEngine(t, newFakeClock(), nil)
	app := newTestApp(t, e)

	rec := doRequest(t, app, fiber.MethodGet, "/api/items", "", "203.0.113.7")
	if rec.Code != fiber.StatusOK || string(rec.Body) != "ok" {
		t.Fatalf("clean request got %d %q", rec.Code, string(rec.Body))
	}
}

func TestHandlerBlocksCriticalRequests(t *testing.T) {
	e := newTestEngine(t, newFakeClock(), nil)
	app := newTestApp(t, e)

	body := `{"q":"' OR 1=1","x":"<script>alert(1)</script>","p":"../../etc/passwd"}`
	rec := doRequest(t, app, fiber.MethodPost, "/search", body, "203.0.113.7")
	if rec.Code != fiber.StatusForbidden {
		t.Fatalf("attack got %d, want 403", rec.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(rec.Body, &payload); err != nil {
		t.Fatalf("deny body is not JSON: %v", err)
	}
	if payload["error"] != "forbidden" || payload["threatLevel"] != "critical" {
		t.Fatalf("deny payload = %v", payload)
	}

	// The follow-up is rejected from the registry, without re-analysis.
	rec = doRequest(t, app, fiber.MethodGet, "/api/items", "", "203.0.113.7")
	if rec.Code != fiber.StatusForbidden {
		t.Fatalf("pre-blocked follow-up got %d, want 403", rec.Code)
	}
	if err := json.Unmarshal(rec.Body, &payload); err != nil {
		t.Fatal(err)
	}
	if _, ok := payload["blockedUntil"]; !ok {
		t.Fatalf("pre-blocked payload missing blockedUntil: %v", payload)
	}
}

func TestHandlerBypassesLoopback(t *testing.T) {
	e := newTestEngine(t, newFakeClock(), nil)
	app := newTestApp(t, e)

	body := `{"q":"' OR 1=1"}`
	rec := doRequest(t, app, fiber.MethodPost, "/search", body, "127.0.0.1")
	if rec.Code != fiber.StatusOK {
		t.Fatalf("loopback attack got %d, want pass-through", rec.Code)
	}
	if e.History().Len() != 0 {
		t.Fatal("bypassed request must not be recorded")
	}
}

func TestHandlerChallengeHeaders(t *testing.T) {
	e := newTestEngine(t, newFakeClock(), nil)
	app := newTestApp(t, e)

	// Sensitive path plus automation UA: 20+15 = 35, medium.
	req := httptest.NewRequest(fiber.MethodGet, "/admin/panel", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.7")
	req.Header.Set("User-Agent", "curl/8.4.0")
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("challenge must pass the request through, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Security-Challenge") != "suggested" {
		t.Fatal("challenge header missing")
	}
	if resp.Header.Get("X-Threat-Score") != "35" {
		t.Fatalf("X-Threat-Score = %q, want 35", resp.Header.Get("X-Threat-Score"))
	}
	if resp.Header.Get("X-Threat-Level") != "medium" {
		t.Fatalf("X-Threat-Level = %q", resp.Header.Get("X-Threat-Level"))
	}
}

func TestHandlerThrottleSetsScoreHeader(t *testing.T) {
	e := newTestEngine(t, newFakeClock(), nil)
	app := newTestApp(t, e)

	// One traversal signature plus the sensitive path prefix lands at 55,
	// inside the throttle band without blocking.
	req := httptest.NewRequest(fiber.MethodGet, "/admin/export?file=../../etc/passwd", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.7")
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("throttled request got %d, want pass-through after delay", resp.StatusCode)
	}
	if resp.Header.Get("X-Threat-Score") != "55" {
		t.Fatalf("X-Threat-Score = %q, want 55", resp.Header.Get("X-Threat-Score"))
	}
}

func TestAdminBlockUnblockFlow(t *testing.T) {
	e := newTestEngine(t, newFakeClock(), nil)
	app := newAdminApp(t, e)

	rec := doRequest(t, app, fiber.MethodPost, "/admin/security/block-ip",
		`{"ip":"203.0.113.99","reason":"abuse"}`, "")
	if rec.Code != fiber.StatusOK {
		t.Fatalf("block-ip got %d: %s", rec.Code, string(rec.Body))
	}
	if !e.Blocks().IsBlocked("203.0.113.99") {
		t.Fatal("block-ip did not take effect")
	}

	rec = doRequest(t, app, fiber.MethodGet, "/admin/security/blocked-ips", "", "")
	var listResp struct {
		Status string `json:"status"`
		Data   struct {
			BlockedIPs []string `json:"blockedIPs"`
			Count      int      `json:"count"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body, &listResp); err != nil {
		t.Fatal(err)
	}
	if listResp.Status != "success" || listResp.Data.Count != 1 || listResp.Data.BlockedIPs[0] != "203.0.113.99" {
		t.Fatalf("blocked-ips = %+v", listResp)
	}

	rec = doRequest(t, app, fiber.MethodPost, "/admin/security/unblock-ip",
		`{"ip":"203.0.113.99"}`, "")
	if rec.Code != fiber.StatusOK {
		t.Fatalf("unblock-ip got %d", rec.Code)
	}
	if e.Blocks().IsBlocked("203.0.113.99") {
		t.Fatal("unblock-ip did not take effect")
	}

	// Unblocking again stays a success; the operation is idempotent.
	rec = doRequest(t, app, fiber.MethodPost, "/admin/security/unblock-ip",
		`{"ip":"203.0.113.99"}`, "")
	if rec.Code != fiber.StatusOK {
		t.Fatalf("repeat unblock-ip got %d", rec.Code)
	}
}

func TestAdminBlockIPValidation(t *testing.T) {
	e := newTestEngine(t, newFakeClock(), nil)
	app := newAdminApp(t, e)

	cases := []struct {
		name string
		body string
	}{
		{"missing ip", `{"reason":"x"}`},
		{"malformed ip", `{"ip":"not-an-ip"}`},
		{"broken json", `{"ip":`},
	}
	for _, tc := range cases {
		rec := doRequest(t, app, fiber.MethodPost, "/admin/security/block-ip", tc.body, "")
		if rec.Code != fiber.StatusBadRequest {
			t.Fatalf("%s: got %d, want 400", tc.name, rec.Code)
		}
		var payload map[string]any
		if err := json.Unmarshal(rec.Body, &payload); err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if payload["status"] != "error" {
			t.Fatalf("%s: payload = %v", tc.name, payload)
		}
	}
}

func TestAdminClearBlockedIPs(t *testing.T) {
	e := newTestEngine(t, newFakeClock(), nil)
	app := newAdminApp(t, e)

	e.BlockClient("client-a", "x")
	e.BlockClient("client-b", "y")

	rec := doRequest(t, app, fiber.MethodPost, "/admin/security/clear-blocked-ips", "", "")
	var payload struct {
		Data struct {
			Cleared int `json:"cleared"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Data.Cleared != 2 {
		t.Fatalf("cleared = %d, want 2", payload.Data.Cleared)
	}
}

func TestAdminReadEndpoints(t *testing.T) {
	e := newTestEngine(t, newFakeClock(), nil)
	app := newAdminApp(t, e)

	for _, target := range []string{
		"/admin/security/analytics",
		"/admin/security/dashboard",
		"/admin/security/health",
	} {
		rec := doRequest(t, app, fiber.MethodGet, target, "", "")
		if rec.Code != fiber.StatusOK {
			t.Fatalf("%s got %d", target, rec.Code)
		}
		var payload map[string]any
		if err := json.Unmarshal(rec.Body, &payload); err != nil {
			t.Fatalf("%s: %v", target, err)
		}
		if payload["status"] != "success" {
			t.Fatalf("%s: payload = %v", target, payload)
		}
	}

	rec := doRequest(t, app, fiber.MethodGet, "/admin/security/metrics", "", "")
	if rec.Code != fiber.StatusOK {
		t.Fatalf("metrics got %d", rec.Code)
	}
	if ct := rec.Header.Get(fiber.HeaderContentType); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("metrics content type = %q", ct)
	}
}

func TestClientIDHeaderPrecedence(t *testing.T) {
	e := newTestEngine(t, newFakeClock(), nil)
	app := fiber.New()
	var seen string
	app.Get("/", func(c *fiber.Ctx) error {
		seen = e.ClientID(c)
		return c.SendString("ok")
	})

	req := httptest.NewRequest(fiber.MethodGet, "/", nil)
	req.Header.Set("X-Real-IP", "198.51.100.1")
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	if _, err := app.Test(req, -1); err != nil {
		t.Fatal(err)
	}
	if seen != "198.51.100.1" {
		t.Fatalf("ClientID = %q, want X-Real-IP to win", seen)
	}

	req = httptest.NewRequest(fiber.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-For", " 203.0.113.7 , 10.0.0.1")
	if _, err := app.Test(req, -1); err != nil {
		t.Fatal(err)
	}
	if seen != "203.0.113.7" {
		t.Fatalf("ClientID = %q, want first forwarded hop", seen)
	}
}
