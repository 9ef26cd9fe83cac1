package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/FireDesk/firegate/internal/account"
	"github.com/FireDesk/firegate/internal/config"
	"github.com/FireDesk/firegate/internal/estop"
	"github.com/FireDesk/firegate/internal/middleware"
	"github.com/FireDesk/firegate/internal/model"
	"github.com/FireDesk/firegate/internal/pool"
	"github.com/FireDesk/firegate/internal/quota"
	"github.com/FireDesk/firegate/internal/ratelimit"
	"github.com/FireDesk/firegate/internal/risk"
	"github.com/FireDesk/firegate/internal/router"
)

type testGateway struct {
	engine     *gin.Engine
	stops      *estop.Controller
	evaluator  *risk.Evaluator
	dispatcher *router.ChannelDispatcher
	pool       *pool.Pool
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		RateLimit: config.RateLimitConfig{FireLimit: 100, FireWindowSeconds: 60},
		FireModes: []config.FireModeConfig{
			{Name: "single", MaxPerWindow: 100, WindowSeconds: 3600},
		},
		Tiers: []config.TierConfig{
			{Name: "standard", MaxOpenTrades: 10, PositionLimit: 100},
		},
		Accounts: []config.AccountConfig{
			{UserID: "u1", Name: "User One", APIKey: "k1", Tier: "standard", FireMode: "single"},
		},
	}

	accounts := account.NewManager(cfg)
	stops := estop.NewController(estop.NewMemoryRepo(), 5*time.Minute)
	evaluator := risk.NewEvaluator(config.RiskConfig{
		MarginLevelDanger: 100, MarginLevelCritical: 150, MarginLevelWarning: 200,
		DrawdownCriticalPct: 20, DrawdownWarningPct: 10,
	}, 30*time.Second)
	endpointPool := pool.New([]model.Endpoint{{ID: "ep-1", Tier: model.TierStandard, Capacity: 4}}, nil)
	dispatcher := router.NewChannelDispatcher(8)
	limiter := ratelimit.New(ratelimit.NewMemoryStore(), nil)

	fireRouter := router.New(accounts, limiter, stops, quota.NewTracker(), evaluator, endpointPool, dispatcher, router.Options{
		FireLimit:  100,
		FireWindow: time.Minute,
		AckTimeout: time.Second,
	})

	done := make(chan struct{})
	t.Cleanup(func() { close(done) })
	go func() {
		commands := dispatcher.Commands("ep-1")
		for {
			select {
			case <-done:
				return
			case cmd := <-commands:
				dispatcher.Acknowledge(model.ExecutionAck{
					CorrelationID: cmd.CorrelationID,
					Success:       true,
					Ticket:        "T-1",
				})
			}
		}
	}()

	fireHandler := NewFireHandler(fireRouter)
	telemetryHandler := NewTelemetryHandler(evaluator, config.RiskConfig{DefaultRiskPct: 0.02, PointValue: 1.0})
	controlHandler := NewControlHandler(stops, endpointPool, dispatcher)

	engine := gin.New()
	engine.Use(middleware.ErrorHandler())
	v1 := engine.Group("/v1")
	v1.Use(middleware.AuthMiddleware(cfg, accounts))
	v1.POST("/fire", fireHandler.Fire)
	v1.POST("/telemetry", telemetryHandler.Push)
	v1.GET("/risk/:user_id", telemetryHandler.Verdict)
	v1.GET("/risk/:user_id/size", telemetryHandler.SuggestSize)
	v1.POST("/positions/:id/close", fireHandler.ClosePosition)
	v1.GET("/pool/stats", controlHandler.PoolStats)
	v1.DELETE("/estop", controlHandler.DeactivateStop)

	return &testGateway{
		engine:     engine,
		stops:      stops,
		evaluator:  evaluator,
		dispatcher: dispatcher,
		pool:       endpointPool,
	}
}

func (g *testGateway) do(method, path string, payload any) *httptest.ResponseRecorder {
	var body *bytes.Reader
	if payload != nil {
		raw, _ := json.Marshal(payload)
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("X-Gateway-Key", "k1")
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	g.engine.ServeHTTP(w, req)
	return w
}

func (g *testGateway) pushTelemetry(t *testing.T) {
	w := g.do(http.MethodPost, "/v1/telemetry", model.AccountSnapshot{
		UserID:      "u1",
		Balance:     10000,
		Equity:      10000,
		Margin:      500,
		FreeMargin:  9500,
		MarginLevel: 2000,
		ObservedAt:  time.Now(),
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("telemetry push: %d %s", w.Code, w.Body.String())
	}
}

func fireBody() map[string]any {
	return map[string]any{
		"symbol":    "XAUUSD",
		"direction": "BUY",
		"size":      0.1,
	}
}

func TestFireApproved(t *testing.T) {
	g := newTestGateway(t)
	g.pushTelemetry(t)

	w := g.do(http.MethodPost, "/v1/fire", fireBody())
	if w.Code != http.StatusOK {
		t.Fatalf("fire: %d %s", w.Code, w.Body.String())
	}
	var result model.AdmissionResult
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("bad response body: %v", err)
	}
	if !result.Approved || result.Ticket != "T-1" {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestFireRejectsWrongAPIKey(t *testing.T) {
	g := newTestGateway(t)

	raw, _ := json.Marshal(fireBody())
	req := httptest.NewRequest(http.MethodPost, "/v1/fire", bytes.NewReader(raw))
	req.Header.Set("X-Gateway-Key", "wrong")
	w := httptest.NewRecorder()
	g.engine.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key should 401, got %d", w.Code)
	}
}

func TestFireRejectsMalformedBody(t *testing.T) {
	g := newTestGateway(t)

	w := g.do(http.MethodPost, "/v1/fire", map[string]any{"symbol": "XAUUSD"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing required fields should 400, got %d %s", w.Code, w.Body.String())
	}
}

func TestFireDeniedDuringEmergencyStop(t *testing.T) {
	g := newTestGateway(t)
	g.pushTelemetry(t)

	if _, err := g.stops.Activate(model.TriggerPanic, "", "", "test", 0, nil); err != nil {
		t.Fatalf("activate: %v", err)
	}

	w := g.do(http.MethodPost, "/v1/fire", fireBody())
	if w.Code != http.StatusForbidden {
		t.Fatalf("stopped gateway should 403, got %d %s", w.Code, w.Body.String())
	}
	var result model.AdmissionResult
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("bad response body: %v", err)
	}
	if result.Approved || result.DenialReason != "EMERGENCY_STOP_ACTIVE" {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestFireDeniedWithoutTelemetry(t *testing.T) {
	g := newTestGateway(t)

	w := g.do(http.MethodPost, "/v1/fire", fireBody())
	if w.Code != http.StatusForbidden {
		t.Fatalf("stale telemetry should 403, got %d %s", w.Code, w.Body.String())
	}
}

func TestRiskVerdictEndpoint(t *testing.T) {
	g := newTestGateway(t)
	g.pushTelemetry(t)

	w := g.do(http.MethodGet, "/v1/risk/u1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("verdict: %d %s", w.Code, w.Body.String())
	}
	var verdict model.RiskVerdict
	if err := json.Unmarshal(w.Body.Bytes(), &verdict); err != nil {
		t.Fatalf("bad response body: %v", err)
	}
	if verdict.BlockNewTrades {
		t.Fatalf("healthy account should not be blocked: %+v", verdict)
	}
}

func TestSuggestSize(t *testing.T) {
	g := newTestGateway(t)
	g.pushTelemetry(t)

	w := g.do(http.MethodGet, "/v1/risk/u1/size?stop_points=50", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("suggest size: %d %s", w.Code, w.Body.String())
	}
	var resp struct {
		Size float64 `json:"size"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response body: %v", err)
	}
	if resp.Size != 4.0 {
		t.Fatalf("size = %v, want 4.0 (10000 * 0.02 / 50)", resp.Size)
	}

	w = g.do(http.MethodGet, "/v1/risk/u1/size", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing stop_points should 400, got %d", w.Code)
	}

	w = g.do(http.MethodGet, "/v1/risk/ghost/size?stop_points=50", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown user should 404, got %d", w.Code)
	}
}

func TestDeactivateStopViaQueryParams(t *testing.T) {
	g := newTestGateway(t)

	if _, err := g.stops.Activate(model.TriggerDrawdown, "", "u1", "dd breach", time.Hour, nil); err != nil {
		t.Fatalf("activate: %v", err)
	}

	// Recovery time is still in the future, so only force clears it.
	w := g.do(http.MethodDelete, "/v1/estop?user_id=u1", nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("deactivation before recovery time should 403, got %d %s", w.Code, w.Body.String())
	}

	w = g.do(http.MethodDelete, "/v1/estop?user_id=u1&force=true", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("forced deactivation: %d %s", w.Code, w.Body.String())
	}
	if blocked, _ := g.stops.Blocked("u1"); blocked {
		t.Fatal("u1 should be unblocked after forced deactivation")
	}

	w = g.do(http.MethodDelete, "/v1/estop?force=maybe", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("non-boolean force should 400, got %d", w.Code)
	}
}

func TestClosePositionLifecycle(t *testing.T) {
	g := newTestGateway(t)
	g.pushTelemetry(t)

	w := g.do(http.MethodPost, "/v1/fire", fireBody())
	if w.Code != http.StatusOK {
		t.Fatalf("fire: %d %s", w.Code, w.Body.String())
	}
	var result model.AdmissionResult
	_ = json.Unmarshal(w.Body.Bytes(), &result)

	w = g.do(http.MethodPost, "/v1/positions/"+result.RequestID+"/close", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("close: %d %s", w.Code, w.Body.String())
	}

	w = g.do(http.MethodPost, "/v1/positions/"+result.RequestID+"/close", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("double close should 404, got %d", w.Code)
	}
}
