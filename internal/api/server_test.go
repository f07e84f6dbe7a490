package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/Tacke300/fund-sub001/internal/engine"
	"github.com/Tacke300/fund-sub001/internal/models"
)

type stubController struct {
	status      engine.Status
	startErr    error
	stopErr     error
	transferErr error
	lastStart   float64
	transfers   int
}

func (s *stubController) Snapshot() engine.Status { return s.status }
func (s *stubController) Start(ctx context.Context, fraction float64) error {
	s.lastStart = fraction
	return s.startErr
}
func (s *stubController) Stop() error { return s.stopErr }
func (s *stubController) TransferFunds(ctx context.Context, from, to string, amount float64) error {
	s.transfers++
	return s.transferErr
}

func testRouter(controller Controller) *gin.Engine {
	gin.SetMode(gin.TestMode)
	s := &Server{controller: controller}
	router := gin.New()
	s.registerRoutes(router)
	return router
}

func TestStatusEndpoint(t *testing.T) {
	stub := &stubController{status: engine.Status{
		Engine:   "fund-sub001",
		RunState: models.StateRunning,
		TotalPnl: 12.5,
	}}
	router := testRouter(stub)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var got map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["run_state"] != "RUNNING" {
		t.Errorf("run_state = %v", got["run_state"])
	}
	if got["total_pnl"] != 12.5 {
		t.Errorf("total_pnl = %v", got["total_pnl"])
	}
}

func TestStartEndpoint(t *testing.T) {
	stub := &stubController{}
	router := testRouter(stub)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/start", strings.NewReader(`{"capital_fraction":0.5}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if stub.lastStart != 0.5 {
		t.Errorf("fraction = %v", stub.lastStart)
	}

	// Missing body is a client error, not a controller call.
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/start", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty start = %d, want 400", w.Code)
	}
}

func TestStartConflict(t *testing.T) {
	stub := &stubController{startErr: errors.New("engine is RUNNING")}
	router := testRouter(stub)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/start", strings.NewReader(`{"capital_fraction":0.5}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
}

func TestStopEndpoint(t *testing.T) {
	router := testRouter(&stubController{})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/stop", nil)
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestTransferFundsEndpoint(t *testing.T) {
	stub := &stubController{}
	router := testRouter(stub)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/transfer-funds",
		strings.NewReader(`{"from_venue":"okx","to_venue":"binance","amount":100}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if stub.transfers != 1 {
		t.Errorf("transfers = %d", stub.transfers)
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/transfer-funds", strings.NewReader(`{"from_venue":"okx"}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("partial transfer request = %d, want 400", w.Code)
	}
}
