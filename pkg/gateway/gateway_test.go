package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/garagemate/ecubus"
	"github.com/garagemate/ecubus/pkg/flash"
	"github.com/garagemate/ecubus/pkg/profile"
	"github.com/garagemate/ecubus/pkg/session"
)

func newTestGateway(t *testing.T) (*Server, *session.Coordinator, *ecubus.SimAdapter) {
	t.Helper()
	sim := ecubus.NewSim(&ecubus.AdapterConfig{})
	conn, err := ecubus.New(context.Background(), sim,
		ecubus.WithRequestTimeout(100*time.Millisecond),
		ecubus.WithHandshakeTimeout(200*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if err := conn.Open(context.Background()); err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	reg := profile.NewRegistry()
	prof := profile.Demo()
	if err := reg.Add(prof); err != nil {
		t.Fatalf("registry Add() error: %v", err)
	}
	coord := session.New(conn, reg, prof)
	return New(coord, NewOptions()), coord, sim
}

func getJSON(t *testing.T, ts *httptest.Server, path string, wantCode int, out any) {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s error: %v", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantCode {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("GET %s = %d, want %d: %s", path, resp.StatusCode, wantCode, body)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("GET %s decode error: %v", path, err)
		}
	}
}

func postJSON(t *testing.T, ts *httptest.Server, path string, in any, wantCode int, out any) {
	t.Helper()
	payload, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("POST %s error: %v", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantCode {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("POST %s = %d, want %d: %s", path, resp.StatusCode, wantCode, body)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("POST %s decode error: %v", path, err)
		}
	}
}

func TestHealthz(t *testing.T) {
	srv, _, _ := newTestGateway(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /healthz = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "ok" {
		t.Errorf("GET /healthz body = %q, want %q", body, "ok")
	}
}

func TestReadyzNotConnected(t *testing.T) {
	sim := ecubus.NewSim(&ecubus.AdapterConfig{})
	conn, err := ecubus.New(context.Background(), sim)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	reg := profile.NewRegistry()
	prof := profile.Demo()
	if err := reg.Add(prof); err != nil {
		t.Fatalf("registry Add() error: %v", err)
	}
	srv := New(session.New(conn, reg, prof), NewOptions())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("GET /readyz = %d, want 503", resp.StatusCode)
	}
}

func TestStatus(t *testing.T) {
	srv, _, _ := newTestGateway(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	var body statusBody
	getJSON(t, ts, "/api/status", http.StatusOK, &body)
	if body.State != "Connected" {
		t.Errorf("state = %q, want Connected", body.State)
	}
	if body.Identity.Serial != "00420137" {
		t.Errorf("serial = %q, want 00420137", body.Identity.Serial)
	}
	if body.Identity.Firmware != "0x010A0004" {
		t.Errorf("firmware = %q, want 0x010A0004", body.Identity.Firmware)
	}
	if body.Profile != "demo" {
		t.Errorf("profile = %q, want demo", body.Profile)
	}
	if len(body.Profiles) != 1 || body.Profiles[0] != "demo" {
		t.Errorf("profiles = %v, want [demo]", body.Profiles)
	}
	if body.FlashID != "" {
		t.Errorf("flash_id = %q, want empty", body.FlashID)
	}
}

func TestSnapshot(t *testing.T) {
	srv, coord, _ := newTestGateway(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	var errBody errorBody
	getJSON(t, ts, "/api/snapshot", http.StatusServiceUnavailable, &errBody)
	if errBody.Error == "" {
		t.Error("503 body carries no error message")
	}

	if _, err := coord.ReadNow(context.Background()); err != nil {
		t.Fatalf("ReadNow() error: %v", err)
	}

	var snap struct {
		Readings []struct {
			Name  string  `json:"name"`
			Value float64 `json:"value"`
		} `json:"readings"`
		DTCs []struct {
			Code string `json:"code"`
		} `json:"dtcs"`
	}
	getJSON(t, ts, "/api/snapshot", http.StatusOK, &snap)
	if len(snap.Readings) != 4 {
		t.Fatalf("readings = %d, want 4", len(snap.Readings))
	}
	byName := map[string]float64{}
	for _, rd := range snap.Readings {
		byName[rd.Name] = rd.Value
	}
	if byName["engine_rpm"] != 800 {
		t.Errorf("engine_rpm = %g, want 800", byName["engine_rpm"])
	}
	if byName["coolant_temp"] != 91 {
		t.Errorf("coolant_temp = %g, want 91", byName["coolant_temp"])
	}
}

func TestLimitsEndpoint(t *testing.T) {
	srv, _, _ := newTestGateway(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	var body limitsBody
	getJSON(t, ts, "/api/limits", http.StatusOK, &body)
	if body.Profile != "demo" {
		t.Errorf("profile = %q, want demo", body.Profile)
	}
	if len(body.Parameters) != 4 {
		t.Fatalf("parameters = %d, want 4", len(body.Parameters))
	}
	if body.Parameters[0].Name != "boost_turbo" || body.Parameters[0].Max != 1.2 {
		t.Errorf("parameters[0] = %+v, want boost_turbo max 1.2", body.Parameters[0])
	}

	getJSON(t, ts, "/api/limits?profile=no-such", http.StatusNotFound, nil)
}

func TestConfigEndpoint(t *testing.T) {
	srv, _, _ := newTestGateway(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	var cfg map[string]float64
	getJSON(t, ts, "/api/config", http.StatusOK, &cfg)
	if cfg["boost_turbo"] != 1.0 {
		t.Errorf("boost_turbo = %g, want 1.0", cfg["boost_turbo"])
	}
	if cfg["rev_limit"] != 6500 {
		t.Errorf("rev_limit = %g, want 6500", cfg["rev_limit"])
	}
}

func TestFlashEndpoint(t *testing.T) {
	srv, _, sim := newTestGateway(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	var res flash.Result
	postJSON(t, ts, "/api/flash", flashRequest{Set: map[string]float64{"boost_turbo": 1.05}}, http.StatusOK, &res)
	if res.State != flash.StateCommitted {
		t.Errorf("state = %s, want committed", res.State)
	}
	if res.ID == "" {
		t.Error("result carries no session id")
	}
	if raw, _ := sim.Param(0x0101); raw != 1050 {
		t.Errorf("boost_turbo raw = %d, want 1050", raw)
	}
}

func TestFlashEndpointRejected(t *testing.T) {
	srv, _, sim := newTestGateway(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	before := sim.Params()
	var body errorBody
	postJSON(t, ts, "/api/flash", flashRequest{Set: map[string]float64{"boost_turbo": 2.0}}, http.StatusUnprocessableEntity, &body)
	if len(body.Rejections) != 1 {
		t.Fatalf("rejections = %d, want 1: %+v", len(body.Rejections), body)
	}
	rej := body.Rejections[0]
	if rej.Parameter != "boost_turbo" || rej.Reason != "above maximum" || rej.Limit != 1.2 {
		t.Errorf("rejection = %+v, want boost_turbo above maximum 1.2", rej)
	}
	for id, raw := range sim.Params() {
		if raw != before[id] {
			t.Errorf("param 0x%04X changed to %d on a rejected flash", id, raw)
		}
	}
}

func TestFlashEndpointBadRequest(t *testing.T) {
	srv, _, _ := newTestGateway(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/flash", "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("POST error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed body = %d, want 400", resp.StatusCode)
	}

	postJSON(t, ts, "/api/flash", flashRequest{}, http.StatusBadRequest, nil)

	resp, err = http.Get(ts.URL + "/api/flash")
	if err != nil {
		t.Fatalf("GET error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET /api/flash = %d, want 405", resp.StatusCode)
	}
}

func TestCancelEndpoint(t *testing.T) {
	srv, coord, sim := newTestGateway(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	postJSON(t, ts, "/api/cancel", cancelRequest{}, http.StatusNotFound, nil)

	sim.SetFaults(ecubus.SimFaults{DropAcks: 3})
	resCh := make(chan *flash.Result, 1)
	go func() {
		res, _ := coord.Flash(context.Background(), "", map[string]float64{
			"boost_turbo": 1.05,
			"fuel_trim":   2,
			"rev_limit":   6600,
			"idle_target": 900,
		}, flash.WithChunkSize(1), flash.WithRetryDelay(10*time.Millisecond))
		resCh <- res
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := coord.ActiveFlash(); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("flash never became active")
		}
		time.Sleep(5 * time.Millisecond)
	}

	var body cancelBody
	postJSON(t, ts, "/api/cancel", cancelRequest{}, http.StatusOK, &body)
	if body.State.Terminal() {
		t.Errorf("cancel accepted in terminal state %s", body.State)
	}

	res := <-resCh
	if res == nil || res.State != flash.StateRolledBack {
		t.Fatalf("flash result = %+v, want rolled back", res)
	}
}

func TestSessionsEndpoint(t *testing.T) {
	srv, coord, _ := newTestGateway(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	res, err := coord.Flash(context.Background(), "", map[string]float64{"boost_turbo": 1.05})
	if err != nil {
		t.Fatalf("Flash() error: %v", err)
	}

	var list []flash.Result
	getJSON(t, ts, "/api/sessions", http.StatusOK, &list)
	if len(list) != 1 || list[0].ID != res.ID {
		t.Errorf("sessions = %+v, want one entry %s", list, res.ID)
	}

	var one flash.Result
	getJSON(t, ts, "/api/sessions?id="+res.ID, http.StatusOK, &one)
	if one.State != flash.StateCommitted {
		t.Errorf("session state = %s, want committed", one.State)
	}

	getJSON(t, ts, "/api/sessions?id=flash-unknown", http.StatusNotFound, nil)
}

func TestWebSocketStream(t *testing.T) {
	srv, coord, _ := newTestGateway(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.feed(ctx)
	time.Sleep(20 * time.Millisecond) // let the watch subscriptions register

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	if _, err := coord.ReadNow(context.Background()); err != nil {
		t.Fatalf("ReadNow() error: %v", err)
	}

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// a fresh client is primed with the cached snapshot
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var primed Message
	if err := conn.ReadJSON(&primed); err != nil {
		t.Fatalf("ReadJSON() error: %v", err)
	}
	if primed.Snapshot == nil {
		t.Fatalf("first message = %+v, want snapshot", primed)
	}
	if _, ok := primed.Snapshot.Reading("engine_rpm"); !ok {
		t.Error("primed snapshot has no engine_rpm reading")
	}

	// flash progress streams over the same socket
	done := make(chan struct{})
	go func() {
		defer close(done)
		coord.Flash(context.Background(), "", map[string]float64{"boost_turbo": 1.05})
	}()

	sawCommitted := false
	deadline := time.Now().Add(3 * time.Second)
	for !sawCommitted && time.Now().Before(deadline) {
		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("ReadJSON() error: %v", err)
		}
		if msg.Flash != nil && msg.Flash.State == flash.StateCommitted {
			sawCommitted = true
		}
	}
	<-done
	if !sawCommitted {
		t.Error("never saw a committed flash status on the socket")
	}
}

func TestMetricsExposed(t *testing.T) {
	srv, _, _ := newTestGateway(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	if _, err := http.Get(ts.URL + "/healthz"); err != nil {
		t.Fatalf("GET /healthz error: %v", err)
	}
	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /metrics = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	for _, metric := range []string{
		"ecubus_connection_state",
		"ecubus_gateway_requests_total",
	} {
		if !strings.Contains(string(body), metric) {
			t.Errorf("/metrics output missing %s", metric)
		}
	}
}
