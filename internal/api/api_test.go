package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"codeberg.org/mutker/thermalctl/internal/alert"
	"codeberg.org/mutker/thermalctl/internal/api"
	"codeberg.org/mutker/thermalctl/internal/control"
	"codeberg.org/mutker/thermalctl/internal/fan"
	"codeberg.org/mutker/thermalctl/internal/logger"
	"codeberg.org/mutker/thermalctl/internal/monitor"
	"codeberg.org/mutker/thermalctl/internal/telemetry"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	sim    *telemetry.Simulator
	alerts *alert.Engine
	mon    *monitor.Supervisor
	srv    *api.Server
}

func stubPerformance(context.Context) (monitor.Performance, error) {
	return monitor.Performance{CPUPercent: 5}, nil
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	simCfg := telemetry.DefaultSimulatorConfig()
	simCfg.Dynamic = false
	sim := telemetry.NewSimulator(simCfg)
	sim.SetTemperature("cpu0", 60)
	sim.SetTemperature("cpu1", 55)

	log := logger.Nop()
	fans := fan.NewEngine(sim, fan.WithLogger(log), fan.WithSettleDelay(0))

	ctl, err := control.NewSupervisor(sim, fans, control.Settings{
		TargetTemperature:      65,
		MinFanSpeed:            20,
		MaxFanSpeed:            90,
		ControlIntervalSeconds: 15,
		Kp:                     1.0,
		Ki:                     0.2,
		Kd:                     0.1,
		Strategy:               control.StrategyBalanced,
	}, control.WithLogger(log))
	require.NoError(t, err)
	t.Cleanup(ctl.Shutdown)

	alerts := alert.NewEngine(alert.WithLogger(log))
	alerts.InstallDefaultRules()

	mon := monitor.NewSupervisor(sim, fans,
		monitor.WithLogger(log),
		monitor.WithAlerts(alerts),
		monitor.WithControl(ctl),
		monitor.WithPerformanceSampler(stubPerformance),
	)
	t.Cleanup(mon.Stop)

	srv := api.NewServer(context.Background(), ":0", api.Deps{
		Fans:    fans,
		Control: ctl,
		Alerts:  alerts,
		Monitor: mon,
	}, log)

	return &fixture{sim: sim, alerts: alerts, mon: mon, srv: srv}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)

	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()

	body := decode(t, rec)
	e, ok := body["error"].(map[string]any)
	require.True(t, ok, rec.Body.String())
	return e["code"].(string)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestFans(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/fans", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["fans"], 2)

	rec = f.do(t, http.MethodGet, "/api/v1/fans/fan0", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "fan0", decode(t, rec)["fan_id"])

	rec = f.do(t, http.MethodGet, "/api/v1/fans/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "resource_not_found", errorCode(t, rec))
}

func TestSetSpeed(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPut, "/api/v1/fans/fan0/speed", map[string]any{"speed_percent": 70})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.InDelta(t, 70, f.sim.CommandedSpeed("fan0"), 1e-9)

	rec = f.do(t, http.MethodPut, "/api/v1/fans/fan0/speed", map[string]any{"speed_percent": 150})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_failed", errorCode(t, rec))

	rec = f.do(t, http.MethodPut, "/api/v1/fans/fan0/speed", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_argument", errorCode(t, rec))

	rec = f.do(t, http.MethodPut, "/api/v1/fans", map[string]any{"speed_percent": 40})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.InDelta(t, 40, f.sim.CommandedSpeed("fan1"), 1e-9)
	assert.Equal(t, map[string]any{"fan0": "ok", "fan1": "ok"}, decode(t, rec)["results"])

	f.sim.Fail(telemetry.OpSetFan, "fan1", fmt.Errorf("bus timeout"))
	rec = f.do(t, http.MethodPut, "/api/v1/fans", map[string]any{"speed_percent": 60})
	require.Equal(t, http.StatusOK, rec.Code)
	results := decode(t, rec)["results"].(map[string]any)
	assert.Equal(t, "ok", results["fan0"])
	assert.Contains(t, results["fan1"], "bus timeout")
	assert.InDelta(t, 60, f.sim.CommandedSpeed("fan0"), 1e-9)
	assert.InDelta(t, 40, f.sim.CommandedSpeed("fan1"), 1e-9)
}

func TestFanConfigAndCurve(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPut, "/api/v1/fans/fan0/config",
		map[string]any{"name": "front", "min_speed_percent": 20, "max_speed_percent": 80})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPut, "/api/v1/fans/fan0/speed", map[string]any{"speed_percent": 90})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodDelete, "/api/v1/fans/fan0/config", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(t, http.MethodGet, "/api/v1/fans/fan0/config", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/fans/fan0/curve", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	curve := map[string]any{
		"name": "quiet",
		"points": []map[string]any{
			{"temperature": 40, "speed_percent": 30},
			{"temperature": 80, "speed_percent": 90},
		},
	}
	rec = f.do(t, http.MethodPut, "/api/v1/fans/fan0/curve", curve)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "quiet", decode(t, rec)["name"])

	rec = f.do(t, http.MethodPost, "/api/v1/fans/fan0/curve/optimize", map[string]any{"temperatures": []float64{50}})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "insufficient_data", errorCode(t, rec))
}

func TestControlEmergencyAndManual(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/control/emergency", map[string]any{"reason": "drill"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["actions"], 2)
	assert.InDelta(t, 100, f.sim.CommandedSpeed("fan0"), 1e-9)

	manual := map[string]any{"fan_id": "fan1", "speed_percent": 40}
	rec = f.do(t, http.MethodPost, "/api/v1/control/manual", manual)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "control_emergency_active", errorCode(t, rec))

	rec = f.do(t, http.MethodDelete, "/api/v1/control/emergency", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["emergency"])

	rec = f.do(t, http.MethodPost, "/api/v1/control/manual", manual)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["success"])

	rec = f.do(t, http.MethodGet, "/api/v1/control/actions?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 3, decode(t, rec)["count"])

	rec = f.do(t, http.MethodGet, "/api/v1/control/actions?limit=x", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestControlSettingsAndStrategy(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPut, "/api/v1/control/strategy", map[string]any{"strategy": "bogus"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPut, "/api/v1/control/strategy", map[string]any{"strategy": "aggressive"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "aggressive", decode(t, rec)["current_strategy"])

	settings := map[string]any{
		"target_temperature":       70,
		"min_fan_speed":            95,
		"max_fan_speed":            90,
		"control_interval_seconds": 10,
		"pid_kp":                   1,
		"current_strategy":         "custom",
	}
	rec = f.do(t, http.MethodPut, "/api/v1/control/settings", settings)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/control/optimize", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestControlEnableDisable(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/control/disable", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/control/enable", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["enabled"])

	rec = f.do(t, http.MethodPost, "/api/v1/control/enable", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/control/disable", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["enabled"])
}

func TestAlertLifecycle(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/alerts",
		map[string]any{"alert_type": "system", "severity": "warning", "source": "test", "message": "hello"})
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode(t, rec)["id"].(string)

	rec = f.do(t, http.MethodGet, "/api/v1/alerts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["count"])

	rec = f.do(t, http.MethodPost, "/api/v1/alerts/"+id+"/acknowledge", map[string]any{"by": "ops"})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "acknowledged", body["status"])
	assert.Equal(t, "ops", body["acknowledged_by"])

	rec = f.do(t, http.MethodPost, "/api/v1/alerts/"+id+"/resolve", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "api", decode(t, rec)["resolved_by"])

	rec = f.do(t, http.MethodGet, "/api/v1/history/alerts?status=resolved", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["count"])

	rec = f.do(t, http.MethodGet, "/api/v1/alerts/unknown", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/alerts", map[string]any{"alert_type": "nope", "severity": "info", "source": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/statistics/alerts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode(t, rec)
	assert.EqualValues(t, 1, stats["total"])
	assert.EqualValues(t, 1, stats["resolved"])
}

func TestRulesAndChannels(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/rules", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["rules"], 4)

	rule := map[string]any{
		"name": "hot", "rule_type": "temperature", "condition": "greater_than",
		"threshold": 70, "severity": "warning", "enabled": true,
	}
	rec = f.do(t, http.MethodPost, "/api/v1/rules", rule)
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode(t, rec)["id"].(string)

	rec = f.do(t, http.MethodGet, "/api/v1/rules/"+id, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodDelete, "/api/v1/rules/"+id, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(t, http.MethodDelete, "/api/v1/rules/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/channels",
		map[string]any{"name": "ops", "channel_type": "email", "enabled": true, "config": map[string]string{"to": "ops@example.com"}})
	require.Equal(t, http.StatusCreated, rec.Code)
	chID := decode(t, rec)["id"].(string)

	rec = f.do(t, http.MethodGet, "/api/v1/channels", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["channels"], 1)

	// no notifier configured
	rec = f.do(t, http.MethodPost, "/api/v1/channels/"+chID+"/test", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "service_unavailable", errorCode(t, rec))
}

func TestMonitoring(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/monitoring/collect", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Nil(t, body["errors"])

	rec = f.do(t, http.MethodGet, "/api/v1/monitoring/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decode(t, rec)["status"])

	rec = f.do(t, http.MethodGet, "/api/v1/monitoring/historical?type=temperature", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, decode(t, rec)["count"])

	rec = f.do(t, http.MethodGet, "/api/v1/monitoring/historical?type=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/monitoring/historical?start=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/monitoring/snapshots", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/monitoring/restart", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	require.NoError(t, f.mon.Start(context.Background()))
	rec = f.do(t, http.MethodPost, "/api/v1/monitoring/restart", map[string]any{"health_interval_seconds": 60})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["tasks"], 6)
	assert.Equal(t, 60, int(f.mon.Intervals().Health.Seconds()))
}

func TestWebSocketStream(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mon.TriggerDataCollection(context.Background()))

	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/monitoring/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	var msg struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "snapshot", msg.Type)
	assert.Len(t, msg.Data["temperatures"], 2)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "pong", msg.Type)
}
