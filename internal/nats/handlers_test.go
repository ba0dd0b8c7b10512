package nats

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stone-age-io/svcwatch/internal/config"
	"github.com/stone-age-io/svcwatch/internal/svcctl"
	"github.com/stone-age-io/svcwatch/internal/svcctl/svctest"
	"github.com/stone-age-io/svcwatch/internal/tasks"
	"github.com/stone-age-io/svcwatch/internal/watcher"
)

func newTestHandlers(t *testing.T, f *svctest.Facility) *CommandHandlers {
	t.Helper()

	b := svcctl.New(f, zap.NewNop(),
		svcctl.WithPollInterval(time.Millisecond),
		svcctl.WithDefaultWait(time.Second))
	w := watcher.New(context.Background(), b, nil, zap.NewNop(),
		watcher.WithMonitorTimeout(20*time.Millisecond))
	t.Cleanup(w.Close)

	cfg := &config.Config{
		DeviceID:      "host-01",
		SubjectPrefix: "agents",
		Commands: config.CommandsConfig{
			AllowedServices: []string{"Spooler", "W32Time"},
		},
	}
	return NewCommandHandlers(zap.NewNop(), cfg, tasks.NewExecutor(zap.NewNop(), b, w, time.Second))
}

type recordingSubscriber struct {
	subjects []string
	fail     string
}

func (r *recordingSubscriber) Subscribe(subject string, _ nats.MsgHandler) (*nats.Subscription, error) {
	if subject == r.fail {
		return nil, errors.New("subscribe refused")
	}
	r.subjects = append(r.subjects, subject)
	return nil, nil
}

func TestSubscribeAll(t *testing.T) {
	h := newTestHandlers(t, svctest.New())

	sub := &recordingSubscriber{}
	require.NoError(t, h.SubscribeAll(sub))
	assert.Equal(t, []string{
		"agents.host-01.cmd.ping",
		"agents.host-01.cmd.service",
		"agents.host-01.cmd.install",
		"agents.host-01.cmd.uninstall",
		"agents.host-01.cmd.watch",
		"agents.host-01.cmd.health",
		"agents.host-01.cmd.metrics",
	}, sub.subjects)

	failing := &recordingSubscriber{fail: "agents.host-01.cmd.install"}
	assert.Error(t, h.SubscribeAll(failing))
	assert.Len(t, failing.subjects, 2)
}

func TestHandlePing(t *testing.T) {
	h := newTestHandlers(t, svctest.New())

	resp, ok := h.handlePing(nil).(pingResponse)
	require.True(t, ok)
	assert.Equal(t, "pong", resp.Status)
	assert.NotEmpty(t, resp.Timestamp)
}

func TestHandleServiceControl(t *testing.T) {
	f := svctest.New()
	f.Add("Spooler", svcctl.Stopped)
	h := newTestHandlers(t, f)

	tests := []struct {
		name       string
		request    string
		wantStatus string
		wantError  string
	}{
		{
			name:       "start allowed service",
			request:    `{"action":"start","service_name":"Spooler"}`,
			wantStatus: "success",
		},
		{
			name:       "status",
			request:    `{"action":"status","service_name":"Spooler"}`,
			wantStatus: "success",
		},
		{
			name:       "service not allowed",
			request:    `{"action":"start","service_name":"sshd"}`,
			wantStatus: "error",
			wantError:  "not in allowed list",
		},
		{
			name:       "invalid action",
			request:    `{"action":"reload","service_name":"Spooler"}`,
			wantStatus: "error",
			wantError:  "invalid action",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, ok := h.handleServiceControl([]byte(tt.request)).(serviceControlResponse)
			require.True(t, ok)
			assert.Equal(t, tt.wantStatus, resp.Status)
			if tt.wantError != "" {
				assert.Contains(t, resp.Error, tt.wantError)
			}
		})
	}

	state, _ := f.State("Spooler")
	assert.Equal(t, svcctl.Running, state)
}

func TestHandleServiceControlWait(t *testing.T) {
	f := svctest.New()
	f.Add("W32Time", svcctl.Running)
	f.OnStop("W32Time", svcctl.Snapshot{State: svcctl.StopPending}, svcctl.Snapshot{State: svcctl.Stopped})
	h := newTestHandlers(t, f)

	resp, ok := h.handleServiceControl([]byte(`{"action":"stop","service_name":"W32Time","wait":true}`)).(serviceControlResponse)
	require.True(t, ok)
	assert.Equal(t, "success", resp.Status)
	state, _ := f.State("W32Time")
	assert.Equal(t, svcctl.Stopped, state)

	resp, ok = h.handleServiceControl([]byte(`{"action":"restart","service_name":"W32Time","wait":true}`)).(serviceControlResponse)
	require.True(t, ok)
	assert.Equal(t, "error", resp.Status)
	assert.Contains(t, resp.Error, "must be start or stop when waiting")
}

func TestHandleMalformedRequests(t *testing.T) {
	h := newTestHandlers(t, svctest.New())

	handlers := map[string]commandFunc{
		"service":   h.handleServiceControl,
		"install":   h.handleInstall,
		"uninstall": h.handleUninstall,
		"watch":     h.handleWatch,
		"metrics":   h.handleMetrics,
	}
	for name, fn := range handlers {
		t.Run(name, func(t *testing.T) {
			resp, ok := fn([]byte("{not json")).(errorResponse)
			require.True(t, ok)
			assert.Equal(t, "Invalid request format", resp.Error)
		})
	}

	metrics := h.taskExecutor.GetAgentMetrics()
	assert.Equal(t, int64(len(handlers)), metrics.CommandsErrored)
}

func TestHandleInstall(t *testing.T) {
	f := svctest.New()
	h := newTestHandlers(t, f)
	request := `{"service_name":"W32Time","display_name":"Time","binary_path":"C:\\svc\\time.exe"}`

	resp := h.handleInstall([]byte(request)).(serviceControlResponse)
	assert.Equal(t, "error", resp.Status)
	assert.Contains(t, resp.Error, "install commands are disabled")

	h.config.Commands.AllowInstall = true
	resp = h.handleInstall([]byte(request)).(serviceControlResponse)
	require.Equal(t, "success", resp.Status, resp.Error)
	assert.Equal(t, "install", resp.Action)

	state, ok := f.State("W32Time")
	require.True(t, ok)
	assert.Equal(t, svcctl.Running, state)

	resp = h.handleUninstall([]byte(`{"service_name":"W32Time"}`)).(serviceControlResponse)
	require.Equal(t, "success", resp.Status, resp.Error)
	_, ok = f.State("W32Time")
	assert.False(t, ok)
	assert.Zero(t, f.Outstanding())
}

func TestHandleWatch(t *testing.T) {
	f := svctest.New()
	f.Add("Spooler", svcctl.Running)
	h := newTestHandlers(t, f)

	resp := h.handleWatch([]byte(`{"action":"add","service_name":"Spooler"}`)).(watchResponse)
	require.Equal(t, "success", resp.Status, resp.Error)
	require.Len(t, resp.Services, 1)
	assert.Equal(t, "Spooler", resp.Services[0].Name)
	assert.Equal(t, "Running", resp.Services[0].State)

	resp = h.handleWatch([]byte(`{"action":"add","service_name":"Missing"}`)).(watchResponse)
	assert.Equal(t, "error", resp.Status)
	assert.Len(t, resp.Services, 1)

	resp = h.handleWatch([]byte(`{"action":"list"}`)).(watchResponse)
	assert.Equal(t, "success", resp.Status)
	assert.Len(t, resp.Services, 1)
}

func TestHandleHealth(t *testing.T) {
	h := newTestHandlers(t, svctest.New())
	h.taskExecutor.RecordHeartbeat()

	resp := h.handleHealth(nil).(healthResponse)
	assert.Equal(t, "healthy", resp.Status)
	require.NotNil(t, resp.AgentMetrics)
	require.NotNil(t, resp.TaskMetrics)
	assert.Equal(t, int64(1), resp.TaskMetrics.HeartbeatCount)
}

func TestHandleMetrics(t *testing.T) {
	f := svctest.New()
	f.Add("Spooler", svcctl.Stopped)
	h := newTestHandlers(t, f)

	resp, ok := h.handleMetrics(nil).(metricsResponse)
	require.True(t, ok)
	assert.Equal(t, "prometheus", resp.Format)
	assert.Contains(t, resp.Metrics, `svcwatch_service_state{service="Spooler"} 1`)
	assert.Contains(t, resp.Metrics, `svcwatch_service_state{service="W32Time"} 0`)
	assert.Contains(t, resp.Metrics, `svcwatch_service_running{service="Spooler"} 0`)

	resp = h.handleMetrics([]byte(`{"services":["Spooler"]}`)).(metricsResponse)
	assert.NotContains(t, resp.Metrics, "W32Time")

	f.FailConnect(errors.New("rpc unavailable"))
	failed, ok := h.handleMetrics(nil).(*tasks.MetricsError)
	require.True(t, ok)
	assert.Equal(t, "error", failed.Status)
}

func TestRunRecoversPanics(t *testing.T) {
	h := newTestHandlers(t, svctest.New())

	resp := h.run("boom", "agents.host-01.cmd.boom", nil, func([]byte) interface{} {
		panic("handler exploded")
	})

	errResp, ok := resp.(errorResponse)
	require.True(t, ok)
	assert.Equal(t, "error", errResp.Status)
	assert.True(t, strings.Contains(errResp.Error, "handler exploded"))
	assert.Equal(t, int64(1), h.taskExecutor.GetAgentMetrics().CommandsErrored)
}

func TestHandlerWithoutReplySubject(t *testing.T) {
	h := newTestHandlers(t, svctest.New())

	// An unbound message cannot be answered; the handler logs and returns.
	handler := h.handler("ping", h.handlePing)
	assert.NotPanics(t, func() {
		handler(&nats.Msg{Subject: "agents.host-01.cmd.ping"})
	})
}

func TestResponsesEncode(t *testing.T) {
	data, err := json.Marshal(watchResponse{Status: "success", Timestamp: "t"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"success","services":null,"timestamp":"t"}`, string(data))
}
