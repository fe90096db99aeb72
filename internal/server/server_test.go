package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getmu/control-plane/internal/adapter"
	"github.com/getmu/control-plane/internal/command"
	"github.com/getmu/control-plane/internal/config"
	"github.com/getmu/control-plane/internal/envelope"
	"github.com/getmu/control-plane/internal/executor"
	"github.com/getmu/control-plane/internal/generation"
	"github.com/getmu/control-plane/internal/identity"
	"github.com/getmu/control-plane/internal/issuestore"
	"github.com/getmu/control-plane/internal/operator"
	"github.com/getmu/control-plane/internal/outbox"
	"github.com/getmu/control-plane/internal/paths"
	"github.com/getmu/control-plane/internal/pipeline"
	"github.com/getmu/control-plane/internal/policy"
	"github.com/getmu/control-plane/internal/reload"
)

const (
	controlSecret  = "control-secret"
	terminalSecret = "terminal-secret"
)

type testServer struct {
	handler    http.Handler
	registry   *atomic.Pointer[adapter.Registry]
	identities *identity.Store
	outbox     *outbox.Outbox
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	p, err := paths.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, p.EnsureDirs())

	identities, err := identity.Load(p.IdentitiesJournal())
	require.NoError(t, err)
	t.Cleanup(func() { identities.Close() })

	commands, err := command.LoadStore(p.CommandsJournal())
	require.NoError(t, err)
	t.Cleanup(func() { commands.Close() })

	idem, err := command.LoadIdempotency(p.IdempotencyJournal(), time.Hour, 1000)
	require.NoError(t, err)
	t.Cleanup(func() { idem.Close() })

	ob, err := outbox.Load(p.OutboxJournal())
	require.NoError(t, err)
	t.Cleanup(func() { ob.Close() })

	issues, err := issuestore.Load(p.IssuesFile())
	require.NoError(t, err)

	policies, err := policy.NewManager(p.PolicyFile())
	require.NoError(t, err)

	audit, err := adapter.OpenAudit(p.AdapterAuditJournal(), 1<<20, logger)
	require.NoError(t, err)
	t.Cleanup(func() { audit.Close() })

	router := &executor.Router{
		Issues:         &executor.IssueExecutor{Store: issues},
		Identity:       identities,
		SelfLinkScopes: []string{"issues.read"},
	}
	pipe := pipeline.New(identities, commands, idem, policies, ob, router, nil,
		pipeline.Config{ConfirmTTL: time.Minute}, logger)

	reg, err := adapter.NewRegistry(adapter.NewTerminalAdapter(adapter.TerminalConfig{
		Secret: terminalSecret,
	}, pipe))
	require.NoError(t, err)

	var registry atomic.Pointer[adapter.Registry]
	registry.Store(reg)

	supervisor := generation.NewSupervisor()
	reloads := reload.NewManager(supervisor,
		func(context.Context) (*adapter.Registry, error) { return reg, nil },
		&registry, time.Second, logger)
	t.Cleanup(reloads.Close)

	cfg := &config.Config{}
	cfg.Channels.Terminal.SharedSecret = controlSecret

	srv := New(Deps{
		Config:     cfg,
		Logger:     logger,
		Paths:      p,
		Registry:   &registry,
		Audit:      audit,
		Identities: identities,
		Commands:   commands,
		Outbox:     ob,
		Supervisor: supervisor,
		Reloads:    reloads,
		Turns:      operator.NewTurns(),
		Pipeline:   pipe,
	})
	return &testServer{
		handler:    srv.Router(),
		registry:   &registry,
		identities: identities,
		outbox:     ob,
	}
}

// do runs one request through the router with the control-API secret set.
func (ts *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)

	var decoded map[string]any
	if rr.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &decoded))
	}
	return rr, decoded
}

func controlHeaders() map[string]string {
	return map[string]string{"X-Mu-Terminal-Secret": controlSecret}
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rr, body := ts.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, body["ok"])
}

func TestReadyReflectsRegistry(t *testing.T) {
	ts := newTestServer(t)

	rr, _ := ts.do(t, http.MethodGet, "/ready", nil, nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	ts.registry.Store(nil)
	rr, body := ts.do(t, http.MethodGet, "/ready", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "not_ready", body["error"])
}

func TestControlAPIRequiresSecret(t *testing.T) {
	ts := newTestServer(t)

	rr, body := ts.do(t, http.MethodGet, "/api/control-plane/status", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, false, body["ok"])

	rr, body = ts.do(t, http.MethodGet, "/api/control-plane/status", nil, controlHeaders())
	require.Equal(t, http.StatusOK, rr.Code)
	result := body["result"].(map[string]any)
	assert.Equal(t, float64(0), result["active_commands"])
	assert.Equal(t, float64(0), result["outbox_depth"])
}

func TestLinkListAndUnlinkIdentities(t *testing.T) {
	ts := newTestServer(t)

	rr, body := ts.do(t, http.MethodPost, "/api/control-plane/identities/link", map[string]any{
		"channel":           "slack",
		"channel_tenant_id": "T1",
		"channel_actor_id":  "U1",
		"scopes":            []string{"issues.read"},
	}, controlHeaders())
	require.Equal(t, http.StatusCreated, rr.Code)
	bindingID := body["result"].(map[string]any)["binding_id"].(string)
	assert.Regexp(t, `^bnd-`, bindingID)

	rr, body = ts.do(t, http.MethodGet, "/api/control-plane/identities", nil, controlHeaders())
	require.Equal(t, http.StatusOK, rr.Code)
	bindings := body["result"].(map[string]any)["bindings"].([]any)
	assert.Len(t, bindings, 1)

	rr, _ = ts.do(t, http.MethodPost, "/api/control-plane/identities/"+bindingID+"/unlink", map[string]any{
		"actor_binding_id": bindingID,
		"reason":           "done here",
	}, controlHeaders())
	require.Equal(t, http.StatusOK, rr.Code)

	rr, body = ts.do(t, http.MethodGet, "/api/control-plane/identities", nil, controlHeaders())
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, body["result"].(map[string]any)["bindings"])

	rr, body = ts.do(t, http.MethodGet, "/api/control-plane/identities?include_inactive=true", nil, controlHeaders())
	require.Equal(t, http.StatusOK, rr.Code)
	bindings = body["result"].(map[string]any)["bindings"].([]any)
	assert.Len(t, bindings, 1)
}

func TestRevokeRejectsUnknownBinding(t *testing.T) {
	ts := newTestServer(t)

	rr, body := ts.do(t, http.MethodPost, "/api/control-plane/identities/bnd-missing/revoke", map[string]any{
		"actor_binding_id": "bnd-admin",
		"reason":           "cleanup",
	}, controlHeaders())
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "not_found", body["error"])
}

func TestReloadEndpointAdvancesGeneration(t *testing.T) {
	ts := newTestServer(t)

	rr, body := ts.do(t, http.MethodPost, "/api/control-plane/reload", map[string]any{}, controlHeaders())
	require.Equal(t, http.StatusOK, rr.Code)
	result := body["result"].(map[string]any)
	gen := result["generation"].(map[string]any)
	assert.Equal(t, float64(1), gen["seq"])
}

func TestTurnEndpointCreatesTurn(t *testing.T) {
	ts := newTestServer(t)

	rr, body := ts.do(t, http.MethodPost, "/api/control-plane/turn", map[string]any{
		"session_id": "ses-1",
	}, controlHeaders())
	require.Equal(t, http.StatusCreated, rr.Code)
	result := body["result"].(map[string]any)
	assert.Equal(t, "ses-1", result["session_id"])
	assert.Regexp(t, `^turn-`, result["turn_id"])
}

func TestWakeNotifiesActiveBindings(t *testing.T) {
	ts := newTestServer(t)

	_, err := ts.identities.Link(identity.LinkParams{
		Channel:         envelope.ChannelSlack,
		ChannelTenantID: "T1",
		ChannelActorID:  "U1",
		Scopes:          []string{"issues.read"},
	})
	require.NoError(t, err)

	rr, body := ts.do(t, http.MethodPost, "/api/control-plane/wake", map[string]any{
		"reason": "standup",
	}, controlHeaders())
	require.Equal(t, http.StatusOK, rr.Code)
	result := body["result"].(map[string]any)
	assert.Regexp(t, `^wake-`, result["wake_id"])
	assert.Equal(t, float64(1), result["notified"])
	assert.Equal(t, 1, ts.outbox.QueueDepth())
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	ts := newTestServer(t)

	rr, body := ts.do(t, http.MethodPost, "/api/control-plane/turn", map[string]any{
		"session_id": "ses-1",
		"surprise":   true,
	}, controlHeaders())
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, false, body["ok"])
}

func TestTerminalSubmitServedThroughRouter(t *testing.T) {
	ts := newTestServer(t)

	rr, body := ts.do(t, http.MethodPost, "/api/commands/submit", map[string]any{
		"command_text": "/mu status",
		"actor_id":     "dev",
		"channel":      "terminal",
	}, map[string]string{"X-Mu-Terminal-Secret": terminalSecret})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "completed", body["kind"])

	// The wrong secret is rejected by the adapter, not the route.
	rr, body = ts.do(t, http.MethodPost, "/api/commands/submit", map[string]any{
		"command_text": "/mu status",
		"actor_id":     "dev",
		"channel":      "terminal",
	}, map[string]string{"X-Mu-Terminal-Secret": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, false, body["ok"])
}
