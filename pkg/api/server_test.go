package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarryhq/quarry/pkg/events"
	"github.com/quarryhq/quarry/pkg/orchestrator"
	"github.com/quarryhq/quarry/pkg/storage"
	"github.com/quarryhq/quarry/pkg/types"
)

type fakeDeployer struct {
	mu        sync.Mutex
	submitted []*types.DeploymentRequest
	webhooks  []string
	result    *types.Deployment
	err       error
}

func (f *fakeDeployer) SubmitManual(_ context.Context, req *types.DeploymentRequest) (*types.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, req)
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeDeployer) HandleWebhook(_ context.Context, event string, _ []byte) ([]*types.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.webhooks = append(f.webhooks, event)
	return nil, f.err
}

type fakeLifecycle struct {
	mu        sync.Mutex
	cancelled []string
	stopped   []string
	removed   []string
	err       error
}

func (f *fakeLifecycle) Cancel(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	return f.err
}

func (f *fakeLifecycle) StopApp(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	return f.err
}

func (f *fakeLifecycle) RemoveApp(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return f.err
}

type fakeReporter struct {
	mu      sync.Mutex
	reports []string
}

func (f *fakeReporter) Report(deploymentID string, succeeded bool, imageRef, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, fmt.Sprintf("%s/%t/%s/%s", deploymentID, succeeded, imageRef, reason))
}

type testServer struct {
	store     storage.Store
	deployer  *fakeDeployer
	lifecycle *fakeLifecycle
	reporter  *fakeReporter
	broker    *events.Broker
	handler   http.Handler
}

func newTestServer(t *testing.T, cfg Config) *testServer {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	ts := &testServer{
		store:     store,
		deployer:  &fakeDeployer{},
		lifecycle: &fakeLifecycle{},
		reporter:  &fakeReporter{},
		broker:    broker,
	}
	ts.handler = NewServer(store, ts.deployer, ts.lifecycle, ts.reporter, broker, cfg).Router()
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, into interface{}) {
	t.Helper()
	var env struct {
		Data  json.RawMessage `json:"data"`
		Error string          `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	require.NoError(t, json.Unmarshal(env.Data, into), rec.Body.String())
}

func seedApp(t *testing.T, store storage.Store, name string) *types.App {
	t.Helper()
	app := &types.App{ID: "app-" + name, Name: name, Namespace: name, CDEnabled: true}
	require.NoError(t, store.CreateApp(app))
	return app
}

func TestCreateApp(t *testing.T) {
	ts := newTestServer(t, Config{})

	rec := ts.do(t, http.MethodPost, "/api/v1/apps", map[string]interface{}{"name": "web"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var app types.App
	decodeData(t, rec, &app)
	assert.NotEmpty(t, app.ID)
	assert.Equal(t, "web", app.Namespace, "namespace defaults to the app name")
	assert.True(t, app.CDEnabled, "CD defaults on")
}

func TestCreateAppNamespaceConflict(t *testing.T) {
	ts := newTestServer(t, Config{})
	seedApp(t, ts.store, "web")

	rec := ts.do(t, http.MethodPost, "/api/v1/apps", map[string]interface{}{
		"name":      "other",
		"namespace": "web",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCreateAppRejectsBadNamespace(t *testing.T) {
	ts := newTestServer(t, Config{})
	rec := ts.do(t, http.MethodPost, "/api/v1/apps", map[string]interface{}{
		"name":      "web",
		"namespace": "Not-Valid!",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetAppNotFound(t *testing.T) {
	ts := newTestServer(t, Config{})
	rec := ts.do(t, http.MethodGet, "/api/v1/apps/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBearerAuth(t *testing.T) {
	ts := newTestServer(t, Config{Token: "sekrit"})

	rec := ts.do(t, http.MethodGet, "/api/v1/apps", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/apps", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	ok := httptest.NewRecorder()
	ts.handler.ServeHTTP(ok, req)
	assert.Equal(t, http.StatusOK, ok.Code)

	// The health endpoint stays open.
	health := ts.do(t, http.MethodGet, "/healthz", nil)
	assert.NotEqual(t, http.StatusUnauthorized, health.Code)
}

func TestCreateDeployment(t *testing.T) {
	ts := newTestServer(t, Config{})
	app := seedApp(t, ts.store, "web")
	ts.deployer.result = &types.Deployment{
		ID:     "dep-1",
		AppID:  app.ID,
		Status: types.DeploymentQueued,
	}

	rec := ts.do(t, http.MethodPost, "/api/v1/apps/"+app.ID+"/deployments", map[string]interface{}{
		"delta": map[string]interface{}{"replicas": 3},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var view deploymentView
	decodeData(t, rec, &view)
	assert.Equal(t, "dep-1", view.ID)

	require.Len(t, ts.deployer.submitted, 1)
	req := ts.deployer.submitted[0]
	assert.Equal(t, types.TriggerConfigUpdate, req.Trigger, "trigger defaults to config_update")
	require.NotNil(t, req.Delta.Replicas)
	assert.Equal(t, 3, *req.Delta.Replicas)
}

func TestCreateDeploymentRejectsAutomaticTrigger(t *testing.T) {
	ts := newTestServer(t, Config{})
	app := seedApp(t, ts.store, "web")

	rec := ts.do(t, http.MethodPost, "/api/v1/apps/"+app.ID+"/deployments", map[string]interface{}{
		"trigger": "push",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, ts.deployer.submitted)
}

func TestCreateDeploymentRejectsBadTemplateMode(t *testing.T) {
	ts := newTestServer(t, Config{})
	app := seedApp(t, ts.store, "web")

	rec := ts.do(t, http.MethodPost, "/api/v1/apps/"+app.ID+"/deployments", map[string]interface{}{
		"template_deployment_id": "dep-1",
		"template_mode":          "everything",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeploymentResponseRedaction(t *testing.T) {
	ts := newTestServer(t, Config{})
	app := seedApp(t, ts.store, "web")
	require.NoError(t, ts.store.CreateDeployment(&types.Deployment{
		ID:    "dep-1",
		AppID: app.ID,
		Config: types.DeploymentConfig{
			Source: types.SourceImage,
			Image:  &types.ImageSource{Reference: "registry.test/web:v1"},
			Workload: &types.Workload{
				Port:     8080,
				Replicas: 1,
				Env: []types.EnvVar{
					{Name: "PLAIN", Value: "visible"},
					{Name: "SECRET", Value: "ciphertext", Sensitive: true},
				},
			},
		},
		Status:     types.DeploymentComplete,
		BuildToken: "super-secret-token",
	}))

	rec := ts.do(t, http.MethodGet, "/api/v1/deployments/dep-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.NotContains(t, body, "super-secret-token")
	assert.NotContains(t, body, "ciphertext")
	assert.Contains(t, body, "visible")

	var view deploymentView
	decodeData(t, rec, &view)
	assert.Equal(t, redactedValue, view.Config.Workload.Env[1].Value)
}

func TestListDeploymentsPaging(t *testing.T) {
	ts := newTestServer(t, Config{})
	app := seedApp(t, ts.store, "web")
	for i := 0; i < 3; i++ {
		require.NoError(t, ts.store.CreateDeployment(&types.Deployment{
			ID:     fmt.Sprintf("dep-%d", i),
			AppID:  app.ID,
			Status: types.DeploymentComplete,
			Config: types.DeploymentConfig{Source: types.SourceImage, Image: &types.ImageSource{Reference: "r"}},
		}))
	}

	rec := ts.do(t, http.MethodGet, "/api/v1/apps/"+app.ID+"/deployments?page=1&per_page=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var page struct {
		Deployments []*deploymentView `json:"deployments"`
		Total       int               `json:"total"`
	}
	decodeData(t, rec, &page)
	assert.Equal(t, 3, page.Total)
	require.Len(t, page.Deployments, 2)
	assert.Equal(t, "dep-2", page.Deployments[0].ID, "newest first")
}

func TestCancelDeployment(t *testing.T) {
	ts := newTestServer(t, Config{})

	rec := ts.do(t, http.MethodPost, "/api/v1/deployments/dep-1/cancel", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"dep-1"}, ts.lifecycle.cancelled)

	ts.lifecycle.err = orchestrator.ErrNotCancellable
	rec = ts.do(t, http.MethodPost, "/api/v1/deployments/dep-2/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestStopAndDeleteApp(t *testing.T) {
	ts := newTestServer(t, Config{})
	app := seedApp(t, ts.store, "web")

	rec := ts.do(t, http.MethodPost, "/api/v1/apps/"+app.ID+"/stop", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{app.ID}, ts.lifecycle.stopped)

	rec = ts.do(t, http.MethodDelete, "/api/v1/apps/"+app.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{app.ID}, ts.lifecycle.removed)
}

func TestSetCD(t *testing.T) {
	ts := newTestServer(t, Config{})
	app := seedApp(t, ts.store, "web")

	rec := ts.do(t, http.MethodPut, "/api/v1/apps/"+app.ID+"/cd", map[string]interface{}{"enabled": false})
	require.Equal(t, http.StatusOK, rec.Code)

	fresh, err := ts.store.GetApp(app.ID)
	require.NoError(t, err)
	assert.False(t, fresh.CDEnabled)
}

func TestWebhookDispatch(t *testing.T) {
	ts := newTestServer(t, Config{})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/git", strings.NewReader(`{"ref":"refs/heads/main"}`))
	req.Header.Set("X-GitHub-Event", "push")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"push"}, ts.deployer.webhooks)
}

func TestBuildStatusCallback(t *testing.T) {
	ts := newTestServer(t, Config{})
	app := seedApp(t, ts.store, "web")
	require.NoError(t, ts.store.CreateDeployment(&types.Deployment{
		ID:         "dep-1",
		AppID:      app.ID,
		Status:     types.DeploymentBuilding,
		BuildToken: "token-1",
		Config:     types.DeploymentConfig{Source: types.SourceGit, Git: &types.GitSource{RepositoryURL: "u", Branch: "main"}},
	}))

	payload := `{"succeeded":true,"image_ref":"registry.test/web@sha256:abc"}`

	// Wrong token is rejected.
	req := httptest.NewRequest(http.MethodPost, "/internal/builds/dep-1/status", strings.NewReader(payload))
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, ts.reporter.reports)

	req = httptest.NewRequest(http.MethodPost, "/internal/builds/dep-1/status", strings.NewReader(payload))
	req.Header.Set("Authorization", "Bearer token-1")
	rec = httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, ts.reporter.reports, 1)
	assert.Contains(t, ts.reporter.reports[0], "dep-1/true/registry.test/web@sha256:abc")
}

func TestEventStream(t *testing.T) {
	ts := newTestServer(t, Config{})
	app := seedApp(t, ts.store, "web")

	srv := httptest.NewServer(ts.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/apps/"+app.ID+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Give the handler a moment to subscribe, then publish one event for
	// this app and one for another app that must be filtered out.
	time.Sleep(100 * time.Millisecond)
	ts.broker.PublishDeployment(events.EventDeploymentQueued, "other-app", "dep-x", "")
	ts.broker.PublishDeployment(events.EventDeploymentQueued, app.ID, "dep-1", "queued")

	scanner := bufio.NewScanner(resp.Body)
	var lines []string
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			break
		}
		lines = append(lines, line)
	}
	require.NotEmpty(t, lines)
	assert.Equal(t, "event: deployment.queued", lines[0])
	assert.Contains(t, lines[1], "dep-1", "events for other apps are filtered out")
}
