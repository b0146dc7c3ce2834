package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outpost-sec/outpost/internal/adapters"
	"github.com/outpost-sec/outpost/internal/config"
	"github.com/outpost-sec/outpost/internal/core"
	"github.com/outpost-sec/outpost/internal/inventory"
	"github.com/outpost-sec/outpost/internal/jobstore"
	"github.com/outpost-sec/outpost/internal/logger"
	"github.com/outpost-sec/outpost/internal/normalizer"
	"github.com/outpost-sec/outpost/internal/scheduler"
	"github.com/outpost-sec/outpost/internal/telemetry"
	"github.com/outpost-sec/outpost/pkg/types"
)

type dropQueue struct{}

func (dropQueue) Push(ctx context.Context, jobID uuid.UUID) error { return nil }
func (dropQueue) Pop(ctx context.Context, timeout time.Duration) (uuid.UUID, bool, error) {
	return uuid.Nil, false, nil
}
func (dropQueue) Len(ctx context.Context) (int64, error) { return 0, nil }
func (dropQueue) Close() error                           { return nil }

type apiHarness struct {
	router *gin.Engine
	jobs   core.JobStore
	assets core.AssetStore
}

func setupTestServer(t *testing.T) *apiHarness {
	t.Helper()

	log, err := logger.New(config.LoggerConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	dbCfg := config.DatabaseConfig{
		Driver:         "sqlite3",
		DSN:            ":memory:",
		MaxConnections: 1,
		MaxIdleConns:   1,
	}
	jobs, err := jobstore.NewStore(dbCfg, log)
	require.NoError(t, err)
	t.Cleanup(func() { jobs.Close() })

	assets, err := inventory.NewStore(dbCfg, log)
	require.NoError(t, err)
	t.Cleanup(func() { assets.Close() })

	sched := scheduler.New(
		jobs,
		dropQueue{},
		adapters.NewRegistry(),
		normalizer.New(log),
		inventory.NewMerger(assets, log),
		telemetry.Noop(),
		config.SchedulerConfig{Workers: 1, QueuePollInterval: 10 * time.Millisecond},
		log,
	)

	server := NewServer(sched, jobs, assets, nil, config.APIConfig{Addr: ":0"}, log)
	return &apiHarness{router: server.Router(), jobs: jobs, assets: assets}
}

func (h *apiHarness) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	h := setupTestServer(t)

	w := h.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestCreateJob(t *testing.T) {
	h := setupTestServer(t)
	orgID := uuid.New()

	w := h.do(t, http.MethodPost, "/api/v1/jobs", gin.H{
		"organization_id": orgID.String(),
		"type":            "port_scan",
		"target":          "scanme.example.com",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var job types.DiscoveryJob
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	assert.Equal(t, types.JobStatusPending, job.Status)
	assert.Equal(t, "scanme.example.com", job.Target)

	stored, err := h.jobs.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, orgID, stored.OrganizationID)
}

func TestCreateJob_Rejections(t *testing.T) {
	h := setupTestServer(t)

	cases := []struct {
		name string
		body gin.H
	}{
		{"missing fields", gin.H{"type": "port_scan"}},
		{"bad org id", gin.H{"organization_id": "nope", "type": "port_scan", "target": "example.com"}},
		{"private target", gin.H{"organization_id": uuid.New().String(), "type": "port_scan", "target": "10.0.0.1"}},
		{"unknown type", gin.H{"organization_id": uuid.New().String(), "type": "teapot", "target": "example.com"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := h.do(t, http.MethodPost, "/api/v1/jobs", tc.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestGetJob(t *testing.T) {
	h := setupTestServer(t)
	ctx := context.Background()

	job := &types.DiscoveryJob{
		OrganizationID: uuid.New(),
		Type:           types.JobTypeDNSEnum,
		Target:         "example.com",
	}
	require.NoError(t, h.jobs.CreateJob(ctx, job))

	w := h.do(t, http.MethodGet, "/api/v1/jobs/"+job.ID.String(), nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = h.do(t, http.MethodGet, "/api/v1/jobs/"+uuid.New().String(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = h.do(t, http.MethodGet, "/api/v1/jobs/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListJobs_StatusFilter(t *testing.T) {
	h := setupTestServer(t)
	ctx := context.Background()
	orgID := uuid.New()

	running := &types.DiscoveryJob{OrganizationID: orgID, Type: types.JobTypePortScan, Target: "a.example.com"}
	require.NoError(t, h.jobs.CreateJob(ctx, running))
	claimed, err := h.jobs.TryClaim(ctx, running.ID, types.JobStatusPending, types.JobStatusRunning)
	require.NoError(t, err)
	require.True(t, claimed)

	pending := &types.DiscoveryJob{OrganizationID: orgID, Type: types.JobTypePortScan, Target: "b.example.com"}
	require.NoError(t, h.jobs.CreateJob(ctx, pending))

	w := h.do(t, http.MethodGet, "/api/v1/jobs?status=running", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Jobs  []types.DiscoveryJob `json:"jobs"`
		Count int                  `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, running.ID, resp.Jobs[0].ID)
}

func TestCancelJob(t *testing.T) {
	h := setupTestServer(t)
	ctx := context.Background()

	job := &types.DiscoveryJob{
		OrganizationID: uuid.New(),
		Type:           types.JobTypeWebCrawl,
		Target:         "https://example.com",
	}
	require.NoError(t, h.jobs.CreateJob(ctx, job))

	w := h.do(t, http.MethodDelete, "/api/v1/jobs/"+job.ID.String(), nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Contains(t, w.Body.String(), "cancelled")

	// Second cancel hits a terminal job.
	w = h.do(t, http.MethodDelete, "/api/v1/jobs/"+job.ID.String(), nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = h.do(t, http.MethodDelete, "/api/v1/jobs/"+uuid.New().String(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestJobAssetsAndAssetDetail(t *testing.T) {
	h := setupTestServer(t)
	ctx := context.Background()
	orgID := uuid.New()

	job := &types.DiscoveryJob{OrganizationID: orgID, Type: types.JobTypePortScan, Target: "web.example.com"}
	require.NoError(t, h.jobs.CreateJob(ctx, job))

	now := time.Now().UTC()
	asset, err := h.assets.UpsertAsset(ctx, &types.Asset{
		OrganizationID: orgID,
		Type:           types.AssetTypeDomain,
		Value:          "web.example.com",
		Status:         types.AssetStatusActive,
		LastSeen:       now,
	})
	require.NoError(t, err)
	require.NoError(t, h.assets.LinkJobAsset(ctx, job.ID, asset.ID))

	_, err = h.assets.UpsertPort(ctx, &types.Port{
		AssetID:  asset.ID,
		Number:   443,
		Protocol: "tcp",
		Status:   types.PortStatusOpen,
		LastSeen: now,
	})
	require.NoError(t, err)

	w := h.do(t, http.MethodGet, fmt.Sprintf("/api/v1/jobs/%s/assets", job.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "web.example.com")

	w = h.do(t, http.MethodGet, fmt.Sprintf("/api/v1/assets/%s", asset.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), ":443")
}

func TestListAssets_Filters(t *testing.T) {
	h := setupTestServer(t)
	ctx := context.Background()
	orgID := uuid.New()
	now := time.Now().UTC()

	for _, value := range []string{"one.example.com", "two.example.com"} {
		_, err := h.assets.UpsertAsset(ctx, &types.Asset{
			OrganizationID: orgID,
			Type:           types.AssetTypeDomain,
			Value:          value,
			Status:         types.AssetStatusActive,
			LastSeen:       now,
		})
		require.NoError(t, err)
	}

	w := h.do(t, http.MethodGet, "/api/v1/assets?search=one", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "one.example.com")
	assert.NotContains(t, w.Body.String(), "two.example.com")

	w = h.do(t, http.MethodGet, "/api/v1/assets?organization_id="+uuid.New().String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":0`)
}

func TestWorkersEndpointWithoutPool(t *testing.T) {
	h := setupTestServer(t)

	w := h.do(t, http.MethodGet, "/api/v1/workers", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"workers":[]`)
}
