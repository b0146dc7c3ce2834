package inventory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outpost-sec/outpost/internal/config"
	"github.com/outpost-sec/outpost/internal/core"
	"github.com/outpost-sec/outpost/internal/logger"
	"github.com/outpost-sec/outpost/pkg/types"
)

func setupMerger(t *testing.T) (*Merger, core.AssetStore) {
	t.Helper()
	log, err := logger.New(config.LoggerConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	store := setupTestStore(t)
	return NewMerger(store, log), store
}

func domainKey(orgID uuid.UUID, value string) types.AssetKey {
	return types.AssetKey{OrganizationID: orgID, Type: types.AssetTypeDomain, Value: value}
}

func TestMerge_AssetsThenDependents(t *testing.T) {
	merger, store := setupMerger(t)
	ctx := context.Background()
	orgID := uuid.New()
	jobID := uuid.New()
	now := time.Now().UTC().Truncate(time.Second)

	key := domainKey(orgID, "api.example.com")
	deltas := []types.EntityDelta{
		{
			Kind:        types.DeltaUpsertAsset,
			AssetKey:    key,
			Source:      "dnsenum",
			ObservedAt:  now,
			AssetStatus: types.AssetStatusActive,
			Attributes:  map[string]string{"registered_domain": "example.com"},
		},
		{
			Kind:       types.DeltaUpsertPort,
			AssetKey:   key,
			Source:     "naabu",
			ObservedAt: now,
			Port:       &types.PortObservation{Number: 443, Protocol: "tcp", Status: types.PortStatusOpen},
		},
		{
			Kind:       types.DeltaUpsertTechnology,
			AssetKey:   key,
			Source:     "httpx",
			ObservedAt: now,
			Tech:       &types.TechObservation{Name: "Nginx", Version: "1.25.3"},
		},
		{
			Kind:       types.DeltaUpsertVulnerability,
			AssetKey:   key,
			Source:     "nuclei",
			ObservedAt: now,
			Vuln: &types.VulnObservation{
				TemplateID: "CVE-2021-44228",
				Title:      "Log4j RCE",
				Severity:   types.SeverityCritical,
				Port:       &types.PortRef{Number: 443, Protocol: "tcp"},
			},
		},
	}

	stats, err := merger.Merge(ctx, jobID, deltas)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.AssetsTouched)
	assert.Equal(t, 1, stats.PortsTouched)
	assert.Equal(t, 1, stats.TechsTouched)
	assert.Equal(t, 1, stats.VulnsTouched)

	asset, err := store.GetAssetByKey(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, asset)

	ports, err := store.ListPorts(ctx, asset.ID)
	require.NoError(t, err)
	require.Len(t, ports, 1)

	vulns, err := store.ListVulnerabilities(ctx, asset.ID)
	require.NoError(t, err)
	require.Len(t, vulns, 1)
	require.NotNil(t, vulns[0].PortID, "vulnerability should be tied to the port upserted in the same batch")
	assert.Equal(t, ports[0].ID, *vulns[0].PortID)

	linked, err := store.ListJobAssets(ctx, jobID)
	require.NoError(t, err)
	require.Len(t, linked, 1)
	assert.Equal(t, asset.ID, linked[0].ID)
}

func TestMerge_LaterObservationWins(t *testing.T) {
	merger, store := setupMerger(t)
	ctx := context.Background()
	orgID := uuid.New()
	now := time.Now().UTC().Truncate(time.Second)

	key := domainKey(orgID, "api.example.com")
	deltas := []types.EntityDelta{
		{
			Kind:       types.DeltaUpsertPort,
			AssetKey:   key,
			Source:     "nuclei",
			ObservedAt: now,
			Port:       &types.PortObservation{Number: 443, Protocol: "tcp", Status: types.PortStatusFiltered},
		},
		{
			Kind:       types.DeltaUpsertPort,
			AssetKey:   key,
			Source:     "naabu",
			ObservedAt: now.Add(time.Minute),
			Port:       &types.PortObservation{Number: 443, Protocol: "tcp", Status: types.PortStatusOpen, Service: "https"},
		},
	}

	stats, err := merger.Merge(ctx, uuid.New(), deltas)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.PortsTouched)
	assert.Equal(t, 1, stats.ConflictsSolved)

	asset, err := store.GetAssetByKey(ctx, key)
	require.NoError(t, err)
	ports, err := store.ListPorts(ctx, asset.ID)
	require.NoError(t, err)
	require.Len(t, ports, 1)
	assert.Equal(t, types.PortStatusOpen, ports[0].Status, "the later observation must win despite lower trust")
	assert.Equal(t, "https", ports[0].Service)
}

func TestMerge_TrustBreaksTimestampTies(t *testing.T) {
	merger, store := setupMerger(t)
	ctx := context.Background()
	orgID := uuid.New()
	now := time.Now().UTC().Truncate(time.Second)

	key := domainKey(orgID, "api.example.com")
	deltas := []types.EntityDelta{
		{
			Kind:       types.DeltaUpsertPort,
			AssetKey:   key,
			Source:     "naabu",
			ObservedAt: now,
			Port:       &types.PortObservation{Number: 443, Protocol: "tcp", Status: types.PortStatusOpen},
		},
		{
			Kind:       types.DeltaUpsertPort,
			AssetKey:   key,
			Source:     "crtsh",
			ObservedAt: now,
			Port:       &types.PortObservation{Number: 443, Protocol: "tcp", Status: types.PortStatusFiltered},
		},
	}

	_, err := merger.Merge(ctx, uuid.New(), deltas)
	require.NoError(t, err)

	asset, err := store.GetAssetByKey(ctx, key)
	require.NoError(t, err)
	ports, err := store.ListPorts(ctx, asset.ID)
	require.NoError(t, err)
	require.Len(t, ports, 1)
	assert.Equal(t, types.PortStatusOpen, ports[0].Status, "naabu outranks crtsh for equal timestamps")
}

func TestMerge_LoserFieldsSurvive(t *testing.T) {
	merger, store := setupMerger(t)
	ctx := context.Background()
	orgID := uuid.New()
	now := time.Now().UTC().Truncate(time.Second)

	key := domainKey(orgID, "api.example.com")
	deltas := []types.EntityDelta{
		{
			Kind:       types.DeltaUpsertPort,
			AssetKey:   key,
			Source:     "httpx",
			ObservedAt: now,
			Port:       &types.PortObservation{Number: 443, Protocol: "tcp", Status: types.PortStatusOpen, Banner: "nginx/1.25.3"},
		},
		{
			Kind:       types.DeltaUpsertPort,
			AssetKey:   key,
			Source:     "naabu",
			ObservedAt: now.Add(time.Minute),
			Port:       &types.PortObservation{Number: 443, Protocol: "tcp", Status: types.PortStatusOpen},
		},
	}

	_, err := merger.Merge(ctx, uuid.New(), deltas)
	require.NoError(t, err)

	asset, err := store.GetAssetByKey(ctx, key)
	require.NoError(t, err)
	ports, err := store.ListPorts(ctx, asset.ID)
	require.NoError(t, err)
	require.Len(t, ports, 1)
	assert.Equal(t, "nginx/1.25.3", ports[0].Banner, "a banner only the losing observation saw must not be dropped")
}

func TestMerge_ImpliedAssets(t *testing.T) {
	merger, store := setupMerger(t)
	ctx := context.Background()
	orgID := uuid.New()

	key := domainKey(orgID, "api.example.com")
	deltas := []types.EntityDelta{
		{
			Kind:       types.DeltaUpsertTechnology,
			AssetKey:   key,
			Source:     "httpx",
			ObservedAt: time.Now().UTC(),
			Tech:       &types.TechObservation{Name: "React"},
		},
	}

	stats, err := merger.Merge(ctx, uuid.New(), deltas)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.AssetsTouched, "a dependent delta must create its asset")

	asset, err := store.GetAssetByKey(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, asset)
	assert.Equal(t, types.AssetStatusActive, asset.Status)
}

func TestMerge_Idempotent(t *testing.T) {
	merger, store := setupMerger(t)
	ctx := context.Background()
	orgID := uuid.New()
	jobID := uuid.New()
	now := time.Now().UTC().Truncate(time.Second)

	key := domainKey(orgID, "api.example.com")
	deltas := []types.EntityDelta{
		{Kind: types.DeltaUpsertAsset, AssetKey: key, Source: "crtsh", ObservedAt: now, AssetStatus: types.AssetStatusActive},
		{Kind: types.DeltaUpsertPort, AssetKey: key, Source: "naabu", ObservedAt: now,
			Port: &types.PortObservation{Number: 443, Protocol: "tcp", Status: types.PortStatusOpen}},
	}

	_, err := merger.Merge(ctx, jobID, deltas)
	require.NoError(t, err)
	_, err = merger.Merge(ctx, jobID, deltas)
	require.NoError(t, err)

	asset, err := store.GetAssetByKey(ctx, key)
	require.NoError(t, err)
	ports, err := store.ListPorts(ctx, asset.ID)
	require.NoError(t, err)
	assert.Len(t, ports, 1, "replaying a batch must not duplicate rows")

	assets, err := store.ListAssets(ctx, core.AssetFilter{OrganizationID: &orgID})
	require.NoError(t, err)
	assert.Len(t, assets, 1)
}

func TestMerge_EmptyBatch(t *testing.T) {
	merger, _ := setupMerger(t)
	stats, err := merger.Merge(context.Background(), uuid.New(), nil)
	require.NoError(t, err)
	assert.Zero(t, stats.DeltasApplied)
}
