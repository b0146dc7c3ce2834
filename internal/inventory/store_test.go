package inventory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/outpost-sec/outpost/internal/config"
	"github.com/outpost-sec/outpost/internal/core"
	"github.com/outpost-sec/outpost/internal/logger"
	"github.com/outpost-sec/outpost/pkg/types"
)

func setupTestStore(t *testing.T) core.AssetStore {
	t.Helper()

	log, err := logger.New(config.LoggerConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	store, err := NewStore(config.DatabaseConfig{
		Driver:         "sqlite3",
		DSN:            ":memory:",
		MaxConnections: 1,
		MaxIdleConns:   1,
	}, log)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestUpsertAsset_InsertThenMerge(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	orgID := uuid.New()

	t1 := time.Now().UTC().Truncate(time.Second)
	created, err := store.UpsertAsset(ctx, &types.Asset{
		OrganizationID: orgID,
		Type:           types.AssetTypeDomain,
		Value:          "api.example.com",
		Status:         types.AssetStatusActive,
		LastSeen:       t1,
		Attributes:     map[string]string{"registered_domain": "example.com", "cname": "edge.example.net"},
	})
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, created.ID)
	assert.WithinDuration(t, t1, created.FirstSeen, time.Second)
	assert.WithinDuration(t, t1, created.LastSeen, time.Second)

	// Second observation of the same natural key: same row, attributes
	// merged, first_seen untouched, last_seen advanced.
	t2 := t1.Add(time.Hour)
	updated, err := store.UpsertAsset(ctx, &types.Asset{
		OrganizationID: orgID,
		Type:           types.AssetTypeDomain,
		Value:          "api.example.com",
		Status:         types.AssetStatusActive,
		LastSeen:       t2,
		Attributes:     map[string]string{"registered_domain": "example.com", "txt_records": "v=spf1"},
	})
	require.NoError(t, err)

	assert.Equal(t, created.ID, updated.ID, "same natural key must resolve to the same row")
	assert.WithinDuration(t, t1, updated.FirstSeen, time.Second)
	assert.WithinDuration(t, t2, updated.LastSeen, time.Second)
	assert.Equal(t, "edge.example.net", updated.Attributes["cname"], "attribute absent from new observation must survive")
	assert.Equal(t, "v=spf1", updated.Attributes["txt_records"])
}

func TestUpsertAsset_StaleObservationDoesNotRewindLastSeen(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	orgID := uuid.New()

	now := time.Now().UTC().Truncate(time.Second)
	_, err := store.UpsertAsset(ctx, &types.Asset{
		OrganizationID: orgID,
		Type:           types.AssetTypeIP,
		Value:          "93.184.216.34",
		LastSeen:       now,
	})
	require.NoError(t, err)

	stale, err := store.UpsertAsset(ctx, &types.Asset{
		OrganizationID: orgID,
		Type:           types.AssetTypeIP,
		Value:          "93.184.216.34",
		LastSeen:       now.Add(-time.Hour),
	})
	require.NoError(t, err)
	assert.WithinDuration(t, now, stale.LastSeen, time.Second)
}

func TestUpsertAsset_OrganizationsAreIsolated(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	a, err := store.UpsertAsset(ctx, &types.Asset{
		OrganizationID: uuid.New(),
		Type:           types.AssetTypeDomain,
		Value:          "www.example.com",
	})
	require.NoError(t, err)

	b, err := store.UpsertAsset(ctx, &types.Asset{
		OrganizationID: uuid.New(),
		Type:           types.AssetTypeDomain,
		Value:          "www.example.com",
	})
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID, "same value under different orgs must be distinct assets")
}

func TestGetAssetByKey_Missing(t *testing.T) {
	store := setupTestStore(t)

	asset, err := store.GetAssetByKey(context.Background(), types.AssetKey{
		OrganizationID: uuid.New(),
		Type:           types.AssetTypeDomain,
		Value:          "nowhere.example.com",
	})
	require.NoError(t, err)
	assert.Nil(t, asset)
}

func TestUpsertPort_MergeWithoutErasure(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	asset, err := store.UpsertAsset(ctx, &types.Asset{
		OrganizationID: uuid.New(),
		Type:           types.AssetTypeIP,
		Value:          "93.184.216.34",
	})
	require.NoError(t, err)

	created, err := store.UpsertPort(ctx, &types.Port{
		AssetID:  asset.ID,
		Number:   443,
		Protocol: "tcp",
		Service:  "https",
		Status:   types.PortStatusOpen,
	})
	require.NoError(t, err)

	// Re-observation without a service must not blank out the old one.
	updated, err := store.UpsertPort(ctx, &types.Port{
		AssetID:  asset.ID,
		Number:   443,
		Protocol: "tcp",
		Status:   types.PortStatusOpen,
		Banner:   "nginx",
	})
	require.NoError(t, err)

	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, "https", updated.Service)
	assert.Equal(t, "nginx", updated.Banner)

	ports, err := store.ListPorts(ctx, asset.ID)
	require.NoError(t, err)
	require.Len(t, ports, 1)
}

func TestUpsertTechnology(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	asset, err := store.UpsertAsset(ctx, &types.Asset{
		OrganizationID: uuid.New(),
		Type:           types.AssetTypeURL,
		Value:          "https://app.example.com/",
	})
	require.NoError(t, err)

	created, err := store.UpsertTechnology(ctx, &types.Technology{
		AssetID: asset.ID,
		Name:    "Nginx",
		Version: "1.25.3",
	})
	require.NoError(t, err)

	// Same name and version dedupes onto the existing row.
	updated, err := store.UpsertTechnology(ctx, &types.Technology{
		AssetID:  asset.ID,
		Name:     "Nginx",
		Version:  "1.25.3",
		Category: "web-server",
	})
	require.NoError(t, err)

	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, "web-server", updated.Category)
	assert.True(t, updated.LastSeen.After(created.FirstSeen) || updated.LastSeen.Equal(created.FirstSeen))

	// A different version is a distinct observation, not an update.
	other, err := store.UpsertTechnology(ctx, &types.Technology{
		AssetID: asset.ID,
		Name:    "Nginx",
		Version: "1.27.0",
	})
	require.NoError(t, err)
	assert.NotEqual(t, created.ID, other.ID)

	techs, err := store.ListTechnologies(ctx, asset.ID)
	require.NoError(t, err)
	require.Len(t, techs, 2)
}

func TestUpsertVulnerability_Reopens(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	asset, err := store.UpsertAsset(ctx, &types.Asset{
		OrganizationID: uuid.New(),
		Type:           types.AssetTypeURL,
		Value:          "https://app.example.com/",
	})
	require.NoError(t, err)

	score := 10.0
	created, err := store.UpsertVulnerability(ctx, &types.Vulnerability{
		AssetID:    asset.ID,
		TemplateID: "CVE-2021-44228",
		Title:      "Log4j RCE",
		Severity:   types.SeverityCritical,
		CVE:        "CVE-2021-44228",
		CVSS:       &score,
		References: []string{"https://nvd.nist.gov/vuln/detail/CVE-2021-44228"},
		Status:     types.VulnStatusClosed,
	})
	require.NoError(t, err)
	assert.Equal(t, types.VulnStatusClosed, created.Status)

	updated, err := store.UpsertVulnerability(ctx, &types.Vulnerability{
		AssetID:    asset.ID,
		TemplateID: "CVE-2021-44228",
		Title:      "Log4j RCE",
		Severity:   types.SeverityCritical,
	})
	require.NoError(t, err)

	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, types.VulnStatusOpen, updated.Status, "re-observed vulnerability must reopen")
	assert.Equal(t, "CVE-2021-44228", updated.CVE, "fields absent from new observation survive")
	require.NotNil(t, updated.CVSS)
	assert.Equal(t, 10.0, *updated.CVSS)
	assert.Len(t, updated.References, 1)
}

func TestLinkJobAsset_Idempotent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	jobID := uuid.New()

	asset, err := store.UpsertAsset(ctx, &types.Asset{
		OrganizationID: uuid.New(),
		Type:           types.AssetTypeDomain,
		Value:          "example.com",
	})
	require.NoError(t, err)

	require.NoError(t, store.LinkJobAsset(ctx, jobID, asset.ID))
	require.NoError(t, store.LinkJobAsset(ctx, jobID, asset.ID), "re-linking the same pair must not error")

	linked, err := store.ListJobAssets(ctx, jobID)
	require.NoError(t, err)
	require.Len(t, linked, 1)
	assert.Equal(t, asset.ID, linked[0].ID)
}

func TestListAssets_Filters(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	orgID := uuid.New()

	for _, seed := range []struct {
		typ   types.AssetType
		value string
	}{
		{types.AssetTypeDomain, "api.example.com"},
		{types.AssetTypeDomain, "www.example.com"},
		{types.AssetTypeIP, "93.184.216.34"},
	} {
		_, err := store.UpsertAsset(ctx, &types.Asset{
			OrganizationID: orgID,
			Type:           seed.typ,
			Value:          seed.value,
		})
		require.NoError(t, err)
	}
	_, err := store.UpsertAsset(ctx, &types.Asset{
		OrganizationID: uuid.New(),
		Type:           types.AssetTypeDomain,
		Value:          "other.example.org",
	})
	require.NoError(t, err)

	all, err := store.ListAssets(ctx, core.AssetFilter{OrganizationID: &orgID})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	domains, err := store.ListAssets(ctx, core.AssetFilter{OrganizationID: &orgID, Type: types.AssetTypeDomain})
	require.NoError(t, err)
	assert.Len(t, domains, 2)

	matched, err := store.ListAssets(ctx, core.AssetFilter{OrganizationID: &orgID, Search: "api."})
	require.NoError(t, err)
	require.Len(t, matched, 1)
	assert.Equal(t, "api.example.com", matched[0].Value)

	limited, err := store.ListAssets(ctx, core.AssetFilter{OrganizationID: &orgID, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

// TestInventory_PostgresConcurrentUpserts exercises the upsert row locking
// against a real PostgreSQL instance: two goroutines observing the same
// natural key with disjoint attribute sets must both land in the merged
// row. Skipped in short mode because it pulls a container.
func TestInventory_PostgresConcurrentUpserts(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping testcontainers test in short mode")
	}

	ctx := context.Background()

	postgresContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("outpost_test"),
		postgres.WithUsername("outpost_test"),
		postgres.WithPassword("outpost_test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() {
		if err := postgresContainer.Terminate(ctx); err != nil {
			t.Logf("Warning: failed to terminate container: %v", err)
		}
	})

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	log, err := logger.New(config.LoggerConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	store, err := NewStore(config.DatabaseConfig{
		Driver:         "postgres",
		DSN:            connStr,
		MaxConnections: 10,
		MaxIdleConns:   2,
	}, log)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	orgID := uuid.New()
	observedAt := time.Now().UTC()

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.UpsertAsset(ctx, &types.Asset{
				OrganizationID: orgID,
				Type:           types.AssetTypeDomain,
				Value:          "contended.example.com",
				Status:         types.AssetStatusActive,
				LastSeen:       observedAt,
				Attributes:     map[string]string{fmt.Sprintf("key_%d", i): fmt.Sprintf("value_%d", i)},
			})
			if err != nil {
				t.Errorf("UpsertAsset failed: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := store.GetAssetByKey(ctx, types.AssetKey{
		OrganizationID: orgID,
		Type:           types.AssetTypeDomain,
		Value:          "contended.example.com",
	})
	require.NoError(t, err)
	require.NotNil(t, got, "the contested key must resolve to one row")
	for i := 0; i < writers; i++ {
		assert.Equal(t, fmt.Sprintf("value_%d", i), got.Attributes[fmt.Sprintf("key_%d", i)],
			"every writer's attributes must survive the merge")
	}

	// Ports contend the same way once they hang off a shared asset.
	var pg sync.WaitGroup
	for i := 0; i < writers; i++ {
		i := i
		pg.Add(1)
		go func() {
			defer pg.Done()
			port := &types.Port{
				AssetID:  got.ID,
				Number:   8443,
				Protocol: "tcp",
				Status:   types.PortStatusOpen,
				LastSeen: observedAt,
			}
			if i%2 == 0 {
				port.Service = "https"
			} else {
				port.Banner = "nginx"
			}
			if _, err := store.UpsertPort(ctx, port); err != nil {
				t.Errorf("UpsertPort failed: %v", err)
			}
		}()
	}
	pg.Wait()

	ports, err := store.ListPorts(ctx, got.ID)
	require.NoError(t, err)
	require.Len(t, ports, 1, "one natural key, one row")
	assert.Equal(t, "https", ports[0].Service)
	assert.Equal(t, "nginx", ports[0].Banner)
}
