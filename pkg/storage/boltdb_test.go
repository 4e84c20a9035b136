package storage

import (
	"fmt"
	"testing"
	"time"

	"github.com/quarryhq/quarry/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testApp(id, namespace string) *types.App {
	now := time.Now()
	return &types.App{
		ID:        id,
		Name:      id,
		OrgID:     "org-1",
		Namespace: namespace,
		CDEnabled: true,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func testDeployment(id, appID string, status types.DeploymentStatus) *types.Deployment {
	now := time.Now()
	return &types.Deployment{
		ID:    id,
		AppID: appID,
		Config: types.DeploymentConfig{
			Source: types.SourceImage,
			Image:  &types.ImageSource{Reference: "registry.example.com/app:v1"},
			Workload: &types.Workload{
				Port:     8080,
				Replicas: 2,
			},
		},
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestCreateAppClaimsNamespace(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.CreateApp(testApp("app-1", "shared-ns")))

	err := store.CreateApp(testApp("app-2", "shared-ns"))
	assert.ErrorIs(t, err, ErrNamespaceTaken)

	// Re-creating the same app with its own namespace is fine.
	require.NoError(t, store.CreateApp(testApp("app-2", "other-ns")))
}

func TestDeploymentSequenceIsMonotonic(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateApp(testApp("app-1", "ns-1")))

	var lastSeq uint64
	for i := 0; i < 5; i++ {
		d := testDeployment(fmt.Sprintf("dep-%d", i), "app-1", types.DeploymentQueued)
		require.NoError(t, store.CreateDeployment(d))
		assert.Greater(t, d.Seq, lastSeq)
		lastSeq = d.Seq
	}
}

func TestListDeploymentsNewestFirst(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateApp(testApp("app-1", "ns-1")))

	for i := 0; i < 5; i++ {
		d := testDeployment(fmt.Sprintf("dep-%d", i), "app-1", types.DeploymentComplete)
		require.NoError(t, store.CreateDeployment(d))
	}

	page1, total, err := store.ListDeployments("app-1", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page1, 2)
	assert.Equal(t, "dep-4", page1[0].ID)
	assert.Equal(t, "dep-3", page1[1].ID)

	page3, _, err := store.ListDeployments("app-1", 3, 2)
	require.NoError(t, err)
	require.Len(t, page3, 1)
	assert.Equal(t, "dep-0", page3[0].ID)

	_, _, err = store.ListDeployments("no-such-app", 1, 10)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetActiveDeploymentMonotonicGuard(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateApp(testApp("app-1", "ns-1")))

	older := testDeployment("dep-old", "app-1", types.DeploymentComplete)
	require.NoError(t, store.CreateDeployment(older))
	newer := testDeployment("dep-new", "app-1", types.DeploymentComplete)
	require.NoError(t, store.CreateDeployment(newer))

	// The newer deployment completes first.
	require.NoError(t, store.SetActiveDeployment("app-1", "dep-new"))

	// A late completion of the older attempt must not displace it.
	err := store.SetActiveDeployment("app-1", "dep-old")
	assert.ErrorIs(t, err, ErrStaleActivation)

	app, err := store.GetApp("app-1")
	require.NoError(t, err)
	assert.Equal(t, "dep-new", app.ActiveDeploymentID)
}

func TestSetActiveDeploymentRejectsUnfinished(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateApp(testApp("app-1", "ns-1")))

	d := testDeployment("dep-1", "app-1", types.DeploymentBuilding)
	require.NoError(t, store.CreateDeployment(d))

	assert.Error(t, store.SetActiveDeployment("app-1", "dep-1"))
}

func TestCreateStampsTimestamps(t *testing.T) {
	store := newTestStore(t)

	app := &types.App{ID: "app-1", Name: "app-1", Namespace: "ns-1"}
	require.NoError(t, store.CreateApp(app))
	assert.False(t, app.CreatedAt.IsZero())
	assert.False(t, app.UpdatedAt.IsZero())

	d := &types.Deployment{ID: "dep-1", AppID: "app-1", Status: types.DeploymentQueued}
	require.NoError(t, store.CreateDeployment(d))

	stored, err := store.GetDeployment("dep-1")
	require.NoError(t, err)
	assert.False(t, stored.CreatedAt.IsZero())
	assert.WithinDuration(t, time.Now(), stored.CreatedAt, time.Minute)
}

func TestTransitionDeploymentGuardsStatus(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateApp(testApp("app-1", "ns-1")))

	d := testDeployment("dep-1", "app-1", types.DeploymentQueued)
	require.NoError(t, store.CreateDeployment(d))

	// The guard passes while the stored status matches.
	d.Status = types.DeploymentPending
	require.NoError(t, store.TransitionDeployment(d, types.DeploymentQueued))

	// Another writer settles the deployment underneath a stale reader.
	settled := *d
	settled.Status = types.DeploymentCancelled
	require.NoError(t, store.UpdateDeployment(&settled))

	d.Status = types.DeploymentBuilding
	err := store.TransitionDeployment(d, types.DeploymentPending)
	assert.ErrorIs(t, err, ErrStatusChanged)

	stored, err := store.GetDeployment("dep-1")
	require.NoError(t, err)
	assert.Equal(t, types.DeploymentCancelled, stored.Status, "the settled state stands")
}

func TestCreateDeploymentLocksSensitiveNames(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateApp(testApp("app-1", "ns-1")))

	d := testDeployment("dep-1", "app-1", types.DeploymentQueued)
	d.Config.Workload.Env = []types.EnvVar{
		{Name: "DATABASE_URL", Value: "sealed", Sensitive: true},
		{Name: "LOG_LEVEL", Value: "debug"},
	}
	require.NoError(t, store.CreateDeployment(d))

	app, err := store.GetApp("app-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"DATABASE_URL"}, app.LockedEnvNames)

	// A second deployment with the same sensitive name does not duplicate it.
	d2 := testDeployment("dep-2", "app-1", types.DeploymentQueued)
	d2.Config.Workload.Env = d.Config.Workload.Env
	require.NoError(t, store.CreateDeployment(d2))

	app, err = store.GetApp("app-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"DATABASE_URL"}, app.LockedEnvNames)
}

func TestSubdomainClaims(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.ClaimSubdomain("myapp", "app-1"))
	// Reclaiming by the same app is a no-op.
	require.NoError(t, store.ClaimSubdomain("myapp", "app-1"))

	err := store.ClaimSubdomain("myapp", "app-2")
	assert.ErrorIs(t, err, ErrSubdomainTaken)

	owner, err := store.SubdomainOwner("myapp")
	require.NoError(t, err)
	assert.Equal(t, "app-1", owner)

	// Releasing someone else's claim is a no-op.
	require.NoError(t, store.ReleaseSubdomain("myapp", "app-2"))
	owner, _ = store.SubdomainOwner("myapp")
	assert.Equal(t, "app-1", owner)

	require.NoError(t, store.ReleaseSubdomain("myapp", "app-1"))
	require.NoError(t, store.ClaimSubdomain("myapp", "app-2"))
}

func TestDeleteAppCascades(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateApp(testApp("app-1", "ns-1")))
	require.NoError(t, store.ClaimSubdomain("myapp", "app-1"))

	d := testDeployment("dep-1", "app-1", types.DeploymentComplete)
	require.NoError(t, store.CreateDeployment(d))

	require.NoError(t, store.DeleteApp("app-1"))

	_, err := store.GetApp("app-1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetDeployment("dep-1")
	assert.ErrorIs(t, err, ErrNotFound)

	// Claims are released for reuse.
	require.NoError(t, store.CreateApp(testApp("app-2", "ns-1")))
	require.NoError(t, store.ClaimSubdomain("myapp", "app-2"))
}
