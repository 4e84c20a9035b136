package storage

import (
	"errors"

	"github.com/quarryhq/quarry/pkg/types"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("not found")

	// ErrNamespaceTaken is returned when another app holds the namespace claim
	ErrNamespaceTaken = errors.New("namespace is already claimed")

	// ErrSubdomainTaken is returned when another app holds the subdomain claim
	ErrSubdomainTaken = errors.New("subdomain is already claimed")

	// ErrStaleActivation is returned when a completed deployment loses the
	// active-pointer race to a newer deployment of the same app
	ErrStaleActivation = errors.New("a newer deployment is already active")

	// ErrStatusChanged is returned when a guarded deployment write finds a
	// different persisted status than the caller observed
	ErrStatusChanged = errors.New("deployment status changed concurrently")
)

// Store defines the interface for orchestrator state storage.
// Implemented by the BoltDB-backed store.
type Store interface {
	// Apps. CreateApp claims the app's namespace in the same transaction.
	CreateApp(app *types.App) error
	GetApp(id string) (*types.App, error)
	ListApps() ([]*types.App, error)
	UpdateApp(app *types.App) error
	// DeleteApp cascades to the app's deployments and releases its
	// namespace and subdomain claims.
	DeleteApp(id string) error

	// Deployments. CreateDeployment assigns the per-app sequence and adds
	// newly sensitive env names to the app's locked-name set, atomically.
	CreateDeployment(d *types.Deployment) error
	GetDeployment(id string) (*types.Deployment, error)
	UpdateDeployment(d *types.Deployment) error
	// TransitionDeployment persists d only while the stored record still
	// holds the given status. It fails with ErrStatusChanged otherwise, so
	// state-machine writes cannot clobber a concurrent settlement.
	TransitionDeployment(d *types.Deployment, from types.DeploymentStatus) error
	// ListDeployments returns one page of an app's deployments ordered
	// newest-first, plus the total count.
	ListDeployments(appID string, page, perPage int) ([]*types.Deployment, int, error)
	ListDeploymentsByStatus(appID string, statuses ...types.DeploymentStatus) ([]*types.Deployment, error)

	// SetActiveDeployment atomically advances the app's active pointer to
	// the given deployment. It fails with ErrStaleActivation if a
	// deployment created later for the same app is already active.
	SetActiveDeployment(appID, deploymentID string) error

	// Subdomain uniqueness claims, global across apps. Claiming a
	// subdomain already held by the same app is a no-op.
	ClaimSubdomain(subdomain, appID string) error
	ReleaseSubdomain(subdomain, appID string) error
	SubdomainOwner(subdomain string) (string, error)

	// Utility
	Close() error
}
