package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/quarryhq/quarry/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketApps            = []byte("apps")
	bucketDeployments     = []byte("deployments")
	bucketDeploymentIndex = []byte("deployment_index") // per-app sub-buckets: seq -> deployment ID
	bucketSubdomains      = []byte("subdomain_claims")
	bucketNamespaces      = []byte("namespace_claims")
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "quarry.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketApps,
			bucketDeployments,
			bucketDeploymentIndex,
			bucketSubdomains,
			bucketNamespaces,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// App operations

func (s *BoltStore) CreateApp(app *types.App) error {
	now := time.Now()
	app.CreatedAt = now
	app.UpdatedAt = now
	return s.db.Update(func(tx *bolt.Tx) error {
		// Claim the namespace before the app record becomes durable.
		ns := tx.Bucket(bucketNamespaces)
		if owner := ns.Get([]byte(app.Namespace)); owner != nil && string(owner) != app.ID {
			return ErrNamespaceTaken
		}
		if err := ns.Put([]byte(app.Namespace), []byte(app.ID)); err != nil {
			return err
		}

		return putApp(tx, app)
	})
}

func (s *BoltStore) GetApp(id string) (*types.App, error) {
	var app types.App
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketApps), []byte(id), &app)
	})
	if err != nil {
		return nil, err
	}
	return &app, nil
}

func (s *BoltStore) ListApps() ([]*types.App, error) {
	var apps []*types.App
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketApps).ForEach(func(k, v []byte) error {
			var app types.App
			if err := json.Unmarshal(v, &app); err != nil {
				return err
			}
			apps = append(apps, &app)
			return nil
		})
	})
	return apps, err
}

func (s *BoltStore) UpdateApp(app *types.App) error {
	app.UpdatedAt = time.Now()
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketApps).Get([]byte(app.ID)) == nil {
			return ErrNotFound
		}
		return putApp(tx, app)
	})
}

func (s *BoltStore) DeleteApp(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		apps := tx.Bucket(bucketApps)
		var app types.App
		if err := getJSON(apps, []byte(id), &app); err != nil {
			return err
		}

		// Cascade the deployment history.
		deployments := tx.Bucket(bucketDeployments)
		index := tx.Bucket(bucketDeploymentIndex)
		if appIdx := index.Bucket([]byte(id)); appIdx != nil {
			err := appIdx.ForEach(func(_, depID []byte) error {
				return deployments.Delete(depID)
			})
			if err != nil {
				return err
			}
			if err := index.DeleteBucket([]byte(id)); err != nil {
				return err
			}
		}

		// Release uniqueness claims held by this app.
		if err := releaseClaims(tx.Bucket(bucketNamespaces), id); err != nil {
			return err
		}
		if err := releaseClaims(tx.Bucket(bucketSubdomains), id); err != nil {
			return err
		}

		return apps.Delete([]byte(id))
	})
}

// Deployment operations

func (s *BoltStore) CreateDeployment(d *types.Deployment) error {
	now := time.Now()
	d.CreatedAt = now
	d.UpdatedAt = now
	return s.db.Update(func(tx *bolt.Tx) error {
		apps := tx.Bucket(bucketApps)
		var app types.App
		if err := getJSON(apps, []byte(d.AppID), &app); err != nil {
			return fmt.Errorf("app %s: %w", d.AppID, err)
		}

		appIdx, err := tx.Bucket(bucketDeploymentIndex).CreateBucketIfNotExists([]byte(d.AppID))
		if err != nil {
			return err
		}

		seq, err := appIdx.NextSequence()
		if err != nil {
			return err
		}
		d.Seq = seq

		if err := appIdx.Put(seqKey(seq), []byte(d.ID)); err != nil {
			return err
		}

		// Lock any newly sensitive env names on the app.
		if locked := lockSensitiveNames(&app, d); locked {
			app.UpdatedAt = time.Now()
			if err := putApp(tx, &app); err != nil {
				return err
			}
		}

		return putJSON(tx.Bucket(bucketDeployments), []byte(d.ID), d)
	})
}

func (s *BoltStore) GetDeployment(id string) (*types.Deployment, error) {
	var d types.Deployment
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketDeployments), []byte(id), &d)
	})
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *BoltStore) UpdateDeployment(d *types.Deployment) error {
	d.UpdatedAt = time.Now()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeployments)
		if b.Get([]byte(d.ID)) == nil {
			return ErrNotFound
		}
		return putJSON(b, []byte(d.ID), d)
	})
}

// TransitionDeployment writes d with a status guard: the write only lands
// while the stored record still holds from. Both the read and the write
// happen in one transaction.
func (s *BoltStore) TransitionDeployment(d *types.Deployment, from types.DeploymentStatus) error {
	d.UpdatedAt = time.Now()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeployments)
		var stored types.Deployment
		if err := getJSON(b, []byte(d.ID), &stored); err != nil {
			return err
		}
		if stored.Status != from {
			return ErrStatusChanged
		}
		return putJSON(b, []byte(d.ID), d)
	})
}

func (s *BoltStore) ListDeployments(appID string, page, perPage int) ([]*types.Deployment, int, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 20
	}

	var (
		deployments []*types.Deployment
		total       int
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		appIdx := tx.Bucket(bucketDeploymentIndex).Bucket([]byte(appID))
		if appIdx == nil {
			if tx.Bucket(bucketApps).Get([]byte(appID)) == nil {
				return ErrNotFound
			}
			return nil
		}

		total = appIdx.Stats().KeyN

		deps := tx.Bucket(bucketDeployments)
		skip := (page - 1) * perPage

		// Walk the sequence index backwards for newest-first order.
		c := appIdx.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if skip > 0 {
				skip--
				continue
			}
			if len(deployments) == perPage {
				break
			}
			var d types.Deployment
			if err := getJSON(deps, v, &d); err != nil {
				return err
			}
			deployments = append(deployments, &d)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return deployments, total, nil
}

func (s *BoltStore) ListDeploymentsByStatus(appID string, statuses ...types.DeploymentStatus) ([]*types.Deployment, error) {
	want := make(map[types.DeploymentStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	var deployments []*types.Deployment
	err := s.db.View(func(tx *bolt.Tx) error {
		appIdx := tx.Bucket(bucketDeploymentIndex).Bucket([]byte(appID))
		if appIdx == nil {
			return nil
		}
		deps := tx.Bucket(bucketDeployments)
		c := appIdx.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var d types.Deployment
			if err := getJSON(deps, v, &d); err != nil {
				return err
			}
			if len(want) == 0 || want[d.Status] {
				deployments = append(deployments, &d)
			}
		}
		return nil
	})
	return deployments, err
}

// SetActiveDeployment advances the app's active pointer with a monotonic
// guard: the pointer only ever moves to a deployment whose sequence is at
// least the currently active one's.
func (s *BoltStore) SetActiveDeployment(appID, deploymentID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		apps := tx.Bucket(bucketApps)
		deps := tx.Bucket(bucketDeployments)

		var app types.App
		if err := getJSON(apps, []byte(appID), &app); err != nil {
			return err
		}

		var d types.Deployment
		if err := getJSON(deps, []byte(deploymentID), &d); err != nil {
			return err
		}
		if d.AppID != appID {
			return fmt.Errorf("deployment %s does not belong to app %s", deploymentID, appID)
		}
		if d.Status != types.DeploymentComplete && d.Status != types.DeploymentStopped {
			return fmt.Errorf("deployment %s is not complete (status %s)", deploymentID, d.Status)
		}

		if app.ActiveDeploymentID != "" && app.ActiveDeploymentID != deploymentID {
			var active types.Deployment
			if err := getJSON(deps, []byte(app.ActiveDeploymentID), &active); err != nil {
				return err
			}
			if active.Seq > d.Seq {
				return ErrStaleActivation
			}
		}

		app.ActiveDeploymentID = deploymentID
		app.UpdatedAt = time.Now()
		return putApp(tx, &app)
	})
}

// Subdomain claims

func (s *BoltStore) ClaimSubdomain(subdomain, appID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSubdomains)
		if owner := b.Get([]byte(subdomain)); owner != nil && string(owner) != appID {
			return ErrSubdomainTaken
		}
		return b.Put([]byte(subdomain), []byte(appID))
	})
}

func (s *BoltStore) ReleaseSubdomain(subdomain, appID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSubdomains)
		if owner := b.Get([]byte(subdomain)); owner == nil || string(owner) != appID {
			// Releasing a claim you do not hold is a no-op.
			return nil
		}
		return b.Delete([]byte(subdomain))
	})
}

func (s *BoltStore) SubdomainOwner(subdomain string) (string, error) {
	var owner string
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketSubdomains).Get([]byte(subdomain)); v != nil {
			owner = string(v)
		}
		return nil
	})
	return owner, err
}

// Helpers

func putApp(tx *bolt.Tx, app *types.App) error {
	return putJSON(tx.Bucket(bucketApps), []byte(app.ID), app)
}

func putJSON(b *bolt.Bucket, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func getJSON(b *bolt.Bucket, key []byte, v interface{}) error {
	data := b.Get(key)
	if data == nil {
		return ErrNotFound
	}
	return json.Unmarshal(data, v)
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

func releaseClaims(b *bolt.Bucket, appID string) error {
	var stale [][]byte
	err := b.ForEach(func(k, v []byte) error {
		if bytes.Equal(v, []byte(appID)) {
			stale = append(stale, append([]byte(nil), k...))
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, k := range stale {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func lockSensitiveNames(app *types.App, d *types.Deployment) bool {
	if d.Config.Workload == nil {
		return false
	}
	locked := app.LockedEnvSet()
	changed := false
	for _, env := range d.Config.Workload.Env {
		if env.Sensitive && !locked[env.Name] {
			app.LockedEnvNames = append(app.LockedEnvNames, env.Name)
			locked[env.Name] = true
			changed = true
		}
	}
	return changed
}
