package metrics

import (
	"time"

	"github.com/quarryhq/quarry/pkg/storage"
	"github.com/quarryhq/quarry/pkg/types"
)

var collectedStatuses = []types.DeploymentStatus{
	types.DeploymentQueued,
	types.DeploymentPending,
	types.DeploymentBuilding,
	types.DeploymentDeploying,
	types.DeploymentComplete,
	types.DeploymentError,
	types.DeploymentCancelled,
	types.DeploymentStopped,
}

// Collector periodically refreshes inventory gauges from the store
type Collector struct {
	store  storage.Store
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(store storage.Store) *Collector {
	return &Collector{
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	apps, err := c.store.ListApps()
	if err != nil {
		return
	}
	AppsTotal.Set(float64(len(apps)))

	counts := make(map[types.DeploymentStatus]int)
	for _, app := range apps {
		for _, status := range collectedStatuses {
			deployments, err := c.store.ListDeploymentsByStatus(app.ID, status)
			if err != nil {
				continue
			}
			counts[status] += len(deployments)
		}
	}
	for _, status := range collectedStatuses {
		DeploymentsTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
