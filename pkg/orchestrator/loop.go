package orchestrator

import (
	"context"
	"sync"

	"github.com/quarryhq/quarry/pkg/metrics"
	"github.com/quarryhq/quarry/pkg/types"
)

// appLoop serializes one app's deployment attempts. Enqueueing while an
// attempt is in flight supersedes it when it is still cancellable;
// otherwise the new attempt waits its turn.
type appLoop struct {
	o     *Orchestrator
	appID string

	mu            sync.Mutex
	queue         []string
	runningID     string
	runningStage  types.DeploymentStatus
	runningCancel context.CancelFunc
	cancelCause   string
	stopCh        chan struct{}
	wake          chan struct{}
	started       bool
}

func newAppLoop(o *Orchestrator, appID string) *appLoop {
	return &appLoop{
		o:      o,
		appID:  appID,
		stopCh: make(chan struct{}),
		wake:   make(chan struct{}, 1),
	}
}

// enqueue adds a deployment to the loop and supersedes the running
// attempt if it has not begun replacing live traffic.
func (l *appLoop) enqueue(deploymentID string) {
	l.mu.Lock()
	l.queue = append(l.queue, deploymentID)
	if !l.started {
		l.started = true
		l.o.wg.Add(1)
		go func() {
			defer l.o.wg.Done()
			l.run()
		}()
	}
	supersede := l.runningID != "" && l.runningStage.Cancellable()
	cancel := l.runningCancel
	if supersede {
		l.cancelCause = "superseded by a newer deployment"
	}
	l.mu.Unlock()

	if supersede && cancel != nil {
		metrics.DeploymentsSuperseded.Inc()
		cancel()
	}
	l.signal()
}

// cancelAttempt cancels the running attempt if it matches the given
// deployment and is still cancellable. Returns false when the deployment
// is not currently running.
func (l *appLoop) cancelAttempt(deploymentID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.runningID != deploymentID || !l.runningStage.Cancellable() {
		return false
	}
	l.cancelCause = "cancelled by user"
	if l.runningCancel != nil {
		l.runningCancel()
	}
	return true
}

// cause reports why the running attempt's context was cancelled
func (l *appLoop) cause() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancelCause == "" {
		return "superseded by a newer deployment"
	}
	return l.cancelCause
}

func (l *appLoop) stop() {
	l.mu.Lock()
	l.cancelCause = "app no longer exists"
	if l.runningCancel != nil {
		l.runningCancel()
	}
	l.mu.Unlock()
	close(l.stopCh)
}

func (l *appLoop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *appLoop) run() {
	for {
		select {
		case <-l.stopCh:
			return
		case <-l.o.rootCtx.Done():
			return
		case <-l.wake:
		}

		for {
			id, superseded, ok := l.pop()
			if !ok {
				break
			}
			if superseded {
				// A newer request displaced this one before it started.
				if d, err := l.o.store.GetDeployment(id); err == nil {
					_ = l.o.finishCancelled(d, "superseded by a newer deployment")
				}
				continue
			}

			ctx, cancel := context.WithCancel(l.o.rootCtx)
			l.setRunning(id, cancel)
			l.o.runAttempt(ctx, l, id)
			l.clearRunning()
			cancel()
		}
	}
}

// pop takes the oldest queued deployment. It is reported as superseded
// when something newer is already waiting behind it.
func (l *appLoop) pop() (id string, superseded, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return "", false, false
	}
	id = l.queue[0]
	l.queue = l.queue[1:]
	return id, len(l.queue) > 0, true
}

func (l *appLoop) setRunning(id string, cancel context.CancelFunc) {
	l.mu.Lock()
	l.runningID = id
	l.runningStage = types.DeploymentQueued
	l.runningCancel = cancel
	l.cancelCause = ""
	l.mu.Unlock()
}

// setStage tracks the running attempt's status so enqueue and cancel can
// decide whether it may still be displaced.
func (l *appLoop) setStage(stage types.DeploymentStatus) {
	l.mu.Lock()
	l.runningStage = stage
	l.mu.Unlock()
}

func (l *appLoop) clearRunning() {
	l.mu.Lock()
	l.runningID = ""
	l.runningStage = ""
	l.runningCancel = nil
	l.mu.Unlock()
}
