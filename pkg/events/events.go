package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	EventAppCreated       EventType = "app.created"
	EventAppUpdated       EventType = "app.updated"
	EventAppDeleted       EventType = "app.deleted"
	EventAppActiveChanged EventType = "app.active_changed"

	EventDeploymentQueued     EventType = "deployment.queued"
	EventDeploymentStarted    EventType = "deployment.started"
	EventDeploymentBuilding   EventType = "deployment.building"
	EventDeploymentDeploying  EventType = "deployment.deploying"
	EventDeploymentCompleted  EventType = "deployment.completed"
	EventDeploymentFailed     EventType = "deployment.failed"
	EventDeploymentCancelled  EventType = "deployment.cancelled"
	EventDeploymentStopped    EventType = "deployment.stopped"
	EventDeploymentSuperseded EventType = "deployment.superseded"

	EventRolloutProgress EventType = "rollout.progress"

	EventTriggerAccepted EventType = "trigger.accepted"
	EventTriggerRejected EventType = "trigger.rejected"
)

// Event is a single lifecycle notification
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	AppID        string `json:"app_id,omitempty"`
	DeploymentID string `json:"deployment_id,omitempty"`

	Message  string            `json:"message,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers
func (b *Broker) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

// PublishDeployment is a shorthand for deployment lifecycle events
func (b *Broker) PublishDeployment(typ EventType, appID, deploymentID, message string) {
	b.Publish(&Event{
		Type:         typ,
		AppID:        appID,
		DeploymentID: deploymentID,
		Message:      message,
	})
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
