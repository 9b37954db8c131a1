package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"approval-engine/internal/models"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/sirupsen/logrus"
)

// Event subjects for approval lifecycle events
const (
	SubjectApprovalRequested = "approval.requested"
	SubjectApprovalGranted   = "approval.granted"
	SubjectApprovalRejected  = "approval.rejected"
	SubjectApprovalCancelled = "approval.cancelled"
	SubjectApprovalCommented = "approval.commented"

	streamName = "APPROVALS"
)

// ApprovalEvent is the payload published for every request state change.
type ApprovalEvent struct {
	EventType            string    `json:"eventType"`
	RequestID            string    `json:"requestId"`
	RequestType          string    `json:"requestType"`
	EntityID             string    `json:"entityId"`
	EntityType           string    `json:"entityType"`
	EntityName           string    `json:"entityName,omitempty"`
	RequesterID          string    `json:"requesterId"`
	RequesterName        string    `json:"requesterName,omitempty"`
	Status               string    `json:"status"`
	PreviousStatus       string    `json:"previousStatus,omitempty"`
	Priority             string    `json:"priority"`
	CurrentApproverLevel int       `json:"currentApproverLevel"`
	ActorID              string    `json:"actorId,omitempty"`
	ActorName            string    `json:"actorName,omitempty"`
	Comment              string    `json:"comment,omitempty"`
	Timestamp            time.Time `json:"timestamp"`
}

// Publisher publishes approval lifecycle events to NATS JetStream. It is
// fire-and-forget: publish failures are logged, never surfaced to the
// request path. A nil Publisher is safe to call.
type Publisher struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *logrus.Entry
}

// NewPublisher connects to NATS and ensures the approvals stream exists
func NewPublisher(natsURL string, logger *logrus.Logger) (*Publisher, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("approval-engine"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{"approval.>"},
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure approvals stream: %w", err)
	}

	return &Publisher{
		nc:     nc,
		js:     js,
		logger: logger.WithField("component", "approval-events"),
	}, nil
}

// Close closes the NATS connection
func (p *Publisher) Close() {
	if p != nil && p.nc != nil {
		p.nc.Close()
	}
}

// PublishRequested publishes an approval.requested event
func (p *Publisher) PublishRequested(request *models.ApprovalRequest) {
	event := p.buildEvent(SubjectApprovalRequested, request, "", "", "")
	p.publish(event)
}

// PublishGranted publishes an approval.granted event for an approve
// decision, whether the request advanced a level or fully resolved.
func (p *Publisher) PublishGranted(request *models.ApprovalRequest, actorID, actorName, comment string) {
	event := p.buildEvent(SubjectApprovalGranted, request, actorID, actorName, comment)
	event.PreviousStatus = models.StatusPending
	p.publish(event)
}

// PublishRejected publishes an approval.rejected event
func (p *Publisher) PublishRejected(request *models.ApprovalRequest, actorID, actorName, reason string) {
	event := p.buildEvent(SubjectApprovalRejected, request, actorID, actorName, reason)
	event.PreviousStatus = models.StatusPending
	p.publish(event)
}

// PublishCancelled publishes an approval.cancelled event
func (p *Publisher) PublishCancelled(request *models.ApprovalRequest, actorID, actorName string) {
	event := p.buildEvent(SubjectApprovalCancelled, request, actorID, actorName, "")
	event.PreviousStatus = models.StatusPending
	p.publish(event)
}

// PublishCommented publishes an approval.commented event
func (p *Publisher) PublishCommented(request *models.ApprovalRequest, actorID, actorName, comment string) {
	event := p.buildEvent(SubjectApprovalCommented, request, actorID, actorName, comment)
	p.publish(event)
}

func (p *Publisher) buildEvent(eventType string, request *models.ApprovalRequest, actorID, actorName, comment string) *ApprovalEvent {
	return &ApprovalEvent{
		EventType:            eventType,
		RequestID:            request.ID.String(),
		RequestType:          request.Type,
		EntityID:             request.EntityID,
		EntityType:           request.EntityType,
		EntityName:           request.EntityName,
		RequesterID:          request.RequestedBy.String(),
		RequesterName:        request.RequestedByName,
		Status:               request.Status,
		Priority:             request.Priority,
		CurrentApproverLevel: request.CurrentApproverLevel,
		ActorID:              actorID,
		ActorName:            actorName,
		Comment:              comment,
		Timestamp:            time.Now().UTC(),
	}
}

// publish serializes and publishes the event asynchronously so the request
// path never blocks on the broker.
func (p *Publisher) publish(event *ApprovalEvent) {
	if p == nil || p.js == nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		data, err := json.Marshal(event)
		if err != nil {
			p.logger.WithError(err).Error("Failed to marshal approval event")
			return
		}

		if _, err := p.js.Publish(ctx, event.EventType, data); err != nil {
			p.logger.WithFields(logrus.Fields{
				"eventType": event.EventType,
				"requestId": event.RequestID,
			}).WithError(err).Error("Failed to publish approval event")
			return
		}

		p.logger.WithFields(logrus.Fields{
			"eventType": event.EventType,
			"requestId": event.RequestID,
			"status":    event.Status,
		}).Info("Approval event published")
	}()
}
