package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"gorm.io/gorm"

	"go_certops/internal/db"
	"go_certops/internal/model"
)

// Sink adapts the publisher to the workflow engine's event interface.
// Persisting and broadcasting are both best-effort: an event that
// cannot be recorded never fails the workflow that produced it.
type Sink struct{}

// Publish implements workflow.EventSink
func (Sink) Publish(instanceID, eventType string, payload any) {
	if err := PublishWorkflowEvent(instanceID, eventType, payload); err != nil {
		log.Printf("[WebSocket] Failed to publish %s for %s: %v", eventType, instanceID, err)
	}
}

// PublishWorkflowEvent appends one event to the progress feed and
// broadcasts it to all connected clients.
func PublishWorkflowEvent(instanceID, eventType string, payload interface{}) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	event := model.WorkflowEvent{
		InstanceID: instanceID,
		EventType:  eventType,
		Payload:    payloadJSON,
	}
	if err := db.GetDB().Create(&event).Error; err != nil {
		return fmt.Errorf("failed to write event to database: %w", err)
	}

	// Broadcast failure must not affect the workflow; clients catch up
	// through the event log.
	BroadcastToAll("workflows:update", map[string]interface{}{
		"eventId":    event.ID,
		"instanceId": instanceID,
		"type":       eventType,
		"data":       payload,
	})
	return nil
}

// GetIncrementalEvents retrieves events with id > lastEventID, oldest
// first, limited to maxCount
func GetIncrementalEvents(lastEventID int64, maxCount int) ([]model.WorkflowEvent, error) {
	var events []model.WorkflowEvent
	err := db.GetDB().
		Where("id > ?", lastEventID).
		Order("id ASC").
		Limit(maxCount).
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query incremental events: %w", err)
	}
	return events, nil
}

// GetLatestEventID returns the id of the newest event, or 0 when the
// feed is empty
func GetLatestEventID() (int64, error) {
	var event model.WorkflowEvent
	err := db.GetDB().
		Order("id DESC").
		Limit(1).
		First(&event).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to query latest event: %w", err)
	}
	return event.ID, nil
}
