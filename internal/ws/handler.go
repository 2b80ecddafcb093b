package ws

import (
	"encoding/json"
	"log"

	socketio "github.com/googollee/go-socket.io"

	"go_certops/internal/db"
	"go_certops/internal/model"
)

// snapshotLimit caps the instance list sent on a full sync
const snapshotLimit = 500

// handleRequestWorkflows serves the request:workflows event. A client
// that reconnects with its last seen event id gets the missed events
// replayed; everyone else gets a snapshot of recent instances.
func handleRequestWorkflows(s socketio.Conn, data interface{}) {
	log.Printf("[WebSocket] request:workflows from client %s", s.ID())

	var lastEventID int64
	if dataMap, ok := data.(map[string]interface{}); ok {
		if v, ok := dataMap["lastEventId"].(float64); ok {
			lastEventID = int64(v)
		}
	}

	if lastEventID > 0 {
		if sendIncrementalUpdates(s, lastEventID) {
			return
		}
		log.Printf("[WebSocket] Incremental replay failed, falling back to snapshot")
	}
	sendWorkflowSnapshot(s)
}

// sendIncrementalUpdates replays missed events. Returns false when the
// client is too far behind and needs a snapshot instead.
func sendIncrementalUpdates(s socketio.Conn, lastEventID int64) bool {
	maxCount := 500
	events, err := GetIncrementalEvents(lastEventID, maxCount)
	if err != nil {
		log.Printf("[WebSocket] Failed to query incremental events: %v", err)
		return false
	}
	if len(events) >= maxCount {
		log.Printf("[WebSocket] Too many missed events (%d), falling back to snapshot", len(events))
		return false
	}
	if len(events) == 0 {
		latestEventID, _ := GetLatestEventID()
		s.Emit("workflows:initial", map[string]interface{}{
			"items":       []interface{}{},
			"total":       0,
			"lastEventId": latestEventID,
		})
		return true
	}

	log.Printf("[WebSocket] Replaying %d events to client %s", len(events), s.ID())
	for _, event := range events {
		var payload interface{}
		if len(event.Payload) > 0 {
			if err := json.Unmarshal(event.Payload, &payload); err != nil {
				log.Printf("[WebSocket] Failed to unmarshal event payload: %v", err)
				continue
			}
		}
		s.Emit("workflows:update", map[string]interface{}{
			"eventId":    event.ID,
			"instanceId": event.InstanceID,
			"type":       event.EventType,
			"data":       payload,
		})
	}
	return true
}

// sendWorkflowSnapshot sends the most recent instances as one message
func sendWorkflowSnapshot(s socketio.Conn) {
	var total int64
	if err := db.GetDB().Model(&model.WorkflowInstance{}).Count(&total).Error; err != nil {
		log.Printf("[WebSocket] Failed to count instances: %v", err)
		s.Emit("error", map[string]interface{}{
			"message": "Failed to query workflows",
		})
		return
	}

	var instances []model.WorkflowInstance
	err := db.GetDB().
		Order("created_at DESC").
		Limit(snapshotLimit).
		Find(&instances).Error
	if err != nil {
		log.Printf("[WebSocket] Failed to query instances: %v", err)
		s.Emit("error", map[string]interface{}{
			"message": "Failed to query workflows",
		})
		return
	}

	latestEventID, _ := GetLatestEventID()
	s.Emit("workflows:initial", map[string]interface{}{
		"items":       instances,
		"total":       total,
		"lastEventId": latestEventID,
	})
	log.Printf("[WebSocket] Sent workflow snapshot: total=%d, lastEventId=%d", total, latestEventID)
}
