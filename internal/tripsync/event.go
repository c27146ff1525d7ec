package tripsync

import "encoding/json"

type Action string

const (
	ActionInsert Action = "insert"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Event is one committed mutation on one entity. IDs are assigned by the
// event log at append time and are strictly increasing within a router.
// Data always carries a full snapshot: the post-mutation record for
// insert/update, the last known record for delete.
type Event struct {
	ID          int64           `json:"id"`
	Router      string          `json:"router"`
	ActorUserID string          `json:"actorUserId"`
	Action      Action          `json:"action"`
	Data        json.RawMessage `json:"data"`
	CreatedAt   string          `json:"createdAt,omitempty"`
}

// Entity is a stored record. The engine never inspects Data beyond the id
// and the router's configured aggregate field.
type Entity struct {
	Router      string          `json:"router"`
	ID          string          `json:"id"`
	AggregateID string          `json:"aggregateId"`
	Data        json.RawMessage `json:"data"`
}

// EntityID extracts the stable identifier from a raw payload.
func EntityID(data json.RawMessage) string {
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return ""
	}
	return probe.ID
}
