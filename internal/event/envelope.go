package event

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Envelope is the addressed unit the broker transports. Instances are
// immutable after creation. DownstreamSessionID is always non-empty; it may
// be a freshly minted id when the target session does not exist yet.
type Envelope struct {
	EventID             string         `json:"event_id"`
	SourceID            int64          `json:"source_id"`
	TargetID            int64          `json:"target_id"`
	Type                Type           `json:"event_type"`
	UpstreamSessionID   string         `json:"upstream_session_id"`
	DownstreamSessionID string         `json:"downstream_session_id"`
	Payload             map[string]any `json:"payload,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
}

// NewEnvelope builds an envelope with a generated event id and timestamp.
func NewEnvelope(t Type, sourceID, targetID int64, upstream, downstream string, payload map[string]any) *Envelope {
	return &Envelope{
		EventID:             uuid.NewString(),
		SourceID:            sourceID,
		TargetID:            targetID,
		Type:                t,
		UpstreamSessionID:   upstream,
		DownstreamSessionID: downstream,
		Payload:             payload,
		CreatedAt:           time.Now(),
	}
}

// Topic builds the broker addressing string for a node. Equality is exact
// string equality; wildcards are not supported.
func Topic(meshID, nodeID int64) string {
	return fmt.Sprintf("%d#%d", meshID, nodeID)
}

// ParseTopic splits a topic back into mesh and node ids.
func ParseTopic(topic string) (meshID, nodeID int64, err error) {
	left, right, ok := strings.Cut(topic, "#")
	if !ok {
		return 0, 0, fmt.Errorf("malformed topic %q", topic)
	}
	meshID, err = strconv.ParseInt(left, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed topic %q: %w", topic, err)
	}
	nodeID, err = strconv.ParseInt(right, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed topic %q: %w", topic, err)
	}
	return meshID, nodeID, nil
}
