// Package heartbeat implements the heartbeat protocol: checksum-verified
// receipt, sequence-gap detection, and the missed-heartbeat escalation
// ladder. Grounded on original_source's heartbeat_protocol.py for the TTL
// table and escalation thresholds, and on the teacher's
// internal/router/comms.go for the receiver's shape.
package heartbeat

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Message is the wire transport. Checksum is computed over every other
// field as canonical (sorted-key) JSON.
type Message struct {
	AgentID        string             `json:"agent_id"`
	Timestamp      time.Time          `json:"timestamp"`
	SequenceNumber int64              `json:"sequence_number"`
	Status         string             `json:"status"`
	CurrentTaskID  *string            `json:"current_task_id,omitempty"`
	HealthMetrics  map[string]float64 `json:"health_metrics"`
	Checksum       string             `json:"checksum"`
}

// Ack is the receiver's response.
type Ack struct {
	AgentID        string `json:"agent_id"`
	SequenceNumber int64  `json:"sequence_number"`
	Received       bool   `json:"received"`
	Message        string `json:"message,omitempty"`
}

// canonicalPayload returns the sorted-key JSON bytes used for both
// computing and verifying the checksum. encoding/json serializes map keys
// in sorted order, which is what gives this its "canonical" property.
func canonicalPayload(m Message) ([]byte, error) {
	payload := map[string]any{
		"agent_id":        m.AgentID,
		"timestamp":        m.Timestamp.UTC().Format(time.RFC3339Nano),
		"sequence_number":  m.SequenceNumber,
		"status":           m.Status,
		"health_metrics":   m.HealthMetrics,
	}
	if m.CurrentTaskID != nil {
		payload["current_task_id"] = *m.CurrentTaskID
	}
	return json.Marshal(payload)
}

// ComputeChecksum returns the hex-lowercase SHA-256 of m's canonical payload.
func ComputeChecksum(m Message) (string, error) {
	b, err := canonicalPayload(m)
	if err != nil {
		return "", fmt.Errorf("canonicalize heartbeat payload: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Sign sets m.Checksum from its own canonical payload, as the emitter does
// before sending.
func Sign(m Message) (Message, error) {
	sum, err := ComputeChecksum(m)
	if err != nil {
		return m, err
	}
	m.Checksum = sum
	return m, nil
}

// Verify reports whether m.Checksum matches its canonical payload.
func Verify(m Message) (bool, error) {
	sum, err := ComputeChecksum(m)
	if err != nil {
		return false, err
	}
	return sum == m.Checksum, nil
}
