package model

import "encoding/json"

// Event is a committed state-transition event enriched with ledger metadata.
type Event struct {
	Seq       uint64      `json:"seq"`
	Pool      string      `json:"pool,omitempty"`
	EventName string      `json:"event_name"`
	Actor     string      `json:"actor"`
	Timestamp uint64      `json:"timestamp"`
	Decoded   interface{} `json:"decoded"`
}

// EventRecord is the JSON representation used when reading events back.
type EventRecord struct {
	Seq       uint64          `json:"seq"`
	Pool      string          `json:"pool,omitempty"`
	EventName string          `json:"event_name"`
	Actor     string          `json:"actor"`
	Timestamp uint64          `json:"timestamp"`
	Decoded   json.RawMessage `json:"decoded"`
}
