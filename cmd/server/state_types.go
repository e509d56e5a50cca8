package main

import "time"

// unitRecord is one live unit in the directory. The Redis backend stores it
// CBOR-encoded; the API serves it as JSON.
type unitRecord struct {
	Instance  string    `cbor:"instance" json:"instance"`
	Unit      uint32    `cbor:"unit" json:"unit"`
	Control   uint32    `cbor:"control" json:"control"`
	Peer      string    `cbor:"peer" json:"peer"`
	Transport string    `cbor:"transport" json:"transport"`
	State     string    `cbor:"state" json:"state"`
	Target    string    `cbor:"target,omitempty" json:"target,omitempty"`
	Code      uint32    `cbor:"code,omitempty" json:"code,omitempty"`
	Opened    time.Time `cbor:"opened" json:"opened"`
	LastSeen  time.Time `cbor:"last_seen" json:"last_seen"`
}

// Unit states.
const (
	stateOpen       = "open"
	stateConnecting = "connecting"
	stateConnected  = "connected"
	stateHungUp     = "hungup"
)
