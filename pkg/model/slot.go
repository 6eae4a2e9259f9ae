package model

import (
	"fmt"
	"time"
)

// SlotState is the textual projection of a slot published by its worker.
type SlotState string

const (
	SlotFree SlotState = "free"
	SlotBusy SlotState = "busy"
)

// SlotInfo identifies one slot and what it offers. It is also the slot handle
// returned to clients on a successful allocation.
type SlotInfo struct {
	NodeID       string        `json:"nodeId"`
	SlotID       string        `json:"slotId"`
	Capabilities *Capabilities `json:"capabilities,omitempty"`
}

func (s SlotInfo) String() string {
	return fmt.Sprintf("{nodeId=%s, slotId=%s}", s.NodeID, s.SlotID)
}

// HubConfig is published by the broker at paths.Hub and read by workers once
// they are admitted. Durations travel as milliseconds.
type HubConfig struct {
	HeartBeatPeriod int64 `json:"heartBeatPeriod"`
	NodeLostTimeout int64 `json:"nodeLostTimeout,omitempty"`
	NodeDeadTimeout int64 `json:"nodeDeadTimeout,omitempty"`
}

// HeartbeatInterval converts HeartBeatPeriod into a duration.
func (h HubConfig) HeartbeatInterval() time.Duration {
	return time.Duration(h.HeartBeatPeriod) * time.Millisecond
}

// Liveness is the broker's classification of a node's heartbeat age.
type Liveness string

const (
	NodeAlive Liveness = "alive"
	NodeLost  Liveness = "lost"
	NodeDead  Liveness = "dead"
)

// SlotStatus is a read-only view of a broker SlotRecord.
type SlotStatus struct {
	SlotID       string        `json:"slotId"`
	Capabilities *Capabilities `json:"capabilities,omitempty"`
	State        SlotState     `json:"state"`
	Reserved     bool          `json:"reserved"`
}

// NodeStatus is a read-only view of a broker NodeRecord.
type NodeStatus struct {
	NodeID        string       `json:"nodeId"`
	Liveness      Liveness     `json:"liveness"`
	LastHeartbeat time.Time    `json:"lastHeartbeat"`
	Slots         []SlotStatus `json:"slots"`
}
