// Package paths names every location the broker, workers and clients share
// in the coordination store.
package paths

import "strings"

const (
	Nodes   = "/nodes"
	Clients = "/client"
	Hub     = "/hub"

	RegistrationQueue = "/registrationRequests"
	NewSessionQueue   = "/newSessionRequests"
)

func Node(nodeID string) string          { return Nodes + "/" + nodeID }
func NodeHeartbeat(nodeID string) string { return Node(nodeID) + "/heartbeat" }
func NodeBarrier(nodeID string) string   { return Node(nodeID) + "/barrier" }
func NodeSlots(nodeID string) string     { return Node(nodeID) + "/slots" }

func Slot(nodeID, slotID string) string         { return NodeSlots(nodeID) + "/" + slotID }
func SlotCommand(nodeID, slotID string) string  { return Slot(nodeID, slotID) + "/command" }
func SlotResponse(nodeID, slotID string) string { return Slot(nodeID, slotID) + "/response" }
func SlotState(nodeID, slotID string) string    { return Slot(nodeID, slotID) + "/state" }
func SlotBarrier(nodeID, slotID string) string  { return Slot(nodeID, slotID) + "/barrier" }

func Client(clientID string) string        { return Clients + "/" + clientID }
func ClientSlot(clientID string) string    { return Client(clientID) + "/slot" }
func ClientBarrier(clientID string) string { return Client(clientID) + "/barrier" }

// Base returns the last element of p.
func Base(p string) string {
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[i+1:]
	}
	return p
}

// ChildOf reports whether p is a direct child of parent and returns its name.
func ChildOf(parent, p string) (string, bool) {
	prefix := strings.TrimSuffix(parent, "/") + "/"
	if !strings.HasPrefix(p, prefix) {
		return "", false
	}
	rest := p[len(prefix):]
	if rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	return rest, true
}

// Under reports whether p equals root or lies below it.
func Under(root, p string) bool {
	return p == root || strings.HasPrefix(p, strings.TrimSuffix(root, "/")+"/")
}
