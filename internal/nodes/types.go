// Package nodes tracks paired client devices. A client that connects to
// the gateway in node mode is held in nodes/pending.json until the
// owner approves its code (pairing.approve with kind "node"), which
// moves it to nodes/paired.json.
package nodes

import "time"

// PairRequest is the identity a node-mode client presents on connect.
type PairRequest struct {
	ClientName string `json:"clientName,omitempty"`
	Platform   string `json:"platform,omitempty"`
	Version    string `json:"version,omitempty"`
	// InstanceID distinguishes installs of the same client; repeat
	// requests from one instance reuse the outstanding code.
	InstanceID string `json:"instanceId,omitempty"`
}

// PendingNode is an unapproved pairing request.
type PendingNode struct {
	ID          string    `json:"id"`
	Code        string    `json:"code"`
	ClientName  string    `json:"clientName,omitempty"`
	Platform    string    `json:"platform,omitempty"`
	Version     string    `json:"version,omitempty"`
	InstanceID  string    `json:"instanceId,omitempty"`
	RequestedAt time.Time `json:"requestedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Node is an approved device. ID is stable across reconnects.
type Node struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Platform   string    `json:"platform,omitempty"`
	Version    string    `json:"version,omitempty"`
	InstanceID string    `json:"instanceId,omitempty"`
	PairedAt   time.Time `json:"pairedAt"`
	LastSeen   time.Time `json:"lastSeen,omitempty"`
}
