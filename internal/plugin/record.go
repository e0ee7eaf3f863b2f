// Package plugin tracks registered tool plugins and brings them from
// absent to Running.
package plugin

import (
	"encoding/json"

	"github.com/virelabs/toolhost/internal/rpc"
)

// Status is a plugin's position in its lifecycle. The machine is
// NotPresent → Provisioning → {Running | Failed}, plus Running → Failed
// on a later channel-closed event. Failed is terminal for that attempt;
// re-provisioning under the same name requires removing the stale record.
type Status string

const (
	// StatusProvisioning means the pull/launch/discovery sequence is in
	// progress.
	StatusProvisioning Status = "provisioning"

	// StatusRunning means the process is alive and discovery has
	// succeeded at least once.
	StatusRunning Status = "running"

	// StatusFailed means provisioning failed or the channel closed.
	StatusFailed Status = "failed"
)

// ToolDescriptor is one callable tool a plugin exposes. The input schema
// is opaque and passed through unmodified.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// record is the registry's authoritative entry for one plugin. The
// process handle and channel are exclusively owned here; everything else
// reads Snapshots.
type record struct {
	name      string
	image     string
	status    Status
	tools     []ToolDescriptor
	lastError string
	proc      ProcessHandle
	channel   *rpc.Channel
}

// Snapshot is a read-only copy of a record. The Channel pointer is safe
// to share: the channel synchronizes internally.
type Snapshot struct {
	Name      string
	Image     string
	Status    Status
	Tools     []ToolDescriptor
	LastError string
	Channel   *rpc.Channel
}

func (r *record) snapshot() Snapshot {
	tools := make([]ToolDescriptor, len(r.tools))
	copy(tools, r.tools)

	return Snapshot{
		Name:      r.name,
		Image:     r.image,
		Status:    r.status,
		Tools:     tools,
		LastError: r.lastError,
		Channel:   r.channel,
	}
}
