package bus

import (
	"encoding/json"

	"github.com/sharedllm/sharedllm/internal/domain"
)

// Event is the closed set of payloads carried on the bus. The wire form is a
// flat JSON object with a snake_case "type" discriminator, e.g.
// {"type":"device_approved","device_id":"...","name":"...","ip":"..."}.
type Event interface {
	EventType() string
}

// Marshal serializes an event to its wire form, injecting the discriminator.
func Marshal(e Event) ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		fields = map[string]any{}
	}
	fields["type"] = e.EventType()
	return json.Marshal(fields)
}

// DeviceDiscovered: a device appeared via mDNS or manual registration.
type DeviceDiscovered struct {
	IP       string `json:"ip"`
	Name     string `json:"name"`
	Hostname string `json:"hostname"`
	Method   string `json:"method"`
}

func (DeviceDiscovered) EventType() string { return "device_discovered" }

// DevicePendingApproval: a registered device awaits manual approval.
type DevicePendingApproval struct {
	DeviceID        string `json:"device_id"`
	Name            string `json:"name"`
	IP              string `json:"ip"`
	DiscoveryMethod string `json:"discovery_method"`
}

func (DevicePendingApproval) EventType() string { return "device_pending_approval" }

// DeviceApproved: a device joined the approved pool.
type DeviceApproved struct {
	DeviceID string `json:"device_id"`
	Name     string `json:"name"`
	IP       string `json:"ip"`
}

func (DeviceApproved) EventType() string { return "device_approved" }

// DeviceDenied: a device was denied.
type DeviceDenied struct {
	DeviceID string `json:"device_id"`
}

func (DeviceDenied) EventType() string { return "device_denied" }

// DeviceOffline: a discovered device disappeared from the network.
type DeviceOffline struct {
	Name string `json:"name"`
}

func (DeviceOffline) EventType() string { return "device_offline" }

// MemoryAllocated: a memory reservation was granted to a device.
type MemoryAllocated struct {
	DeviceID string `json:"device_id"`
	MemoryMB int64  `json:"memory_mb"`
}

func (MemoryAllocated) EventType() string { return "memory_allocated" }

// MemoryStats: periodic snapshot of every local memory provider.
type MemoryStats struct {
	Snapshots []domain.MemorySnapshot `json:"snapshots"`
}

func (MemoryStats) EventType() string { return "memory_stats" }

// OllamaStatus: the managed Ollama instance changed state.
type OllamaStatus struct {
	Running bool   `json:"running"`
	Host    string `json:"host"`
}

func (OllamaStatus) EventType() string { return "ollama_status" }

// Error: generic asynchronous error notification.
type Error struct {
	Message string `json:"message"`
}

func (Error) EventType() string { return "error" }

// RPCServerReady: the local rpc agent started successfully.
type RPCServerReady struct {
	Port int `json:"port"`
}

func (RPCServerReady) EventType() string { return "rpc_server_ready" }

// RPCServerOffline: the local rpc agent stopped or crashed.
type RPCServerOffline struct{}

func (RPCServerOffline) EventType() string { return "rpc_server_offline" }

// RPCDeviceReady: a peer's rpc agent became reachable.
type RPCDeviceReady struct {
	DeviceID      string `json:"device_id"`
	MemoryTotalMB int64  `json:"memory_total_mb"`
	MemoryFreeMB  int64  `json:"memory_free_mb"`
}

func (RPCDeviceReady) EventType() string { return "rpc_device_ready" }

// RPCDeviceOffline: a peer's rpc agent went unreachable.
type RPCDeviceOffline struct {
	DeviceID string `json:"device_id"`
}

func (RPCDeviceOffline) EventType() string { return "rpc_device_offline" }

// InferenceStarted: the engine process launched for a session.
type InferenceStarted struct {
	SessionID string   `json:"session_id"`
	Model     string   `json:"model"`
	Devices   []string `json:"devices"`
}

func (InferenceStarted) EventType() string { return "inference_started" }

// InferenceStopped: the engine process for a session ended.
type InferenceStopped struct {
	SessionID string `json:"session_id"`
}

func (InferenceStopped) EventType() string { return "inference_stopped" }

// LayerSpan names the decoder layers placed on one device, e.g. "0-15".
type LayerSpan struct {
	DeviceID string `json:"device_id"`
	Layers   string `json:"layers"`
}

// LayerAssignment describes layer placement across devices. The type is
// defined for forward compatibility; nothing emits it yet.
type LayerAssignment struct {
	Assignments []LayerSpan `json:"assignments"`
}

func (LayerAssignment) EventType() string { return "layer_assignment" }
