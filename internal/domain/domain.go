// Package domain defines the core records of the SharedLLM controller:
// peer devices, roles, memory allocations, settings, and inference sessions.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// DeviceStatus is the approval state of a peer device.
type DeviceStatus string

const (
	StatusPending   DeviceStatus = "pending"
	StatusApproved  DeviceStatus = "approved"
	StatusDenied    DeviceStatus = "denied"
	StatusSuspended DeviceStatus = "suspended"
	StatusOffline   DeviceStatus = "offline"
)

// AgentStatus is the last-observed reachability of a device's RPC agent.
type AgentStatus string

const (
	AgentOffline    AgentStatus = "offline"
	AgentConnecting AgentStatus = "connecting"
	AgentReady      AgentStatus = "ready"
	AgentError      AgentStatus = "error"
)

// Discovery methods.
const (
	DiscoveryMDNS   = "mdns"
	DiscoveryManual = "manual"
)

// DefaultAgentPort is the port peer rpc-server agents listen on.
const DefaultAgentPort = 8181

// Device is a peer machine registered with this controller. Identity is the
// id; the ip must be unique across devices.
type Device struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	IP              string       `json:"ip"`
	MAC             string       `json:"mac,omitempty"`
	Hostname        string       `json:"hostname,omitempty"`
	Platform        string       `json:"platform,omitempty"`
	RoleID          string       `json:"role_id,omitempty"`
	Status          DeviceStatus `json:"status"`
	DiscoveryMethod string       `json:"discovery_method"`
	AllocatedMB     int64        `json:"allocated_memory_mb"`
	LastSeen        time.Time    `json:"last_seen"`
	FirstSeen       time.Time    `json:"first_seen"`
	CreatedAt       time.Time    `json:"created_at"`
	AgentPort       int          `json:"rpc_port"`
	AgentStatus     AgentStatus  `json:"rpc_status"`
	MemoryTotalMB   int64        `json:"memory_total_mb"`
	MemoryFreeMB    int64        `json:"memory_free_mb"`
}

// NewDevice creates a pending device record with defaults.
func NewDevice(name, ip, mac, hostname, platform, method string) Device {
	now := time.Now().UTC()
	return Device{
		ID:              uuid.New().String(),
		Name:            name,
		IP:              ip,
		MAC:             mac,
		Hostname:        hostname,
		Platform:        platform,
		Status:          StatusPending,
		DiscoveryMethod: method,
		LastSeen:        now,
		FirstSeen:       now,
		CreatedAt:       now,
		AgentPort:       DefaultAgentPort,
		AgentStatus:     AgentOffline,
	}
}

// Role is a quota template a device can be bound to.
type Role struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	MaxMemoryMB   int64     `json:"max_memory_mb"`
	CanPullModels bool      `json:"can_pull_models"`
	TrustLevel    int       `json:"trust_level"`
	CreatedAt     time.Time `json:"created_at"`
}

// Built-in role ids. These are seeded at migration time and cannot be deleted.
const (
	RoleAdmin = "role-admin"
	RoleUser  = "role-user"
	RoleGuest = "role-guest"
)

// BuiltinRole reports whether id names a built-in role.
func BuiltinRole(id string) bool {
	return id == RoleAdmin || id == RoleUser || id == RoleGuest
}

// Allocation is an append-only audit record of a granted memory reservation.
type Allocation struct {
	ID        string     `json:"id"`
	DeviceID  string     `json:"device_id"`
	MemoryMB  int64      `json:"memory_mb"`
	Provider  string     `json:"provider"`
	GrantedAt time.Time  `json:"granted_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// Setting is a persisted string key/value pair.
type Setting struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Session states.
const (
	SessionStarting = "starting"
	SessionRunning  = "running"
	SessionStopped  = "stopped"
	SessionError    = "error"
)

// InferenceSession is the transient record of a running inference. At most
// one session exists at a time.
type InferenceSession struct {
	ID         string    `json:"id"`
	ModelPath  string    `json:"model_path"`
	Status     string    `json:"status"`
	RPCDevices []string  `json:"rpc_devices"`
	StartedAt  time.Time `json:"started_at"`
}

// ProviderKind tags a local memory provider.
type ProviderKind string

const (
	KindNvidia    ProviderKind = "nvidia"
	KindAMD       ProviderKind = "amd"
	KindApple     ProviderKind = "apple_silicon"
	KindIntel     ProviderKind = "intel"
	KindSystemRAM ProviderKind = "system_ram"
)

// MemorySnapshot is one provider's state at a sampling tick. AllocatedMB is
// filled in at read time by proportional attribution, not by the sampler.
type MemorySnapshot struct {
	ProviderID  string       `json:"provider_id"`
	Name        string       `json:"name"`
	Kind        ProviderKind `json:"kind"`
	TotalMB     int64        `json:"total_mb"`
	UsedMB      int64        `json:"used_mb"`
	FreeMB      int64        `json:"free_mb"`
	AllocatedMB int64        `json:"allocated_mb"`
}
