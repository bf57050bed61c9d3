// Package registry is the single source of truth for peer device identity:
// registration, the approval state machine, role-bounded memory allocation,
// and live reachability probing.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/sharedllm/sharedllm/internal/bus"
	"github.com/sharedllm/sharedllm/internal/domain"
	"github.com/sharedllm/sharedllm/internal/infra/metrics"
	"github.com/sharedllm/sharedllm/internal/infra/sqlite"
)

const (
	probeTimeout = 2 * time.Second

	// Allocations are not yet bound to a specific provider; attribution
	// across providers happens at read time in the memory package.
	allocationProvider = "system_ram"
)

// Settings consulted during registration.
const (
	SettingTrustLocalNetwork = "trust_local_network"
	SettingDefaultRole       = "default_role"
)

// Registry mediates all device state changes. Events are emitted only after
// the database write succeeds.
type Registry struct {
	db     *sqlite.DB
	bus    *bus.Bus
	log    *logrus.Logger
	client *http.Client
}

func New(db *sqlite.DB, b *bus.Bus, log *logrus.Logger) *Registry {
	return &Registry{
		db:     db,
		bus:    b,
		log:    log,
		client: &http.Client{Timeout: probeTimeout},
	}
}

// Register records a newly seen device. A device with the same address is
// deduplicated: its last-seen advances and no event fires. New devices are
// auto-approved when the trust_local_network setting is on, otherwise they
// enter the pending queue.
func (r *Registry) Register(name, ip, mac, hostname, platform string, method string) (*domain.Device, error) {
	existing, err := r.db.GetDeviceByIP(ip)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if err := r.db.TouchDevice(existing.ID); err != nil {
			return nil, err
		}
		return r.db.GetDevice(existing.ID)
	}

	dev := domain.NewDevice(name, ip, mac, hostname, platform, method)

	if r.trustLocalNetwork() {
		dev.Status = domain.StatusApproved
		dev.RoleID = r.defaultRole()
	}

	if err := r.db.InsertDevice(dev); err != nil {
		return nil, err
	}

	if dev.Status == domain.StatusApproved {
		r.log.WithFields(logrus.Fields{"device": dev.ID, "ip": ip}).Info("device auto-approved")
		r.bus.Publish(bus.DeviceApproved{DeviceID: dev.ID, Name: dev.Name, IP: dev.IP})
	} else {
		r.log.WithFields(logrus.Fields{"device": dev.ID, "ip": ip}).Info("device pending approval")
		r.bus.Publish(bus.DevicePendingApproval{
			DeviceID:        dev.ID,
			Name:            dev.Name,
			IP:              dev.IP,
			DiscoveryMethod: string(method),
		})
	}
	return &dev, nil
}

// Approve moves a device into the approved pool, binding it to roleID
// (or the guest role when empty).
func (r *Registry) Approve(id, roleID string) (*domain.Device, error) {
	dev, err := r.db.GetDevice(id)
	if err != nil {
		return nil, err
	}
	if dev == nil {
		return nil, domain.ErrDeviceNotFound
	}

	if roleID == "" {
		roleID = domain.RoleGuest
	}
	role, err := r.db.GetRole(roleID)
	if err != nil {
		return nil, err
	}
	if role == nil {
		return nil, domain.ErrRoleNotFound
	}

	if err := r.db.UpdateDeviceRole(id, roleID); err != nil {
		return nil, err
	}
	if err := r.db.UpdateDeviceStatus(id, domain.StatusApproved); err != nil {
		return nil, err
	}

	r.bus.Publish(bus.DeviceApproved{DeviceID: dev.ID, Name: dev.Name, IP: dev.IP})
	return r.db.GetDevice(id)
}

// Deny marks a device denied.
func (r *Registry) Deny(id string) error {
	dev, err := r.db.GetDevice(id)
	if err != nil {
		return err
	}
	if dev == nil {
		return domain.ErrDeviceNotFound
	}
	if err := r.db.UpdateDeviceStatus(id, domain.StatusDenied); err != nil {
		return err
	}
	r.bus.Publish(bus.DeviceDenied{DeviceID: id})
	return nil
}

// Allocate grants memoryMB to an approved device, bounded by its role's
// quota. The device row and the append-only allocation log are updated in
// one transaction; the event fires only after commit.
func (r *Registry) Allocate(id string, memoryMB int64) (*domain.Device, error) {
	dev, err := r.db.GetDevice(id)
	if err != nil {
		return nil, err
	}
	if dev == nil {
		return nil, domain.ErrDeviceNotFound
	}
	if dev.Status != domain.StatusApproved {
		return nil, domain.ErrNotApproved
	}
	if dev.RoleID == "" {
		return nil, fmt.Errorf("%w: device has no role", domain.ErrQuotaExceeded)
	}
	role, err := r.db.GetRole(dev.RoleID)
	if err != nil {
		return nil, err
	}
	if role == nil {
		return nil, domain.ErrRoleNotFound
	}
	if memoryMB < 0 || memoryMB > role.MaxMemoryMB {
		return nil, fmt.Errorf("%w: requested %d MB, role %s allows %d MB",
			domain.ErrQuotaExceeded, memoryMB, role.Name, role.MaxMemoryMB)
	}

	if _, err := r.db.GrantAllocation(id, memoryMB, allocationProvider); err != nil {
		return nil, err
	}

	r.bus.Publish(bus.MemoryAllocated{DeviceID: id, MemoryMB: memoryMB})
	return r.db.GetDevice(id)
}

// Remove deletes a device record.
func (r *Registry) Remove(id string) error {
	return r.db.DeleteDevice(id)
}

// ─── Probing ────────────────────────────────────────────────────────────────

// agentStatus is the body of the peer agent's /status endpoint.
type agentStatus struct {
	MemoryTotalMB int64 `json:"memory_total_mb"`
	MemoryFreeMB  int64 `json:"memory_free_mb"`
}

// Probe checks a peer's agent over TCP. On success the device flips to
// ready and its memory stats are refreshed from the peer's status endpoint;
// on failure the previous reachability value is retained.
func (r *Registry) Probe(ctx context.Context, dev *domain.Device) bool {
	addr := net.JoinHostPort(dev.IP, fmt.Sprintf("%d", dev.AgentPort))
	d := net.Dialer{Timeout: probeTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		metrics.ProbesTotal.WithLabelValues("unreachable").Inc()
		return false
	}
	conn.Close()
	metrics.ProbesTotal.WithLabelValues("reachable").Inc()

	wasReady := dev.AgentStatus == domain.AgentReady
	if err := r.db.UpdateDeviceAgentStatus(dev.ID, domain.AgentReady); err != nil {
		r.log.WithError(err).WithField("device", dev.ID).Warn("persist agent status")
		return true
	}
	dev.AgentStatus = domain.AgentReady

	// Memory stats are best-effort: a reachable agent whose status endpoint
	// errors still announces the ready transition, carrying the last-known
	// figures.
	if st, err := r.fetchAgentStatus(ctx, dev); err == nil {
		if err := r.db.UpdateDeviceAgentMemory(dev.ID, st.MemoryTotalMB, st.MemoryFreeMB); err == nil {
			dev.MemoryTotalMB = st.MemoryTotalMB
			dev.MemoryFreeMB = st.MemoryFreeMB
		}
	} else {
		r.log.WithError(err).WithField("device", dev.ID).Debug("agent memory fetch failed")
	}
	if !wasReady {
		r.bus.Publish(bus.RPCDeviceReady{
			DeviceID:      dev.ID,
			MemoryTotalMB: dev.MemoryTotalMB,
			MemoryFreeMB:  dev.MemoryFreeMB,
		})
	}
	return true
}

// ProbeAll probes every approved device in parallel and returns the devices
// with refreshed reachability and memory fields.
func (r *Registry) ProbeAll(ctx context.Context) ([]domain.Device, error) {
	devices, err := r.db.ListDevices()
	if err != nil {
		return nil, err
	}

	var approved []*domain.Device
	for i := range devices {
		if devices[i].Status == domain.StatusApproved {
			approved = append(approved, &devices[i])
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, dev := range approved {
		dev := dev
		g.Go(func() error {
			r.Probe(gctx, dev)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]domain.Device, 0, len(approved))
	for _, dev := range approved {
		out = append(out, *dev)
	}
	return out, nil
}

func (r *Registry) fetchAgentStatus(ctx context.Context, dev *domain.Device) (*agentStatus, error) {
	url := fmt.Sprintf("http://%s/status", net.JoinHostPort(dev.IP, fmt.Sprintf("%d", dev.AgentPort)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("agent status: HTTP %d", resp.StatusCode)
	}
	var st agentStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (r *Registry) trustLocalNetwork() bool {
	v, ok, err := r.db.GetSetting(SettingTrustLocalNetwork)
	if err != nil || !ok {
		return false
	}
	return v == "true"
}

func (r *Registry) defaultRole() string {
	v, ok, err := r.db.GetSetting(SettingDefaultRole)
	if err != nil || !ok || v == "" {
		return domain.RoleGuest
	}
	return v
}
