package sqlite

import (
	"database/sql"
	"errors"
	"time"

	"github.com/sharedllm/sharedllm/internal/domain"
)

const deviceColumns = `id, name, ip, mac, hostname, platform, role_id, status,
	discovery_method, allocated_memory_mb, last_seen, first_seen, created_at,
	rpc_port, rpc_status, memory_total_mb, memory_free_mb`

// ListDevices returns every device, newest first.
func (d *DB) ListDevices() ([]domain.Device, error) {
	rows, err := d.db.Query(`SELECT ` + deviceColumns + ` FROM devices ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []domain.Device
	for rows.Next() {
		dev, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, *dev)
	}
	return devices, rows.Err()
}

// GetDevice retrieves a device by id, or nil if unknown.
func (d *DB) GetDevice(id string) (*domain.Device, error) {
	row := d.db.QueryRow(`SELECT `+deviceColumns+` FROM devices WHERE id = ?`, id)
	return scanDevice(row)
}

// GetDeviceByIP retrieves a device by network address, or nil if unknown.
func (d *DB) GetDeviceByIP(ip string) (*domain.Device, error) {
	row := d.db.QueryRow(`SELECT `+deviceColumns+` FROM devices WHERE ip = ?`, ip)
	return scanDevice(row)
}

// InsertDevice persists a new device record.
func (d *DB) InsertDevice(dev domain.Device) error {
	_, err := d.db.Exec(
		`INSERT INTO devices (`+deviceColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		dev.ID, dev.Name, dev.IP, dev.MAC, dev.Hostname, dev.Platform,
		dev.RoleID, string(dev.Status), dev.DiscoveryMethod, dev.AllocatedMB,
		formatTime(dev.LastSeen), formatTime(dev.FirstSeen), formatTime(dev.CreatedAt),
		dev.AgentPort, string(dev.AgentStatus), dev.MemoryTotalMB, dev.MemoryFreeMB,
	)
	return err
}

// UpdateDeviceStatus sets a device's approval status.
func (d *DB) UpdateDeviceStatus(id string, status domain.DeviceStatus) error {
	return d.updateDevice(`UPDATE devices SET status = ? WHERE id = ?`, string(status), id)
}

// UpdateDeviceRole binds a device to a role.
func (d *DB) UpdateDeviceRole(id, roleID string) error {
	return d.updateDevice(`UPDATE devices SET role_id = ? WHERE id = ?`, roleID, id)
}

// TouchDevice advances a device's last-seen timestamp to now.
func (d *DB) TouchDevice(id string) error {
	return d.updateDevice(`UPDATE devices SET last_seen = ? WHERE id = ?`,
		formatTime(time.Now().UTC()), id)
}

// UpdateDeviceAgentStatus records the last observed agent reachability.
func (d *DB) UpdateDeviceAgentStatus(id string, status domain.AgentStatus) error {
	return d.updateDevice(`UPDATE devices SET rpc_status = ? WHERE id = ?`, string(status), id)
}

// UpdateDeviceAgentMemory records the peer's last reported memory stats.
func (d *DB) UpdateDeviceAgentMemory(id string, totalMB, freeMB int64) error {
	_, err := d.db.Exec(
		`UPDATE devices SET memory_total_mb = ?, memory_free_mb = ? WHERE id = ?`,
		totalMB, freeMB, id)
	return err
}

// DeleteDevice removes a device record.
func (d *DB) DeleteDevice(id string) error {
	res, err := d.db.Exec(`DELETE FROM devices WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrDeviceNotFound
	}
	return nil
}

func (d *DB) updateDevice(query string, args ...any) error {
	res, err := d.db.Exec(query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrDeviceNotFound
	}
	return nil
}

func scanDevice(s scanner) (*domain.Device, error) {
	var dev domain.Device
	var status, agentStatus string
	var lastSeen sql.NullString
	var firstSeen, createdAt string

	err := s.Scan(&dev.ID, &dev.Name, &dev.IP, &dev.MAC, &dev.Hostname,
		&dev.Platform, &dev.RoleID, &status, &dev.DiscoveryMethod,
		&dev.AllocatedMB, &lastSeen, &firstSeen, &createdAt,
		&dev.AgentPort, &agentStatus, &dev.MemoryTotalMB, &dev.MemoryFreeMB)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // Not found, no error
	}
	if err != nil {
		return nil, err
	}

	dev.Status = domain.DeviceStatus(status)
	dev.AgentStatus = domain.AgentStatus(agentStatus)
	if lastSeen.Valid {
		dev.LastSeen = parseTime(lastSeen.String)
	}
	dev.FirstSeen = parseTime(firstSeen)
	dev.CreatedAt = parseTime(createdAt)
	return &dev, nil
}
