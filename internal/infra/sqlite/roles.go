package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sharedllm/sharedllm/internal/domain"
)

// ListRoles returns all roles, most trusted first.
func (d *DB) ListRoles() ([]domain.Role, error) {
	rows, err := d.db.Query(
		`SELECT id, name, max_memory_mb, can_pull_models, trust_level, created_at
		 FROM roles ORDER BY trust_level DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []domain.Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, *r)
	}
	return roles, rows.Err()
}

// GetRole retrieves a role by id, or nil if unknown.
func (d *DB) GetRole(id string) (*domain.Role, error) {
	row := d.db.QueryRow(
		`SELECT id, name, max_memory_mb, can_pull_models, trust_level, created_at
		 FROM roles WHERE id = ?`, id)
	return scanRole(row)
}

// UpsertRole inserts or updates a role. created_at is preserved on update.
func (d *DB) UpsertRole(r domain.Role) error {
	_, err := d.db.Exec(
		`INSERT INTO roles (id, name, max_memory_mb, can_pull_models, trust_level, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			max_memory_mb = excluded.max_memory_mb,
			can_pull_models = excluded.can_pull_models,
			trust_level = excluded.trust_level`,
		r.ID, r.Name, r.MaxMemoryMB, r.CanPullModels, r.TrustLevel, formatTime(r.CreatedAt),
	)
	return err
}

// DeleteRole removes a role. Built-in roles are protected at the service
// layer; this is a plain delete.
func (d *DB) DeleteRole(id string) error {
	res, err := d.db.Exec(`DELETE FROM roles WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrRoleNotFound
	}
	return nil
}

func scanRole(s scanner) (*domain.Role, error) {
	var r domain.Role
	var createdAt string
	err := s.Scan(&r.ID, &r.Name, &r.MaxMemoryMB, &r.CanPullModels, &r.TrustLevel, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.CreatedAt = parseTime(createdAt)
	return &r, nil
}

// ─── Allocations ────────────────────────────────────────────────────────────

// GrantAllocation atomically replaces the device's open allocation: previous
// non-revoked records are revoked, a fresh record is appended, and the
// device's stored allocated_memory_mb is set to memoryMB. The stored value
// therefore always equals the sum of non-revoked allocation records.
func (d *DB) GrantAllocation(deviceID string, memoryMB int64, provider string) (*domain.Allocation, error) {
	tx, err := d.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	if _, err := tx.Exec(
		`UPDATE allocations SET revoked_at = ? WHERE device_id = ? AND revoked_at IS NULL`,
		formatTime(now), deviceID); err != nil {
		return nil, fmt.Errorf("revoke open allocations: %w", err)
	}

	alloc := domain.Allocation{
		ID:        uuid.New().String(),
		DeviceID:  deviceID,
		MemoryMB:  memoryMB,
		Provider:  provider,
		GrantedAt: now,
	}
	if _, err := tx.Exec(
		`INSERT INTO allocations (id, device_id, memory_mb, provider, granted_at, revoked_at)
		 VALUES (?, ?, ?, ?, ?, NULL)`,
		alloc.ID, alloc.DeviceID, alloc.MemoryMB, alloc.Provider, formatTime(alloc.GrantedAt),
	); err != nil {
		return nil, fmt.Errorf("insert allocation: %w", err)
	}

	res, err := tx.Exec(
		`UPDATE devices SET allocated_memory_mb = ? WHERE id = ?`, memoryMB, deviceID)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, domain.ErrDeviceNotFound
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &alloc, nil
}

// ListAllocations returns a device's allocation records, newest first.
func (d *DB) ListAllocations(deviceID string) ([]domain.Allocation, error) {
	rows, err := d.db.Query(
		`SELECT id, device_id, memory_mb, provider, granted_at, revoked_at
		 FROM allocations WHERE device_id = ? ORDER BY granted_at DESC`, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var allocs []domain.Allocation
	for rows.Next() {
		var a domain.Allocation
		var grantedAt string
		var revokedAt sql.NullString
		if err := rows.Scan(&a.ID, &a.DeviceID, &a.MemoryMB, &a.Provider, &grantedAt, &revokedAt); err != nil {
			return nil, err
		}
		a.GrantedAt = parseTime(grantedAt)
		if revokedAt.Valid {
			t := parseTime(revokedAt.String)
			a.RevokedAt = &t
		}
		allocs = append(allocs, a)
	}
	return allocs, rows.Err()
}
