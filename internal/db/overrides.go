package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"zapis/internal/models"
)

// GetAvailabilityOverride returns nil, nil when the service has no override
// for the date.
func (db *DB) GetAvailabilityOverride(ctx context.Context, serviceID int64, date string) (*models.AvailabilityOverride, error) {
	var (
		raw       string
		updatedTS int64
	)
	err := db.QueryRowContext(ctx,
		`SELECT slots, updated_at FROM availability_overrides WHERE service_id = ? AND date = ?`,
		serviceID, date,
	).Scan(&raw, &updatedTS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get override %d/%s: %w", serviceID, date, err)
	}

	o := &models.AvailabilityOverride{
		ServiceID: serviceID,
		Date:      date,
		UpdatedAt: unixTime(updatedTS, db.loc),
	}
	if err := json.Unmarshal([]byte(raw), &o.Slots); err != nil {
		return nil, fmt.Errorf("decode override %d/%s: %w", serviceID, date, err)
	}
	if o.Slots == nil {
		o.Slots = []string{}
	}
	return o, nil
}

// UpsertAvailabilityOverride replaces the slots of (service, date).
func (db *DB) UpsertAvailabilityOverride(ctx context.Context, o *models.AvailabilityOverride) error {
	slots := o.Slots
	if slots == nil {
		slots = []string{}
	}
	data, err := json.Marshal(slots)
	if err != nil {
		return fmt.Errorf("marshal slots: %w", err)
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = db.now()
	}

	_, err = db.ExecContext(ctx, `INSERT INTO availability_overrides (service_id, date, slots, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(service_id, date) DO UPDATE SET slots = excluded.slots, updated_at = excluded.updated_at`,
		o.ServiceID, o.Date, string(data), o.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert override %d/%s: %w", o.ServiceID, o.Date, err)
	}
	return nil
}

// DeleteAvailabilityOverride reports whether an override was removed.
func (db *DB) DeleteAvailabilityOverride(ctx context.Context, serviceID int64, date string) (bool, error) {
	res, err := db.ExecContext(ctx,
		`DELETE FROM availability_overrides WHERE service_id = ? AND date = ?`, serviceID, date)
	if err != nil {
		return false, fmt.Errorf("delete override %d/%s: %w", serviceID, date, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListOverrideDates lists dates from `from` on that carry an override.
func (db *DB) ListOverrideDates(ctx context.Context, serviceID int64, from string) ([]string, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT date FROM availability_overrides WHERE service_id = ? AND date >= ? ORDER BY date`,
		serviceID, from)
	if err != nil {
		return nil, fmt.Errorf("list override dates: %w", err)
	}
	defer rows.Close()

	dates := []string{}
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		dates = append(dates, d)
	}
	return dates, rows.Err()
}
