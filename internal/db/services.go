package db

import (
	"context"
	"fmt"

	"zapis/internal/models"
)

// ListServices returns the enabled catalog ordered by id.
func (db *DB) ListServices(ctx context.Context) ([]models.Service, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, name, description, duration_min, price, enabled FROM services WHERE enabled = 1 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	defer rows.Close()

	var services []models.Service
	for rows.Next() {
		var (
			s       models.Service
			enabled int
		)
		if err := rows.Scan(&s.ID, &s.Name, &s.Description, &s.DurationMinutes, &s.Price, &enabled); err != nil {
			return nil, fmt.Errorf("scan service: %w", err)
		}
		s.Enabled = enabled == 1
		services = append(services, s)
	}
	return services, rows.Err()
}

// CreateService inserts svc and sets its ID.
func (db *DB) CreateService(ctx context.Context, svc *models.Service) error {
	res, err := db.ExecContext(ctx,
		`INSERT INTO services (name, description, duration_min, price, enabled, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		svc.Name, svc.Description, svc.DurationMinutes, svc.Price.String(), boolInt(svc.Enabled), db.now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}
	svc.ID = id
	return nil
}
