package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"zapis/internal/models"
)

// HasCompletedProfile reports whether the user filled in both name and phone.
func (db *DB) HasCompletedProfile(ctx context.Context, userID int64) (bool, error) {
	var name, phone string
	err := db.QueryRowContext(ctx,
		`SELECT full_name, phone_number FROM users WHERE user_id = ?`, userID,
	).Scan(&name, &phone)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get profile %d: %w", userID, err)
	}
	return strings.TrimSpace(name) != "" && strings.TrimSpace(phone) != "", nil
}

// UpsertUser stores the profile fields. An empty promo code is kept as NULL.
func (db *DB) UpsertUser(ctx context.Context, userID int64, fullName, phone, promoCode string) error {
	var code any
	if promoCode != "" {
		code = promoCode
	}
	_, err := db.ExecContext(ctx, `INSERT INTO users (user_id, full_name, phone_number, promocode) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET full_name = excluded.full_name, phone_number = excluded.phone_number,
		promocode = excluded.promocode`,
		userID, fullName, phone, code)
	if err != nil {
		return fmt.Errorf("upsert user %d: %w", userID, err)
	}
	return nil
}

// UserByPromoCode resolves a promo code to its owner.
func (db *DB) UserByPromoCode(ctx context.Context, code string) (int64, bool, error) {
	var userID int64
	err := db.QueryRowContext(ctx, `SELECT user_id FROM users WHERE promocode = ?`, code).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("resolve promo code: %w", err)
	}
	return userID, true, nil
}

// GetPartner returns nil, nil for an unknown partner.
func (db *DB) GetPartner(ctx context.Context, partnerID int64) (*models.Partner, error) {
	p := models.Partner{ID: partnerID}
	err := db.QueryRowContext(ctx,
		`SELECT partner_name, owner_user_id FROM partners WHERE partner_id = ?`, partnerID,
	).Scan(&p.Name, &p.OwnerUserID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get partner %d: %w", partnerID, err)
	}
	return &p, nil
}

// UpsertPartner stores a partner directory entry.
func (db *DB) UpsertPartner(ctx context.Context, p models.Partner) error {
	_, err := db.ExecContext(ctx, `INSERT INTO partners (partner_id, partner_name, owner_user_id) VALUES (?, ?, ?)
		ON CONFLICT(partner_id) DO UPDATE SET partner_name = excluded.partner_name, owner_user_id = excluded.owner_user_id`,
		p.ID, p.Name, p.OwnerUserID)
	if err != nil {
		return fmt.Errorf("upsert partner %d: %w", p.ID, err)
	}
	return nil
}
