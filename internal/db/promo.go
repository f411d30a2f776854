package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"zapis/internal/models"
)

// InsertRedemption records a promo code use and sets r.ID.
func (db *DB) InsertRedemption(ctx context.Context, r *models.PromoRedemption) error {
	res, err := db.ExecContext(ctx,
		`INSERT INTO promo_redemptions (user_id, promocode, partner_id, redeemed_at) VALUES (?, ?, ?, ?)`,
		r.SubjectID, r.PromoCode, r.PartnerID, r.RedeemedAt.Unix())
	if err != nil {
		return fmt.Errorf("insert redemption: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert redemption: %w", err)
	}
	r.ID = id
	return nil
}

// HasActiveRedemption reports whether the code was redeemed at the partner
// after since.
func (db *DB) HasActiveRedemption(ctx context.Context, code string, partnerID int64, since time.Time) (bool, error) {
	var one int
	err := db.QueryRowContext(ctx,
		`SELECT 1 FROM promo_redemptions WHERE promocode = ? AND partner_id = ? AND redeemed_at > ? LIMIT 1`,
		code, partnerID, since.Unix(),
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check redemption: %w", err)
	}
	return true, nil
}

// ExpiredRedemptions lists redemptions made at or before cutoff, oldest first.
func (db *DB) ExpiredRedemptions(ctx context.Context, cutoff time.Time) ([]models.PromoRedemption, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, user_id, promocode, partner_id, redeemed_at FROM promo_redemptions
		WHERE redeemed_at <= ? ORDER BY redeemed_at, id`, cutoff.Unix())
	if err != nil {
		return nil, fmt.Errorf("list expired redemptions: %w", err)
	}
	defer rows.Close()

	var out []models.PromoRedemption
	for rows.Next() {
		var (
			r  models.PromoRedemption
			ts int64
		)
		if err := rows.Scan(&r.ID, &r.SubjectID, &r.PromoCode, &r.PartnerID, &ts); err != nil {
			return nil, fmt.Errorf("scan redemption: %w", err)
		}
		r.RedeemedAt = unixTime(ts, db.loc)
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteRedemption reports whether this call removed the row.
func (db *DB) DeleteRedemption(ctx context.Context, id int64) (bool, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM promo_redemptions WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete redemption %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
