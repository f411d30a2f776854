package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"zapis/internal/booking"
	"zapis/internal/models"
)

const appointmentColumns = `id, user_id, start_ts, end_ts, services, total_price, comment, promo_code,
	status, cancel_reason, reminder_24_sent, reminder_3_sent, followup_sent, created_at, updated_at`

// notificationColumns maps each sweep notification to the flag guarding it.
var notificationColumns = map[models.NotificationKind]string{
	models.NotificationReminder24h: "reminder_24_sent",
	models.NotificationReminder3h:  "reminder_3_sent",
	models.NotificationFollowUp:    "followup_sent",
}

// tx is one immediate sqlite transaction seen through booking.Tx.
type tx struct {
	sqlTx *sql.Tx
	loc   *time.Location
	now   func() time.Time
}

// WithinTx runs fn inside a BEGIN IMMEDIATE transaction. fn's error rolls the
// transaction back and is returned as is, except that an overlap trigger abort
// becomes booking.ErrSlotBusy.
func (db *DB) WithinTx(ctx context.Context, fn func(tx booking.Tx) error) error {
	sqlTx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(&tx{sqlTx: sqlTx, loc: db.loc, now: db.now}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			db.logger.Error().Err(rbErr).Msg("rollback failed")
		}
		return mapWriteError(err)
	}

	if err := sqlTx.Commit(); err != nil {
		return mapWriteError(fmt.Errorf("commit tx: %w", err))
	}
	return nil
}

func (t *tx) OverlappingAppointments(ctx context.Context, start, end time.Time, excludeID int64) ([]models.Appointment, error) {
	return overlappingAppointments(ctx, t.sqlTx, t.loc, start, end, excludeID)
}

func (t *tx) GetAppointment(ctx context.Context, id int64) (*models.Appointment, error) {
	return getAppointment(ctx, t.sqlTx, t.loc, id)
}

func (t *tx) InsertAppointment(ctx context.Context, appt *models.Appointment) error {
	return insertAppointment(ctx, t.sqlTx, appt, t.now())
}

func (t *tx) UpdateAppointment(ctx context.Context, id int64, patch models.AppointmentPatch) error {
	return updateAppointment(ctx, t.sqlTx, id, patch, t.now())
}

// GetAppointment returns nil, nil when no appointment has the id.
func (db *DB) GetAppointment(ctx context.Context, id int64) (*models.Appointment, error) {
	return getAppointment(ctx, db.DB, db.loc, id)
}

// OverlappingAppointments lists confirmed appointments intersecting
// [start, end), skipping excludeID.
func (db *DB) OverlappingAppointments(ctx context.Context, start, end time.Time, excludeID int64) ([]models.Appointment, error) {
	return overlappingAppointments(ctx, db.DB, db.loc, start, end, excludeID)
}

// InsertAppointment stores appt outside of any caller transaction. The
// overlap triggers still apply.
func (db *DB) InsertAppointment(ctx context.Context, appt *models.Appointment) error {
	return mapWriteError(insertAppointment(ctx, db.DB, appt, db.now()))
}

func (db *DB) UpdateAppointment(ctx context.Context, id int64, patch models.AppointmentPatch) error {
	return mapWriteError(updateAppointment(ctx, db.DB, id, patch, db.now()))
}

// ListAppointments returns appointments matching filter ordered by start.
func (db *DB) ListAppointments(ctx context.Context, filter models.AppointmentFilter) ([]models.Appointment, error) {
	var (
		where []string
		args  []any
	)
	if filter.SubjectID != nil {
		where = append(where, "user_id = ?")
		args = append(args, *filter.SubjectID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if !filter.StartFrom.IsZero() {
		where = append(where, "start_ts >= ?")
		args = append(args, filter.StartFrom.Unix())
	}
	if !filter.StartBefore.IsZero() {
		where = append(where, "start_ts < ?")
		args = append(args, filter.StartBefore.Unix())
	}

	query := "SELECT " + appointmentColumns + " FROM appointments"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if filter.Descending {
		query += " ORDER BY start_ts DESC, id DESC"
	} else {
		query += " ORDER BY start_ts, id"
	}
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	return queryAppointments(ctx, db.DB, db.loc, query, args...)
}

// ReminderCandidates lists confirmed appointments of real users starting in
// (from, to] with at least one notification flag unset.
func (db *DB) ReminderCandidates(ctx context.Context, from, to time.Time) ([]models.Appointment, error) {
	query := "SELECT " + appointmentColumns + ` FROM appointments
		WHERE status = 'confirmed' AND user_id != ?
		AND start_ts > ? AND start_ts <= ?
		AND (reminder_24_sent = 0 OR reminder_3_sent = 0 OR followup_sent = 0)
		ORDER BY start_ts`
	return queryAppointments(ctx, db.DB, db.loc, query, models.ExternalSubjectID, from.Unix(), to.Unix())
}

// ClaimNotification sets the flag for kind if it is still clear, the
// appointment is confirmed and it still starts at start. A reschedule after
// the candidate was read makes the claim fail. Only the caller that gets true
// may send.
func (db *DB) ClaimNotification(ctx context.Context, id int64, kind models.NotificationKind, start time.Time) (bool, error) {
	col, ok := notificationColumns[kind]
	if !ok {
		return false, fmt.Errorf("unknown notification kind %q", kind)
	}
	res, err := db.ExecContext(ctx,
		"UPDATE appointments SET "+col+" = 1 WHERE id = ? AND "+col+" = 0 AND status = 'confirmed' AND start_ts = ?",
		id, start.Unix())
	if err != nil {
		return false, fmt.Errorf("claim %s for appointment %d: %w", kind, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseNotification clears a flag claimed by a send that failed.
func (db *DB) ReleaseNotification(ctx context.Context, id int64, kind models.NotificationKind) error {
	col, ok := notificationColumns[kind]
	if !ok {
		return fmt.Errorf("unknown notification kind %q", kind)
	}
	if _, err := db.ExecContext(ctx,
		"UPDATE appointments SET "+col+" = 0 WHERE id = ? AND "+col+" = 1", id); err != nil {
		return fmt.Errorf("release %s for appointment %d: %w", kind, id, err)
	}
	return nil
}

func getAppointment(ctx context.Context, q querier, loc *time.Location, id int64) (*models.Appointment, error) {
	row := q.QueryRowContext(ctx, "SELECT "+appointmentColumns+" FROM appointments WHERE id = ?", id)
	appt, err := scanAppointment(row, loc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get appointment %d: %w", id, err)
	}
	return appt, nil
}

func overlappingAppointments(ctx context.Context, q querier, loc *time.Location, start, end time.Time, excludeID int64) ([]models.Appointment, error) {
	query := "SELECT " + appointmentColumns + ` FROM appointments
		WHERE status = 'confirmed' AND start_ts < ? AND end_ts > ? AND id != ?
		ORDER BY start_ts`
	return queryAppointments(ctx, q, loc, query, end.Unix(), start.Unix(), excludeID)
}

// insertAppointment stamps CreatedAt with now unless the caller set it.
func insertAppointment(ctx context.Context, q querier, appt *models.Appointment, now time.Time) error {
	services, err := json.Marshal(appt.Services)
	if err != nil {
		return fmt.Errorf("marshal services: %w", err)
	}
	if appt.Status == "" {
		appt.Status = models.StatusConfirmed
	}
	if appt.CreatedAt.IsZero() {
		appt.CreatedAt = now
	}
	if appt.UpdatedAt.IsZero() {
		appt.UpdatedAt = appt.CreatedAt
	}

	res, err := q.ExecContext(ctx, `INSERT INTO appointments
		(user_id, start_ts, end_ts, services, total_price, comment, promo_code, status, cancel_reason,
		reminder_24_sent, reminder_3_sent, followup_sent, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		appt.SubjectID, appt.StartTime.Unix(), appt.EndTime.Unix(), string(services),
		appt.TotalPrice.String(), appt.Comment, appt.PromoCode, string(appt.Status), appt.CancelReason,
		boolInt(appt.Reminder24Sent), boolInt(appt.Reminder3Sent), boolInt(appt.FollowupSent),
		appt.CreatedAt.Unix(), appt.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert appointment: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert appointment: %w", err)
	}
	appt.ID = id
	return nil
}

// updateAppointment translates the non-nil patch fields into col = ?
// fragments. Column names come from this function only. updated_at is
// patch.UpdatedAt, or now when the caller left it zero.
func updateAppointment(ctx context.Context, q querier, id int64, patch models.AppointmentPatch, now time.Time) error {
	if patch.IsEmpty() {
		return nil
	}

	var (
		sets []string
		args []any
	)
	set := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}

	if patch.StartTime != nil {
		set("start_ts", patch.StartTime.Unix())
	}
	if patch.EndTime != nil {
		set("end_ts", patch.EndTime.Unix())
	}
	if patch.Services != nil {
		data, err := json.Marshal(patch.Services)
		if err != nil {
			return fmt.Errorf("marshal services: %w", err)
		}
		set("services", string(data))
	}
	if patch.TotalPrice != nil {
		set("total_price", patch.TotalPrice.String())
	}
	if patch.Comment != nil {
		set("comment", *patch.Comment)
	}
	if patch.PromoCode != nil {
		set("promo_code", *patch.PromoCode)
	}
	if patch.Status != nil {
		set("status", string(*patch.Status))
	}
	if patch.CancelReason != nil {
		set("cancel_reason", *patch.CancelReason)
	}
	if patch.ResetNotifications {
		sets = append(sets, "reminder_24_sent = 0", "reminder_3_sent = 0", "followup_sent = 0")
	}
	if !patch.UpdatedAt.IsZero() {
		now = patch.UpdatedAt
	}
	set("updated_at", now.Unix())

	args = append(args, id)
	res, err := q.ExecContext(ctx, "UPDATE appointments SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("update appointment %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update appointment %d: %w", id, err)
	}
	if n == 0 {
		return booking.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAppointment(row rowScanner, loc *time.Location) (*models.Appointment, error) {
	var (
		appt               models.Appointment
		startTS, endTS     int64
		createdTS, updated int64
		services, status   string
		r24, r3, followup  int
	)
	if err := row.Scan(
		&appt.ID, &appt.SubjectID, &startTS, &endTS, &services, &appt.TotalPrice, &appt.Comment,
		&appt.PromoCode, &status, &appt.CancelReason, &r24, &r3, &followup, &createdTS, &updated,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(services), &appt.Services); err != nil {
		return nil, fmt.Errorf("decode services of appointment %d: %w", appt.ID, err)
	}
	appt.StartTime = unixTime(startTS, loc)
	appt.EndTime = unixTime(endTS, loc)
	appt.CreatedAt = unixTime(createdTS, loc)
	appt.UpdatedAt = unixTime(updated, loc)
	appt.Status = models.AppointmentStatus(status)
	appt.Reminder24Sent = r24 == 1
	appt.Reminder3Sent = r3 == 1
	appt.FollowupSent = followup == 1
	return &appt, nil
}

func queryAppointments(ctx context.Context, q querier, loc *time.Location, query string, args ...any) ([]models.Appointment, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query appointments: %w", err)
	}
	defer rows.Close()

	var out []models.Appointment
	for rows.Next() {
		appt, err := scanAppointment(rows, loc)
		if err != nil {
			return nil, fmt.Errorf("scan appointment: %w", err)
		}
		out = append(out, *appt)
	}
	return out, rows.Err()
}
