package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExternalSubjectID marks appointments created by an administrator to block
// out time. They have no end user and receive no reminders.
const ExternalSubjectID int64 = 0

type AppointmentStatus string

const (
	StatusConfirmed AppointmentStatus = "confirmed"
	StatusCancelled AppointmentStatus = "cancelled"
)

// ServiceSnapshot is a copy of a catalog service taken at booking time.
type ServiceSnapshot struct {
	ServiceID       int64           `json:"service_id"`
	Name            string          `json:"name"`
	DurationMinutes int             `json:"duration_min"`
	Price           decimal.Decimal `json:"price"`
}

// Appointment is a single booked interval of the one bookable resource.
type Appointment struct {
	ID             int64             `json:"id"`
	SubjectID      int64             `json:"subject_id"`
	StartTime      time.Time         `json:"start_time"`
	EndTime        time.Time         `json:"end_time"`
	Services       []ServiceSnapshot `json:"services"`
	TotalPrice     decimal.Decimal   `json:"total_price"`
	Comment        string            `json:"comment,omitempty"`
	PromoCode      string            `json:"promo_code,omitempty"`
	Status         AppointmentStatus `json:"status"`
	CancelReason   string            `json:"cancel_reason,omitempty"`
	Reminder24Sent bool              `json:"reminder_24_sent"`
	Reminder3Sent  bool              `json:"reminder_3_sent"`
	FollowupSent   bool              `json:"followup_sent"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

func (a *Appointment) IsExternal() bool {
	return a.SubjectID == ExternalSubjectID
}

func (a *Appointment) IsConfirmed() bool {
	return a.Status == StatusConfirmed
}

func (a *Appointment) Duration() time.Duration {
	return a.EndTime.Sub(a.StartTime)
}

// OverlapsWith reports whether the appointment intersects [start, end).
func (a *Appointment) OverlapsWith(start, end time.Time) bool {
	return Overlaps(a.StartTime, a.EndTime, start, end)
}

// NotificationSent returns the flag guarding the given notification.
func (a *Appointment) NotificationSent(kind NotificationKind) bool {
	switch kind {
	case NotificationReminder24h:
		return a.Reminder24Sent
	case NotificationReminder3h:
		return a.Reminder3Sent
	case NotificationFollowUp:
		return a.FollowupSent
	}
	return true
}

// ServiceNames joins the snapshot names for display.
func (a *Appointment) ServiceNames() []string {
	names := make([]string, 0, len(a.Services))
	for _, s := range a.Services {
		names = append(names, s.Name)
	}
	return names
}

// Overlaps reports whether [aStart, aEnd) and [bStart, bEnd) intersect.
// Intervals that only touch at an endpoint do not overlap.
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && aEnd.After(bStart)
}

// AppointmentPatch lists the mutable fields of an appointment. Nil fields are
// left untouched.
type AppointmentPatch struct {
	StartTime          *time.Time
	EndTime            *time.Time
	Services           []ServiceSnapshot
	TotalPrice         *decimal.Decimal
	Comment            *string
	PromoCode          *string
	Status             *AppointmentStatus
	CancelReason       *string
	// ResetNotifications clears all three notification flags.
	ResetNotifications bool
	// UpdatedAt is the caller's clock. Zero leaves it to the store.
	UpdatedAt          time.Time
}

func (p AppointmentPatch) IsEmpty() bool {
	return p.StartTime == nil && p.EndTime == nil && p.Services == nil && p.TotalPrice == nil &&
		p.Comment == nil && p.PromoCode == nil && p.Status == nil && p.CancelReason == nil &&
		!p.ResetNotifications
}

// AppointmentFilter narrows appointment listings. Zero values mean "any".
type AppointmentFilter struct {
	SubjectID   *int64
	Status      AppointmentStatus
	StartFrom   time.Time
	StartBefore time.Time
	Descending  bool
	Limit       int
}

type NotificationKind string

const (
	NotificationReminder24h NotificationKind = "reminder_24h"
	NotificationReminder3h  NotificationKind = "reminder_3h"
	NotificationFollowUp    NotificationKind = "followup"
)

// NotificationKinds lists every sweep-driven notification.
var NotificationKinds = []NotificationKind{
	NotificationReminder24h,
	NotificationReminder3h,
	NotificationFollowUp,
}
