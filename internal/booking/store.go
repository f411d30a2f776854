package booking

import (
	"context"
	"time"

	"zapis/internal/models"
)

// IntervalSource lists confirmed appointments intersecting [start, end).
type IntervalSource interface {
	OverlappingAppointments(ctx context.Context, start, end time.Time, excludeID int64) ([]models.Appointment, error)
}

// Tx is the storage view inside one serialized write transaction.
type Tx interface {
	IntervalSource
	GetAppointment(ctx context.Context, id int64) (*models.Appointment, error)
	InsertAppointment(ctx context.Context, appt *models.Appointment) error
	UpdateAppointment(ctx context.Context, id int64, patch models.AppointmentPatch) error
}

// Store persists appointments. GetAppointment returns nil, nil when the id is
// unknown.
type Store interface {
	IntervalSource
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
	GetAppointment(ctx context.Context, id int64) (*models.Appointment, error)
	ListAppointments(ctx context.Context, filter models.AppointmentFilter) ([]models.Appointment, error)
	HasCompletedProfile(ctx context.Context, userID int64) (bool, error)
}

// Catalog resolves service ids to enabled catalog entries.
type Catalog interface {
	Resolve(ctx context.Context, ids []int64) ([]models.Service, error)
}

// Notifier delivers a text message to a Telegram user.
type Notifier interface {
	Send(ctx context.Context, recipientID int64, text string) error
}

// AdminDirectory lists administrator recipients.
type AdminDirectory interface {
	Admins() []int64
}
