package google

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	googleoauth "golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"zapis/internal/models"
)

const (
	defaultSheetName = "Записи"
	syncTimeout      = 2 * time.Minute
)

// Header is the first row of the mirror sheet.
var Header = []any{"ID", "Клиент", "Дата", "Начало", "Конец", "Услуги", "Стоимость", "Комментарий", "Промокод", "Создана"}

// AppointmentSource lists appointments for the mirror.
type AppointmentSource interface {
	ListAppointments(ctx context.Context, filter models.AppointmentFilter) ([]models.Appointment, error)
}

// ValueWriter is the part of the Sheets values API used by the mirror.
type ValueWriter interface {
	Clear(ctx context.Context, spreadsheetID, rng string) error
	Update(ctx context.Context, spreadsheetID, rng string, rows [][]any) error
}

type apiWriter struct {
	values *sheets.SpreadsheetsValuesService
}

func (w *apiWriter) Clear(ctx context.Context, spreadsheetID, rng string) error {
	_, err := w.values.Clear(spreadsheetID, rng, &sheets.ClearValuesRequest{}).Context(ctx).Do()
	return err
}

func (w *apiWriter) Update(ctx context.Context, spreadsheetID, rng string, rows [][]any) error {
	_, err := w.values.Update(spreadsheetID, rng, &sheets.ValueRange{Values: rows}).
		ValueInputOption("RAW").
		Context(ctx).
		Do()
	return err
}

// NewValueWriter authenticates with a service account key file.
func NewValueWriter(ctx context.Context, credentialsFile string) (ValueWriter, error) {
	data, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	creds, err := googleoauth.CredentialsFromJSON(ctx, data, sheets.SpreadsheetsScope)
	if err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	srv, err := sheets.NewService(ctx, option.WithCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	return &apiWriter{values: srv.Spreadsheets.Values}, nil
}

// SheetsService mirrors upcoming confirmed appointments into one sheet.
type SheetsService struct {
	writer        ValueWriter
	source        AppointmentSource
	spreadsheetID string
	sheetName     string
	interval      time.Duration
	loc           *time.Location
	now           func() time.Time
	logger        zerolog.Logger

	syncMu sync.Mutex
}

func NewSheetsService(writer ValueWriter, source AppointmentSource, spreadsheetID, sheetName string, interval time.Duration, loc *time.Location, logger zerolog.Logger) *SheetsService {
	if sheetName == "" {
		sheetName = defaultSheetName
	}
	if loc == nil {
		loc = time.Local
	}
	return &SheetsService{
		writer:        writer,
		source:        source,
		spreadsheetID: spreadsheetID,
		sheetName:     sheetName,
		interval:      interval,
		loc:           loc,
		now:           time.Now,
		logger:        logger.With().Str("component", "sheets").Logger(),
	}
}

// Start syncs every interval until ctx is done.
func (s *SheetsService) Start(ctx context.Context) {
	s.logger.Info().Dur("interval", s.interval).Str("sheet", s.sheetName).Msg("Sheets mirror started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.syncWithTimeout(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.syncWithTimeout(ctx)
		}
	}
}

func (s *SheetsService) syncWithTimeout(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, syncTimeout)
	defer cancel()
	n, err := s.SyncUpcoming(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Sheets sync failed")
		return
	}
	s.logger.Debug().Int("rows", n).Msg("Sheets sync finished")
}

// SyncUpcoming replaces the sheet content with the header and one row per
// upcoming confirmed appointment. It returns the number of appointment rows.
func (s *SheetsService) SyncUpcoming(ctx context.Context) (int, error) {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	appts, err := s.source.ListAppointments(ctx, models.AppointmentFilter{
		Status:    models.StatusConfirmed,
		StartFrom: s.now(),
	})
	if err != nil {
		return 0, fmt.Errorf("list appointments: %w", err)
	}

	rows := make([][]any, 0, len(appts)+1)
	rows = append(rows, Header)
	for i := range appts {
		rows = append(rows, AppointmentRowValues(&appts[i], s.loc))
	}

	rng := quoteSheet(s.sheetName)
	if err := s.writer.Clear(ctx, s.spreadsheetID, rng); err != nil {
		return 0, fmt.Errorf("clear sheet: %w", err)
	}
	if err := s.writer.Update(ctx, s.spreadsheetID, rng+"!A1", rows); err != nil {
		return 0, fmt.Errorf("update sheet: %w", err)
	}
	return len(appts), nil
}

// AppointmentRowValues renders one appointment in Header order.
func AppointmentRowValues(a *models.Appointment, loc *time.Location) []any {
	start := a.StartTime.In(loc)
	subject := any(a.SubjectID)
	if a.IsExternal() {
		subject = "внешняя"
	}
	return []any{
		a.ID,
		subject,
		start.Format("2006-01-02"),
		start.Format("15:04"),
		a.EndTime.In(loc).Format("15:04"),
		strings.Join(a.ServiceNames(), ", "),
		a.TotalPrice.StringFixed(2),
		a.Comment,
		a.PromoCode,
		a.CreatedAt.In(loc).Format("2006-01-02 15:04"),
	}
}

func quoteSheet(name string) string {
	return "'" + strings.ReplaceAll(name, "'", "''") + "'"
}
