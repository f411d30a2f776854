package audit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const exportTimeout = 10 * time.Minute

// TableExporter reads tables for the export.
type TableExporter interface {
	GetTableNames(ctx context.Context) ([]string, error)
	GetTableData(ctx context.Context, tableName string) ([]map[string]any, []string, error)
}

// DocumentSender uploads a file to one Telegram user.
type DocumentSender interface {
	SendDocument(ctx context.Context, recipientID int64, name string, r io.Reader, caption string) error
}

type AdminDirectory interface {
	Admins() []int64
}

// MonthNames in Russian for filename generation.
var MonthNames = map[time.Month]string{
	time.January:   "Январь",
	time.February:  "Февраль",
	time.March:     "Март",
	time.April:     "Апрель",
	time.May:       "Май",
	time.June:      "Июнь",
	time.July:      "Июль",
	time.August:    "Август",
	time.September: "Сентябрь",
	time.October:   "Октябрь",
	time.November:  "Ноябрь",
	time.December:  "Декабрь",
}

// GenerateFilename creates a filename like "Январь_2026.xlsx".
func GenerateFilename(t time.Time) string {
	return fmt.Sprintf("%s_%d.xlsx", MonthNames[t.Month()], t.Year())
}

// Service builds the xlsx audit export and sends it to every administrator,
// on the first of each month and on demand.
type Service struct {
	exporter TableExporter
	sender   DocumentSender
	admins   AdminDirectory
	loc      *time.Location
	now      func() time.Time
	logger   zerolog.Logger

	exportMu sync.Mutex

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewService(exporter TableExporter, sender DocumentSender, admins AdminDirectory, loc *time.Location, logger zerolog.Logger) *Service {
	if loc == nil {
		loc = time.Local
	}
	return &Service{
		exporter: exporter,
		sender:   sender,
		admins:   admins,
		loc:      loc,
		now:      time.Now,
		logger:   logger.With().Str("component", "audit").Logger(),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the monthly scheduler in the background.
func (s *Service) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop()
	s.logger.Info().Msg("Audit service started")
}

// Stop waits for the scheduler to exit.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info().Msg("Audit service stopped")
}

func (s *Service) loop() {
	defer s.wg.Done()

	next := NextFirstOfMonth(s.now().In(s.loc))
	timer := time.NewTimer(time.Until(next))
	defer timer.Stop()
	s.logger.Info().Time("next_run", next).Msg("Next audit scheduled")

	for {
		select {
		case <-s.stopCh:
			return
		case <-timer.C:
			// отчёт за прошедший месяц
			period := s.now().In(s.loc).AddDate(0, -1, 0)
			ctx, cancel := context.WithTimeout(context.Background(), exportTimeout)
			if err := s.Export(ctx, period); err != nil {
				s.logger.Error().Err(err).Msg("Failed to export audit data")
			}
			cancel()

			next = NextFirstOfMonth(s.now().In(s.loc))
			timer.Reset(time.Until(next))
			s.logger.Info().Time("next_run", next).Msg("Next audit scheduled")
		}
	}
}

// NextFirstOfMonth returns 00:01 on the first day of the month after t.
func NextFirstOfMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month()+1, 1, 0, 1, 0, 0, t.Location())
}

// ExportNow sends an export named after the current month.
func (s *Service) ExportNow(ctx context.Context) error {
	return s.Export(ctx, s.now().In(s.loc))
}

// Export builds the workbook and sends it to every administrator. The
// filename is taken from period.
func (s *Service) Export(ctx context.Context, period time.Time) error {
	s.exportMu.Lock()
	defer s.exportMu.Unlock()

	admins := s.admins.Admins()
	if len(admins) == 0 {
		return errors.New("no administrators to send the export to")
	}

	data, err := s.Build(ctx)
	if err != nil {
		return err
	}

	filename := GenerateFilename(period)
	caption := fmt.Sprintf("📊 Отчёт за %s %d", MonthNames[period.Month()], period.Year())

	var errs []error
	for _, id := range admins {
		if err := s.sender.SendDocument(ctx, id, filename, bytes.NewReader(data), caption); err != nil {
			s.logger.Error().Err(err).Int64("admin_id", id).Msg("Failed to send audit report")
			errs = append(errs, err)
		}
	}
	if len(errs) == len(admins) {
		return fmt.Errorf("send audit report: %w", errors.Join(errs...))
	}

	s.logger.Info().Str("filename", filename).Int("recipients", len(admins)-len(errs)).Msg("Audit report sent")
	return nil
}

// Build renders every exported table into xlsx bytes. A table that fails to
// load is logged and skipped.
func (s *Service) Build(ctx context.Context) ([]byte, error) {
	tables, err := s.exporter.GetTableNames(ctx)
	if err != nil {
		return nil, fmt.Errorf("get table names: %w", err)
	}

	wb, err := NewWorkbook()
	if err != nil {
		return nil, err
	}
	defer wb.Close()

	for _, table := range tables {
		rows, columns, err := s.exporter.GetTableData(ctx, table)
		if err != nil {
			s.logger.Error().Err(err).Str("table", table).Msg("Failed to get table data")
			continue
		}
		if err := wb.AddSheet(table); err != nil {
			return nil, err
		}
		if err := wb.WriteHeader(columns); err != nil {
			return nil, err
		}
		for _, row := range rows {
			values := make([]any, len(columns))
			for i, col := range columns {
				values[i] = row[col]
			}
			if err := wb.WriteRow(values); err != nil {
				return nil, err
			}
		}
		s.logger.Debug().Str("table", table).Int("rows", len(rows)).Msg("Exported table")
	}

	var buf bytes.Buffer
	if err := wb.Save(&buf); err != nil {
		return nil, fmt.Errorf("save excel: %w", err)
	}
	return buf.Bytes(), nil
}
