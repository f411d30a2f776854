package audit

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

type fakeExporter struct {
	tables map[string][]map[string]any
	cols   map[string][]string
	order  []string
	fail   string
}

func (f *fakeExporter) GetTableNames(context.Context) ([]string, error) {
	return f.order, nil
}

func (f *fakeExporter) GetTableData(_ context.Context, table string) ([]map[string]any, []string, error) {
	if table == f.fail {
		return nil, nil, errors.New("boom")
	}
	return f.tables[table], f.cols[table], nil
}

type sentDoc struct {
	to      int64
	name    string
	caption string
	data    []byte
}

type fakeSender struct {
	docs []sentDoc
	fail map[int64]bool
}

func (f *fakeSender) SendDocument(_ context.Context, id int64, name string, r io.Reader, caption string) error {
	if f.fail[id] {
		return errors.New("blocked")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.docs = append(f.docs, sentDoc{to: id, name: name, caption: caption, data: data})
	return nil
}

type staticAdmins []int64

func (a staticAdmins) Admins() []int64 { return a }

func newExporter() *fakeExporter {
	return &fakeExporter{
		order: []string{"appointments", "services"},
		cols: map[string][]string{
			"appointments": {"id", "user_id", "status"},
			"services":     {"id", "name"},
		},
		tables: map[string][]map[string]any{
			"appointments": {
				{"id": int64(1), "user_id": int64(42), "status": "confirmed"},
				{"id": int64(2), "user_id": int64(0), "status": "cancelled"},
			},
			"services": {
				{"id": int64(1), "name": "Груминг"},
			},
		},
	}
}

func TestGenerateFilename(t *testing.T) {
	assert.Equal(t, "Январь_2026.xlsx", GenerateFilename(time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, "Декабрь_2025.xlsx", GenerateFilename(time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC)))
}

func TestNextFirstOfMonth(t *testing.T) {
	got := NextFirstOfMonth(time.Date(2025, 12, 20, 15, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2026, 1, 1, 0, 1, 0, 0, time.UTC), got)
}

func TestBuildWritesOneSheetPerTable(t *testing.T) {
	svc := NewService(newExporter(), &fakeSender{}, staticAdmins{1}, time.UTC, zerolog.Nop())

	data, err := svc.Build(context.Background())
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{"appointments", "services"}, f.GetSheetList())

	rows, err := f.GetRows("appointments")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"id", "user_id", "status"}, rows[0])
	assert.Equal(t, []string{"1", "42", "confirmed"}, rows[1])

	rows, err = f.GetRows("services")
	require.NoError(t, err)
	assert.Equal(t, "Груминг", rows[1][1])
}

func TestBuildSkipsFailingTable(t *testing.T) {
	exp := newExporter()
	exp.fail = "appointments"
	svc := NewService(exp, &fakeSender{}, staticAdmins{1}, time.UTC, zerolog.Nop())

	data, err := svc.Build(context.Background())
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, []string{"services"}, f.GetSheetList())
}

func TestExportSendsToEveryAdmin(t *testing.T) {
	sender := &fakeSender{fail: map[int64]bool{3: true}}
	svc := NewService(newExporter(), sender, staticAdmins{1, 2, 3}, time.UTC, zerolog.Nop())

	err := svc.Export(context.Background(), time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	require.Len(t, sender.docs, 2)
	for _, d := range sender.docs {
		assert.Equal(t, "Май_2026.xlsx", d.name)
		assert.Contains(t, d.caption, "Май 2026")
		assert.NotEmpty(t, d.data)
	}
	assert.Equal(t, sender.docs[0].data, sender.docs[1].data)
}

func TestExportFailsWhenNobodyReceives(t *testing.T) {
	sender := &fakeSender{fail: map[int64]bool{1: true}}
	svc := NewService(newExporter(), sender, staticAdmins{1}, time.UTC, zerolog.Nop())
	assert.Error(t, svc.Export(context.Background(), time.Now()))

	empty := NewService(newExporter(), sender, staticAdmins{}, time.UTC, zerolog.Nop())
	assert.Error(t, empty.ExportNow(context.Background()))
}

func TestStartStop(t *testing.T) {
	svc := NewService(newExporter(), &fakeSender{}, staticAdmins{1}, time.UTC, zerolog.Nop())
	svc.Start()
	svc.Start()
	svc.Stop()
	svc.Stop()
}
