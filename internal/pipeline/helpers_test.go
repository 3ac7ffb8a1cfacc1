package pipeline

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/openspend/spend-cli/internal/model"
	"github.com/openspend/spend-cli/internal/resolver"
	"github.com/openspend/spend-cli/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func newRun(t *testing.T, st store.Store, kind model.SourceKind, assetID int64) *model.Run {
	t.Helper()
	run := &model.Run{AssetID: assetID, SourceKind: kind}
	require.NoError(t, st.CreateRun(context.Background(), run))
	return run
}

type namedSheet struct {
	name string
	rows [][]string
}

func workbookBytes(t *testing.T, sheets []namedSheet) []byte {
	t.Helper()
	f := xlsx.NewFile()
	for _, s := range sheets {
		sheet, err := f.AddSheet(s.name)
		require.NoError(t, err)
		for _, rowData := range s.rows {
			row := sheet.AddRow()
			for _, cellData := range rowData {
				cell := row.AddCell()
				cell.SetString(cellData)
			}
		}
	}
	var buf bytes.Buffer
	require.NoError(t, f.Write(&buf))
	return buf.Bytes()
}

// fakeDownloader serves canned workbook bytes.
type fakeDownloader struct {
	data  []byte
	err   error
	calls int
	keys  []string
}

func (f *fakeDownloader) Download(_ context.Context, key string) ([]byte, error) {
	f.calls++
	f.keys = append(f.keys, key)
	if f.err != nil {
		return nil, f.err
	}
	return f.data, nil
}

// fakeRegistry serves canned candidates per searched name.
type fakeRegistry struct {
	candidates map[string][]resolver.Candidate
	calls      int
}

func (f *fakeRegistry) Search(_ context.Context, name string) ([]resolver.Candidate, error) {
	f.calls++
	return f.candidates[name], nil
}

func healthImportInput(t *testing.T, st store.Store, assetID int64) *Input {
	t.Helper()
	src, err := SourceFor(model.SourceHealth)
	require.NoError(t, err)
	return &Input{
		Run:    newRun(t, st, model.SourceHealth, assetID),
		Source: src,
		RC:     resolver.NewContext(),
	}
}
