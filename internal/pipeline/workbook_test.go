package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openspend/spend-cli/internal/model"
)

func TestParseWorkbook_ClassifiesSheets(t *testing.T) {
	src, err := SourceFor(model.SourceHealth)
	require.NoError(t, err)

	data := workbookBytes(t, []namedSheet{
		{name: "TRUSTS", rows: [][]string{
			{"Organisation Name", "ODS Code"},
			{"Example NHS Trust", "RXX01"},
		}},
		{name: "April 2023", rows: [][]string{
			{"Trust Name", "Date", "Supplier", "Amount"},
			{"Example NHS Trust", "01/04/2023", "Acme Ltd", "10.00"},
		}},
		{name: "Empty"},
	})

	wb, err := parseWorkbook(data, src)
	require.NoError(t, err)

	require.Len(t, wb.meta, 1)
	assert.Equal(t, "Example NHS Trust", wb.meta[0].Name)
	assert.Equal(t, "RXX01", wb.meta[0].Code)

	require.Len(t, wb.sheets, 1)
	assert.Equal(t, "April 2023", wb.sheets[0].name)
	require.Len(t, wb.sheets[0].rows, 1)
	assert.Equal(t, 2, wb.sheets[0].rows[0].num)
}

func TestParseWorkbook_HeaderMismatchFails(t *testing.T) {
	src, err := SourceFor(model.SourceHealth)
	require.NoError(t, err)

	data := workbookBytes(t, []namedSheet{
		{name: "April 2023", rows: [][]string{
			{"Council", "Date", "Supplier", "Amount"},
		}},
	})

	_, err = parseWorkbook(data, src)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not look like health data")
}

func TestParseWorkbook_NoDataSheetsFails(t *testing.T) {
	src, err := SourceFor(model.SourceHealth)
	require.NoError(t, err)

	data := workbookBytes(t, []namedSheet{
		{name: "Trusts", rows: [][]string{
			{"Name", "Code"},
			{"Example NHS Trust", "RXX01"},
		}},
	})

	_, err = parseWorkbook(data, src)
	require.Error(t, err)
}

func TestParseWorkbook_NotASpreadsheetFails(t *testing.T) {
	src, err := SourceFor(model.SourceHealth)
	require.NoError(t, err)

	_, err = parseWorkbook([]byte("definitely,not,xlsx"), src)
	require.Error(t, err)
}

func TestParseMetadataSheet_MissingNameColumnFails(t *testing.T) {
	rows := []sheetRow{
		{num: 1, cells: []string{"Code", "Postcode"}},
		{num: 2, cells: []string{"RXX01", "LS1 3EX"}},
	}
	_, err := parseMetadataSheet("trusts", rows)
	require.Error(t, err)
}

func TestParseMetadataSheet_HeaderSubstringMapping(t *testing.T) {
	rows := []sheetRow{
		{num: 1, cells: []string{"Trust name", "ODS code", "Head office address", "Town/City", "Post Code"}},
		{num: 2, cells: []string{"Example NHS Trust", "RXX01", "1 Hospital Way", "Leeds", "LS1 3EX"}},
		{num: 3, cells: []string{"", "IGNORED", "", "", ""}},
	}
	orgs, err := parseMetadataSheet("trusts", rows)
	require.NoError(t, err)
	require.Len(t, orgs, 1)

	assert.Equal(t, "Example NHS Trust", orgs[0].Name)
	assert.Equal(t, "RXX01", orgs[0].Code)
	assert.Equal(t, "1 Hospital Way", orgs[0].Street)
	assert.Equal(t, "Leeds", orgs[0].Locality)
	assert.Equal(t, "LS1 3EX", orgs[0].Postcode)
}

func TestSourceFor(t *testing.T) {
	for _, kind := range []model.SourceKind{model.SourceHealth, model.SourceCouncil, model.SourceCentral} {
		src, err := SourceFor(kind)
		require.NoError(t, err)
		assert.Equal(t, kind, src.Kind)
		assert.NotEmpty(t, src.HeaderLabel)
	}

	_, err := SourceFor(model.SourceKind("mystery"))
	require.Error(t, err)
}
