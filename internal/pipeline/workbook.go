package pipeline

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// Fixed data-sheet column layout: buyer, payment date, supplier, amount.
const (
	colBuyer    = 0
	colDate     = 1
	colSupplier = 2
	colAmount   = 3

	dataColumns = 4
)

// sheetRow is one data row with its original 1-based position, kept for the
// (asset, sheet, row) idempotence key and skip diagnostics.
type sheetRow struct {
	num   int
	cells []string
}

// dataSheet is one validated transaction sheet.
type dataSheet struct {
	name string
	rows []sheetRow
}

// metaOrg is one organisation row from the source's metadata sheet.
type metaOrg struct {
	Name     string
	Code     string
	Street   string
	Locality string
	Postcode string
	Website  string
}

// workbook is the parsed, classified upload.
type workbook struct {
	meta   []metaOrg
	sheets []dataSheet
}

// parseWorkbook opens the uploaded bytes and classifies every sheet as the
// metadata sheet or a data sheet. A data sheet whose first-column header does
// not carry the source's expected label fails the whole parse: importing the
// wrong data shape is worse than importing nothing.
func parseWorkbook(data []byte, src SourceType) (*workbook, error) {
	f, err := xlsx.OpenBinary(data)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: open workbook")
	}

	wb := &workbook{}
	for _, sheet := range f.Sheets {
		rows := sheetRows(sheet)
		if len(rows) == 0 {
			continue
		}

		if src.isMetadataSheet(sheet.Name) {
			orgs, merr := parseMetadataSheet(sheet.Name, rows)
			if merr != nil {
				return nil, merr
			}
			wb.meta = append(wb.meta, orgs...)
			continue
		}

		header := rows[0].cells
		if len(header) == 0 || !src.matchesHeader(header[colBuyer]) {
			label := ""
			if len(header) > 0 {
				label = header[colBuyer]
			}
			return nil, eris.Errorf("pipeline: sheet %q header %q does not look like %s data",
				sheet.Name, label, src.Kind)
		}

		wb.sheets = append(wb.sheets, dataSheet{name: sheet.Name, rows: rows[1:]})
	}

	if len(wb.sheets) == 0 {
		return nil, eris.New("pipeline: workbook has no data sheets")
	}
	return wb, nil
}

func sheetRows(sheet *xlsx.Sheet) []sheetRow {
	rows := make([]sheetRow, 0, len(sheet.Rows))
	for i, row := range sheet.Rows {
		cells := make([]string, len(row.Cells))
		for j, cell := range row.Cells {
			cells[j] = strings.TrimSpace(cell.String())
		}
		rows = append(rows, sheetRow{num: i + 1, cells: cells})
	}
	return rows
}

// parseMetadataSheet maps the metadata sheet into organisation records.
// Columns are located by header substring, not position; only the name
// column is mandatory.
func parseMetadataSheet(sheetName string, rows []sheetRow) ([]metaOrg, error) {
	header := rows[0].cells

	find := func(substrs ...string) int {
		for i, h := range header {
			lower := strings.ToLower(h)
			for _, sub := range substrs {
				if strings.Contains(lower, sub) {
					return i
				}
			}
		}
		return -1
	}

	nameIdx := find("name")
	if nameIdx < 0 {
		return nil, eris.Errorf("pipeline: metadata sheet %q has no name column", sheetName)
	}
	codeIdx := find("code", "ods", "gss", "slug")
	streetIdx := find("street", "address")
	localityIdx := find("locality", "town", "city")
	postcodeIdx := find("postcode", "post code")
	websiteIdx := find("website", "url")

	cell := func(cells []string, idx int) string {
		if idx < 0 || idx >= len(cells) {
			return ""
		}
		return cells[idx]
	}

	var orgs []metaOrg
	for _, row := range rows[1:] {
		name := cell(row.cells, nameIdx)
		if name == "" {
			continue
		}
		orgs = append(orgs, metaOrg{
			Name:     name,
			Code:     cell(row.cells, codeIdx),
			Street:   cell(row.cells, streetIdx),
			Locality: cell(row.cells, localityIdx),
			Postcode: cell(row.cells, postcodeIdx),
			Website:  cell(row.cells, websiteIdx),
		})
	}
	return orgs, nil
}

// cellAt pads short rows so the fixed four-column layout can be read
// uniformly.
func cellAt(cells []string, idx int) string {
	if idx >= len(cells) {
		return ""
	}
	return cells[idx]
}

// rowEmpty reports whether a row carries no data in the four fixed columns.
func rowEmpty(cells []string) bool {
	for i := 0; i < dataColumns; i++ {
		if cellAt(cells, i) != "" {
			return false
		}
	}
	return true
}
