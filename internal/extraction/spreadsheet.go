package extraction

import (
	"bytes"
	"context"
	"fmt"

	"github.com/extrame/xls"
	"github.com/xuri/excelize/v2"
)

// xlsMagic is the OLE2 compound document signature used by legacy .xls files.
var xlsMagic = []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}

// SpreadsheetAdapter parses xlsx workbooks, falling back to the legacy BIFF
// reader when the payload is an OLE2 document.
type SpreadsheetAdapter struct {
	// Charset is passed to the xls reader for string cells.
	Charset string
}

// NewSpreadsheetAdapter constructs the adapter.
func NewSpreadsheetAdapter() *SpreadsheetAdapter {
	return &SpreadsheetAdapter{Charset: "utf-8"}
}

// Extract implements Adapter.
func (a *SpreadsheetAdapter) Extract(ctx context.Context, payload []byte) (ExtractedData, error) {
	if err := ctx.Err(); err != nil {
		return ExtractedData{}, err
	}
	var (
		rows [][]string
		err  error
	)
	if bytes.HasPrefix(payload, xlsMagic) {
		rows, err = a.readXLS(payload)
	} else {
		rows, err = readXLSX(payload)
	}
	if err != nil {
		return ExtractedData{}, err
	}
	return parseTable(rows)
}

func readXLSX(payload []byte) ([][]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: open xlsx: %v", ErrParse, err)
	}
	defer func() { _ = f.Close() }()

	sheet := f.GetSheetName(0)
	if sheet == "" {
		return nil, fmt.Errorf("%w: workbook has no sheets", ErrParse)
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("%w: read rows: %v", ErrParse, err)
	}
	return rows, nil
}

func (a *SpreadsheetAdapter) readXLS(payload []byte) (rows [][]string, err error) {
	// The BIFF reader panics on truncated compound documents.
	defer func() {
		if r := recover(); r != nil {
			rows, err = nil, fmt.Errorf("%w: corrupt xls: %v", ErrParse, r)
		}
	}()
	charset := a.Charset
	if charset == "" {
		charset = "utf-8"
	}
	wb, err := xls.OpenReader(bytes.NewReader(payload), charset)
	if err != nil {
		return nil, fmt.Errorf("%w: open xls: %v", ErrParse, err)
	}
	sheet := wb.GetSheet(0)
	if sheet == nil {
		return nil, fmt.Errorf("%w: workbook has no sheets", ErrParse)
	}
	rows = make([][]string, 0, int(sheet.MaxRow)+1)
	for i := 0; i <= int(sheet.MaxRow); i++ {
		row := sheet.Row(i)
		if row == nil {
			rows = append(rows, nil)
			continue
		}
		cells := make([]string, 0, row.LastCol()+1)
		for j := 0; j <= row.LastCol(); j++ {
			cells = append(cells, row.Col(j))
		}
		rows = append(rows, cells)
	}
	return rows, nil
}
