// Package task implements the Task Processor (P): a bus consumer that
// idempotently claims work, streams and validates XLSX rows, upserts
// domain state, and drives Task/Event lifecycles (spec.md §4.3).
package task

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

// ErrEmptySheet is returned when the first sheet has no data rows
// below the header (spec.md §4.3 step 4, §8 boundary behavior).
var ErrEmptySheet = fmt.Errorf("task: first sheet has zero data rows")

// RawRow is one spreadsheet row's raw cell values, by column header.
type RawRow struct {
	ReservationID string
	GuestName     string
	CheckInDate   string
	CheckOutDate  string
	Status        string
}

// expected header columns, in any order; header matching is
// case-sensitive and exact, per the reservation upload contract.
const (
	colReservationID = "reservation_id"
	colGuestName     = "guest_name"
	colCheckInDate   = "check_in_date"
	colCheckOutDate  = "check_out_date"
	colStatus        = "status"
)

// ReadRows buffers r fully (the spec requires the file body be
// buffered to memory before any transaction opens — §5), decodes it
// as XLSX, and returns the data rows of the first sheet mapped to
// RawRow by header name. Row 1 is the header; the first returned row
// corresponds to spreadsheet row 2, matching spec.md §4.3 step 5's
// 1-indexed-from-the-header numbering convention (validateRows adds
// that offset of 2 to each row's index).
func ReadRows(r io.Reader) (rows []RawRow, err error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("task: open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("task: workbook has no sheets")
	}
	sheet := sheets[0]

	allRows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("task: read sheet %q: %w", sheet, err)
	}
	if len(allRows) < 2 {
		return nil, ErrEmptySheet
	}

	header := allRows[0]
	colIndex := map[string]int{}
	for i, h := range header {
		colIndex[h] = i
	}

	rows = make([]RawRow, 0, len(allRows)-1)
	for _, rawRow := range allRows[1:] {
		rows = append(rows, RawRow{
			ReservationID: cell(rawRow, colIndex, colReservationID),
			GuestName:     cell(rawRow, colIndex, colGuestName),
			CheckInDate:   cell(rawRow, colIndex, colCheckInDate),
			CheckOutDate:  cell(rawRow, colIndex, colCheckOutDate),
			Status:        cell(rawRow, colIndex, colStatus),
		})
	}
	return rows, nil
}

func cell(row []string, colIndex map[string]int, name string) string {
	idx, ok := colIndex[name]
	if !ok || idx >= len(row) {
		return ""
	}
	return row[idx]
}
