package task

import (
	"fmt"
	"time"

	"github.com/mac-lisowski/reservation-ingest/internal/reservation"
)

const dateLayout = "2006-01-02"

// validateRow applies spec.md §4.3 step 5's row rules in order: all
// required fields present, reservation_id is not a repeat within this
// file, dates parse as YYYY-MM-DD, check-out after check-in, status is
// one of the known values. The first failing rule wins — a row
// produces at most one error.
func validateRow(row RawRow, seen map[string]bool) (reservation.Reservation, error) {
	if row.ReservationID == "" || row.GuestName == "" || row.CheckInDate == "" || row.CheckOutDate == "" || row.Status == "" {
		return reservation.Reservation{}, fmt.Errorf("missing required field")
	}

	if seen[row.ReservationID] {
		return reservation.Reservation{}, fmt.Errorf("duplicate reservation_id %q in file", row.ReservationID)
	}

	checkIn, err := time.Parse(dateLayout, row.CheckInDate)
	if err != nil {
		return reservation.Reservation{}, fmt.Errorf("invalid check_in_date %q: must be YYYY-MM-DD", row.CheckInDate)
	}
	checkOut, err := time.Parse(dateLayout, row.CheckOutDate)
	if err != nil {
		return reservation.Reservation{}, fmt.Errorf("invalid check_out_date %q: must be YYYY-MM-DD", row.CheckOutDate)
	}
	if !checkOut.After(checkIn) {
		return reservation.Reservation{}, fmt.Errorf("check_out_date %q must be after check_in_date %q", row.CheckOutDate, row.CheckInDate)
	}

	status := reservation.Status(row.Status)
	if !reservation.ValidStatuses[status] {
		return reservation.Reservation{}, fmt.Errorf("unknown status %q", row.Status)
	}

	seen[row.ReservationID] = true
	return reservation.Reservation{
		ReservationID: row.ReservationID,
		GuestName:     row.GuestName,
		Status:        status,
		CheckInDate:   row.CheckInDate,
		CheckOutDate:  row.CheckOutDate,
	}, nil
}

// validateRows runs validateRow over every row, returning the valid
// reservations in file order and one RowError per rejected row,
// 1-indexed from the header (row 2 is the first data row).
func validateRows(rows []RawRow) (valid []reservation.Reservation, errs []rowError) {
	seen := make(map[string]bool, len(rows))
	for i, row := range rows {
		r, err := validateRow(row, seen)
		if err != nil {
			errs = append(errs, rowError{row: i + 2, message: err.Error()})
			continue
		}
		valid = append(valid, r)
	}
	return valid, errs
}

type rowError struct {
	row     int
	message string
}
