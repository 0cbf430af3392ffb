package service

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"

	"github.com/Shivanand-hulikatti/career-day/internal/model"
)

// utf8BOM lets spreadsheet applications detect the encoding of the export.
const utf8BOM = "\uFEFF"

var overviewHeader = []string{
	"NIS",
	"Name",
	"Class",
	"Session 1 - Topic",
	"Session 1 - Location",
	"Session 2 - Topic",
	"Session 2 - Location",
	"Status",
}

// ExportOverviewCSV writes the filtered staff overview as CSV and returns
// the number of student rows written.
func (s *EnrollmentService) ExportOverviewCSV(ctx context.Context, filter model.OverviewFilter, w io.Writer) (int, error) {
	rows, err := s.StudentOverview(ctx, filter)
	if err != nil {
		return 0, err
	}
	if err := WriteOverviewCSV(w, rows); err != nil {
		return 0, err
	}
	return len(rows), nil
}

// WriteOverviewCSV renders overview rows, one per student.
func WriteOverviewCSV(w io.Writer, rows []model.StudentOverview) error {
	if _, err := io.WriteString(w, utf8BOM); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(overviewHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, r := range rows {
		status := "Incomplete"
		if r.Complete() {
			status = "Complete"
		}
		record := []string{
			r.NIS,
			r.Name,
			r.Class,
			orDash(r.Session1Topic),
			orDash(r.Session1Location),
			orDash(r.Session2Topic),
			orDash(r.Session2Location),
			status,
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write csv row %s: %w", r.NIS, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
