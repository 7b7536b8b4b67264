package summary

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/healthbook/healthbook/internal/domain/record"
	"github.com/healthbook/healthbook/internal/platform/apierr"
)

// ErrSummaryFailed wraps every summarizer failure.
var ErrSummaryFailed = fmt.Errorf("summarizer: %w", apierr.ErrSummary)

// Summarizer produces a plain-text summary of a patient record.
type Summarizer interface {
	Summarize(ctx context.Context, rec record.PatientRecord, age int) (string, error)
}

// TemplateSummarizer fills a fixed text template. It stands in for a
// model-backed summarizer.
type TemplateSummarizer struct{}

func (TemplateSummarizer) Summarize(ctx context.Context, rec record.PatientRecord, age int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	allergies := "none known"
	if len(rec.Allergies) > 0 {
		names := make([]string, 0, len(rec.Allergies))
		for _, a := range rec.Allergies {
			names = append(names, a.Description)
		}
		allergies = strings.Join(names, ", ")
	}

	history := "none notable"
	if len(rec.HistoryEntries) > 0 {
		items := make([]string, 0, len(rec.HistoryEntries))
		for _, h := range rec.HistoryEntries {
			items = append(items, fmt.Sprintf("%s (%s)", h.Description, monthYear(h.Date)))
		}
		history = strings.Join(items, "; ")
	}

	notes := rec.Notes
	if strings.TrimSpace(notes) == "" {
		notes = "no notes"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Summary for %s:\n", rec.FullName())
	fmt.Fprintf(&b, "Age: %d years.\n", age)
	fmt.Fprintf(&b, "Allergies: %s.\n", allergies)
	fmt.Fprintf(&b, "Medical history: %s.\n", history)
	fmt.Fprintf(&b, "General notes: %s", notes)
	return b.String(), nil
}

func monthYear(date string) string {
	t, err := time.Parse(record.DateLayout, date)
	if err != nil {
		return date
	}
	return t.Format("January 2006")
}

// Age returns the whole years between dob and now. Empty, malformed and
// future dates yield 0.
func Age(dob string, now time.Time) int {
	born, err := time.Parse(record.DateLayout, dob)
	if err != nil {
		return 0
	}
	years := now.Year() - born.Year()
	if now.Month() < born.Month() || (now.Month() == born.Month() && now.Day() < born.Day()) {
		years--
	}
	if years < 0 {
		return 0
	}
	return years
}
