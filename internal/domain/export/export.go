// Package export renders read-only snapshots of patient records for
// printing and download.
package export

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/healthbook/healthbook/internal/domain/record"
	"github.com/healthbook/healthbook/internal/domain/summary"
	"github.com/healthbook/healthbook/internal/platform/apierr"
)

// Format is an export file format.
type Format string

const (
	FormatJSON Format = "json"
	FormatXLSX Format = "xlsx"
)

// ErrUnsupportedFormat is returned for unknown formats.
var ErrUnsupportedFormat = fmt.Errorf("unsupported export format: %w", apierr.ErrInvalid)

// ParseFormat parses a format name. Empty means JSON.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatXLSX:
		return FormatXLSX, nil
	default:
		return "", fmt.Errorf("%q: %w", s, ErrUnsupportedFormat)
	}
}

// Document is the JSON export.
type Document struct {
	Record      record.PatientRecord `json:"record"`
	Age         int                  `json:"age"`
	GeneratedAt time.Time            `json:"generatedAt"`
}

// File is a rendered export.
type File struct {
	Name        string
	ContentType string
	Data        []byte
	// Location is set when the file was also uploaded to a Sink.
	Location string
}

// Renderer turns a record into a File.
type Renderer struct {
	now func() time.Time
}

// NewRenderer creates a renderer.
func NewRenderer() *Renderer {
	return &Renderer{now: time.Now}
}

// Render renders a copy of rec in format.
func (r *Renderer) Render(rec record.PatientRecord, format Format) (File, error) {
	rec = rec.Clone()
	now := r.now().UTC()
	age := summary.Age(rec.DateOfBirth, now)
	base := fmt.Sprintf("patient-%s-%s", rec.ID, now.Format("20060102"))

	switch format {
	case FormatJSON:
		data, err := json.MarshalIndent(Document{Record: rec, Age: age, GeneratedAt: now}, "", "  ")
		if err != nil {
			return File{}, fmt.Errorf("encode export: %w", err)
		}
		return File{Name: base + ".json", ContentType: "application/json", Data: data}, nil
	case FormatXLSX:
		data, err := renderXLSX(rec, age, now)
		if err != nil {
			return File{}, err
		}
		return File{
			Name:        base + ".xlsx",
			ContentType: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
			Data:        data,
		}, nil
	default:
		return File{}, fmt.Errorf("%q: %w", format, ErrUnsupportedFormat)
	}
}
