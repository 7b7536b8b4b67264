package export

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/healthbook/healthbook/internal/domain/record"
	"github.com/healthbook/healthbook/internal/platform/access"
)

// Service renders records the actor may export, optionally archiving the
// result in a Sink.
type Service struct {
	records  *record.Service
	renderer *Renderer
	sink     Sink
	logger   zerolog.Logger
}

// NewService creates an export service. sink may be nil.
func NewService(records *record.Service, renderer *Renderer, sink Sink, logger zerolog.Logger) *Service {
	if renderer == nil {
		renderer = NewRenderer()
	}
	return &Service{records: records, renderer: renderer, sink: sink, logger: logger}
}

func (s *Service) Export(ctx context.Context, actor access.Actor, patientID string, format Format) (File, error) {
	rec, err := s.records.GetFor(ctx, actor, access.ExportRecord, patientID)
	if err != nil {
		return File{}, err
	}
	f, err := s.renderer.Render(rec, format)
	if err != nil {
		return File{}, err
	}
	if s.sink != nil {
		loc, err := s.sink.Put(ctx, f)
		if err != nil {
			// the download still succeeds without the archive copy
			s.logger.Error().Err(err).Str("patient_id", patientID).Msg("export upload failed")
		} else {
			f.Location = loc
		}
	}
	s.logger.Info().
		Str("patient_id", patientID).
		Str("actor_id", actor.ID).
		Str("format", string(format)).
		Msg("record exported")
	return f, nil
}
