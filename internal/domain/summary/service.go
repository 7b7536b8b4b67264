package summary

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/healthbook/healthbook/internal/domain/record"
	"github.com/healthbook/healthbook/internal/platform/access"
)

// Result is a generated summary.
type Result struct {
	PatientID   string    `json:"patientId"`
	Summary     string    `json:"summary"`
	Age         int       `json:"age"`
	GeneratedAt time.Time `json:"generatedAt"`
}

// Service generates summaries for records the actor may summarize.
type Service struct {
	records    *record.Service
	summarizer Summarizer
	logger     zerolog.Logger
	now        func() time.Time
}

// NewService creates a summary service. A nil summarizer uses the template.
func NewService(records *record.Service, summarizer Summarizer, logger zerolog.Logger) *Service {
	if summarizer == nil {
		summarizer = TemplateSummarizer{}
	}
	return &Service{records: records, summarizer: summarizer, logger: logger, now: time.Now}
}

func (s *Service) Generate(ctx context.Context, actor access.Actor, patientID string) (Result, error) {
	rec, err := s.records.GetFor(ctx, actor, access.GenerateSummary, patientID)
	if err != nil {
		return Result{}, err
	}
	now := s.now()
	age := Age(rec.DateOfBirth, now)
	text, err := s.summarizer.Summarize(ctx, rec, age)
	if err != nil {
		s.logger.Error().Err(err).Str("patient_id", patientID).Msg("summary generation failed")
		return Result{}, fmt.Errorf("%w: %w", ErrSummaryFailed, err)
	}
	s.logger.Info().Str("patient_id", patientID).Str("actor_id", actor.ID).Msg("summary generated")
	return Result{PatientID: rec.ID, Summary: text, Age: age, GeneratedAt: now.UTC()}, nil
}
