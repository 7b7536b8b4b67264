package record

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/healthbook/healthbook/internal/platform/access"
)

// DenialRecorder is notified of every refused action.
type DenialRecorder interface {
	AccessDenied(action string)
}

// Service gates every Store operation through the access policy. The check
// runs before the store is touched.
type Service struct {
	store  *Store
	denied DenialRecorder
	logger zerolog.Logger
}

// NewService creates a new record service.
func NewService(store *Store, logger zerolog.Logger, denied DenialRecorder) *Service {
	return &Service{store: store, logger: logger, denied: denied}
}

// Store exposes the underlying store.
func (s *Service) Store() *Store { return s.store }

func (s *Service) check(actor access.Actor, action access.Action, recordID string) error {
	err := access.Check(actor, action, access.Target{RecordID: recordID})
	if err != nil {
		s.logger.Warn().
			Str("actor_id", actor.ID).
			Str("role", string(actor.Role)).
			Str("action", string(action)).
			Str("record_id", recordID).
			Msg("access denied")
		if s.denied != nil {
			s.denied.AccessDenied(string(action))
		}
	}
	return err
}

func (s *Service) List(ctx context.Context, actor access.Actor) ([]PatientRecord, error) {
	if err := s.check(actor, access.ListAllRecords, ""); err != nil {
		return nil, err
	}
	return s.store.List(ctx)
}

func (s *Service) Get(ctx context.Context, actor access.Actor, id string) (PatientRecord, error) {
	if err := s.check(actor, access.ViewRecord, id); err != nil {
		return PatientRecord{}, err
	}
	return s.store.Get(ctx, id)
}

// GetFor fetches a record after checking an arbitrary action, for
// collaborators such as summary and export.
func (s *Service) GetFor(ctx context.Context, actor access.Actor, action access.Action, id string) (PatientRecord, error) {
	if err := s.check(actor, action, id); err != nil {
		return PatientRecord{}, err
	}
	return s.store.Get(ctx, id)
}

func (s *Service) Create(ctx context.Context, actor access.Actor, f Fields) (PatientRecord, error) {
	if err := s.check(actor, access.CreateRecord, ""); err != nil {
		return PatientRecord{}, err
	}
	rec, err := s.store.Create(ctx, f, "")
	if err != nil {
		return PatientRecord{}, err
	}
	s.logger.Info().Str("record_id", rec.ID).Str("actor_id", actor.ID).Msg("patient record created")
	return rec, nil
}

func (s *Service) Update(ctx context.Context, actor access.Actor, id string, patch Patch) (PatientRecord, error) {
	if err := s.check(actor, access.EditCoreFields, id); err != nil {
		return PatientRecord{}, err
	}
	return s.store.Update(ctx, id, patch)
}

func (s *Service) Delete(ctx context.Context, actor access.Actor, id string) (bool, error) {
	if err := s.check(actor, access.DeleteRecord, id); err != nil {
		return false, err
	}
	removed, err := s.store.Delete(ctx, id)
	if err == nil && removed {
		s.logger.Info().Str("record_id", id).Str("actor_id", actor.ID).Msg("patient record deleted")
	}
	return removed, err
}

func (s *Service) AddAllergy(ctx context.Context, actor access.Actor, patientID string, in AllergyInput) (Allergy, error) {
	if err := s.check(actor, access.EditAllergies, patientID); err != nil {
		return Allergy{}, err
	}
	return s.store.AddAllergy(ctx, patientID, in)
}

func (s *Service) RemoveAllergy(ctx context.Context, actor access.Actor, patientID, allergyID string) (bool, error) {
	if err := s.check(actor, access.EditAllergies, patientID); err != nil {
		return false, err
	}
	return s.store.RemoveAllergy(ctx, patientID, allergyID)
}

func (s *Service) AddHistoryEntry(ctx context.Context, actor access.Actor, patientID string, in HistoryInput) (HistoryEntry, error) {
	if err := s.check(actor, access.EditHistory, patientID); err != nil {
		return HistoryEntry{}, err
	}
	return s.store.AddHistoryEntry(ctx, patientID, in)
}

func (s *Service) RemoveHistoryEntry(ctx context.Context, actor access.Actor, patientID, entryID string) (bool, error) {
	if err := s.check(actor, access.EditHistory, patientID); err != nil {
		return false, err
	}
	return s.store.RemoveHistoryEntry(ctx, patientID, entryID)
}
