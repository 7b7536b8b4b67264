package record

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/healthbook/healthbook/internal/platform/apierr"
	"github.com/healthbook/healthbook/internal/platform/persist"
)

var (
	ErrNotFound      = fmt.Errorf("patient record %w", apierr.ErrNotFound)
	ErrDuplicateID   = fmt.Errorf("patient record id already in use: %w", apierr.ErrConflict)
	ErrStoreDegraded = fmt.Errorf("record store did not respond: %w", apierr.ErrDegraded)

	// ErrAllergyNotFound and ErrHistoryEntryNotFound are reported by the HTTP
	// layer when a removal found nothing; the store itself returns false.
	ErrAllergyNotFound      = fmt.Errorf("allergy %w", apierr.ErrNotFound)
	ErrHistoryEntryNotFound = fmt.Errorf("history entry %w", apierr.ErrNotFound)
)

// DefaultTimeout bounds a single store operation.
const DefaultTimeout = 5 * time.Second

// Store owns every PatientRecord. The in-memory slice is a cache of the
// allPatientRecords blob: it is reloaded whenever it is empty and written
// through on every successful mutation.
type Store struct {
	mu      sync.Mutex
	backend persist.Backend
	records []PatientRecord
	seed    []PatientRecord
	timeout time.Duration
	logger  zerolog.Logger
	newID   func() string
}

// Option configures a Store.
type Option func(*Store)

// WithTimeout sets the per-operation timeout. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(s *Store) { s.timeout = d }
}

// WithSeed sets the records used when the backend holds nothing or holds a
// corrupt blob.
func WithSeed(records []PatientRecord) Option {
	return func(s *Store) { s.seed = cloneAll(records) }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithIDGenerator replaces the UUID generator.
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) { s.newID = fn }
}

// NewStore creates a record store over backend.
func NewStore(backend persist.Backend, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		timeout: DefaultTimeout,
		logger:  zerolog.Nop(),
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Store) wrap(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", op, ErrStoreDegraded, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ensureLoaded refreshes the cache from the backend when it is empty.
// Caller holds s.mu.
func (s *Store) ensureLoaded(ctx context.Context) error {
	if len(s.records) > 0 {
		return nil
	}
	var records []PatientRecord
	err := persist.LoadJSON(ctx, s.backend, persist.KeyPatientRecords, &records)
	switch {
	case err == nil:
		s.records = normalizeLoaded(records)
		return nil
	case errors.Is(err, persist.ErrNotFound):
		return s.reseed(ctx)
	case errors.Is(err, persist.ErrUndecryptable):
		s.logger.Error().Err(err).Str("key", persist.KeyPatientRecords).
			Msg("stored patient records cannot be decrypted with the configured key")
		return err
	case errors.Is(err, persist.ErrCorrupt):
		s.logger.Warn().Err(err).Str("key", persist.KeyPatientRecords).
			Msg("discarding corrupt patient records, reinitializing from seed")
		if derr := s.backend.Delete(ctx, persist.KeyPatientRecords); derr != nil {
			s.logger.Warn().Err(derr).Msg("failed to delete corrupt patient records")
		}
		return s.reseed(ctx)
	default:
		return err
	}
}

func (s *Store) reseed(ctx context.Context) error {
	if len(s.seed) == 0 {
		s.records = nil
		return nil
	}
	seed := cloneAll(s.seed)
	for i := range seed {
		SortHistory(seed[i].HistoryEntries)
	}
	if err := persist.SaveJSON(ctx, s.backend, persist.KeyPatientRecords, seed); err != nil {
		return err
	}
	s.records = seed
	s.logger.Info().Int("records", len(seed)).Msg("patient records initialized from seed")
	return nil
}

func normalizeLoaded(records []PatientRecord) []PatientRecord {
	out := cloneAll(records)
	for i := range out {
		SortHistory(out[i].HistoryEntries)
	}
	return out
}

// read runs fn against the cache.
func (s *Store) read(ctx context.Context, op string, fn func([]PatientRecord) error) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(ctx); err != nil {
		return s.wrap(op, err)
	}
	return fn(s.records)
}

// mutate computes the next state on a copy, saves it and only then swaps
// it into the cache. fn reports whether anything changed; unchanged state
// is not written.
func (s *Store) mutate(ctx context.Context, op string, fn func([]PatientRecord) ([]PatientRecord, bool, error)) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(ctx); err != nil {
		return s.wrap(op, err)
	}
	next, changed, err := fn(cloneAll(s.records))
	if err != nil || !changed {
		return err
	}
	if err := persist.SaveJSON(ctx, s.backend, persist.KeyPatientRecords, next); err != nil {
		return s.wrap(op, err)
	}
	s.records = next
	return nil
}

func indexOf(records []PatientRecord, id string) int {
	for i := range records {
		if records[i].ID == id {
			return i
		}
	}
	return -1
}

// SortHistory orders entries newest first. Entries on the same date keep
// their relative order.
func SortHistory(entries []HistoryEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Date > entries[j].Date
	})
}

// List returns a copy of every record.
func (s *Store) List(ctx context.Context) ([]PatientRecord, error) {
	var out []PatientRecord
	err := s.read(ctx, "list patient records", func(records []PatientRecord) error {
		out = cloneAll(records)
		return nil
	})
	return out, err
}

// Get returns a copy of the record with id.
func (s *Store) Get(ctx context.Context, id string) (PatientRecord, error) {
	var out PatientRecord
	err := s.read(ctx, "get patient record", func(records []PatientRecord) error {
		i := indexOf(records, id)
		if i < 0 {
			return ErrNotFound
		}
		out = records[i].Clone()
		return nil
	})
	return out, err
}

// Create adds a record. A fresh id is generated when id is empty; a supplied
// id that is already taken yields ErrDuplicateID.
func (s *Store) Create(ctx context.Context, f Fields, id string) (PatientRecord, error) {
	f.Normalize()
	if err := f.Validate(); err != nil {
		return PatientRecord{}, err
	}
	var out PatientRecord
	err := s.mutate(ctx, "create patient record", func(records []PatientRecord) ([]PatientRecord, bool, error) {
		rid := id
		if rid == "" {
			rid = s.newID()
		}
		if indexOf(records, rid) >= 0 {
			return nil, false, ErrDuplicateID
		}
		out = PatientRecord{
			ID:             rid,
			FamilyName:     f.FamilyName,
			GivenName:      f.GivenName,
			DateOfBirth:    f.DateOfBirth,
			BloodGroup:     f.BloodGroup,
			Notes:          f.Notes,
			Allergies:      []Allergy{},
			HistoryEntries: []HistoryEntry{},
		}
		return append(records, out), true, nil
	})
	if err != nil {
		return PatientRecord{}, err
	}
	return out.Clone(), nil
}

// Update merges patch into the record's core fields.
func (s *Store) Update(ctx context.Context, id string, patch Patch) (PatientRecord, error) {
	patch.Normalize()
	if err := patch.Validate(); err != nil {
		return PatientRecord{}, err
	}
	var out PatientRecord
	err := s.mutate(ctx, "update patient record", func(records []PatientRecord) ([]PatientRecord, bool, error) {
		i := indexOf(records, id)
		if i < 0 {
			return nil, false, ErrNotFound
		}
		patch.apply(&records[i])
		out = records[i].Clone()
		return records, !patch.IsEmpty(), nil
	})
	return out, err
}

// Delete removes the record and everything embedded in it. It reports
// false, without error, when no such record exists.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	removed := false
	err := s.mutate(ctx, "delete patient record", func(records []PatientRecord) ([]PatientRecord, bool, error) {
		i := indexOf(records, id)
		if i < 0 {
			return records, false, nil
		}
		removed = true
		return append(records[:i], records[i+1:]...), true, nil
	})
	if err != nil {
		return false, err
	}
	return removed, nil
}

// AddAllergy appends an allergy with a fresh id.
func (s *Store) AddAllergy(ctx context.Context, patientID string, in AllergyInput) (Allergy, error) {
	in.Description = strings.TrimSpace(in.Description)
	if err := in.Validate(); err != nil {
		return Allergy{}, err
	}
	var out Allergy
	err := s.mutate(ctx, "add allergy", func(records []PatientRecord) ([]PatientRecord, bool, error) {
		i := indexOf(records, patientID)
		if i < 0 {
			return nil, false, ErrNotFound
		}
		out = Allergy{ID: s.newID(), Description: in.Description}
		records[i].Allergies = append(records[i].Allergies, out)
		return records, true, nil
	})
	if err != nil {
		return Allergy{}, err
	}
	return out, nil
}

// RemoveAllergy removes the allergy and reports whether it existed.
func (s *Store) RemoveAllergy(ctx context.Context, patientID, allergyID string) (bool, error) {
	removed := false
	err := s.mutate(ctx, "remove allergy", func(records []PatientRecord) ([]PatientRecord, bool, error) {
		i := indexOf(records, patientID)
		if i < 0 {
			return records, false, nil
		}
		kept := records[i].Allergies[:0]
		for _, a := range records[i].Allergies {
			if a.ID == allergyID {
				removed = true
				continue
			}
			kept = append(kept, a)
		}
		records[i].Allergies = kept
		return records, removed, nil
	})
	if err != nil {
		return false, err
	}
	return removed, nil
}

// AddHistoryEntry appends an entry with a fresh id and re-sorts the list
// newest first.
func (s *Store) AddHistoryEntry(ctx context.Context, patientID string, in HistoryInput) (HistoryEntry, error) {
	in.Date = strings.TrimSpace(in.Date)
	in.Description = strings.TrimSpace(in.Description)
	if err := in.Validate(); err != nil {
		return HistoryEntry{}, err
	}
	var out HistoryEntry
	err := s.mutate(ctx, "add history entry", func(records []PatientRecord) ([]PatientRecord, bool, error) {
		i := indexOf(records, patientID)
		if i < 0 {
			return nil, false, ErrNotFound
		}
		out = HistoryEntry{ID: s.newID(), Date: in.Date, Description: in.Description}
		records[i].HistoryEntries = append(records[i].HistoryEntries, out)
		SortHistory(records[i].HistoryEntries)
		return records, true, nil
	})
	if err != nil {
		return HistoryEntry{}, err
	}
	return out, nil
}

// RemoveHistoryEntry removes the entry and reports whether it existed.
func (s *Store) RemoveHistoryEntry(ctx context.Context, patientID, entryID string) (bool, error) {
	removed := false
	err := s.mutate(ctx, "remove history entry", func(records []PatientRecord) ([]PatientRecord, bool, error) {
		i := indexOf(records, patientID)
		if i < 0 {
			return records, false, nil
		}
		kept := records[i].HistoryEntries[:0]
		for _, h := range records[i].HistoryEntries {
			if h.ID == entryID {
				removed = true
				continue
			}
			kept = append(kept, h)
		}
		records[i].HistoryEntries = kept
		return records, removed, nil
	})
	if err != nil {
		return false, err
	}
	return removed, nil
}

// Reset replaces every record with records and writes them through.
func (s *Store) Reset(ctx context.Context, records []PatientRecord) error {
	return s.mutate(ctx, "reset patient records", func([]PatientRecord) ([]PatientRecord, bool, error) {
		return normalizeLoaded(records), true, nil
	})
}

// LinkPatientRecord creates the record owned by a newly registered patient
// account, reusing the account id.
func (s *Store) LinkPatientRecord(ctx context.Context, id, givenName, familyName, dateOfBirth string) error {
	if id == "" {
		return errors.New("link patient record: empty account id")
	}
	_, err := s.Create(ctx, Fields{
		GivenName:   givenName,
		FamilyName:  familyName,
		DateOfBirth: dateOfBirth,
	}, id)
	return err
}

// UnlinkPatientRecord removes a record created by LinkPatientRecord.
func (s *Store) UnlinkPatientRecord(ctx context.Context, id string) error {
	_, err := s.Delete(ctx, id)
	return err
}

// Ping reports whether the backend is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if p, ok := s.backend.(persist.Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}
