package record

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/healthbook/healthbook/internal/platform/persist"
)

// testBackend wraps an in-memory backend with failure injection.
type testBackend struct {
	*persist.Memory
	failSave atomic.Bool
	block    atomic.Bool
	loads    atomic.Int32
	saves    atomic.Int32
}

func newTestBackend() *testBackend {
	return &testBackend{Memory: persist.NewMemory()}
}

func (b *testBackend) Load(ctx context.Context, key string) ([]byte, error) {
	b.loads.Add(1)
	if b.block.Load() {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return b.Memory.Load(ctx, key)
}

func (b *testBackend) Save(ctx context.Context, key string, data []byte) error {
	b.saves.Add(1)
	if b.block.Load() {
		<-ctx.Done()
		return ctx.Err()
	}
	if b.failSave.Load() {
		return errors.New("disk full")
	}
	return b.Memory.Save(ctx, key, data)
}

func alamiFields() Fields {
	return Fields{FamilyName: "Alami", GivenName: "Fatima", DateOfBirth: "1992-11-30", BloodGroup: BloodGroupONeg}
}

func newTestStore(t *testing.T, opts ...Option) (*Store, *testBackend) {
	t.Helper()
	b := newTestBackend()
	return NewStore(b, opts...), b
}

func TestStore_AlamiScenario(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	rec, err := s.Create(ctx, alamiFields(), "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec.ID == "" {
		t.Fatal("expected generated id")
	}
	if rec.Allergies == nil || len(rec.Allergies) != 0 || rec.HistoryEntries == nil || len(rec.HistoryEntries) != 0 {
		t.Fatalf("expected empty lists, got %+v", rec)
	}

	a, err := s.AddAllergy(ctx, rec.ID, AllergyInput{Description: "Pollen"})
	if err != nil {
		t.Fatalf("AddAllergy: %v", err)
	}
	if a.ID == "" || a.Description != "Pollen" {
		t.Errorf("unexpected allergy %+v", a)
	}
	got, _ := s.Get(ctx, rec.ID)
	if len(got.Allergies) != 1 {
		t.Fatalf("expected 1 allergy, got %d", len(got.Allergies))
	}

	if _, err := s.AddHistoryEntry(ctx, rec.ID, HistoryInput{Date: "2020-01-01", Description: "Grippe"}); err != nil {
		t.Fatalf("AddHistoryEntry: %v", err)
	}
	if _, err := s.AddHistoryEntry(ctx, rec.ID, HistoryInput{Date: "2022-06-15", Description: "Entorse"}); err != nil {
		t.Fatalf("AddHistoryEntry: %v", err)
	}
	got, _ = s.Get(ctx, rec.ID)
	if got.HistoryEntries[0].Date != "2022-06-15" {
		t.Errorf("expected newest entry first, got %+v", got.HistoryEntries)
	}
}

func isSortedDesc(entries []HistoryEntry) bool {
	for i := 1; i < len(entries); i++ {
		if entries[i-1].Date < entries[i].Date {
			return false
		}
	}
	return true
}

func TestStore_HistorySortedAfterEveryChange(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	rec, _ := s.Create(ctx, alamiFields(), "")

	dates := []string{"2015-03-12", "2021-05-05", "1995-09-15", "2021-05-05", "2023-02-20", "2001-01-01"}
	var ids []string
	for _, d := range dates {
		e, err := s.AddHistoryEntry(ctx, rec.ID, HistoryInput{Date: d, Description: "entry " + d})
		if err != nil {
			t.Fatalf("AddHistoryEntry(%s): %v", d, err)
		}
		ids = append(ids, e.ID)
		got, _ := s.Get(ctx, rec.ID)
		if !isSortedDesc(got.HistoryEntries) {
			t.Fatalf("not sorted after adding %s: %+v", d, got.HistoryEntries)
		}
	}
	for _, id := range []string{ids[1], ids[4], ids[0]} {
		removed, err := s.RemoveHistoryEntry(ctx, rec.ID, id)
		if err != nil || !removed {
			t.Fatalf("RemoveHistoryEntry(%s) = %v, %v", id, removed, err)
		}
		got, _ := s.Get(ctx, rec.ID)
		if !isSortedDesc(got.HistoryEntries) {
			t.Fatalf("not sorted after removing %s: %+v", id, got.HistoryEntries)
		}
	}
	got, _ := s.Get(ctx, rec.ID)
	if len(got.HistoryEntries) != 3 {
		t.Errorf("expected 3 entries, got %d", len(got.HistoryEntries))
	}
}

func TestStore_HistorySameDateKeepsInsertionOrder(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	rec, _ := s.Create(ctx, alamiFields(), "")
	first, _ := s.AddHistoryEntry(ctx, rec.ID, HistoryInput{Date: "2020-01-01", Description: "first"})
	second, _ := s.AddHistoryEntry(ctx, rec.ID, HistoryInput{Date: "2020-01-01", Description: "second"})

	got, _ := s.Get(ctx, rec.ID)
	if got.HistoryEntries[0].ID != first.ID || got.HistoryEntries[1].ID != second.ID {
		t.Errorf("expected stable order, got %+v", got.HistoryEntries)
	}
}

func TestStore_DeleteCascade(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	rec, _ := s.Create(ctx, alamiFields(), "")
	other, _ := s.Create(ctx, Fields{FamilyName: "Tazi", GivenName: "Amine", DateOfBirth: "1970-12-01"}, "")
	_, _ = s.AddAllergy(ctx, rec.ID, AllergyInput{Description: "Pollen"})

	removed, err := s.Delete(ctx, rec.ID)
	if err != nil || !removed {
		t.Fatalf("Delete = %v, %v", removed, err)
	}
	list, _ := s.List(ctx)
	for _, r := range list {
		if r.ID == rec.ID {
			t.Fatal("deleted record still listed")
		}
	}
	if _, err := s.Get(ctx, rec.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.AddAllergy(ctx, rec.ID, AllergyInput{Description: "Pollen"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for allergy on deleted record, got %v", err)
	}

	before, _ := s.List(ctx)
	removed, err = s.Delete(ctx, "does-not-exist")
	if err != nil || removed {
		t.Fatalf("Delete(missing) = %v, %v", removed, err)
	}
	after, _ := s.List(ctx)
	if len(before) != len(after) || after[0].ID != other.ID {
		t.Errorf("store changed after deleting a missing id")
	}
}

func TestStore_ReturnsIndependentCopies(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	rec, _ := s.Create(ctx, alamiFields(), "")
	_, _ = s.AddAllergy(ctx, rec.ID, AllergyInput{Description: "Pollen"})

	list, _ := s.List(ctx)
	list[0].FamilyName = "Changed"
	list[0].Allergies[0].Description = "Changed"

	got, _ := s.Get(ctx, rec.ID)
	got.Allergies = append(got.Allergies, Allergy{ID: "x"})

	again, _ := s.Get(ctx, rec.ID)
	if again.FamilyName != "Alami" || again.Allergies[0].Description != "Pollen" || len(again.Allergies) != 1 {
		t.Errorf("caller mutation leaked into store: %+v", again)
	}
}

func TestStore_CreateWithID(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	if _, err := s.Create(ctx, alamiFields(), "pat1"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Create(ctx, alamiFields(), "pat1"); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}
}

func TestStore_CreateValidates(t *testing.T) {
	s, b := newTestStore(t)
	_, err := s.Create(context.Background(), Fields{FamilyName: "A"}, "")
	if err == nil {
		t.Fatal("expected validation error")
	}
	if b.saves.Load() != 0 {
		t.Errorf("expected no save on invalid input, got %d", b.saves.Load())
	}
}

func TestStore_UpdateMergesFields(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	rec, _ := s.Create(ctx, alamiFields(), "")
	_, _ = s.AddAllergy(ctx, rec.ID, AllergyInput{Description: "Pollen"})

	notes := "RAS."
	bg := BloodGroupABPos
	got, err := s.Update(ctx, rec.ID, Patch{Notes: &notes, BloodGroup: &bg})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.Notes != "RAS." || got.BloodGroup != BloodGroupABPos || got.FamilyName != "Alami" || len(got.Allergies) != 1 {
		t.Errorf("unexpected merge result %+v", got)
	}

	if _, err := s.Update(ctx, "missing", Patch{Notes: &notes}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_RemoveMissingSubEntities(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	rec, _ := s.Create(ctx, alamiFields(), "")

	tests := []struct {
		name string
		fn   func() (bool, error)
	}{
		{"allergy unknown id", func() (bool, error) { return s.RemoveAllergy(ctx, rec.ID, "nope") }},
		{"allergy unknown patient", func() (bool, error) { return s.RemoveAllergy(ctx, "nope", "nope") }},
		{"history unknown id", func() (bool, error) { return s.RemoveHistoryEntry(ctx, rec.ID, "nope") }},
		{"history unknown patient", func() (bool, error) { return s.RemoveHistoryEntry(ctx, "nope", "nope") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			removed, err := tt.fn()
			if err != nil || removed {
				t.Errorf("got %v, %v; want false, nil", removed, err)
			}
		})
	}
}

func TestStore_DuplicateAllergiesAllowed(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	rec, _ := s.Create(ctx, alamiFields(), "")
	a1, _ := s.AddAllergy(ctx, rec.ID, AllergyInput{Description: "Pollen"})
	a2, _ := s.AddAllergy(ctx, rec.ID, AllergyInput{Description: "Pollen"})
	if a1.ID == a2.ID {
		t.Fatal("expected distinct ids")
	}
	got, _ := s.Get(ctx, rec.ID)
	if len(got.Allergies) != 2 || got.Allergies[0].ID != a1.ID {
		t.Errorf("expected insertion order, got %+v", got.Allergies)
	}
}

func TestStore_TransientFailureLeavesCacheUntouched(t *testing.T) {
	ctx := context.Background()
	s, b := newTestStore(t)
	rec, _ := s.Create(ctx, alamiFields(), "")
	a, _ := s.AddAllergy(ctx, rec.ID, AllergyInput{Description: "Pollen"})

	b.failSave.Store(true)
	if _, err := s.AddAllergy(ctx, rec.ID, AllergyInput{Description: "Aspirine"}); !errors.Is(err, persist.ErrTransient) {
		t.Fatalf("expected ErrTransient, got %v", err)
	}
	if removed, err := s.RemoveAllergy(ctx, rec.ID, a.ID); !errors.Is(err, persist.ErrTransient) || removed {
		t.Fatalf("expected ErrTransient, got %v, %v", removed, err)
	}
	b.failSave.Store(false)

	got, _ := s.Get(ctx, rec.ID)
	if len(got.Allergies) != 1 || got.Allergies[0].ID != a.ID {
		t.Errorf("cache changed by failed writes: %+v", got.Allergies)
	}
}

func TestStore_DegradedOnTimeout(t *testing.T) {
	s, b := newTestStore(t, WithTimeout(20*time.Millisecond))
	b.block.Store(true)

	start := time.Now()
	_, err := s.List(context.Background())
	if !errors.Is(err, ErrStoreDegraded) {
		t.Fatalf("expected ErrStoreDegraded, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("timeout not honored, took %v", time.Since(start))
	}
}

func seedRecords() []PatientRecord {
	return []PatientRecord{
		{ID: "1", FamilyName: "Benjelloun", GivenName: "Karim", DateOfBirth: "1985-05-15", BloodGroup: BloodGroupAPos,
			HistoryEntries: []HistoryEntry{
				{ID: "h1", Date: "2010-07-20", Description: "Appendicectomie"},
				{ID: "h2", Date: "2022-01-10", Description: "Vaccination COVID-19"},
			}},
		{ID: "2", FamilyName: "Alami", GivenName: "Fatima", DateOfBirth: "1992-11-30", BloodGroup: BloodGroupONeg},
	}
}

func TestStore_SeedsEmptyBackend(t *testing.T) {
	ctx := context.Background()
	s, b := newTestStore(t, WithSeed(seedRecords()))

	list, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 seeded records, got %d", len(list))
	}
	if list[0].HistoryEntries[0].ID != "h2" {
		t.Errorf("expected seeded history sorted, got %+v", list[0].HistoryEntries)
	}
	if _, err := b.Memory.Load(ctx, persist.KeyPatientRecords); err != nil {
		t.Errorf("expected seed written back, got %v", err)
	}
}

func TestStore_CorruptBlobReinitializes(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend()
	_ = b.Memory.Save(ctx, persist.KeyPatientRecords, []byte(`{"not":"a list"`))
	s := NewStore(b, WithSeed(seedRecords()))

	got, err := s.Get(ctx, "2")
	if err != nil {
		t.Fatalf("expected recovery from corrupt blob, got %v", err)
	}
	if got.FamilyName != "Alami" {
		t.Errorf("unexpected record %+v", got)
	}
	var stored []PatientRecord
	if err := persist.LoadJSON(ctx, b.Memory, persist.KeyPatientRecords, &stored); err != nil || len(stored) != 2 {
		t.Errorf("expected seed rewritten, got %d records, %v", len(stored), err)
	}
}

func TestStore_ReloadsFromBackendWhenEmpty(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend()
	writer := NewStore(b)
	rec, _ := writer.Create(ctx, alamiFields(), "")

	reader := NewStore(b)
	got, err := reader.Get(ctx, rec.ID)
	if err != nil || got.FamilyName != "Alami" {
		t.Fatalf("expected record loaded from backend, got %+v, %v", got, err)
	}
	loads := b.loads.Load()
	_, _ = reader.Get(ctx, rec.ID)
	if b.loads.Load() != loads {
		t.Error("expected populated cache to be served without reloading")
	}
}

func TestStore_ConcurrentMutations(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	rec, _ := s.Create(ctx, alamiFields(), "")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			date := time.Date(2000+i, 1, 1, 0, 0, 0, 0, time.UTC).Format(DateLayout)
			_, _ = s.AddHistoryEntry(ctx, rec.ID, HistoryInput{Date: date, Description: "visit"})
			_, _ = s.AddAllergy(ctx, rec.ID, AllergyInput{Description: "allergen"})
		}(i)
	}
	wg.Wait()

	got, _ := s.Get(ctx, rec.ID)
	if len(got.HistoryEntries) != 20 || len(got.Allergies) != 20 {
		t.Fatalf("lost writes: %d history, %d allergies", len(got.HistoryEntries), len(got.Allergies))
	}
	if !isSortedDesc(got.HistoryEntries) {
		t.Error("history not sorted after concurrent inserts")
	}
}

func TestStore_LinkAndUnlink(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	if err := s.LinkPatientRecord(ctx, "acc-1", "Amina", "Zineb", "1990-02-03"); err != nil {
		t.Fatalf("LinkPatientRecord: %v", err)
	}
	got, err := s.Get(ctx, "acc-1")
	if err != nil || got.GivenName != "Amina" {
		t.Fatalf("expected linked record, got %+v, %v", got, err)
	}
	if err := s.UnlinkPatientRecord(ctx, "acc-1"); err != nil {
		t.Fatalf("UnlinkPatientRecord: %v", err)
	}
	if _, err := s.Get(ctx, "acc-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after unlink, got %v", err)
	}
}

func TestStore_Reset(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	_, _ = s.Create(ctx, alamiFields(), "")
	if err := s.Reset(ctx, seedRecords()); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	list, _ := s.List(ctx)
	if len(list) != 2 || list[0].ID != "1" {
		t.Errorf("unexpected records after reset: %+v", list)
	}
}

func TestStore_WrongEncryptionKeyKeepsData(t *testing.T) {
	ctx := context.Background()
	mem := persist.NewMemory()
	keyA := bytes.Repeat([]byte{0xA1}, 32)
	keyB := bytes.Repeat([]byte{0xB2}, 32)
	seed := []PatientRecord{{ID: "seed", FamilyName: "Seed", GivenName: "Only", DateOfBirth: "2000-01-01"}}

	encA, err := persist.NewEncrypted(mem, keyA)
	if err != nil {
		t.Fatalf("NewEncrypted: %v", err)
	}
	created, err := NewStore(encA).Create(ctx, alamiFields(), "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	encB, err := persist.NewEncrypted(mem, keyB)
	if err != nil {
		t.Fatalf("NewEncrypted: %v", err)
	}
	wrong := NewStore(encB, WithSeed(seed))
	if _, err := wrong.List(ctx); !errors.Is(err, persist.ErrUndecryptable) {
		t.Fatalf("expected ErrUndecryptable with the wrong key, got %v", err)
	}
	if _, err := wrong.Create(ctx, alamiFields(), ""); !errors.Is(err, persist.ErrUndecryptable) {
		t.Fatalf("expected writes to be refused with the wrong key, got %v", err)
	}

	reopened := NewStore(encA, WithSeed(seed))
	got, err := reopened.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("expected original record to survive, got %v", err)
	}
	if got.FamilyName != "Alami" {
		t.Errorf("expected Alami, got %q", got.FamilyName)
	}
	all, err := reopened.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("expected only the original record, got %d", len(all))
	}
}
