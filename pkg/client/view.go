package client

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/healthbook/healthbook/internal/domain/record"
	"github.com/healthbook/healthbook/pkg/optimistic"
)

// Section names a part of a record edited through a RecordView.
type Section string

const (
	SectionAllergies Section = "allergies"
	SectionHistory   Section = "history"
)

// ViewEvent reports a local change to a RecordView.
type ViewEvent struct {
	Section Section
	Phase   optimistic.Phase
	Err     error
}

// ViewOption configures a RecordView.
type ViewOption func(*RecordView)

// WithObserver is called after every local change, including rollbacks.
func WithObserver(fn func(ViewEvent)) ViewOption {
	return func(v *RecordView) { v.observer = fn }
}

// RecordView is a local copy of one patient record. Allergy and history
// edits show up in Record immediately and are rolled back if the server
// rejects them.
type RecordView struct {
	client   *Client
	observer func(ViewEvent)

	mu     sync.RWMutex
	record record.PatientRecord
	// temporary ids handed out before the server assigned the real one
	resolved map[string]string
	seq      atomic.Int64

	allergies *optimistic.Coordinator[[]record.Allergy]
	history   *optimistic.Coordinator[[]record.HistoryEntry]
}

// OpenRecord fetches a record and returns a view over it.
func (c *Client) OpenRecord(ctx context.Context, id string, opts ...ViewOption) (*RecordView, error) {
	rec, err := c.GetPatient(ctx, id)
	if err != nil {
		return nil, err
	}
	v := &RecordView{client: c, record: rec, resolved: map[string]string{}}
	for _, opt := range opts {
		opt(v)
	}
	v.allergies = optimistic.New[[]record.Allergy](allergyState{v},
		optimistic.WithClone(optimistic.CloneSlice[record.Allergy]),
		optimistic.WithView(func(e optimistic.Event[[]record.Allergy]) { v.emit(SectionAllergies, e.Phase, e.Err) }),
	)
	v.history = optimistic.New[[]record.HistoryEntry](historyState{v},
		optimistic.WithClone(optimistic.CloneSlice[record.HistoryEntry]),
		optimistic.WithView(func(e optimistic.Event[[]record.HistoryEntry]) { v.emit(SectionHistory, e.Phase, e.Err) }),
	)
	return v, nil
}

func (v *RecordView) emit(s Section, p optimistic.Phase, err error) {
	if v.observer != nil {
		v.observer(ViewEvent{Section: s, Phase: p, Err: err})
	}
}

// Record returns a copy of the local record.
func (v *RecordView) Record() record.PatientRecord {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.record.Clone()
}

// Refresh replaces the local record with the server's. It waits for
// allergy and history edits in flight and holds new ones back until the
// replacement is done, so a commit never lands on top of the fresh copy.
// Calling it from an observer deadlocks.
func (v *RecordView) Refresh(ctx context.Context) error {
	pid := v.ID()
	releaseAllergies, err := v.allergies.Hold(ctx, pid)
	if err != nil {
		return err
	}
	defer releaseAllergies()
	releaseHistory, err := v.history.Hold(ctx, pid)
	if err != nil {
		return err
	}
	defer releaseHistory()

	rec, err := v.client.GetPatient(ctx, pid)
	if err != nil {
		return err
	}
	v.mu.Lock()
	v.record = rec
	v.mu.Unlock()
	return nil
}

// ID is the record id.
func (v *RecordView) ID() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.record.ID
}

func (v *RecordView) tempID(prefix string) string {
	return fmt.Sprintf("tmp-%s-%d", prefix, v.seq.Add(1))
}

func (v *RecordView) resolve(id string) string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if real, ok := v.resolved[id]; ok {
		return real
	}
	return id
}

func (v *RecordView) bind(tmp, real string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.resolved[tmp] = real
}

// AddAllergy appends an allergy locally and creates it on the server. It
// returns the temporary id the allergy was shown under; that id stays
// usable with RemoveAllergy after the server assigns the real one.
func (v *RecordView) AddAllergy(ctx context.Context, description string) (string, error) {
	tmp := v.tempID("allergy")
	pid := v.ID()
	err := v.allergies.Do(ctx, optimistic.Mutation[[]record.Allergy]{
		Key: pid,
		Apply: func(list []record.Allergy) []record.Allergy {
			return append(list, record.Allergy{ID: tmp, Description: description})
		},
		Commit: func(ctx context.Context) (optimistic.Reconcile[[]record.Allergy], error) {
			a, err := v.client.AddAllergy(ctx, pid, description)
			if err != nil {
				return nil, err
			}
			v.bind(tmp, a.ID)
			return func(list []record.Allergy) []record.Allergy {
				for i := range list {
					if list[i].ID == tmp {
						list[i] = a
					}
				}
				return list
			}, nil
		},
	})
	return tmp, err
}

// RemoveAllergy removes an allergy locally and on the server.
func (v *RecordView) RemoveAllergy(ctx context.Context, allergyID string) error {
	pid := v.ID()
	return v.allergies.Do(ctx, optimistic.Mutation[[]record.Allergy]{
		Key: pid,
		Apply: func(list []record.Allergy) []record.Allergy {
			id := v.resolve(allergyID)
			out := make([]record.Allergy, 0, len(list))
			for _, a := range list {
				if a.ID != id {
					out = append(out, a)
				}
			}
			return out
		},
		Commit: func(ctx context.Context) (optimistic.Reconcile[[]record.Allergy], error) {
			return nil, v.client.RemoveAllergy(ctx, pid, v.resolve(allergyID))
		},
	})
}

// AddHistoryEntry inserts an entry locally, keeping newest-first order,
// and creates it on the server. It returns the temporary id.
func (v *RecordView) AddHistoryEntry(ctx context.Context, in record.HistoryInput) (string, error) {
	tmp := v.tempID("history")
	pid := v.ID()
	err := v.history.Do(ctx, optimistic.Mutation[[]record.HistoryEntry]{
		Key: pid,
		Apply: func(list []record.HistoryEntry) []record.HistoryEntry {
			list = append(list, record.HistoryEntry{ID: tmp, Date: in.Date, Description: in.Description})
			record.SortHistory(list)
			return list
		},
		Commit: func(ctx context.Context) (optimistic.Reconcile[[]record.HistoryEntry], error) {
			e, err := v.client.AddHistoryEntry(ctx, pid, in)
			if err != nil {
				return nil, err
			}
			v.bind(tmp, e.ID)
			return func(list []record.HistoryEntry) []record.HistoryEntry {
				for i := range list {
					if list[i].ID == tmp {
						list[i] = e
					}
				}
				record.SortHistory(list)
				return list
			}, nil
		},
	})
	return tmp, err
}

// RemoveHistoryEntry removes an entry locally and on the server.
func (v *RecordView) RemoveHistoryEntry(ctx context.Context, entryID string) error {
	pid := v.ID()
	return v.history.Do(ctx, optimistic.Mutation[[]record.HistoryEntry]{
		Key: pid,
		Apply: func(list []record.HistoryEntry) []record.HistoryEntry {
			id := v.resolve(entryID)
			out := make([]record.HistoryEntry, 0, len(list))
			for _, e := range list {
				if e.ID != id {
					out = append(out, e)
				}
			}
			return out
		},
		Commit: func(ctx context.Context) (optimistic.Reconcile[[]record.HistoryEntry], error) {
			return nil, v.client.RemoveHistoryEntry(ctx, pid, v.resolve(entryID))
		},
	})
}

type allergyState struct{ v *RecordView }

func (s allergyState) Get(string) []record.Allergy {
	s.v.mu.RLock()
	defer s.v.mu.RUnlock()
	return s.v.record.Allergies
}

func (s allergyState) Set(_ string, list []record.Allergy) {
	s.v.mu.Lock()
	defer s.v.mu.Unlock()
	s.v.record.Allergies = list
}

type historyState struct{ v *RecordView }

func (s historyState) Get(string) []record.HistoryEntry {
	s.v.mu.RLock()
	defer s.v.mu.RUnlock()
	return s.v.record.HistoryEntries
}

func (s historyState) Set(_ string, list []record.HistoryEntry) {
	s.v.mu.Lock()
	defer s.v.mu.Unlock()
	s.v.record.HistoryEntries = list
}
