package telemetry

import (
	"context"
	"time"

	"github.com/healthbook/healthbook/internal/platform/persist"
)

// instrumentedBackend times every call to the wrapped backend.
type instrumentedBackend struct {
	persist.Backend
	name    string
	metrics *Metrics
}

// InstrumentBackend wraps b so each Load/Save/Delete is counted under name.
func InstrumentBackend(b persist.Backend, name string, m *Metrics) persist.Backend {
	if m == nil {
		return b
	}
	return &instrumentedBackend{Backend: b, name: name, metrics: m}
}

func (i *instrumentedBackend) Load(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	data, err := i.Backend.Load(ctx, key)
	i.metrics.ObserveStore(i.name, "load", start, err)
	return data, err
}

func (i *instrumentedBackend) Save(ctx context.Context, key string, data []byte) error {
	start := time.Now()
	err := i.Backend.Save(ctx, key, data)
	i.metrics.ObserveStore(i.name, "save", start, err)
	return err
}

func (i *instrumentedBackend) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := i.Backend.Delete(ctx, key)
	i.metrics.ObserveStore(i.name, "delete", start, err)
	return err
}

func (i *instrumentedBackend) Ping(ctx context.Context) error {
	if p, ok := i.Backend.(persist.Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}
