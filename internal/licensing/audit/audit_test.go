package audit

import (
	"context"
	"errors"
	"testing"
	"time"
)

type mockRepository struct {
	entries []*Entry
	nextID  int64
}

func newMockRepository() *mockRepository {
	return &mockRepository{nextID: 1}
}

func (m *mockRepository) Tail(ctx context.Context) (*Entry, error) {
	if len(m.entries) == 0 {
		return nil, nil
	}
	return m.entries[len(m.entries)-1], nil
}

func (m *mockRepository) Insert(ctx context.Context, entry *Entry) error {
	entry.ID = m.nextID
	m.nextID++
	m.entries = append(m.entries, entry)
	return nil
}

func (m *mockRepository) Range(ctx context.Context, fromID, toID int64) ([]*Entry, error) {
	var out []*Entry
	for _, e := range m.entries {
		if e.ID >= fromID && e.ID <= toID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockRepository) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	var kept []*Entry
	var purged int64
	for _, e := range m.entries {
		if e.OccurredAt.Before(cutoff) {
			purged++
			continue
		}
		kept = append(kept, e)
	}
	m.entries = kept
	return purged, nil
}

func (m *mockRepository) WithTx(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error {
	return fn(ctx, m)
}

func TestRecordChainsHashes(t *testing.T) {
	repo := newMockRepository()
	log := New(repo, true)

	ref := AuditableRef{Kind: "license", ID: "lic-1"}
	e1, err := log.Record(context.Background(), KindUsageRegistered, ref, "system", nil, time.Unix(0, 0))
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if e1.PreviousHash != nil {
		t.Fatal("first entry should have a nil previous_hash")
	}

	e2, err := log.Record(context.Background(), KindUsageRegistered, ref, "system", nil, time.Unix(60, 0))
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	expectedHash, err := e1.CanonicalHash()
	if err != nil {
		t.Fatalf("CanonicalHash() error = %v", err)
	}
	if string(e2.PreviousHash) != string(expectedHash) {
		t.Fatal("second entry's previous_hash does not match first entry's canonical hash")
	}
}

func TestVerifyChainDetectsBreak(t *testing.T) {
	repo := newMockRepository()
	log := New(repo, true)
	ref := AuditableRef{Kind: "license", ID: "lic-1"}

	if _, err := log.Record(context.Background(), KindUsageRegistered, ref, "system", nil, time.Unix(0, 0)); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if _, err := log.Record(context.Background(), KindUsageRegistered, ref, "system", nil, time.Unix(60, 0)); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	if err := log.VerifyChain(context.Background(), 1, 2); err != nil {
		t.Fatalf("VerifyChain() on an intact chain error = %v", err)
	}

	repo.entries[0].Meta = map[string]any{"tampered": true}

	if err := log.VerifyChain(context.Background(), 1, 2); !errors.Is(err, ErrChainBroken) {
		t.Fatalf("VerifyChain() after tampering error = %v, want ErrChainBroken", err)
	}
}

func TestChainDisabledLeavesPreviousHashNil(t *testing.T) {
	repo := newMockRepository()
	log := New(repo, false)
	ref := AuditableRef{Kind: "license", ID: "lic-1"}

	if _, err := log.Record(context.Background(), KindUsageRegistered, ref, "system", nil, time.Unix(0, 0)); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	e2, err := log.Record(context.Background(), KindUsageRegistered, ref, "system", nil, time.Unix(60, 0))
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if e2.PreviousHash != nil {
		t.Fatal("previous_hash should stay nil when chaining is disabled")
	}
}

func TestPurgeDeletesOnlyOlderEntries(t *testing.T) {
	repo := newMockRepository()
	log := New(repo, true)
	ref := AuditableRef{Kind: "license", ID: "lic-1"}

	if _, err := log.Record(context.Background(), KindUsageRegistered, ref, "system", nil, time.Unix(0, 0)); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if _, err := log.Record(context.Background(), KindUsageRegistered, ref, "system", nil, time.Unix(1000, 0)); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	purged, err := log.Purge(context.Background(), time.Unix(500, 0))
	if err != nil {
		t.Fatalf("Purge() error = %v", err)
	}
	if purged != 1 {
		t.Fatalf("Purge() purged = %d, want 1", purged)
	}
	if len(repo.entries) != 1 {
		t.Fatalf("Purge() left %d entries, want 1", len(repo.entries))
	}
}
