package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/holdfast/internal/ir"
	"github.com/roach88/holdfast/internal/testutil"
	"github.com/roach88/holdfast/internal/validation"
)

// createTestStore opens a store in a temp dir with a fake wall clock.
func createTestStore(t *testing.T) (*Store, *testutil.FakeTime) {
	t.Helper()
	clock := testutil.NewFakeTime(testutil.Epoch)
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, clock
}

// opHashes hashes each op.
func opHashes(t *testing.T, ops []ir.Op) []ir.Hash {
	t.Helper()
	hashes := make([]ir.Hash, len(ops))
	for i, op := range ops {
		h, err := ir.OpHash(op)
		require.NoError(t, err)
		hashes[i] = h
	}
	return hashes
}

// advance applies an Advance verdict to every op in stage.
func advance(t *testing.T, s *Store, stage Stage) {
	t.Helper()
	ctx := context.Background()
	recs, err := s.Candidates(ctx, stage)
	require.NoError(t, err)
	verdicts := make([]Verdict, len(recs))
	for i, rec := range recs {
		verdicts[i] = Verdict{Op: rec.Hash, Transition: validation.Transition{Kind: validation.Advance}}
	}
	require.NoError(t, s.ApplyVerdicts(ctx, stage, verdicts))
}

// integrateAll admits ops, validates them all as Valid and integrates
// every one whose prerequisites allow it.
func integrateAll(t *testing.T, s *Store, seq *testutil.Sequence, ops []ir.Op) {
	t.Helper()
	ctx := context.Background()
	_, err := s.AddPending(ctx, ops)
	require.NoError(t, err)
	advance(t, s, StageSysValidation)
	advance(t, s, StageAppValidation)

	recs, err := s.Candidates(ctx, StageIntegration)
	require.NoError(t, err)
	for _, rec := range recs {
		_, err := s.Integrate(ctx, rec.Hash, seq.Next)
		require.NoError(t, err)
	}
}

// mustStatus reads an op record or fails the test.
func mustStatus(t *testing.T, s *Store, hash ir.Hash) OpRecord {
	t.Helper()
	rec, err := s.OpStatus(context.Background(), hash)
	require.NoError(t, err)
	return rec
}
