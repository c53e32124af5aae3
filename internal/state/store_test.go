package state

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalpipe/internal/model"
)

func openStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestStore_LoadUnknownFile(t *testing.T) {
	s, _ := openStore(t)

	st, ok, err := s.LoadFileState("/inbox/a.ndjson")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(0), st.Offset)
	assert.Equal(t, "/inbox/a.ndjson", st.Path)
}

func TestStore_CommitBatchRoundtrip(t *testing.T) {
	s, _ := openStore(t)

	st := model.FileState{
		Path:       "/inbox/a.ndjson",
		Offset:     128,
		Size:       256,
		MtimeNS:    42,
		HeadHash:   "abcd",
		HeadLen:    256,
		Generation: 1,
	}
	require.NoError(t, s.CommitBatch(st, []string{"sig-001", "sig-002"}))

	loaded, ok, err := s.LoadFileState("/inbox/a.ndjson")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, st, loaded)

	ids, err := s.LoadDedup(time.Time{})
	require.NoError(t, err)
	assert.Len(t, ids, 2)
	assert.Contains(t, ids, "sig-001")
	assert.Contains(t, ids, "sig-002")
}

func TestStore_CommitOverwritesFileState(t *testing.T) {
	s, _ := openStore(t)

	st := model.FileState{Path: "/inbox/a.ndjson", Offset: 10}
	require.NoError(t, s.CommitBatch(st, nil))

	st.Offset = 20
	st.Generation = 1
	require.NoError(t, s.CommitBatch(st, nil))

	loaded, ok, err := s.LoadFileState("/inbox/a.ndjson")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(20), loaded.Offset)
	assert.Equal(t, uint64(1), loaded.Generation)
}

func TestStore_DuplicateDedupInsertIsIgnored(t *testing.T) {
	s, _ := openStore(t)

	st := model.FileState{Path: "/inbox/a.ndjson", Offset: 10}
	require.NoError(t, s.CommitBatch(st, []string{"sig-001"}))
	st.Offset = 20
	require.NoError(t, s.CommitBatch(st, []string{"sig-001"}))

	ids, err := s.LoadDedup(time.Time{})
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := Open(path)
	require.NoError(t, err)

	st := model.FileState{Path: "/inbox/a.ndjson", Offset: 99, Generation: 2}
	require.NoError(t, s.CommitBatch(st, []string{"sig-001"}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	loaded, ok, err := s.LoadFileState("/inbox/a.ndjson")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(99), loaded.Offset)

	ids, err := s.LoadDedup(time.Time{})
	require.NoError(t, err)
	assert.Contains(t, ids, "sig-001")
}

func TestStore_PruneDedup(t *testing.T) {
	s, _ := openStore(t)

	st := model.FileState{Path: "/inbox/a.ndjson", Offset: 10}
	require.NoError(t, s.CommitBatch(st, []string{"sig-001", "sig-002"}))

	n, err := s.PruneDedup(time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	ids, err := s.LoadDedup(time.Time{})
	require.NoError(t, err)
	assert.Empty(t, ids)
}
