package configstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daloraclehub/dalcore/internal/apperrors"
	"github.com/daloraclehub/dalcore/internal/eventbus"
	"github.com/daloraclehub/dalcore/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, eventbus.New(64))
}

func TestCreateRejectsDuplicate(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Create("p1", map[string]any{"name": "Project One"}, "al-template")
	require.NoError(t, err)

	_, err = s.Create("p1", map[string]any{}, "al-template")
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeConflict))
}

func TestUpdateBumpsVersionAndLastModified(t *testing.T) {
	s := newTestStore(t)
	cfg, err := s.Create("p1", map[string]any{}, "tmpl")
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Version)

	updated, err := s.AddDataset("p1", "train", Dataset{Role: DatasetRoleTraining, Format: "csv", Location: "obj://abc"})
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)
	assert.False(t, updated.LastModified.IsZero())
	assert.Contains(t, updated.Datasets, "train")
}

func TestStatusTransitionsRejectIllegalJump(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create("p1", map[string]any{}, "tmpl")
	require.NoError(t, err)

	_, err = s.Update("p1", func(cfg *Configuration) error {
		cfg.Status = StatusDeployed
		return nil
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeInternalInvariant))
}

func TestStatusTransitionsAllowForwardPath(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create("p1", map[string]any{}, "tmpl")
	require.NoError(t, err)

	_, err = s.Update("p1", func(cfg *Configuration) error {
		cfg.Status = StatusConfigured
		return nil
	})
	require.NoError(t, err)

	cfg, err := s.Update("p1", func(cfg *Configuration) error {
		cfg.Status = StatusDeploying
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, StatusDeploying, cfg.Status)
}

func TestUpdateRejectedWhileDeploying(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create("p1", map[string]any{}, "tmpl")
	require.NoError(t, err)
	_, err = s.Update("p1", func(cfg *Configuration) error { cfg.Status = StatusConfigured; return nil })
	require.NoError(t, err)
	_, err = s.Update("p1", func(cfg *Configuration) error { cfg.Status = StatusDeploying; return nil })
	require.NoError(t, err)

	_, err = s.AddDataset("p1", "train", Dataset{Role: DatasetRoleTraining})
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeConflict))
}

func TestFailedCanReturnToConfigured(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create("p1", map[string]any{}, "tmpl")
	require.NoError(t, err)
	_, err = s.Update("p1", func(cfg *Configuration) error { cfg.Status = StatusConfigured; return nil })
	require.NoError(t, err)
	_, err = s.Update("p1", func(cfg *Configuration) error { cfg.Status = StatusDeploying; return nil })
	require.NoError(t, err)
	_, err = s.Update("p1", func(cfg *Configuration) error { cfg.Status = StatusFailed; return nil })
	require.NoError(t, err)

	cfg, err := s.Update("p1", func(cfg *Configuration) error { cfg.Status = StatusConfigured; return nil })
	require.NoError(t, err)
	assert.Equal(t, StatusConfigured, cfg.Status)
}

func TestCanonicalJSONDeterministic(t *testing.T) {
	s := newTestStore(t)
	cfg, err := s.Create("p1", map[string]any{"b": 2, "a": 1}, "tmpl")
	require.NoError(t, err)

	j1, err := cfg.CanonicalJSON()
	require.NoError(t, err)
	j2, err := cfg.CanonicalJSON()
	require.NoError(t, err)
	assert.Equal(t, j1, j2)
}

func TestRehydrateRestoresActiveConfiguration(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer db.Close()

	s := New(db, eventbus.New(64))
	_, err = s.Create("p1", map[string]any{"name": "x"}, "tmpl")
	require.NoError(t, err)

	fresh := New(db, eventbus.New(64))
	require.NoError(t, fresh.Rehydrate([]string{"p1"}))

	cfg, err := fresh.Get("p1")
	require.NoError(t, err)
	assert.Equal(t, "p1", cfg.ProjectID)
}

func TestAdvanceFromDeployingRejectsUnlessDeploying(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create("p1", map[string]any{}, "tmpl")
	require.NoError(t, err)

	_, err = s.AdvanceFromDeploying("p1", StatusDeployed)
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeConflict))
}

func TestAdvanceFromDeployingSucceedsToDeployed(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create("p1", map[string]any{}, "tmpl")
	require.NoError(t, err)
	_, err = s.Update("p1", func(cfg *Configuration) error { cfg.Status = StatusConfigured; return nil })
	require.NoError(t, err)
	_, err = s.Update("p1", func(cfg *Configuration) error { cfg.Status = StatusDeploying; return nil })
	require.NoError(t, err)

	cfg, err := s.AdvanceFromDeploying("p1", StatusDeployed)
	require.NoError(t, err)
	assert.Equal(t, StatusDeployed, cfg.Status)
}

func TestSetContentIdentifiersPersists(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create("p1", map[string]any{}, "tmpl")
	require.NoError(t, err)

	cfg, err := s.SetContentIdentifiers("p1", ContentIdentifiers{Bundle: "cid-bundle"})
	require.NoError(t, err)
	assert.Equal(t, "cid-bundle", cfg.ContentIDs.Bundle)
}

func TestSubscribeReceivesChangeForProjectOnly(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create("p1", map[string]any{}, "tmpl")
	require.NoError(t, err)
	_, err = s.Create("p2", map[string]any{}, "tmpl")
	require.NoError(t, err)

	ch := s.Subscribe("p1")
	_, err = s.AddDataset("p2", "x", Dataset{})
	require.NoError(t, err)
	_, err = s.AddDataset("p1", "train", Dataset{Role: DatasetRoleTraining})
	require.NoError(t, err)

	cfg := <-ch
	assert.Equal(t, "p1", cfg.ProjectID)
	assert.Contains(t, cfg.Datasets, "train")
}
