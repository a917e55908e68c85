package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dalcore.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConfigurationLifecycle(t *testing.T) {
	s := openTestStore(t)

	version, err := s.NextConfigurationVersion("proj-a")
	require.NoError(t, err)
	assert.Equal(t, 1, version)

	id, err := s.InsertConfiguration("proj-a", version, `{"datasets":["d1"]}`)
	require.NoError(t, err)
	assert.Positive(t, id)

	active, err := s.GetActiveConfiguration("proj-a")
	require.NoError(t, err)
	assert.Nil(t, active)

	require.NoError(t, s.ActivateConfiguration("proj-a", version))

	active, err = s.GetActiveConfiguration("proj-a")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "active", active.State)
	assert.True(t, active.ActivatedAt.Valid)

	version2, err := s.NextConfigurationVersion("proj-a")
	require.NoError(t, err)
	assert.Equal(t, 2, version2)

	_, err = s.InsertConfiguration("proj-a", version2, `{"datasets":["d1","d2"]}`)
	require.NoError(t, err)
	require.NoError(t, s.ActivateConfiguration("proj-a", version2))

	superseded, err := s.GetConfigurationVersion("proj-a", version)
	require.NoError(t, err)
	require.NotNil(t, superseded)
	assert.Equal(t, "superseded", superseded.State)

	versions, err := s.ListConfigurationVersions("proj-a")
	require.NoError(t, err)
	assert.Len(t, versions, 2)
	assert.Equal(t, 2, versions[0].Version)
}

func TestActivateConfigurationMissingVersion(t *testing.T) {
	s := openTestStore(t)
	err := s.ActivateConfiguration("proj-a", 99)
	require.Error(t, err)
}

func TestDeploymentIntentIsIdempotent(t *testing.T) {
	s := openTestStore(t)

	first, err := s.InsertDeploymentIntent("proj-a", "key-1")
	require.NoError(t, err)
	assert.Equal(t, "pending", first.State)

	second, err := s.InsertDeploymentIntent("proj-a", "key-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestDeploymentIntentRequiresIdempotencyKey(t *testing.T) {
	s := openTestStore(t)
	_, err := s.InsertDeploymentIntent("proj-a", "")
	assert.Error(t, err)
}

func TestAdvanceDeploymentIntent(t *testing.T) {
	s := openTestStore(t)

	intent, err := s.InsertDeploymentIntent("proj-a", "key-2")
	require.NoError(t, err)

	require.NoError(t, s.AdvanceDeploymentIntent(intent.ID, "bundling", ""))
	require.NoError(t, s.AdvanceDeploymentIntent(intent.ID, "publishing", "bafy123"))

	updated, err := s.GetDeploymentIntent(intent.ID)
	require.NoError(t, err)
	assert.Equal(t, "publishing", updated.State)
	assert.Equal(t, "bafy123", updated.BundleDigest)
	assert.Equal(t, 2, updated.Attempts)
}

func TestFailDeploymentIntent(t *testing.T) {
	s := openTestStore(t)

	intent, err := s.InsertDeploymentIntent("proj-a", "key-3")
	require.NoError(t, err)

	require.NoError(t, s.FailDeploymentIntent(intent.ID, "gateway unreachable"))

	updated, err := s.GetDeploymentIntent(intent.ID)
	require.NoError(t, err)
	assert.Equal(t, "failed", updated.State)
	assert.Equal(t, "gateway unreachable", updated.LastError)
}

func TestIterationCheckpointRoundTrip(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.UpsertIterationCheckpoint("proj-a", 1, "training", "wf-1", `{"progress":0.5}`))

	checkpoint, err := s.GetIterationCheckpoint("proj-a", 1)
	require.NoError(t, err)
	require.NotNil(t, checkpoint)
	assert.Equal(t, "training", checkpoint.Phase)

	require.NoError(t, s.UpsertIterationCheckpoint("proj-a", 1, "querying", "wf-1", `{"progress":1.0}`))

	checkpoint, err = s.GetIterationCheckpoint("proj-a", 1)
	require.NoError(t, err)
	assert.Equal(t, "querying", checkpoint.Phase)

	round, err := s.GetLatestIterationRound("proj-a")
	require.NoError(t, err)
	assert.Equal(t, 1, round)
}

func TestIterationCheckpointMissingReturnsNil(t *testing.T) {
	s := openTestStore(t)
	checkpoint, err := s.GetIterationCheckpoint("proj-a", 5)
	require.NoError(t, err)
	assert.Nil(t, checkpoint)
}

func TestExportRecordLifecycle(t *testing.T) {
	s := openTestStore(t)

	id, err := s.InsertExportRecord("proj-a", 3, "ml-service:proj-a:3")
	require.NoError(t, err)

	require.NoError(t, s.CompleteExportRecord(id, "sha256:abc", `[{"original_index":0}]`))

	record, err := s.GetLatestExportRecord("proj-a", 3)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "written", record.State)
	assert.Equal(t, "sha256:abc", record.Checksum)
	assert.Equal(t, `[{"original_index":0}]`, record.Payload)
}

func TestExportRecordFailure(t *testing.T) {
	s := openTestStore(t)

	id, err := s.InsertExportRecord("proj-a", 4, "/tmp/proj-a/round-4.json")
	require.NoError(t, err)
	require.NoError(t, s.FailExportRecord(id))

	record, err := s.GetLatestExportRecord("proj-a", 4)
	require.NoError(t, err)
	assert.Equal(t, "failed", record.State)
}

func TestEventLogAppendAndRecent(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.AppendEventLog("deployment.confirmed", "proj-a", `{"round":1}`))
	require.NoError(t, s.AppendEventLog("deployment.confirmed", "proj-b", `{"round":2}`))

	events, err := s.GetRecentEvents("deployment.confirmed", 24)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}
