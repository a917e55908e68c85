package identity

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	calls int
	m     Membership
	err   error
}

func (f *fakeSource) GetMembership(projectID string) (Membership, error) {
	f.calls++
	if f.err != nil {
		return Membership{}, f.err
	}
	return f.m, nil
}

func TestResolveRoleCoordinator(t *testing.T) {
	src := &fakeSource{m: Membership{Creator: "alice"}}
	r := New(src, time.Minute)

	role, err := r.ResolveRole("p1", "alice")
	require.NoError(t, err)
	assert.Equal(t, RoleCoordinator, role)
}

func TestResolveRoleContributor(t *testing.T) {
	src := &fakeSource{m: Membership{
		Creator:      "alice",
		Participants: []Participant{{Identity: "bob", Role: RoleContributor}},
	}}
	r := New(src, time.Minute)

	role, err := r.ResolveRole("p1", "bob")
	require.NoError(t, err)
	assert.Equal(t, RoleContributor, role)
}

func TestResolveRoleObserverDefault(t *testing.T) {
	src := &fakeSource{m: Membership{Creator: "alice"}}
	r := New(src, time.Minute)

	role, err := r.ResolveRole("p1", "stranger")
	require.NoError(t, err)
	assert.Equal(t, RoleObserver, role)
}

func TestResolveRoleExplicitObserverParticipant(t *testing.T) {
	src := &fakeSource{m: Membership{
		Creator:      "alice",
		Participants: []Participant{{Identity: "carol", Role: RoleObserver}},
	}}
	r := New(src, time.Minute)

	role, err := r.ResolveRole("p1", "carol")
	require.NoError(t, err)
	assert.Equal(t, RoleObserver, role)
}

func TestResolveRoleCachesWithinTTL(t *testing.T) {
	src := &fakeSource{m: Membership{Creator: "alice"}}
	r := New(src, 50*time.Millisecond)

	_, err := r.ResolveRole("p1", "alice")
	require.NoError(t, err)
	_, err = r.ResolveRole("p1", "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, src.calls)

	time.Sleep(75 * time.Millisecond)
	_, err = r.ResolveRole("p1", "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls)
}

func TestInvalidateForcesReread(t *testing.T) {
	src := &fakeSource{m: Membership{Creator: "alice"}}
	r := New(src, time.Minute)

	_, err := r.ResolveRole("p1", "alice")
	require.NoError(t, err)
	r.Invalidate("p1")
	_, err = r.ResolveRole("p1", "alice")
	require.NoError(t, err)

	assert.Equal(t, 2, src.calls)
}

func TestResolveRolePropagatesSourceError(t *testing.T) {
	src := &fakeSource{err: fmt.Errorf("node unreachable")}
	r := New(src, time.Minute)

	_, err := r.ResolveRole("p1", "alice")
	assert.Error(t, err)
}

func TestIsCoordinator(t *testing.T) {
	src := &fakeSource{m: Membership{Creator: "alice"}}
	r := New(src, time.Minute)

	ok, err := r.IsCoordinator("p1", "alice")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.IsCoordinator("p1", "bob")
	require.NoError(t, err)
	assert.False(t, ok)
}
