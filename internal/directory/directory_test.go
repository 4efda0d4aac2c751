package directory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t77yq/casewatch/internal/config"
	"github.com/t77yq/casewatch/internal/model"
)

func TestStatic(t *testing.T) {
	d := NewStatic(config.DirectoryConfig{
		Users: []config.UserEntry{
			{ID: "u1", Email: "u1@example.com", Phone: "+15550001"},
			{ID: "u2", Chat: "@u2"},
		},
		Teams: []config.TeamEntry{
			{ID: "oncall", Members: []string{"u1", "u2"}},
			{ID: "empty"},
		},
	})
	ctx := context.Background()

	members, err := d.ResolveTeamMembers(ctx, "oncall")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, members)

	_, err = d.ResolveTeamMembers(ctx, "empty")
	assert.ErrorIs(t, err, ErrNoMembers)
	_, err = d.ResolveTeamMembers(ctx, "ghosts")
	assert.ErrorIs(t, err, ErrNoMembers)

	addr, err := d.ResolveUserContact(ctx, "u1", model.ChannelSMS)
	require.NoError(t, err)
	assert.Equal(t, "+15550001", addr)

	_, err = d.ResolveUserContact(ctx, "u2", model.ChannelEmail)
	assert.ErrorIs(t, err, ErrNoContact)
	_, err = d.ResolveUserContact(ctx, "nobody", model.ChannelEmail)
	assert.ErrorIs(t, err, ErrNoContact)
}
