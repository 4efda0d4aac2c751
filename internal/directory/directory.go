// Package directory resolves teams to members and users to channel addresses.
package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/t77yq/casewatch/internal/config"
	"github.com/t77yq/casewatch/internal/model"
)

var (
	// ErrNoMembers is returned for unknown or empty teams
	ErrNoMembers = errors.New("team has no members")

	// ErrNoContact is returned when a user has no address on a channel
	ErrNoContact = errors.New("no contact for channel")
)

// Directory is the recipient directory consumed by the dispatcher
type Directory interface {
	ResolveTeamMembers(ctx context.Context, teamID string) ([]string, error)
	ResolveUserContact(ctx context.Context, userID string, channel model.Channel) (string, error)
}

// Static is a Directory loaded from configuration
type Static struct {
	contacts map[string]map[model.Channel]string
	teams    map[string][]string
}

// NewStatic builds a directory from the configured users and teams
func NewStatic(cfg config.DirectoryConfig) *Static {
	d := &Static{
		contacts: make(map[string]map[model.Channel]string, len(cfg.Users)),
		teams:    make(map[string][]string, len(cfg.Teams)),
	}
	for _, u := range cfg.Users {
		contacts := make(map[model.Channel]string)
		for ch, addr := range map[model.Channel]string{
			model.ChannelEmail:   u.Email,
			model.ChannelSMS:     u.Phone,
			model.ChannelChat:    u.Chat,
			model.ChannelWebhook: u.Webhook,
		} {
			if addr != "" {
				contacts[ch] = addr
			}
		}
		d.contacts[u.ID] = contacts
	}
	for _, t := range cfg.Teams {
		d.teams[t.ID] = append([]string(nil), t.Members...)
	}
	return d
}

// ResolveTeamMembers returns the members of a team
func (d *Static) ResolveTeamMembers(_ context.Context, teamID string) ([]string, error) {
	members := d.teams[teamID]
	if len(members) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoMembers, teamID)
	}
	return append([]string(nil), members...), nil
}

// ResolveUserContact returns the address of a user on a channel
func (d *Static) ResolveUserContact(_ context.Context, userID string, channel model.Channel) (string, error) {
	addr, ok := d.contacts[userID][channel]
	if !ok {
		return "", fmt.Errorf("%w: user %s on %s", ErrNoContact, userID, channel)
	}
	return addr, nil
}
