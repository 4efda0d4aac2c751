// Package dispatcher turns case events into queued notifications.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/casewatch/internal/directory"
	"github.com/t77yq/casewatch/internal/metrics"
	"github.com/t77yq/casewatch/internal/model"
)

// Store is the persistence the dispatcher needs
type Store interface {
	GetCase(ctx context.Context, id int64) (*model.Case, error)
	InsertNotification(ctx context.Context, n *model.Notification) (bool, error)
}

// Options configures which channels each event notifies on
type Options struct {
	Channels        map[model.EventType][]model.Channel
	DefaultChannels []model.Channel
	MaxRetries      int
}

// ChannelsFromConfig converts the notifications.channels table. Keys are matched
// case-insensitively because config keys arrive lower-cased.
func ChannelsFromConfig(table map[string][]string) (map[model.EventType][]model.Channel, error) {
	out := make(map[model.EventType][]model.Channel, len(table))
	for key, names := range table {
		eventType := model.EventType(strings.ToUpper(key))
		for _, name := range names {
			ch, ok := model.ParseChannel(name)
			if !ok {
				return nil, fmt.Errorf("unknown channel %q for %s", name, eventType)
			}
			out[eventType] = append(out[eventType], ch)
		}
	}
	return out, nil
}

// Dispatcher creates PENDING notifications for case events
type Dispatcher struct {
	logger    *zap.Logger
	store     Store
	directory directory.Directory
	opts      Options
	templates map[model.NotificationType]messageTemplate
	now       func() time.Time
}

// New creates a dispatcher
func New(logger *zap.Logger, store Store, dir directory.Directory, opts Options) (*Dispatcher, error) {
	templates, err := parseTemplates()
	if err != nil {
		return nil, err
	}
	if len(opts.DefaultChannels) == 0 {
		opts.DefaultChannels = []model.Channel{model.ChannelEmail}
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = model.DefaultMaxRetries
	}
	return &Dispatcher{
		logger:    logger.Named("dispatcher"),
		store:     store,
		directory: dir,
		opts:      opts,
		templates: templates,
		now:       time.Now,
	}, nil
}

// WithClock replaces the time source
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// Dispatch resolves the recipients of event and queues one notification per recipient and
// channel. All notifications share the event id as correlation id, so dispatching the same
// event again creates nothing new. Recipients that cannot be resolved are skipped.
func (d *Dispatcher) Dispatch(ctx context.Context, event *model.CaseEvent) ([]*model.Notification, error) {
	kase, err := d.store.GetCase(ctx, event.CaseID)
	if err != nil {
		return nil, fmt.Errorf("failed to load case %d: %w", event.CaseID, err)
	}

	targets := kase.Assignment
	if event.Type == model.EventCaseAssigned {
		targets = model.Assignment{UserIDs: event.AddedUserIDs, TeamIDs: event.AddedTeamIDs}.Normalize()
	}
	recipients := d.resolveRecipients(ctx, targets)
	if len(recipients) == 0 {
		d.logger.Debug("No recipients for event",
			zap.String("event_id", event.ID),
			zap.String("type", string(event.Type)),
			zap.Int64("case_id", kase.ID))
		return nil, nil
	}

	tmpl, ok := d.templates[event.Type.NotificationType()]
	if !ok {
		return nil, fmt.Errorf("no template for %s", event.Type)
	}

	batchID := uuid.NewString()
	now := d.now().UTC()
	var created []*model.Notification

	for _, userID := range recipients {
		for _, channel := range d.channelsFor(event.Type) {
			address, err := d.directory.ResolveUserContact(ctx, userID, channel)
			if err != nil {
				metrics.RecipientsSkippedTotal.WithLabelValues("contact").Inc()
				d.logger.Warn("Skipping recipient without contact",
					zap.String("user_id", userID),
					zap.String("channel", string(channel)),
					zap.Error(err))
				continue
			}

			vars := templateVariables(kase, event, userID)
			subject, message, err := tmpl.render(vars)
			if err != nil {
				return created, err
			}

			n := &model.Notification{
				CaseID:            &kase.ID,
				Recipient:         userID,
				Address:           address,
				NotificationType:  event.Type.NotificationType(),
				Channel:           channel,
				Priority:          kase.Priority,
				Subject:           subject,
				Message:           message,
				TemplateID:        string(event.Type.NotificationType()),
				TemplateVariables: vars,
				MaxRetries:        d.opts.MaxRetries,
				TrackingID:        uuid.NewString(),
				CorrelationID:     event.ID,
				BatchID:           batchID,
				CreatedAt:         now,
			}
			inserted, err := d.store.InsertNotification(ctx, n)
			if err != nil {
				return created, fmt.Errorf("failed to queue notification: %w", err)
			}
			if !inserted {
				continue
			}
			metrics.NotificationsCreatedTotal.WithLabelValues(string(channel)).Inc()
			created = append(created, n)
		}
	}

	d.logger.Info("Event dispatched",
		zap.String("event_id", event.ID),
		zap.String("type", string(event.Type)),
		zap.Int64("case_id", kase.ID),
		zap.Int("recipients", len(recipients)),
		zap.Int("notifications", len(created)))
	return created, nil
}

// resolveRecipients expands teams into members. Users come first, team members are
// deduplicated against everyone resolved so far.
func (d *Dispatcher) resolveRecipients(ctx context.Context, targets model.Assignment) []string {
	seen := make(map[string]bool)
	var recipients []string
	add := func(userID string) {
		if userID == "" || seen[userID] {
			return
		}
		seen[userID] = true
		recipients = append(recipients, userID)
	}

	for _, userID := range targets.UserIDs {
		add(userID)
	}
	for _, teamID := range targets.TeamIDs {
		members, err := d.directory.ResolveTeamMembers(ctx, teamID)
		if err != nil {
			reason := "team"
			if !errors.Is(err, directory.ErrNoMembers) {
				reason = "directory"
			}
			metrics.RecipientsSkippedTotal.WithLabelValues(reason).Inc()
			d.logger.Warn("Skipping team",
				zap.String("team_id", teamID),
				zap.Error(err))
			continue
		}
		for _, userID := range members {
			add(userID)
		}
	}
	return recipients
}

func (d *Dispatcher) channelsFor(t model.EventType) []model.Channel {
	if channels, ok := d.opts.Channels[t]; ok && len(channels) > 0 {
		return channels
	}
	return d.opts.DefaultChannels
}

func templateVariables(c *model.Case, e *model.CaseEvent, recipient string) map[string]string {
	return map[string]string{
		"caseId":      strconv.FormatInt(c.ID, 10),
		"title":       c.Title,
		"description": c.Description,
		"status":      string(c.Status),
		"priority":    strconv.Itoa(int(c.Priority)),
		"severity":    string(c.Severity),
		"slaDeadline": c.SLADeadline.Format(time.RFC3339),
		"oldStatus":   string(e.OldStatus),
		"newStatus":   string(e.NewStatus),
		"reason":      e.Reason,
		"eventType":   string(e.Type),
		"recipient":   recipient,
	}
}
