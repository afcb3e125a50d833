package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-guildmirror/pkg/types"
	"github.com/rs/zerolog"
)

// EventTypeGuildRefreshed is the event_type attribute of refresh events.
const EventTypeGuildRefreshed = "guild.refreshed"

// RefreshEvent is the payload published after a refresh commits.
type RefreshEvent struct {
	EventID     string                `json:"event_id"`
	CycleID     string                `json:"cycle_id"`
	GuildID     string                `json:"guild_id"`
	GuildName   string                `json:"guild_name"`
	Forced      bool                  `json:"forced"`
	Cursor      int64                 `json:"cursor"`
	NewLogs     int                   `json:"new_logs"`
	LogKinds    map[types.LogKind]int `json:"log_kinds,omitempty"`
	CommittedAt time.Time             `json:"committed_at"`
}

// RefreshNotifier is a refresh sink publishing one RefreshEvent per commit.
type RefreshNotifier struct {
	publisher Publisher
	// OnlyWithNewLogs suppresses events for refreshes that merged no logs.
	onlyWithNewLogs bool
	logger          zerolog.Logger
}

// NewRefreshNotifier creates a RefreshNotifier.
func NewRefreshNotifier(p Publisher, onlyWithNewLogs bool, logger zerolog.Logger) *RefreshNotifier {
	return &RefreshNotifier{
		publisher:       p,
		onlyWithNewLogs: onlyWithNewLogs,
		logger:          logger.With().Str("component", "RefreshNotifier").Logger(),
	}
}

func (n *RefreshNotifier) Name() string { return "refresh-events" }

// HandleRefresh publishes the event for report.
func (n *RefreshNotifier) HandleRefresh(ctx context.Context, report types.RefreshReport) error {
	if n.onlyWithNewLogs && len(report.NewLogs) == 0 {
		return nil
	}
	ev := NewRefreshEvent(report)
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode refresh event: %w", err)
	}
	attrs := map[string]string{
		"event_type": EventTypeGuildRefreshed,
		"guild_id":   report.GuildID,
		"forced":     strconv.FormatBool(report.Forced),
	}
	if err := n.publisher.Publish(ctx, payload, attrs); err != nil {
		return err
	}
	n.logger.Debug().Str("event_id", ev.EventID).Str("guild_id", report.GuildID).Msg("Refresh event published.")
	return nil
}

// NewRefreshEvent summarises report.
func NewRefreshEvent(report types.RefreshReport) RefreshEvent {
	ev := RefreshEvent{
		EventID:     uuid.NewString(),
		CycleID:     report.CycleID,
		GuildID:     report.GuildID,
		GuildName:   report.GuildName,
		Forced:      report.Forced,
		Cursor:      report.Cursor,
		NewLogs:     len(report.NewLogs),
		CommittedAt: report.Committed,
	}
	if len(report.NewLogs) > 0 {
		ev.LogKinds = make(map[types.LogKind]int)
		for _, l := range report.NewLogs {
			ev.LogKinds[l.Type]++
		}
	}
	return ev
}
