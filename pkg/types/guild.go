// Package types holds the domain model shared by the mirror's components.
package types

import (
	"strconv"
	"time"
)

// Guild is the locally stored projection of a remote guild. LastLogID is the
// cursor used to request only log entries newer than those already stored.
type Guild struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Tag       string  `json:"tag"`
	Level     int     `json:"level"`
	MOTD      string  `json:"motd,omitempty"`
	Influence int     `json:"influence"`
	Aetherium int     `json:"aetherium"`
	Resonance int     `json:"resonance"`
	Favor     int     `json:"favor"`
	Emblem    *Emblem `json:"emblem,omitempty"`

	LastLogID   int64     `json:"last_log_id"`
	LastUpdated time.Time `json:"last_updated"`
}

// Emblem describes a guild's emblem as returned by the remote API.
type Emblem struct {
	Background EmblemLayer `json:"background"`
	Foreground EmblemLayer `json:"foreground"`
	Flags      []string    `json:"flags"`
}

// EmblemLayer is one layer of an emblem.
type EmblemLayer struct {
	ID     int   `json:"id"`
	Colors []int `json:"colors"`
}

// Child is implemented by every entity stored in a guild's child collections.
// ChildKey returns the natural key of the entity, unique within its guild.
type Child interface {
	ChildKey() string
}

// Rank is a guild rank. Ranks are fully replaced on each sync.
type Rank struct {
	ID          string   `json:"id"`
	Order       int      `json:"order"`
	Permissions []string `json:"permissions"`
	Icon        string   `json:"icon,omitempty"`
}

func (r Rank) ChildKey() string { return r.ID }

// Member is an account's membership of a guild. Members are fully replaced on
// each sync; the natural key is the account name scoped to the guild.
type Member struct {
	Name      string     `json:"name"`
	Rank      string     `json:"rank"`
	Joined    *time.Time `json:"joined,omitempty"`
	WvWMember bool       `json:"wvw_member"`
}

func (m Member) ChildKey() string { return m.Name }

func (e LogEntry) ChildKey() string { return strconv.FormatInt(e.ID, 10) }

// GuildPayload is the composed result of one upstream guild fetch: core
// attributes plus the three child collections.
type GuildPayload struct {
	Guild   Guild
	Ranks   []Rank
	Members []Member
	Logs    []LogEntry
}

// RefreshStatus describes the refresh state of one guild.
type RefreshStatus struct {
	InProgress  bool      `json:"in_progress"`
	LastAttempt time.Time `json:"last_attempt,omitempty"`
	LastSuccess time.Time `json:"last_success,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

// RefreshReport is handed to post-commit sinks after a refresh commits.
type RefreshReport struct {
	CycleID   string     `json:"cycle_id"`
	GuildID   string     `json:"guild_id"`
	GuildName string     `json:"guild_name"`
	Forced    bool       `json:"forced"`
	Cursor    int64      `json:"cursor"`
	NewLogs   []LogEntry `json:"new_logs"`
	Committed time.Time  `json:"committed"`
}
