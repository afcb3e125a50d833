// Package icestore archives newly merged guild logs to Cloud Storage as
// gzip-compressed JSON lines, one object per guild and day per flush.
package icestore

import (
	"path"
	"time"

	"github.com/illmade-knight/go-guildmirror/pkg/types"
)

// ArchivedLog is one log entry as written to the archive.
type ArchivedLog struct {
	GuildID    string         `json:"guild_id"`
	CycleID    string         `json:"cycle_id"`
	ArchivedAt time.Time      `json:"archived_at"`
	Entry      types.LogEntry `json:"entry"`
}

// BatchKey groups records by guild and the UTC day the entry was logged,
// e.g. "guild-id/2024/03/04".
func (a ArchivedLog) BatchKey() string {
	t := a.Entry.Time.UTC()
	if t.IsZero() {
		t = a.ArchivedAt.UTC()
	}
	return path.Join(a.GuildID, t.Format("2006/01/02"))
}

// FromReport converts the new logs of a committed refresh into records.
func FromReport(r types.RefreshReport, now time.Time) []ArchivedLog {
	out := make([]ArchivedLog, len(r.NewLogs))
	for i, l := range r.NewLogs {
		out[i] = ArchivedLog{GuildID: r.GuildID, CycleID: r.CycleID, ArchivedAt: now.UTC(), Entry: l}
	}
	return out
}
