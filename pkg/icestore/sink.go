package icestore

import (
	"context"

	"github.com/benbjohnson/clock"
	"github.com/illmade-knight/go-guildmirror/pkg/types"
)

// ArchiveSink queues the new logs of every committed refresh for archiving.
type ArchiveSink struct {
	batcher *Batcher
	clock   clock.Clock
}

// NewArchiveSink creates a sink feeding b.
func NewArchiveSink(b *Batcher) *ArchiveSink {
	return &ArchiveSink{batcher: b, clock: b.clock}
}

func (s *ArchiveSink) Name() string { return "log-archive" }

// HandleRefresh queues report.NewLogs. Reports without new logs are ignored.
func (s *ArchiveSink) HandleRefresh(ctx context.Context, report types.RefreshReport) error {
	return s.batcher.Add(ctx, FromReport(report, s.clock.Now()))
}
