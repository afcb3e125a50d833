package lottery

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"github.com/illmade-knight/go-guildmirror/pkg/types"
)

// StashSink accrues lottery entries for the coin deposits among the newly
// merged logs of a refresh.
type StashSink struct {
	svc *Service
}

// NewStashSink creates a StashSink over svc.
func NewStashSink(svc *Service) *StashSink {
	return &StashSink{svc: svc}
}

func (s *StashSink) Name() string { return "lottery" }

// HandleRefresh accrues every deposit in report. Failures are collected so
// one bad entry does not block the rest.
func (s *StashSink) HandleRefresh(ctx context.Context, report types.RefreshReport) error {
	var result *multierror.Error
	for _, l := range report.NewLogs {
		d, ok := l.Detail.(types.StashDetail)
		if !ok || d.Operation != "deposit" || d.Coins <= 0 || l.User == "" {
			continue
		}
		if _, _, err := s.svc.Accrue(ctx, report.GuildID, l.User, d.Coins); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
