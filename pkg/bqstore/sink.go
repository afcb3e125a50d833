package bqstore

import (
	"context"

	"github.com/illmade-knight/go-guildmirror/pkg/types"
)

// LedgerSink queues the ledger movements of each refresh for BigQuery.
type LedgerSink struct {
	batcher *BatchInserter[LedgerRow]
}

// NewLedgerSink creates a LedgerSink feeding b.
func NewLedgerSink(b *BatchInserter[LedgerRow]) *LedgerSink {
	return &LedgerSink{batcher: b}
}

func (s *LedgerSink) Name() string { return "ledger-analytics" }

func (s *LedgerSink) HandleRefresh(ctx context.Context, report types.RefreshReport) error {
	return s.batcher.Add(ctx, RowsFromReport(report))
}
