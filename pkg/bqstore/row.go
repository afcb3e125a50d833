package bqstore

import (
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/illmade-knight/go-guildmirror/pkg/types"
)

// LedgerRow is one stash, treasury or upgrade movement. Item fields are null
// for coin-only movements.
type LedgerRow struct {
	GuildID   string              `bigquery:"guild_id"`
	CycleID   string              `bigquery:"cycle_id"`
	LogID     int64               `bigquery:"log_id"`
	LoggedAt  time.Time           `bigquery:"logged_at"`
	Kind      string              `bigquery:"kind"`
	Account   string              `bigquery:"account"`
	Operation string              `bigquery:"operation"`
	ItemID    bigquery.NullInt64  `bigquery:"item_id"`
	ItemName  bigquery.NullString `bigquery:"item_name"`
	Count     int64               `bigquery:"count"`
	Coins     int64               `bigquery:"coins"`
}

// RowsFromReport picks the ledger movements out of the new logs of a refresh.
func RowsFromReport(r types.RefreshReport) []*LedgerRow {
	var rows []*LedgerRow
	for _, l := range r.NewLogs {
		row := &LedgerRow{
			GuildID:  r.GuildID,
			CycleID:  r.CycleID,
			LogID:    l.ID,
			LoggedAt: l.Time.UTC(),
			Kind:     string(l.Type),
			Account:  l.User,
		}
		switch d := l.Detail.(type) {
		case types.StashDetail:
			row.Operation = d.Operation
			row.ItemID = nullItem(d.ItemID)
			row.ItemName = nullName(d.ItemName)
			row.Count = int64(d.Count)
			row.Coins = d.Coins
		case types.TreasuryDetail:
			row.Operation = "deposit"
			row.ItemID = nullItem(d.ItemID)
			row.ItemName = nullName(d.ItemName)
			row.Count = int64(d.Count)
		case types.UpgradeDetail:
			row.Operation = d.Action
			if d.ItemID != nil {
				row.ItemID = nullItem(*d.ItemID)
			}
			row.ItemName = nullName(d.UpgradeName)
			if d.Count != nil {
				row.Count = int64(*d.Count)
			}
		default:
			continue
		}
		rows = append(rows, row)
	}
	return rows
}

func nullItem(id int) bigquery.NullInt64 {
	return bigquery.NullInt64{Int64: int64(id), Valid: id != 0}
}

func nullName(name string) bigquery.NullString {
	return bigquery.NullString{StringVal: name, Valid: name != ""}
}
