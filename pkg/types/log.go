package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// LogKind is the remote "type" discriminator of a guild log entry.
type LogKind string

const (
	LogKick          LogKind = "kick"
	LogInvite        LogKind = "invited"
	LogInviteDecline LogKind = "invite_declined"
	LogJoin          LogKind = "joined"
	LogRankChange    LogKind = "rank_change"
	LogStash         LogKind = "stash"
	LogTreasury      LogKind = "treasury"
	LogMotd          LogKind = "motd"
	LogUpgrade       LogKind = "upgrade"
	LogInfluence     LogKind = "influence"
	LogMission       LogKind = "mission"
)

// LogDetail is the type-specific part of a log entry. The set of
// implementations is closed; anything the decoder does not recognise becomes
// an UnrecognizedDetail.
type LogDetail interface {
	Kind() LogKind
}

// LogEntry is an immutable guild log record identified by its remote id.
type LogEntry struct {
	ID     int64
	Time   time.Time
	Type   LogKind
	User   string
	Detail LogDetail
}

type KickDetail struct {
	KickedBy string `json:"kicked_by"`
}

type InviteDetail struct {
	InvitedBy string `json:"invited_by"`
}

type InviteDeclineDetail struct {
	DeclinedBy string `json:"declined_by,omitempty"`
}

type JoinDetail struct{}

type RankChangeDetail struct {
	ChangedBy string `json:"changed_by,omitempty"`
	OldRank   string `json:"old_rank"`
	NewRank   string `json:"new_rank"`
}

// StashDetail records a deposit, withdrawal or move in the guild stash. Coins
// are in copper.
type StashDetail struct {
	Operation string `json:"operation"`
	ItemID    int    `json:"item_id,omitempty"`
	Count     int    `json:"count"`
	Coins     int64  `json:"coins"`
	ItemName  string `json:"item_name,omitempty"`
}

type TreasuryDetail struct {
	ItemID   int    `json:"item_id"`
	Count    int    `json:"count"`
	ItemName string `json:"item_name,omitempty"`
}

type MotdDetail struct {
	MOTD string `json:"motd"`
}

type UpgradeDetail struct {
	Action      string `json:"action"`
	UpgradeID   *int   `json:"upgrade_id,omitempty"`
	ItemID      *int   `json:"item_id,omitempty"`
	RecipeID    *int   `json:"recipe_id,omitempty"`
	Count       *int   `json:"count,omitempty"`
	UpgradeName string `json:"upgrade_name,omitempty"`
}

type InfluenceDetail struct {
	Activity          string   `json:"activity"`
	TotalParticipants int      `json:"total_participants"`
	Participants      []string `json:"participants,omitempty"`
}

type MissionDetail struct {
	State     string `json:"state"`
	Influence *int   `json:"influence,omitempty"`
}

// UnrecognizedDetail keeps the raw entry for log types this build does not know.
type UnrecognizedDetail struct {
	RawType string
	Raw     json.RawMessage
}

func (KickDetail) Kind() LogKind          { return LogKick }
func (InviteDetail) Kind() LogKind        { return LogInvite }
func (InviteDeclineDetail) Kind() LogKind { return LogInviteDecline }
func (JoinDetail) Kind() LogKind          { return LogJoin }
func (RankChangeDetail) Kind() LogKind    { return LogRankChange }
func (StashDetail) Kind() LogKind         { return LogStash }
func (TreasuryDetail) Kind() LogKind      { return LogTreasury }
func (MotdDetail) Kind() LogKind          { return LogMotd }
func (UpgradeDetail) Kind() LogKind       { return LogUpgrade }
func (InfluenceDetail) Kind() LogKind     { return LogInfluence }
func (MissionDetail) Kind() LogKind       { return LogMission }
func (d UnrecognizedDetail) Kind() LogKind {
	return LogKind(d.RawType)
}

// ItemReference is implemented by details that point at an item whose name
// can be filled in locally.
type ItemReference interface {
	LogDetail
	ReferencedItem() (int, bool)
	// ResolvedName is the item name already filled in, if any.
	ResolvedName() string
	WithItemName(name string) LogDetail
}

func (d StashDetail) ReferencedItem() (int, bool) { return d.ItemID, d.ItemID != 0 }
func (d StashDetail) ResolvedName() string        { return d.ItemName }
func (d StashDetail) WithItemName(name string) LogDetail {
	d.ItemName = name
	return d
}

func (d TreasuryDetail) ReferencedItem() (int, bool) { return d.ItemID, d.ItemID != 0 }
func (d TreasuryDetail) ResolvedName() string        { return d.ItemName }
func (d TreasuryDetail) WithItemName(name string) LogDetail {
	d.ItemName = name
	return d
}

func (d UpgradeDetail) ReferencedItem() (int, bool) {
	if d.ItemID == nil {
		return 0, false
	}
	return *d.ItemID, true
}
func (d UpgradeDetail) ResolvedName() string { return d.UpgradeName }
func (d UpgradeDetail) WithItemName(name string) LogDetail {
	d.UpgradeName = name
	return d
}

// logDetailFactories maps the remote type string to a variant constructor.
var logDetailFactories = map[LogKind]func() LogDetail{
	LogKick:          func() LogDetail { return &KickDetail{} },
	LogInvite:        func() LogDetail { return &InviteDetail{} },
	LogInviteDecline: func() LogDetail { return &InviteDeclineDetail{} },
	LogJoin:          func() LogDetail { return &JoinDetail{} },
	LogRankChange:    func() LogDetail { return &RankChangeDetail{} },
	LogStash:         func() LogDetail { return &StashDetail{} },
	LogTreasury:      func() LogDetail { return &TreasuryDetail{} },
	LogMotd:          func() LogDetail { return &MotdDetail{} },
	LogUpgrade:       func() LogDetail { return &UpgradeDetail{} },
	LogInfluence:     func() LogDetail { return &InfluenceDetail{} },
	LogMission:       func() LogDetail { return &MissionDetail{} },
}

// IsKnownLogKind reports whether kind maps to a concrete detail variant.
func IsKnownLogKind(kind LogKind) bool {
	_, ok := logDetailFactories[kind]
	return ok
}

type logHeader struct {
	ID   int64     `json:"id"`
	Time time.Time `json:"time"`
	Type LogKind   `json:"type"`
	User string    `json:"user,omitempty"`
}

var errMissingLogID = errors.New("log entry has no id")

// DecodeLogEntry decodes one remote log record. Only a malformed header is an
// error; an unknown type, or a known type whose fields do not decode, yields
// an UnrecognizedDetail.
func DecodeLogEntry(raw []byte) (LogEntry, error) {
	var h logHeader
	if err := json.Unmarshal(raw, &h); err != nil {
		return LogEntry{}, fmt.Errorf("decode log header: %w", err)
	}
	if h.ID == 0 {
		return LogEntry{}, errMissingLogID
	}
	entry := LogEntry{ID: h.ID, Time: h.Time.UTC(), Type: h.Type, User: h.User}

	unrecognized := UnrecognizedDetail{RawType: string(h.Type), Raw: append(json.RawMessage(nil), raw...)}
	factory, ok := logDetailFactories[h.Type]
	if !ok {
		entry.Detail = unrecognized
		return entry, nil
	}
	detail := factory()
	if err := json.Unmarshal(raw, detail); err != nil {
		entry.Detail = unrecognized
		return entry, nil
	}
	entry.Detail = deref(detail)
	return entry, nil
}

func deref(d LogDetail) LogDetail {
	switch v := d.(type) {
	case *KickDetail:
		return *v
	case *InviteDetail:
		return *v
	case *InviteDeclineDetail:
		return *v
	case *JoinDetail:
		return *v
	case *RankChangeDetail:
		return *v
	case *StashDetail:
		return *v
	case *TreasuryDetail:
		return *v
	case *MotdDetail:
		return *v
	case *UpgradeDetail:
		return *v
	case *InfluenceDetail:
		return *v
	case *MissionDetail:
		return *v
	}
	return d
}

// UnmarshalJSON decodes the flat remote representation.
func (e *LogEntry) UnmarshalJSON(data []byte) error {
	decoded, err := DecodeLogEntry(data)
	if err != nil {
		return err
	}
	*e = decoded
	return nil
}

// MarshalJSON produces the same flat shape the remote API uses, so stored
// entries round-trip through DecodeLogEntry.
func (e LogEntry) MarshalJSON() ([]byte, error) {
	fields := make(map[string]json.RawMessage)
	switch d := e.Detail.(type) {
	case nil:
	case UnrecognizedDetail:
		if len(d.Raw) > 0 {
			if err := json.Unmarshal(d.Raw, &fields); err != nil {
				return nil, fmt.Errorf("encode unrecognized log %d: %w", e.ID, err)
			}
		}
	default:
		b, err := json.Marshal(d)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(b, &fields); err != nil {
			return nil, err
		}
	}
	header, err := json.Marshal(logHeader{ID: e.ID, Time: e.Time, Type: e.Type, User: e.User})
	if err != nil {
		return nil, err
	}
	var h map[string]json.RawMessage
	if err := json.Unmarshal(header, &h); err != nil {
		return nil, err
	}
	for k, v := range h {
		fields[k] = v
	}
	if e.User == "" {
		delete(fields, "user")
	}
	return json.Marshal(fields)
}
