package model

import (
	"net/netip"
	"strings"
	"time"
)

type VisitorEvent struct {
	IP        string            `json:"ip"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Source    string            `json:"source,omitempty"`
}

// Verdict is one detector's opinion about one visitor event.
type Verdict struct {
	Detector string         `json:"detector"`
	Blocked  bool           `json:"blocked"`
	Reason   string         `json:"reason,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
}

// NoOpinion is the verdict a detector returns when it cannot evaluate.
func NoOpinion(detector string, err error) Verdict {
	v := Verdict{Detector: detector}
	if err != nil {
		v.Details = map[string]any{"error": err.Error()}
	}
	return v
}

func (v Verdict) Err() string {
	if v.Details == nil {
		return ""
	}
	if s, ok := v.Details["error"].(string); ok {
		return s
	}
	return ""
}

type Decision struct {
	Blocked     bool      `json:"blocked"`
	Whitelisted bool      `json:"whitelisted,omitempty"`
	Trigger     string    `json:"trigger,omitempty"`
	Verdicts    []Verdict `json:"verdicts"`
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// Merge folds verdicts in evaluation order into a decision. The first
// blocking verdict is the trigger.
func Merge(verdicts []Verdict, whitelisted bool) Decision {
	d := Decision{Whitelisted: whitelisted, Verdicts: verdicts}
	if whitelisted {
		return d
	}
	for _, v := range verdicts {
		if v.Blocked {
			d.Blocked = true
			d.Trigger = v.Detector
			break
		}
	}
	return d
}

type MatchType string

const (
	MatchIP  MatchType = "ip"
	MatchKey MatchType = "key"
)

type BlockKind string

const (
	BlockPermanent BlockKind = "permanent"
	BlockTemporary BlockKind = "temporary"
)

func ParseBlockKind(s string) (BlockKind, bool) {
	switch BlockKind(strings.ToLower(strings.TrimSpace(s))) {
	case BlockPermanent:
		return BlockPermanent, true
	case BlockTemporary:
		return BlockTemporary, true
	}
	return "", false
}

// LocationKeyType is the key type matched by the geo detector.
const LocationKeyType = "location"

// NormalizeKeyValue trims the value; location codes are compared upper-case.
func NormalizeKeyValue(keyType, value string) string {
	value = strings.TrimSpace(value)
	if strings.EqualFold(keyType, LocationKeyType) {
		return strings.ToUpper(value)
	}
	return value
}

// AutoCreatedByPrefix marks entries written by the engine rather than an admin.
const AutoCreatedByPrefix = "auto:"

func IsAutoCreated(createdBy string) bool {
	return strings.HasPrefix(createdBy, AutoCreatedByPrefix)
}

type BlockEntry struct {
	ID         int64      `json:"id"`
	UUID       string     `json:"uuid"`
	MatchType  MatchType  `json:"match_type"`
	IP         string     `json:"ip,omitempty"`
	KeyType    string     `json:"key_type,omitempty"`
	KeyValue   string     `json:"key_value,omitempty"`
	Kind       BlockKind  `json:"block_kind"`
	StartBlock time.Time  `json:"start_block"`
	EndBlock   *time.Time `json:"end_block,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	CreatedBy  string     `json:"created_by,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Validate checks the entry and derives MatchType from the populated fields.
func (b *BlockEntry) Validate() error {
	b.IP = strings.TrimSpace(b.IP)
	b.KeyType = strings.ToLower(strings.TrimSpace(b.KeyType))
	b.KeyValue = NormalizeKeyValue(b.KeyType, b.KeyValue)
	if b.KeyType != "" && b.KeyValue == "" {
		return &ValidationError{Kind: KindMissingKeyValue}
	}
	if b.IP == "" && b.KeyType == "" {
		return &ValidationError{Kind: KindMissingMatch}
	}
	if b.IP != "" && b.KeyType != "" {
		return &ValidationError{Kind: KindConflictingMatch}
	}
	if b.IP != "" {
		addr, err := netip.ParseAddr(b.IP)
		if err != nil {
			return &ValidationError{Kind: KindInvalidIP, Field: b.IP}
		}
		b.IP = addr.Unmap().String()
		b.MatchType = MatchIP
	} else {
		b.MatchType = MatchKey
	}
	if _, ok := ParseBlockKind(string(b.Kind)); !ok {
		return &ValidationError{Kind: KindInvalidBlockKind, Field: string(b.Kind)}
	}
	b.Kind, _ = ParseBlockKind(string(b.Kind))
	if b.Kind == BlockTemporary {
		if b.EndBlock == nil || b.EndBlock.IsZero() {
			return &ValidationError{Kind: KindMissingEndDate}
		}
		if !b.EndBlock.After(b.StartBlock) {
			return &ValidationError{Kind: KindEndNotAfterStart}
		}
	} else {
		b.EndBlock = nil
	}
	return nil
}

// ActiveAt reports whether the entry's window contains now.
func (b BlockEntry) ActiveAt(now time.Time) bool {
	if now.Before(b.StartBlock) {
		return false
	}
	if b.Kind == BlockPermanent {
		return true
	}
	return b.EndBlock != nil && !now.After(*b.EndBlock)
}

type LogEntry struct {
	ID          int64             `json:"id"`
	UUID        string            `json:"uuid"`
	VisitorIP   string            `json:"visitor_ip"`
	Timestamp   time.Time         `json:"timestamp"`
	Blocked     bool              `json:"blocked"`
	Whitelisted bool              `json:"whitelisted,omitempty"`
	Trigger     string            `json:"triggering_detector,omitempty"`
	Verdicts    []Verdict         `json:"verdicts,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Source      string            `json:"source,omitempty"`
}

func NewLogEntry(ev VisitorEvent, d Decision) LogEntry {
	return LogEntry{
		VisitorIP:   ev.IP,
		Timestamp:   ev.Timestamp,
		Blocked:     d.Blocked,
		Whitelisted: d.Whitelisted,
		Trigger:     d.Trigger,
		Verdicts:    d.Verdicts,
		Metadata:    ev.Metadata,
		Source:      ev.Source,
	}
}
