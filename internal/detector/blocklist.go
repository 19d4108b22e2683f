package detector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"spamguard/internal/config"
	"spamguard/internal/model"
	"spamguard/internal/storage"
)

var errStoreUnavailable = errors.New("block store unavailable")

// BlockList matches the visitor IP, and any configured request keys, against
// active block entries.
type BlockList struct {
	store  storage.BlockStore
	logger *slog.Logger
	now    func() time.Time
}

func NewBlockList(store storage.BlockStore, logger *slog.Logger) *BlockList {
	return &BlockList{store: store, logger: logger, now: time.Now}
}

func (d *BlockList) ID() string { return config.DetectorBlockList }

func (d *BlockList) Enabled(cfg *config.Config) bool {
	return cfg.Detectors.BlockList.Enabled
}

func (d *BlockList) Evaluate(ctx context.Context, ev model.VisitorEvent, cfg *config.Config) model.Verdict {
	if d.store == nil {
		return model.NoOpinion(d.ID(), errStoreUnavailable)
	}
	now := d.now()
	queries := []storage.BlockQuery{{IP: ev.IP}}
	for _, key := range cfg.Detectors.BlockList.RequestKeys {
		key = strings.ToLower(strings.TrimSpace(key))
		if value := ev.Metadata[key]; key != "" && value != "" {
			queries = append(queries, storage.BlockQuery{KeyType: key, KeyValue: value})
		}
	}
	for _, q := range queries {
		entry, err := d.store.FindActiveMatch(ctx, q, now)
		if err != nil {
			if d.logger != nil {
				d.logger.Warn("block list lookup failed", "ip", ev.IP, "err", err)
			}
			return model.NoOpinion(d.ID(), err)
		}
		if entry != nil {
			return matchVerdict(d.ID(), entry)
		}
	}
	return model.Verdict{Detector: d.ID()}
}

func matchVerdict(detector string, entry *model.BlockEntry) model.Verdict {
	details := map[string]any{
		"entry_id":   entry.ID,
		"match_type": string(entry.MatchType),
		"block_kind": string(entry.Kind),
	}
	var target string
	if entry.MatchType == model.MatchIP {
		details["ip"] = entry.IP
		target = entry.IP
	} else {
		details["key_type"] = entry.KeyType
		details["key_value"] = entry.KeyValue
		target = entry.KeyType + "=" + entry.KeyValue
	}
	if entry.EndBlock != nil {
		details["end_block"] = entry.EndBlock.Format(time.RFC3339)
	}
	reason := fmt.Sprintf("%s block on %s", entry.Kind, target)
	if entry.Reason != "" {
		reason += ": " + entry.Reason
	}
	return model.Verdict{Detector: detector, Blocked: true, Reason: reason, Details: details}
}
