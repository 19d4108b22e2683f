package normalize

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"spamguard/internal/model"
)

var ErrInvalidIP = errors.New("invalid visitor ip")

type EventFields struct {
	Timestamp string
	IP        string
	Extras    map[string]string
	Source    string
}

// Normalize turns loosely typed ingest fields into a VisitorEvent. Extras
// become the event metadata.
func Normalize(fields EventFields, loc *time.Location) (model.VisitorEvent, error) {
	ip, err := ParseIP(fields.IP)
	if err != nil {
		return model.VisitorEvent{}, err
	}
	if loc == nil {
		loc = time.UTC
	}
	ts := time.Now().UTC()
	if fields.Timestamp != "" {
		parsed, err := ParseTimestamp(fields.Timestamp, loc)
		if err != nil {
			return model.VisitorEvent{}, fmt.Errorf("parse timestamp: %w", err)
		}
		ts = parsed.UTC()
	}
	var meta map[string]string
	if len(fields.Extras) > 0 {
		meta = make(map[string]string, len(fields.Extras))
		for k, v := range fields.Extras {
			k = strings.ToLower(strings.TrimSpace(k))
			if k == "" {
				continue
			}
			meta[k] = strings.TrimSpace(v)
		}
	}
	return model.VisitorEvent{
		IP:        ip,
		Timestamp: ts,
		Metadata:  meta,
		Source:    fields.Source,
	}, nil
}

// ParseIP validates an IPv4/IPv6 address and returns its canonical form.
// IPv4-mapped IPv6 addresses are unmapped so block entries match either way.
func ParseIP(value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", ErrInvalidIP
	}
	addr, err := netip.ParseAddr(value)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidIP, value)
	}
	return addr.Unmap().String(), nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z0700",
	"2006-01-02",
}

func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if loc == nil {
		loc = time.UTC
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	for _, ch := range value {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}

func parseUnix(value string) (time.Time, error) {
	if len(value) >= 13 {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.UnixMilli(ms).UTC(), nil
	}
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}
