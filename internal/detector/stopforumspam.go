package detector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"spamguard/internal/config"
	"spamguard/internal/lookup"
	"spamguard/internal/model"
)

var errUnsuccessful = errors.New("stop forum spam: unsuccessful response")

// StopForumSpam checks the visitor IP against the Stop Forum Spam reputation
// API. Raw responses are cached per IP; the confidence threshold is applied
// after the cache so a threshold change takes effect immediately.
type StopForumSpam struct {
	cache  lookup.Cache
	client *http.Client
	logger *slog.Logger
}

func NewStopForumSpam(cache lookup.Cache, client *http.Client, logger *slog.Logger) *StopForumSpam {
	if client == nil {
		client = &http.Client{}
	}
	return &StopForumSpam{cache: cache, client: client, logger: logger}
}

func (d *StopForumSpam) ID() string { return config.DetectorStopForumSpam }

func (d *StopForumSpam) Enabled(cfg *config.Config) bool {
	return cfg.Detectors.StopForumSpam.Enabled
}

type sfsResponse struct {
	Success any         `json:"success"`
	IP      *sfsIPBlock `json:"ip"`
	Error   string      `json:"error"`
}

type sfsIPBlock struct {
	Value      string `json:"value"`
	Appears    any    `json:"appears"`
	Frequency  any    `json:"frequency"`
	Confidence any    `json:"confidence"`
	LastSeen   string `json:"lastseen"`
}

func (d *StopForumSpam) Evaluate(ctx context.Context, ev model.VisitorEvent, cfg *config.Config) model.Verdict {
	sc := cfg.Detectors.StopForumSpam
	timeout := config.ClampTimeout(sc.Timeout)
	fetch := func(ctx context.Context) ([]byte, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return d.fetch(ctx, sc.Endpoint, ev.IP)
	}

	var (
		body []byte
		hit  bool
		err  error
	)
	key := lookup.Key{Detector: d.ID(), IP: ev.IP}
	if d.cache != nil {
		body, hit, err = d.cache.GetOrFetch(ctx, key, sc.CacheTTL, fetch)
	} else {
		body, err = fetch(ctx)
	}
	if err != nil {
		if d.logger != nil {
			d.logger.Warn("stop forum spam lookup failed", "ip", ev.IP, "err", err)
		}
		return model.NoOpinion(d.ID(), err)
	}

	resp, err := decodeSFS(body)
	if err != nil {
		return model.NoOpinion(d.ID(), err)
	}
	minimum := sc.ConfidenceMin
	if minimum <= 0 {
		minimum = config.DefaultConfidenceMin
	}
	appears := truthy(resp.IP.Appears)
	confidence, _ := number(resp.IP.Confidence)
	details := map[string]any{
		"appears":        appears,
		"confidence":     confidence,
		"confidence_min": minimum,
		"cached":         hit,
	}
	if freq, ok := number(resp.IP.Frequency); ok {
		details["frequency"] = freq
	}
	if resp.IP.LastSeen != "" {
		details["lastseen"] = resp.IP.LastSeen
	}
	v := model.Verdict{Detector: d.ID(), Details: details}
	if appears && confidence >= minimum {
		v.Blocked = true
		v.Reason = fmt.Sprintf("reported to Stop Forum Spam with confidence %s", strconv.FormatFloat(confidence, 'f', -1, 64))
	}
	return v
}

func (d *StopForumSpam) fetch(ctx context.Context, endpoint, ip string) ([]byte, error) {
	if endpoint == "" {
		endpoint = config.DefaultSFSEndpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("ip", ip)
	q.Set("json", "")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("stop forum spam: unexpected status %d", resp.StatusCode)
	}
	// Only well-formed, successful answers reach the cache.
	if _, err := decodeSFS(body); err != nil {
		return nil, err
	}
	return body, nil
}

func decodeSFS(body []byte) (sfsResponse, error) {
	var resp sfsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return resp, fmt.Errorf("stop forum spam: decode: %w", err)
	}
	if !truthy(resp.Success) {
		if resp.Error != "" {
			return resp, fmt.Errorf("%w: %s", errUnsuccessful, resp.Error)
		}
		return resp, errUnsuccessful
	}
	if resp.IP == nil {
		return resp, errors.New("stop forum spam: response has no ip block")
	}
	return resp, nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "", "0", "false", "no":
			return false
		}
		return true
	}
	return false
}

func number(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}
