package detector

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"spamguard/internal/config"
	"spamguard/internal/geoip"
	"spamguard/internal/lookup"
	"spamguard/internal/model"
	"spamguard/internal/storage"
)

// Geo resolves the visitor location and matches it against key_type
// "location" block entries, country first, then region.
type Geo struct {
	store  storage.BlockStore
	cache  lookup.Cache
	local  *geoip.LocalDB
	client *http.Client
	logger *slog.Logger
	now    func() time.Time
}

func NewGeo(store storage.BlockStore, cache lookup.Cache, local *geoip.LocalDB, client *http.Client, logger *slog.Logger) *Geo {
	if client == nil {
		client = &http.Client{}
	}
	return &Geo{store: store, cache: cache, local: local, client: client, logger: logger, now: time.Now}
}

func (d *Geo) ID() string { return config.DetectorGeo }

// Enabled is false when the provider has no credential.
func (d *Geo) Enabled(cfg *config.Config) bool {
	gc := cfg.Detectors.Geo
	if !gc.Enabled {
		return false
	}
	switch gc.Provider {
	case config.GeoProviderIPStack:
		return gc.IPStackKey != ""
	case config.GeoProviderIPInfo:
		return gc.IPInfoToken != ""
	case config.GeoProviderLocalDB:
		return d.local != nil
	}
	return false
}

func (d *Geo) resolver(gc config.GeoConfig) (geoip.Resolver, error) {
	switch gc.Provider {
	case config.GeoProviderIPStack:
		return geoip.NewIPStack(gc.Endpoint, gc.IPStackKey, d.client), nil
	case config.GeoProviderIPInfo:
		return geoip.NewIPInfo(gc.Endpoint, gc.IPInfoToken, d.client), nil
	case config.GeoProviderLocalDB:
		if d.local == nil {
			return nil, errors.New("local geo database not loaded")
		}
		return d.local, nil
	}
	return nil, errors.New("unsupported geo provider " + gc.Provider)
}

func (d *Geo) Evaluate(ctx context.Context, ev model.VisitorEvent, cfg *config.Config) model.Verdict {
	gc := cfg.Detectors.Geo
	if d.store == nil {
		return model.NoOpinion(d.ID(), errStoreUnavailable)
	}
	r, err := d.resolver(gc)
	if err != nil {
		return model.NoOpinion(d.ID(), err)
	}
	loc, cached, err := d.locate(ctx, r, gc, ev.IP)
	if err != nil {
		if d.logger != nil && !errors.Is(err, geoip.ErrNotFound) {
			d.logger.Warn("geo lookup failed", "ip", ev.IP, "provider", r.Name(), "err", err)
		}
		return model.NoOpinion(d.ID(), err)
	}

	now := d.now()
	for _, code := range loc.Codes() {
		entry, err := d.store.FindActiveMatch(ctx, storage.BlockQuery{KeyType: model.LocationKeyType, KeyValue: code}, now)
		if err != nil {
			return model.NoOpinion(d.ID(), err)
		}
		if entry != nil {
			v := matchVerdict(d.ID(), entry)
			v.Details["country"] = loc.Country
			v.Details["region"] = loc.Region
			v.Details["provider"] = r.Name()
			v.Details["cached"] = cached
			return v
		}
	}
	return model.Verdict{Detector: d.ID(), Details: map[string]any{
		"country":  loc.Country,
		"region":   loc.Region,
		"provider": r.Name(),
		"cached":   cached,
	}}
}

func (d *Geo) locate(ctx context.Context, r geoip.Resolver, gc config.GeoConfig, ip string) (geoip.Location, bool, error) {
	remote, ok := r.(geoip.Remote)
	if !ok {
		loc, err := r.Resolve(ctx, ip)
		return loc, false, err
	}
	timeout := config.ClampTimeout(gc.Timeout)
	fetch := func(ctx context.Context) ([]byte, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return remote.Fetch(ctx, ip)
	}
	var (
		body []byte
		hit  bool
		err  error
	)
	if d.cache != nil {
		body, hit, err = d.cache.GetOrFetch(ctx, lookup.Key{Detector: d.ID(), IP: ip, Fingerprint: r.Name()}, gc.CacheTTL, fetch)
	} else {
		body, err = fetch(ctx)
	}
	if err != nil {
		return geoip.Location{}, false, err
	}
	loc, err := remote.Decode(body)
	return loc, hit, err
}
