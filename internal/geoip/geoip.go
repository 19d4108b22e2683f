package geoip

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

var (
	ErrNoCredentials = errors.New("geoip: provider credential not configured")
	ErrNotFound      = errors.New("geoip: no location for address")
)

// Location is the resolved position of a visitor. Codes are upper-case.
type Location struct {
	Country string `json:"country,omitempty"`
	Region  string `json:"region,omitempty"`
}

func (l Location) Empty() bool {
	return l.Country == "" && l.Region == ""
}

// RegionCode qualifies the region with its country in ISO 3166-2 form
// (US-CA), so subdivision codes never collide with country codes. A region
// without a country has no code.
func (l Location) RegionCode() string {
	if l.Country == "" || l.Region == "" {
		return ""
	}
	if strings.HasPrefix(l.Region, l.Country+"-") {
		return l.Region
	}
	return l.Country + "-" + l.Region
}

// Codes returns the location codes to match, most specific last.
func (l Location) Codes() []string {
	var out []string
	if l.Country != "" {
		out = append(out, l.Country)
	}
	if rc := l.RegionCode(); rc != "" {
		out = append(out, rc)
	}
	return out
}

type Resolver interface {
	Name() string
	Resolve(ctx context.Context, ip string) (Location, error)
}

// Remote resolvers split the outbound call from decoding so the raw payload
// can be cached.
type Remote interface {
	Resolver
	Fetch(ctx context.Context, ip string) ([]byte, error)
	Decode(payload []byte) (Location, error)
}

func get(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("geoip: unexpected status %d", resp.StatusCode)
	}
	return body, nil
}

func upper(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
