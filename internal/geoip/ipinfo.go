package geoip

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

const DefaultIPInfoEndpoint = "https://ipinfo.io"

type IPInfo struct {
	endpoint string
	token    string
	client   *http.Client
}

func NewIPInfo(endpoint, token string, client *http.Client) *IPInfo {
	if endpoint == "" {
		endpoint = DefaultIPInfoEndpoint
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &IPInfo{endpoint: strings.TrimRight(endpoint, "/"), token: token, client: client}
}

func (p *IPInfo) Name() string { return "ipinfo" }

func (p *IPInfo) Fetch(ctx context.Context, ip string) ([]byte, error) {
	if p.token == "" {
		return nil, ErrNoCredentials
	}
	body, err := get(ctx, p.client, p.endpoint+"/"+url.PathEscape(ip)+"?token="+url.QueryEscape(p.token))
	if err != nil {
		return nil, err
	}
	if _, err := p.Decode(body); err != nil {
		return nil, err
	}
	return body, nil
}

// IPInfo returns the region as a name; only the country is a code.
type ipinfoResponse struct {
	Country string `json:"country"`
	Region  string `json:"region"`
	Bogon   bool   `json:"bogon"`
}

func (p *IPInfo) Decode(payload []byte) (Location, error) {
	var resp ipinfoResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return Location{}, fmt.Errorf("ipinfo: decode: %w", err)
	}
	if resp.Bogon || resp.Country == "" {
		return Location{}, ErrNotFound
	}
	return Location{Country: upper(resp.Country), Region: upper(resp.Region)}, nil
}

func (p *IPInfo) Resolve(ctx context.Context, ip string) (Location, error) {
	body, err := p.Fetch(ctx, ip)
	if err != nil {
		return Location{}, err
	}
	return p.Decode(body)
}
