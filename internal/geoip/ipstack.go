package geoip

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

const DefaultIPStackEndpoint = "http://api.ipstack.com"

type IPStack struct {
	endpoint string
	key      string
	client   *http.Client
}

func NewIPStack(endpoint, key string, client *http.Client) *IPStack {
	if endpoint == "" {
		endpoint = DefaultIPStackEndpoint
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &IPStack{endpoint: strings.TrimRight(endpoint, "/"), key: key, client: client}
}

func (p *IPStack) Name() string { return "ipstack" }

func (p *IPStack) Fetch(ctx context.Context, ip string) ([]byte, error) {
	if p.key == "" {
		return nil, ErrNoCredentials
	}
	body, err := get(ctx, p.client, p.endpoint+"/"+url.PathEscape(ip)+"?access_key="+url.QueryEscape(p.key))
	if err != nil {
		return nil, err
	}
	// ipstack reports API errors with a 200 status.
	if _, err := p.Decode(body); err != nil {
		return nil, err
	}
	return body, nil
}

type ipstackResponse struct {
	CountryCode string `json:"country_code"`
	RegionCode  string `json:"region_code"`
	Success     *bool  `json:"success"`
	Error       *struct {
		Code int    `json:"code"`
		Type string `json:"type"`
		Info string `json:"info"`
	} `json:"error"`
}

func (p *IPStack) Decode(payload []byte) (Location, error) {
	var resp ipstackResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return Location{}, fmt.Errorf("ipstack: decode: %w", err)
	}
	if resp.Error != nil || (resp.Success != nil && !*resp.Success) {
		if resp.Error != nil {
			return Location{}, fmt.Errorf("ipstack: %s (%d)", resp.Error.Type, resp.Error.Code)
		}
		return Location{}, fmt.Errorf("ipstack: request unsuccessful")
	}
	loc := Location{Country: upper(resp.CountryCode), Region: upper(resp.RegionCode)}
	if loc.Empty() {
		return Location{}, ErrNotFound
	}
	return loc, nil
}

func (p *IPStack) Resolve(ctx context.Context, ip string) (Location, error) {
	body, err := p.Fetch(ctx, ip)
	if err != nil {
		return Location{}, err
	}
	return p.Decode(body)
}
