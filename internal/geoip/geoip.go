// Package geoip resolves client IPs to ISO country codes for click metadata.
package geoip

import (
	"encoding/json"
	"net"
	"os"

	"github.com/oschwald/geoip2-golang"
)

// GeoIP provides country lookup using a MaxMind DB or a JSON list of CIDR
// ranges for local development.
type GeoIP struct {
	db       *geoip2.Reader
	fallback []cidrCountry
}

type cidrCountry struct {
	net     *net.IPNet
	country string
}

// Init opens the MaxMind database at path. When path is not a MaxMind file
// it is read as JSON: [{"net":"203.0.113.0/24","country":"DE"}].
func Init(path string) (*GeoIP, error) {
	db, err := geoip2.Open(path)
	if err == nil {
		return &GeoIP{db: db}, nil
	}

	data, jerr := os.ReadFile(path)
	if jerr != nil {
		return nil, err
	}
	var entries []struct {
		Net     string `json:"net"`
		Country string `json:"country"`
	}
	if jerr = json.Unmarshal(data, &entries); jerr != nil {
		return nil, err
	}
	g := &GeoIP{}
	for _, e := range entries {
		if _, n, perr := net.ParseCIDR(e.Net); perr == nil {
			g.fallback = append(g.fallback, cidrCountry{net: n, country: e.Country})
		}
	}
	return g, nil
}

// Country returns the ISO country code for ip, or "" when unknown or when g
// is nil.
func (g *GeoIP) Country(ip net.IP) string {
	if g == nil || ip == nil {
		return ""
	}
	if g.db != nil {
		if rec, err := g.db.Country(ip); err == nil {
			return rec.Country.IsoCode
		}
	}
	for _, r := range g.fallback {
		if r.net.Contains(ip) {
			return r.country
		}
	}
	return ""
}

// Close releases resources associated with the database.
func (g *GeoIP) Close() error {
	if g != nil && g.db != nil {
		return g.db.Close()
	}
	return nil
}
