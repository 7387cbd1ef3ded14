package geoip

import (
	"encoding/json"
	"net"
	"os"

	"github.com/oschwald/geoip2-golang"
)

// GeoIP resolves client IPs to coarse locations using a MaxMind DB or a JSON
// fallback file of CIDR ranges.
type GeoIP struct {
	db       *geoip2.Reader
	fallback []record
}

type record struct {
	net     *net.IPNet
	country string
	region  string
}

// Init opens the GeoIP2 database located at path. When the file is not a
// MaxMind database it is parsed as a JSON list of {net, country, region}.
func Init(path string) (*GeoIP, error) {
	g := &GeoIP{}
	db, err := geoip2.Open(path)
	if err == nil {
		g.db = db
		return g, nil
	}

	data, jerr := os.ReadFile(path)
	if jerr != nil {
		return nil, err
	}
	var entries []struct {
		Net     string `json:"net"`
		Country string `json:"country"`
		Region  string `json:"region"`
	}
	if jerr = json.Unmarshal(data, &entries); jerr != nil {
		return nil, err
	}
	for _, e := range entries {
		if _, n, perr := net.ParseCIDR(e.Net); perr == nil {
			g.fallback = append(g.fallback, record{net: n, country: e.Country, region: e.Region})
		}
	}
	return g, nil
}

// Country returns the ISO country code for ip, or "" when unknown.
func (g *GeoIP) Country(ip net.IP) string {
	if g == nil || ip == nil {
		return ""
	}
	if g.db != nil {
		if rec, err := g.db.Country(ip); err == nil {
			return rec.Country.IsoCode
		}
	}
	if r := g.match(ip); r != nil {
		return r.country
	}
	return ""
}

// Region returns the subdivision code for ip, or "" when unknown.
func (g *GeoIP) Region(ip net.IP) string {
	if g == nil || ip == nil {
		return ""
	}
	if g.db != nil {
		if rec, err := g.db.City(ip); err == nil && len(rec.Subdivisions) > 0 {
			return rec.Subdivisions[0].IsoCode
		}
	}
	if r := g.match(ip); r != nil {
		return r.region
	}
	return ""
}

// Location returns the audience location string for a textual IP: the
// country code, or "COUNTRY-REGION" when a region is known.
func (g *GeoIP) Location(ipStr string) string {
	ip := net.ParseIP(ipStr)
	country := g.Country(ip)
	if country == "" {
		return ""
	}
	if region := g.Region(ip); region != "" {
		return country + "-" + region
	}
	return country
}

func (g *GeoIP) match(ip net.IP) *record {
	for i := range g.fallback {
		if g.fallback[i].net.Contains(ip) {
			return &g.fallback[i]
		}
	}
	return nil
}

// Close releases resources associated with the database.
func (g *GeoIP) Close() error {
	if g != nil && g.db != nil {
		return g.db.Close()
	}
	return nil
}
