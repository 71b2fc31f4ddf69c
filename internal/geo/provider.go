// Package geo filters requests by client location using a MaxMind database.
package geo

import (
	"fmt"
	"net/netip"

	"github.com/oschwald/maxminddb-golang/v2"
)

// Location holds the lookup result for a client IP.
type Location struct {
	CountryCode string // ISO 3166-1 alpha-2 (e.g. "US")
	CountryName string
	Region      string
	City        string
}

// Provider performs IP-to-location lookups.
type Provider interface {
	Lookup(ip string) (*Location, error)
	Close() error
}

type mmdbProvider struct {
	db *maxminddb.Reader
}

// mmdbRecord maps the nested GeoIP2/GeoLite2 city structure.
type mmdbRecord struct {
	Country struct {
		ISOCode string            `maxminddb:"iso_code"`
		Names   map[string]string `maxminddb:"names"`
	} `maxminddb:"country"`
	Subdivisions []struct {
		ISOCode string            `maxminddb:"iso_code"`
		Names   map[string]string `maxminddb:"names"`
	} `maxminddb:"subdivisions"`
	City struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"city"`
}

// NewProvider opens a .mmdb database at path.
func NewProvider(path string) (Provider, error) {
	db, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open geo database: %w", err)
	}
	return &mmdbProvider{db: db}, nil
}

func (p *mmdbProvider) Lookup(ip string) (*Location, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return nil, fmt.Errorf("invalid IP address: %w", err)
	}

	var record mmdbRecord
	if err := p.db.Lookup(addr).Decode(&record); err != nil {
		return nil, fmt.Errorf("geo lookup failed: %w", err)
	}

	loc := &Location{
		CountryCode: record.Country.ISOCode,
		CountryName: record.Country.Names["en"],
		City:        record.City.Names["en"],
	}
	if len(record.Subdivisions) > 0 {
		loc.Region = record.Subdivisions[0].Names["en"]
		if loc.Region == "" {
			loc.Region = record.Subdivisions[0].ISOCode
		}
	}
	return loc, nil
}

func (p *mmdbProvider) Close() error {
	return p.db.Close()
}
