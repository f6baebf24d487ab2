// Package geoip provides MMDB-based IP geolocation.
//
// Warden uses it to derive an approximate player coordinate from the
// requesting client IP when a session request carries no explicit
// coordinate. The reader degrades gracefully: a missing database file
// yields a nil reader and lookups simply return nothing.
package geoip

import (
	"net"
	"strings"

	"github.com/oschwald/geoip2-golang"
)

// GeoData contains geolocation information for an IP address
type GeoData struct {
	CountryCode string  `json:"country_code,omitempty"`
	CountryName string  `json:"country_name,omitempty"`
	City        string  `json:"city,omitempty"`
	Latitude    float64 `json:"latitude,omitempty"`
	Longitude   float64 `json:"longitude,omitempty"`
	Timezone    string  `json:"timezone,omitempty"`
}

// Reader provides IP geolocation lookups using MMDB databases
type Reader struct {
	db     *geoip2.Reader
	dbPath string
}

// NewReader creates a new GeoIP reader from an MMDB file.
//
// Returns nil, nil if the file doesn't exist (graceful degradation).
// Returns nil, error if the file exists but can't be opened.
func NewReader(mmdbPath string) (*Reader, error) {
	if mmdbPath == "" {
		return nil, nil
	}

	db, err := geoip2.Open(mmdbPath)
	if err != nil {
		if strings.Contains(err.Error(), "no such file") || strings.Contains(err.Error(), "cannot find") {
			return nil, nil
		}
		return nil, err
	}

	return &Reader{db: db, dbPath: mmdbPath}, nil
}

// Lookup performs a geolocation lookup for the given IP address.
//
// Returns nil if:
// - No database is loaded
// - IP is invalid
// - IP is not found in database
// - IP is a private/local address
func (r *Reader) Lookup(ipStr string) *GeoData {
	if r == nil || r.db == nil {
		return nil
	}

	// Handle "ip:port" format by extracting just the IP
	host, _, err := net.SplitHostPort(ipStr)
	if err != nil {
		host = ipStr
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return nil
	}

	// Private/local IPs won't be in geo databases anyway
	if isPrivateIP(ip) {
		return nil
	}

	record, err := r.db.City(ip)
	if err != nil {
		return nil
	}

	geoData := &GeoData{}

	if record.Country.IsoCode != "" {
		geoData.CountryCode = record.Country.IsoCode
	}
	if record.Country.Names["en"] != "" {
		geoData.CountryName = record.Country.Names["en"]
	}
	if record.City.Names["en"] != "" {
		geoData.City = record.City.Names["en"]
	}
	if record.Location.Latitude != 0 {
		geoData.Latitude = record.Location.Latitude
	}
	if record.Location.Longitude != 0 {
		geoData.Longitude = record.Location.Longitude
	}
	if record.Location.TimeZone != "" {
		geoData.Timezone = record.Location.TimeZone
	}

	if geoData.CountryCode == "" && geoData.City == "" {
		return nil
	}

	return geoData
}

// isPrivateIP checks if an IP address is private/local
func isPrivateIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	return ip.IsPrivate()
}

// GetDatabasePath returns the path to the loaded database file
func (r *Reader) GetDatabasePath() string {
	if r == nil {
		return ""
	}
	return r.dbPath
}

// Close closes the underlying database
func (r *Reader) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// IsLoaded returns true if a database is successfully loaded
func (r *Reader) IsLoaded() bool {
	return r != nil && r.db != nil
}
