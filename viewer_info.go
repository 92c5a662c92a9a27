package main

import (
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"

	"github.com/oschwald/geoip2-golang"
	"github.com/ua-parser/uap-go/uaparser"
)

// ViewerInfo describes a connected browser for logs and metric labels
type ViewerInfo struct {
	IP          string `json:"ip"`
	Country     string `json:"country,omitempty"`
	CountryCode string `json:"country_code,omitempty"`
	Browser     string `json:"browser,omitempty"`
	OS          string `json:"os,omitempty"`
}

// ViewerLookup resolves a request's country from a MaxMind database, if
// one is configured, and its browser family from the User-Agent
type ViewerLookup struct {
	mu     sync.RWMutex
	db     *geoip2.Reader
	parser *uaparser.Parser
}

// NewViewerLookup opens the GeoIP database when enabled. A lookup without
// a database still parses user agents.
func NewViewerLookup(cfg GeoIPConfig) (*ViewerLookup, error) {
	vl := &ViewerLookup{parser: uaparser.NewFromSaved()}
	if !cfg.Enabled || cfg.DatabasePath == "" {
		log.Println("GeoIP: Database path not configured, country lookup disabled")
		return vl, nil
	}
	db, err := geoip2.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open GeoIP database at %s: %w", cfg.DatabasePath, err)
	}
	vl.db = db
	log.Printf("GeoIP: Service initialized successfully (database: %s)", cfg.DatabasePath)
	return vl, nil
}

// Lookup fills in what is known about the client of r
func (vl *ViewerLookup) Lookup(r *http.Request) ViewerInfo {
	info := ViewerInfo{IP: getClientIP(r)}
	if vl == nil {
		return info
	}
	info.Browser, info.OS = vl.userAgent(r.UserAgent())
	info.Country, info.CountryCode = vl.country(info.IP)
	return info
}

func (vl *ViewerLookup) userAgent(ua string) (browser, os string) {
	if ua == "" || vl.parser == nil {
		return "", ""
	}
	client := vl.parser.Parse(ua)
	return client.UserAgent.Family, client.Os.Family
}

func (vl *ViewerLookup) country(ipStr string) (name, code string) {
	vl.mu.RLock()
	defer vl.mu.RUnlock()
	if vl.db == nil {
		return "", ""
	}
	ip := net.ParseIP(ipStr)
	if ip == nil || ip.IsLoopback() || ip.IsPrivate() {
		return "", ""
	}
	record, err := vl.db.Country(ip)
	if err != nil {
		if DebugMode {
			log.Printf("DEBUG: GeoIP: country lookup failed for %s: %v", ipStr, err)
		}
		return "", ""
	}
	if n, ok := record.Country.Names["en"]; ok && n != "" {
		name = n
	} else {
		name = record.Country.IsoCode
	}
	return name, record.Country.IsoCode
}

// Close releases the GeoIP database
func (vl *ViewerLookup) Close() error {
	if vl == nil {
		return nil
	}
	vl.mu.Lock()
	defer vl.mu.Unlock()
	if vl.db == nil {
		return nil
	}
	err := vl.db.Close()
	vl.db = nil
	return err
}
