// Package geolite annotates client addresses with their country for logging.
package geolite

import (
	"fmt"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/oschwald/geoip2-golang"
)

// Lookup resolves addresses against a GeoLite2 country database. A nil Lookup
// is valid and knows no countries.
type Lookup struct {
	mu     sync.RWMutex
	path   string
	reader *geoip2.Reader
}

func Open(path string) (*Lookup, error) {
	reader, err := readerFromDisk(path)
	if err != nil {
		return nil, err
	}
	return &Lookup{path: path, reader: reader}, nil
}

func readerFromDisk(path string) (*geoip2.Reader, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("geolite: read %s: %w", path, err)
	}
	reader, err := geoip2.FromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("geolite: parse %s: %w", path, err)
	}
	return reader, nil
}

// Reload reads the database file again, keeping the old data on failure.
func (l *Lookup) Reload() error {
	if l == nil {
		return nil
	}

	reader, err := readerFromDisk(l.path)
	if err != nil {
		return err
	}

	l.mu.Lock()
	old := l.reader
	l.reader = reader
	l.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	return nil
}

// Country returns the ISO country code of literal, or "" when unknown.
func (l *Lookup) Country(literal string) string {
	if l == nil {
		return ""
	}

	ip := net.ParseIP(literal)
	if ip == nil {
		return ""
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.reader == nil {
		return ""
	}

	record, err := l.reader.Country(ip)
	if err != nil {
		return ""
	}
	return strings.ToUpper(record.Country.IsoCode)
}

func (l *Lookup) Close() error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.reader == nil {
		return nil
	}
	err := l.reader.Close()
	l.reader = nil
	return err
}
