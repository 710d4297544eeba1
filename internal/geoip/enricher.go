package geoip

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/oschwald/geoip2-golang"

	"phishlookup/internal/domain"
)

type asnReader interface {
	ASN(ip net.IP) (*geoip2.ASN, error)
}

type countryReader interface {
	Country(ip net.IP) (*geoip2.Country, error)
}

// Enricher fills the network and country of feed details from GeoLite2
// databases when the feed left them empty. A nil *Enricher is valid and
// does nothing.
type Enricher struct {
	asn     asnReader
	country countryReader
	closers []io.Closer
}

// Open loads the databases at the given paths. Either path may be empty; when
// both are, Open returns a nil Enricher.
func Open(asnPath, countryPath string) (*Enricher, error) {
	asnPath = strings.TrimSpace(asnPath)
	countryPath = strings.TrimSpace(countryPath)
	if asnPath == "" && countryPath == "" {
		return nil, nil
	}

	e := &Enricher{}
	if asnPath != "" {
		reader, err := geoip2.Open(asnPath)
		if err != nil {
			return nil, fmt.Errorf("geoip: open asn database: %w", err)
		}
		e.asn = reader
		e.closers = append(e.closers, reader)
	}
	if countryPath != "" {
		reader, err := geoip2.Open(countryPath)
		if err != nil {
			_ = e.Close()
			return nil, fmt.Errorf("geoip: open country database: %w", err)
		}
		e.country = reader
		e.closers = append(e.closers, reader)
	}
	return e, nil
}

// Enrich completes d in place and reports whether anything was filled.
func (e *Enricher) Enrich(d *domain.Detail) bool {
	if e == nil || d == nil {
		return false
	}
	if d.AnnouncingNetwork != "" && d.Country != "" {
		return false
	}

	ip := net.ParseIP(strings.TrimSpace(string(d.IPAddress)))
	if ip == nil {
		return false
	}

	changed := false
	if d.AnnouncingNetwork == "" && e.asn != nil {
		if record, err := e.asn.ASN(ip); err == nil && record.AutonomousSystemNumber != 0 {
			d.AnnouncingNetwork = domain.Text(strconv.FormatUint(uint64(record.AutonomousSystemNumber), 10))
			changed = true
		}
	}
	if d.Country == "" && e.country != nil {
		if record, err := e.country.Country(ip); err == nil && record.Country.IsoCode != "" {
			d.Country = domain.Text(record.Country.IsoCode)
			changed = true
		}
	}
	return changed
}

func (e *Enricher) Close() error {
	if e == nil {
		return nil
	}
	var errs []error
	for _, c := range e.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}
