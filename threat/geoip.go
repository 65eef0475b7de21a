package threat

import (
	"compress/gzip"
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	"github.com/oschwald/geoip2-golang"
)

// GeoIP resolves addresses to ISO country codes from a MaxMind database.
type GeoIP struct {
	reader *geoip2.Reader
}

// OpenGeoIP opens a GeoLite2/GeoIP2 Country or City database, gzipped or not.
func OpenGeoIP(path string) (*GeoIP, error) {
	var reader *geoip2.Reader
	var err error

	if strings.HasSuffix(path, ".gz") {
		var file *os.File
		file, err = os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open geoip database %s: %w", path, err)
		}
		defer file.Close()
		gz, gzErr := gzip.NewReader(file)
		if gzErr != nil {
			return nil, fmt.Errorf("failed to open geoip database %s: %w", path, gzErr)
		}
		data, readErr := io.ReadAll(gz)
		if readErr != nil {
			return nil, fmt.Errorf("failed to read geoip database %s: %w", path, readErr)
		}
		reader, err = geoip2.FromBytes(data)
	} else {
		reader, err = geoip2.Open(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open geoip database %s: %w", path, err)
	}
	return &GeoIP{reader: reader}, nil
}

// Country returns the ISO code for ip. Private, loopback and unknown
// addresses return "" with no error.
func (g *GeoIP) Country(ip string) (string, error) {
	addr := net.ParseIP(ip)
	if addr == nil || addr.IsPrivate() || addr.IsLoopback() || addr.IsUnspecified() {
		return "", nil
	}
	rec, err := g.reader.Country(addr)
	if err != nil {
		return "", fmt.Errorf("geoip lookup for %s: %w", ip, err)
	}
	return rec.Country.IsoCode, nil
}

// Close releases the database.
func (g *GeoIP) Close() error {
	return g.reader.Close()
}
