package threat

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// intelTypes maps Zeek intel framework indicator types to IOC types.
var intelTypes = map[string]IOCType{
	"Intel::ADDR":      IOCTypeIP,
	"Intel::DOMAIN":    IOCTypeDomain,
	"Intel::URL":       IOCTypeURL,
	"Intel::FILE_HASH": IOCTypeHash,
	"Intel::USER_NAME": IOCTypeUsername,
	"Intel::FILE_NAME": IOCTypeFilename,
}

type intelEntry struct {
	source string
	desc   string
}

// IntelFile is a ThreatFeed backed by a Zeek-format intel file
// ("#fields indicator indicator_type meta.source ...", tab separated).
type IntelFile struct {
	name    string
	mu      sync.RWMutex
	entries map[IOCType]map[string]intelEntry
}

// LoadIntelFile reads the intel file at path.
func LoadIntelFile(path string) (*IntelFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open intel file %s: %w", path, err)
	}
	defer f.Close()

	feed := &IntelFile{name: "Intel File"}
	if err := feed.Load(f); err != nil {
		return nil, fmt.Errorf("failed to load intel file %s: %w", path, err)
	}
	return feed, nil
}

// Load replaces the indicators with those read from r. Unknown indicator
// types are skipped.
func (f *IntelFile) Load(r io.Reader) error {
	entries := make(map[IOCType]map[string]intelEntry)
	cols := map[string]int{"indicator": 0, "indicator_type": 1}

	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimRight(scanner.Text(), "\r")
		if text == "" {
			continue
		}
		if strings.HasPrefix(text, "#") {
			if strings.HasPrefix(text, "#fields") {
				cols = make(map[string]int)
				for i, name := range strings.Split(text, "\t")[1:] {
					cols[name] = i
				}
			}
			continue
		}

		fields := strings.Split(text, "\t")
		get := func(name string) string {
			i, ok := cols[name]
			if !ok || i >= len(fields) || fields[i] == "-" {
				return ""
			}
			return fields[i]
		}

		indicator := strings.TrimSpace(get("indicator"))
		typ, ok := intelTypes[get("indicator_type")]
		if indicator == "" {
			return fmt.Errorf("line %d: missing indicator", line)
		}
		if !ok {
			continue
		}
		if entries[typ] == nil {
			entries[typ] = make(map[string]intelEntry)
		}
		entries[typ][strings.ToLower(indicator)] = intelEntry{source: get("meta.source"), desc: get("meta.desc")}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	f.entries = entries
	f.mu.Unlock()
	return nil
}

// Name returns the feed name
func (f *IntelFile) Name() string {
	return f.name
}

// CheckIOC looks value up among the indicators of iocType
func (f *IntelFile) CheckIOC(ctx context.Context, value string, iocType IOCType) (*ThreatIntel, error) {
	key := strings.ToLower(strings.TrimSpace(value))

	f.mu.RLock()
	e, ok := f.entries[iocType][key]
	f.mu.RUnlock()

	if !ok {
		return clean(value, iocType), nil
	}
	intel := &ThreatIntel{
		IOC:         value,
		Type:        iocType,
		IsMalicious: true,
		Confidence:  1.0,
		Tags:        []string{},
		Description: e.desc,
		References:  []string{},
		Metadata:    map[string]string{},
	}
	if e.source != "" {
		intel.Tags = append(intel.Tags, e.source)
		intel.Metadata["source"] = e.source
	}
	return intel, nil
}

// Len returns the number of indicators of iocType.
func (f *IntelFile) Len(iocType IOCType) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.entries[iocType])
}
