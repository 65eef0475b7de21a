package threat

import (
	"bufio"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strings"
	"sync"
)

// Blacklist is a set of addresses and networks loaded from a file.
type Blacklist struct {
	mu       sync.RWMutex
	prefixes []netip.Prefix
}

// LoadBlacklist reads one address or CIDR per line; '#' starts a comment.
func LoadBlacklist(path string) (*Blacklist, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open blacklist %s: %w", path, err)
	}
	defer f.Close()

	bl := &Blacklist{}
	if err := bl.Load(f); err != nil {
		return nil, fmt.Errorf("failed to load blacklist %s: %w", path, err)
	}
	return bl, nil
}

// Load replaces the contents of the blacklist with entries read from r.
func (bl *Blacklist) Load(r io.Reader) error {
	var prefixes []netip.Prefix
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		if i := strings.IndexByte(text, '#'); i >= 0 {
			text = text[:i]
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		p, err := parsePrefix(text)
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		prefixes = append(prefixes, p)
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	bl.mu.Lock()
	bl.prefixes = prefixes
	bl.mu.Unlock()
	return nil
}

func parsePrefix(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, err
		}
		return p.Masked(), nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	a = a.Unmap()
	return netip.PrefixFrom(a, a.BitLen()), nil
}

// Contains reports whether ip falls in any blacklisted network.
// Unparseable addresses are never blacklisted.
func (bl *Blacklist) Contains(ip string) bool {
	a, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	a = a.Unmap()

	bl.mu.RLock()
	defer bl.mu.RUnlock()
	for _, p := range bl.prefixes {
		if p.Contains(a) {
			return true
		}
	}
	return false
}

// Len returns the number of entries.
func (bl *Blacklist) Len() int {
	bl.mu.RLock()
	defer bl.mu.RUnlock()
	return len(bl.prefixes)
}
