package threat

import (
	"context"
)

// ThreatFeed interface for threat intelligence feeds.
// CheckIOC returns a verdict (IsMalicious true or false) or an error when the
// feed could not answer.
type ThreatFeed interface {
	Name() string
	CheckIOC(ctx context.Context, value string, iocType IOCType) (*ThreatIntel, error)
}

// CachingFeed is a ThreatFeed that can report whether a verdict came from cache.
type CachingFeed interface {
	ThreatFeed
	Lookup(ctx context.Context, value string, iocType IOCType) (intel *ThreatIntel, cached bool, err error)
}
