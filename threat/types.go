package threat

import "strings"

// IOCType represents different types of indicators of compromise
type IOCType string

const (
	IOCTypeIP       IOCType = "ip"
	IOCTypeDomain   IOCType = "domain"
	IOCTypeHash     IOCType = "hash"
	IOCTypeURL      IOCType = "url"
	IOCTypeFilename IOCType = "filename"
	IOCTypeUsername IOCType = "username"
)

// ThreatIntel is the verdict of a feed for one indicator.
type ThreatIntel struct {
	IOC         string            `json:"ioc"`
	Type        IOCType           `json:"type"`
	IsMalicious bool              `json:"is_malicious"`
	Confidence  float64           `json:"confidence"`
	Tags        []string          `json:"tags"`
	Description string            `json:"description"`
	References  []string          `json:"references"`
	Metadata    map[string]string `json:"metadata"`
}

// HasAnyTag reports whether the verdict carries one of tags. An empty tags
// list matches every verdict.
func (ti *ThreatIntel) HasAnyTag(tags []string) bool {
	if len(tags) == 0 {
		return true
	}
	for _, want := range tags {
		for _, have := range ti.Tags {
			if strings.EqualFold(want, have) {
				return true
			}
		}
	}
	return false
}

func clean(value string, iocType IOCType) *ThreatIntel {
	return &ThreatIntel{
		IOC:         value,
		Type:        iocType,
		Tags:        []string{},
		Description: "No threat intelligence found",
		References:  []string{},
		Metadata:    map[string]string{},
	}
}
