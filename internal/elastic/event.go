package elastic

import (
	"encoding/json"
	"time"
)

// Event is the normalized view of one indexed honeypot document. The raw
// document stays attached; the typed fields are what the correlation stages
// pivot on.
type Event struct {
	ID        string    `json:"id"`
	Index     string    `json:"index,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	SourceIP        string `json:"source_ip,omitempty"`
	DestinationIP   string `json:"destination_ip,omitempty"`
	SourcePort      int    `json:"source_port,omitempty"`
	DestinationPort int    `json:"destination_port,omitempty"`
	Protocol        string `json:"protocol,omitempty"`

	EventType     string `json:"event_type,omitempty"`
	EventCategory string `json:"event_category,omitempty"`
	Username      string `json:"username,omitempty"`
	SessionID     string `json:"session_id,omitempty"`
	Command       string `json:"command,omitempty"`

	Domain         string `json:"domain,omitempty"`
	URL            string `json:"url,omitempty"`
	UserAgent      string `json:"user_agent,omitempty"`
	TLSFingerprint string `json:"tls_fingerprint,omitempty"`
	FileHash       string `json:"file_hash,omitempty"`

	Country        string `json:"country,omitempty"`
	ASN            string `json:"asn,omitempty"`
	ASOrganization string `json:"as_organization,omitempty"`

	Raw json.RawMessage `json:"-"`
	// Sort carries the hit's sort values for search_after resumption.
	Sort []interface{} `json:"-"`
}

// ToEvent normalizes a hit through the field map.
func (fm *FieldMap) ToEvent(hit Hit) Event {
	src := hit.Source
	ev := Event{
		ID:    hit.ID,
		Index: hit.Index,
		Raw:   hit.Source,
		Sort:  hit.Sort,

		SourceIP:        fm.Extract(src, "source_ip").String(),
		DestinationIP:   fm.Extract(src, "destination_ip").String(),
		SourcePort:      int(fm.Extract(src, "source_port").Int()),
		DestinationPort: int(fm.Extract(src, "destination_port").Int()),
		Protocol:        fm.Extract(src, "protocol").String(),
		EventType:       fm.Extract(src, "event_type").String(),
		EventCategory:   fm.Extract(src, "event_category").String(),
		Username:        fm.Extract(src, "username").String(),
		SessionID:       fm.Extract(src, "session_id").String(),
		Command:         fm.Extract(src, "command").String(),
		Domain:          fm.Extract(src, "domain").String(),
		URL:             fm.Extract(src, "url").String(),
		UserAgent:       fm.Extract(src, "user_agent").String(),
		TLSFingerprint:  fm.Extract(src, "tls_fingerprint").String(),
		FileHash:        fm.Extract(src, "file_hash").String(),
		Country:         fm.Extract(src, "country").String(),
		ASN:             fm.Extract(src, "asn").String(),
		ASOrganization:  fm.Extract(src, "as_organization").String(),
	}

	if ts := fm.Extract(src, "timestamp"); ts.Exists() {
		if parsed, err := time.Parse(time.RFC3339Nano, ts.String()); err == nil {
			ev.Timestamp = parsed.UTC()
		} else if parsed, err := time.Parse("2006-01-02T15:04:05.000Z0700", ts.String()); err == nil {
			ev.Timestamp = parsed.UTC()
		}
	}
	return ev
}

// ToEvents normalizes a result page.
func (fm *FieldMap) ToEvents(hits []Hit) []Event {
	out := make([]Event, len(hits))
	for i, hit := range hits {
		out[i] = fm.ToEvent(hit)
	}
	return out
}
