// Package threatintel enriches IP indicators against an external
// threat-intelligence HTTP vendor (DShield/ISC style API). Lookups are
// rate limited on the vendor's behalf and cached in memory, optionally
// backed by a local sqlite database.
package threatintel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/driftsec/dshield-mcp/internal/circuit"
	"github.com/driftsec/dshield-mcp/internal/config"
	"github.com/driftsec/dshield-mcp/internal/errs"
	"github.com/driftsec/dshield-mcp/pkg/tlsutil"
)

// ServiceName identifies this backend in breakers, errors, and health.
const ServiceName = "threat_intel_api"

const (
	userAgent       = "dshield-mcp threat-intel adapter"
	maxResponseSize = 1 << 20
	healthProbeIP   = "1.1.1.1"
	// healthReuseWindow suppresses network probes while recent traffic
	// already proved the vendor reachable.
	healthReuseWindow = 5 * time.Minute
)

// Reputation is the enrichment result for a single IP.
type Reputation struct {
	IP          string `json:"ip"`
	Reports     int64  `json:"reports"`
	Targets     int64  `json:"targets"`
	FirstSeen   string `json:"first_seen,omitempty"`
	LastSeen    string `json:"last_seen,omitempty"`
	ASN         int64  `json:"asn,omitempty"`
	ASName      string `json:"as_name,omitempty"`
	Country     string `json:"country,omitempty"`
	Network     string `json:"network,omitempty"`
	ThreatLevel string `json:"threat_level"`
	ThreatFeeds int    `json:"threat_feeds"`
	Cached      bool   `json:"cached"`
	Error       string `json:"error,omitempty"`
}

// Client talks to the vendor API. Safe for concurrent use.
type Client struct {
	http    *http.Client
	baseURL string
	apiKey  string
	limiter *rate.Limiter
	memory  *memoryCache
	disk    *persistentCache
	ttl     time.Duration
	breaker *circuit.Breaker
	logger  zerolog.Logger

	mu          sync.Mutex
	lastSuccess time.Time

	now func() time.Time
}

// NewClient builds the adapter from config. The breaker is owned by the
// server facade; Health bypasses it so probes see the vendor's true state.
func NewClient(cfg config.ThreatIntelConfig, breaker *circuit.Breaker, log zerolog.Logger) (*Client, error) {
	baseURL := strings.TrimRight(cfg.APIURL, "/")
	if baseURL == "" {
		return nil, fmt.Errorf("threat intel api_url is empty")
	}

	perMinute := cfg.RateLimitPerMinute
	if perMinute <= 0 {
		perMinute = 60
	}
	burst := perMinute / 10
	if burst < 1 {
		burst = 1
	}

	ttl := time.Duration(cfg.CacheTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	c := &Client{
		http: &http.Client{
			Transport: tlsutil.NewTransport(tlsutil.Options{}),
			Timeout:   timeout,
		},
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
		limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60), burst),
		memory:  newMemoryCache(0),
		ttl:     ttl,
		breaker: breaker,
		logger:  log.With().Str("component", ServiceName).Logger(),
		now:     time.Now,
	}

	if cfg.CachePath != "" {
		disk, err := openPersistentCache(cfg.CachePath)
		if err != nil {
			return nil, err
		}
		c.disk = disk
		c.disk.prune(c.now())
	}
	return c, nil
}

// Close releases the persistent cache, if any.
func (c *Client) Close() error {
	if c.disk != nil {
		return c.disk.close()
	}
	return nil
}

// Reputation looks up one IP, serving from cache when fresh.
func (c *Client) Reputation(ctx context.Context, ip string) (*Reputation, error) {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return nil, errs.Validation("invalid IP address", map[string]string{"ip": ip})
	}
	key := parsed.String()
	now := c.now()

	if rep, ok := c.memory.get(key, now); ok {
		rep.Cached = true
		return &rep, nil
	}
	if c.disk != nil {
		if rep, ok := c.disk.get(key, now); ok {
			c.memory.put(key, rep, now, now.Add(c.ttl))
			rep.Cached = true
			return &rep, nil
		}
	}

	var rep *Reputation
	err := c.breaker.Execute(func() error {
		var err error
		rep, err = c.fetch(ctx, key)
		return err
	})
	if err != nil {
		return nil, err
	}

	now = c.now()
	expires := now.Add(c.ttl)
	c.memory.put(key, *rep, now, expires)
	if c.disk != nil {
		if err := c.disk.put(key, *rep, now, expires); err != nil {
			c.logger.Warn().Err(err).Str("ip", key).Msg("persistent cache write failed")
		}
	}
	return rep, nil
}

// BatchReputation looks up several IPs in input order. Per-IP lookup
// failures are recorded on the entry; only invalid input, cancellation,
// and an open breaker abort the batch.
func (c *Client) BatchReputation(ctx context.Context, ips []string) ([]Reputation, error) {
	if len(ips) == 0 {
		return nil, errs.Validation("at least one IP is required", map[string]string{"ips": "empty"})
	}

	results := make([]Reputation, 0, len(ips))
	seen := make(map[string]int, len(ips))
	for _, ip := range ips {
		parsed := net.ParseIP(strings.TrimSpace(ip))
		if parsed == nil {
			return nil, errs.Validation("invalid IP address", map[string]string{"ip": ip})
		}
		key := parsed.String()
		if idx, dup := seen[key]; dup {
			results = append(results, results[idx])
			continue
		}

		rep, err := c.Reputation(ctx, key)
		switch {
		case err == nil:
			results = append(results, *rep)
		case errs.IsCanceled(err), errors.Is(err, errs.ErrCircuitOpen):
			return nil, err
		default:
			results = append(results, Reputation{IP: key, ThreatLevel: "unknown", Error: err.Error()})
		}
		seen[key] = len(results) - 1
	}
	return results, nil
}

// fetch performs the rate-limited network lookup.
func (c *Client) fetch(ctx context.Context, ip string) (*Reputation, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errs.Classify(ServiceName, err)
	}

	body, err := c.getJSON(ctx, fmt.Sprintf("%s/ip/%s?json", c.baseURL, url.PathEscape(ip)))
	if err != nil {
		return nil, err
	}

	if msg := gjson.GetBytes(body, "error").String(); msg != "" {
		return nil, errs.External(ServiceName, fmt.Errorf("vendor error: %s", msg))
	}
	node := gjson.GetBytes(body, "ip")
	if !node.Exists() {
		return nil, errs.External(ServiceName, fmt.Errorf("unexpected vendor response shape"))
	}

	rep := &Reputation{
		IP:        ip,
		Reports:   node.Get("count").Int(),
		Targets:   node.Get("attacks").Int(),
		FirstSeen: node.Get("mindate").String(),
		LastSeen:  node.Get("maxdate").String(),
		ASN:       node.Get("as").Int(),
		ASName:    node.Get("asname").String(),
		Country:   node.Get("ascountry").String(),
		Network:   node.Get("network").String(),
	}
	if feeds := node.Get("threatfeeds"); feeds.IsObject() {
		rep.ThreatFeeds = len(feeds.Map())
	}
	rep.ThreatLevel = classifyThreat(rep)

	c.mu.Lock()
	c.lastSuccess = c.now()
	c.mu.Unlock()
	return rep, nil
}

func (c *Client) getJSON(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errs.Internal(err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errs.Classify(ServiceName, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, errs.External(ServiceName, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		e := errs.External(ServiceName, fmt.Errorf("vendor rate limit (HTTP 429)"))
		if after := resp.Header.Get("Retry-After"); after != "" {
			e = e.WithData("retry_after", after)
		}
		return nil, e
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		e := errs.External(ServiceName, fmt.Errorf("vendor rejected credentials (HTTP %d)", resp.StatusCode))
		e.Retryable = false
		return nil, e
	default:
		return nil, errs.External(ServiceName, fmt.Errorf("vendor returned HTTP %d", resp.StatusCode))
	}
}

// classifyThreat derives a coarse level from report volume and feed
// presence. Thresholds follow DShield's own reporting bands.
func classifyThreat(rep *Reputation) string {
	switch {
	case rep.Targets >= 100 || rep.ThreatFeeds >= 3:
		return "high"
	case rep.Targets >= 10 || rep.ThreatFeeds >= 1:
		return "medium"
	case rep.Reports > 0:
		return "low"
	default:
		return "none"
	}
}

// Health reports vendor reachability. Recent successful traffic counts;
// otherwise a single probe lookup goes out, bypassing the breaker.
func (c *Client) Health(ctx context.Context) error {
	c.mu.Lock()
	last := c.lastSuccess
	c.mu.Unlock()
	if !last.IsZero() && c.now().Sub(last) < healthReuseWindow {
		return nil
	}
	_, err := c.fetch(ctx, healthProbeIP)
	return err
}

// Name implements the health prober contract.
func (c *Client) Name() string {
	return ServiceName
}
