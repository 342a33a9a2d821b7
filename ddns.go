package cfddns

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/gologme/log"
	"golang.org/x/net/idna"
	"golang.org/x/net/publicsuffix"
)

const (
	DefaultTTL        = 3600
	DefaultRecordType = "A"
	DefaultComment    = "updated by cfddns"
)

var discard = log.New(io.Discard, "", 0)

// Stage names the step of a run that failed.
type Stage string

const (
	StageResolve      Stage = "resolve"
	StageState        Stage = "state"
	StageLookupZone   Stage = "lookup zone"
	StageLookupRecord Stage = "lookup record"
	StageUpdate       Stage = "update"
)

// RunError is returned by RunDDNS and identifies the stage that failed.
type RunError struct {
	Stage Stage
	Err   error
}

func (e *RunError) Error() string { return fmt.Sprintf("%s: %s", e.Stage, e.Err) }

func (e *RunError) Unwrap() error { return e.Err }

// Result describes a successful run.
type Result struct {
	Addr     netip.Addr
	Previous string // last confirmed address before this run; empty on the first run
	Changed  bool   // Addr differs from Previous
	Updated  bool   // the provider record was modified
	ZoneID   string
	RecordID string
}

type DDNSClient interface {
	RunDDNS(ctx context.Context) (Result, error)
}

// New returns a client which keeps the A record for domain pointed at the host's public IPv4 address.
//
// A DNS provider must be registered with UsingCloudflare or UsingProvider.
// Without other options the client asks DefaultServices for the address,
// keeps state in DefaultStateFile and derives the zone from the registrable part of domain.
func New(domain string, options ...ClientOption) (DDNSClient, error) {
	domain = strings.TrimSuffix(strings.TrimSpace(domain), ".")
	if domain == "" {
		return nil, fmt.Errorf("cfddns.New: domain cannot be empty")
	}
	ascii, err := idna.Lookup.ToASCII(domain)
	if err != nil {
		return nil, fmt.Errorf("cfddns.New: invalid domain %q: %w", domain, err)
	}

	c := &client{
		domain:     ascii,
		recordType: DefaultRecordType,
		ttl:        DefaultTTL,
		comment:    DefaultComment,
		quorum:     MinQuorum,
		timeout:    DefaultTimeout,
		retries:    DefaultAPIRetries,
		now:        time.Now,
	}
	for i, opt := range options {
		if err := opt(c); err != nil {
			return nil, fmt.Errorf("cfddns.New: option %d returned an error: %s", i, err)
		}
	}

	if c.creds != nil {
		cf, err := newCloudflareProvider(*c.creds)
		if err != nil {
			return nil, fmt.Errorf("cfddns.New: error creating cloudflare DNS provider: %w", err)
		}
		if c.baseURL != "" {
			cf.SetBaseURL(c.baseURL)
		}
		cf.SetRetries(c.retries)
		if c.apiHTTPClient != nil {
			cf.SetHTTPClient(c.apiHTTPClient)
		}
		c.Provider = cf
	}
	if c.Provider == nil {
		return nil, fmt.Errorf("cfddns.New: no DNS provider was registered and there is no default option - use cfddns.UsingCloudflare or similar")
	}

	if c.Resolver == nil {
		services := c.services
		if len(services) == 0 {
			services = DefaultServices
		}
		if c.Resolver, err = WebResolver(services...); err != nil {
			return nil, fmt.Errorf("cfddns.New: %w", err)
		}
	}
	if wr, ok := c.Resolver.(*webResolver); ok {
		if c.quorum > len(wr.sources) {
			return nil, fmt.Errorf("cfddns.New: quorum of %d cannot be met by %d IP sources", c.quorum, len(wr.sources))
		}
		wr.quorum = c.quorum
		wr.timeout = c.timeout
		wr.httpClient = c.httpClient
	}

	if c.Store == nil {
		c.Store = OpenStore(DefaultStateFile)
	}

	if c.zone == "" {
		if c.zone, err = publicsuffix.EffectiveTLDPlusOne(c.domain); err != nil {
			return nil, fmt.Errorf("cfddns.New: unable to derive a zone from %s: %w", c.domain, err)
		}
	}
	if c.domain != c.zone && !strings.HasSuffix(c.domain, "."+c.zone) {
		return nil, fmt.Errorf("cfddns.New: %s is not inside zone %s", c.domain, c.zone)
	}

	// this lets us propagate the logger to dependencies that use one if WithLogger was called before all of the dependencies were registered
	withLogger(c.logger)(c)
	return c, nil
}

type ClientOption func(*client) error

// UsingCloudflare registers Cloudflare as the DNS provider.
func UsingCloudflare(creds Credentials) ClientOption {
	return func(c *client) error {
		if err := creds.validate(); err != nil {
			return fmt.Errorf("cfddns.UsingCloudflare: %w", err)
		}
		c.creds = &creds
		c.Provider = nil
		return nil
	}
}

// UsingProvider registers any Provider implementation.
func UsingProvider(p Provider) ClientOption {
	return func(c *client) error {
		if p == nil {
			return errors.New("provider cannot be nil")
		}
		c.Provider = p
		c.creds = nil
		return nil
	}
}

// WithAPIBaseURL points the Cloudflare provider somewhere other than DefaultAPIBaseURL.
func WithAPIBaseURL(u string) ClientOption {
	return func(c *client) error {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return fmt.Errorf("API base URL %q must be http or https", u)
		}
		c.baseURL = u
		return nil
	}
}

// WithAPIRetries sets how many times a failed Cloudflare request is retried.
func WithAPIRetries(n int) ClientOption {
	return func(c *client) error {
		if n < 0 {
			return fmt.Errorf("retries cannot be negative; got %d", n)
		}
		c.retries = n
		return nil
	}
}

func UsingResolver(resolver Resolver) ClientOption {
	return func(c *client) error {
		c.Resolver = resolver
		return nil
	}
}

// UsingWebResolver replaces DefaultServices with serviceURL.
func UsingWebResolver(serviceURL ...string) ClientOption {
	return func(c *client) error {
		for _, u := range serviceURL {
			if _, err := parseSource(u); err != nil {
				return err
			}
		}
		c.services = serviceURL
		c.Resolver = nil
		return nil
	}
}

// WithQuorum sets how many IP sources must agree. Values below MinQuorum are rejected.
func WithQuorum(n int) ClientOption {
	return func(c *client) error {
		if n < MinQuorum {
			return fmt.Errorf("quorum must be at least %d; got %d", MinQuorum, n)
		}
		c.quorum = n
		return nil
	}
}

// WithTimeout bounds each IP source lookup.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *client) error {
		if d <= 0 {
			return fmt.Errorf("timeout must be positive; got %s", d)
		}
		c.timeout = d
		return nil
	}
}

func UsingStore(s Store) ClientOption {
	return func(c *client) error {
		c.Store = s
		return nil
	}
}

// UsingStateFile keeps state at path. See OpenStore.
func UsingStateFile(path string) ClientOption {
	return func(c *client) error {
		if path == "" {
			return errors.New("state file path cannot be empty")
		}
		c.Store = OpenStore(path)
		return nil
	}
}

// InZone names the zone holding the record instead of deriving it.
func InZone(zone string) ClientOption {
	return func(c *client) error {
		zone = strings.TrimSuffix(strings.TrimSpace(zone), ".")
		if zone == "" {
			return nil
		}
		ascii, err := idna.Lookup.ToASCII(zone)
		if err != nil {
			return fmt.Errorf("invalid zone %q: %w", zone, err)
		}
		c.zone = ascii
		return nil
	}
}

// WithRecordType sets the record type. Only "A" records can hold the detected address.
func WithRecordType(t string) ClientOption {
	return func(c *client) error {
		t = strings.ToUpper(t)
		if t != "A" {
			return fmt.Errorf("record type %q cannot hold an IPv4 address", t)
		}
		c.recordType = t
		return nil
	}
}

// WithTTL sets the record TTL in seconds. 1 lets Cloudflare choose.
func WithTTL(ttl int) ClientOption {
	return func(c *client) error {
		if ttl != 1 && (ttl < 60 || ttl > 86400) {
			return fmt.Errorf("ttl must be 1 (automatic) or between 60 and 86400; got %d", ttl)
		}
		c.ttl = ttl
		return nil
	}
}

func Proxied(proxied bool) ClientOption {
	return func(c *client) error {
		c.proxied = proxied
		return nil
	}
}

// WithComment sets the annotation attached to updated records. The update time is appended.
func WithComment(comment string) ClientOption {
	return func(c *client) error {
		c.comment = comment
		return nil
	}
}

func withLogger(logger Logger) ClientOption {
	return func(c *client) error {
		if logger == nil {
			logger = discard
		}
		c.logger = logger
		type setLogger interface {
			SetLogger(Logger)
		}
		if p, ok := c.Provider.(setLogger); ok {
			p.SetLogger(logger)
		}
		if r, ok := c.Resolver.(setLogger); ok {
			r.SetLogger(logger)
		}
		return nil
	}
}

func WithLogger(logger Logger) ClientOption {
	return func(c *client) error {
		c.logger = logger
		return nil
	}
}

// UsingHTTPClient sets the client used for IP source lookups and Cloudflare API calls.
// A client passed here replaces the IPv4-only client built by default for IP sources.
func UsingHTTPClient(httpclient *http.Client) ClientOption {
	return func(c *client) error {
		c.httpClient = httpclient
		c.apiHTTPClient = httpclient
		return nil
	}
}

type client struct {
	Resolver
	Provider
	Store
	logger Logger
	domain string
	zone   string

	recordType string
	ttl        int
	proxied    bool
	comment    string

	services []string
	quorum   int
	timeout  time.Duration

	creds         *Credentials
	baseURL       string
	retries       int
	httpClient    *http.Client
	apiHTTPClient *http.Client

	now func() time.Time
}

// RunDDNS performs one check-and-update cycle.
//
// The address is only confirmed in the Store after the provider accepted it,
// so a failed update is attempted again on the next run.
func (c *client) RunDDNS(ctx context.Context) (Result, error) {
	var res Result
	addr, err := c.Resolve(ctx)
	if err != nil {
		return res, &RunError{Stage: StageResolve, Err: err}
	}
	res.Addr = addr
	ip := addr.String()

	if res.Previous, err = c.LastConfirmed(); err != nil {
		return res, &RunError{Stage: StageState, Err: err}
	}
	if res.Previous == ip {
		c.logger.Infof("public IP %s has not changed; nothing to do", ip)
		return res, nil
	}
	res.Changed = true
	if res.Previous == "" {
		c.logger.Infof("no previous IP on record; new IP is %s", ip)
	} else {
		c.logger.Infof("public IP changed from %s to %s", res.Previous, ip)
	}

	type detectedRecorder interface {
		RecordDetected(string) error
	}
	if d, ok := c.Store.(detectedRecorder); ok {
		if err := d.RecordDetected(ip); err != nil {
			return res, &RunError{Stage: StageState, Err: err}
		}
	}

	c.logger.Infof("looking up zone %s...", c.zone)
	if res.ZoneID, err = c.ZoneID(ctx, c.zone); err != nil {
		return res, &RunError{Stage: StageLookupZone, Err: err}
	}
	c.logger.Infof("looking up %s record %s...", c.recordType, c.domain)
	rec, err := c.Record(ctx, res.ZoneID, c.domain, c.recordType)
	if err != nil {
		return res, &RunError{Stage: StageLookupRecord, Err: err}
	}
	res.RecordID = rec.ID

	if rec.Content == ip {
		c.logger.Infof("%s already points at %s", c.domain, ip)
	} else {
		c.logger.Infof("updating %s from %s to %s...", c.domain, rec.Content, ip)
		err := c.UpdateRecord(ctx, res.ZoneID, Record{
			ID:      rec.ID,
			Type:    c.recordType,
			Name:    c.domain,
			Content: ip,
			TTL:     c.ttl,
			Proxied: c.proxied,
			Comment: c.annotation(),
		})
		if err != nil {
			return res, &RunError{Stage: StageUpdate, Err: err}
		}
		res.Updated = true
		c.logger.Infof("successfully updated %s to %s", c.domain, ip)
	}

	if err := c.Confirm(ip); err != nil {
		return res, &RunError{Stage: StageState, Err: err}
	}
	return res, nil
}

func (c *client) annotation() string {
	stamp := c.now().Format("[2006-01-02 15:04:05]")
	if c.comment == "" {
		return stamp
	}
	return c.comment + " @" + stamp
}
