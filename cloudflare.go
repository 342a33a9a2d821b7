package cfddns

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cloudflare/cloudflare-go"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
)

const (
	DefaultAPIBaseURL = "https://api.cloudflare.com/client/v4"
	DefaultAPIRetries = 2
)

var (
	ErrZoneNotFound   = errors.New("zone not found")
	ErrRecordNotFound = errors.New("record not found")
	ErrAmbiguous      = errors.New("more than one match")
)

// Credentials authenticate requests to the Cloudflare API.
// Either Token, or both Email and Key, must be set.
// A token takes precedence when all three are present.
type Credentials struct {
	Email string
	Key   string
	Token string
}

func (c Credentials) validate() error {
	if c.Token != "" {
		return nil
	}
	if c.Email == "" || c.Key == "" {
		return errors.New("cloudflare credentials need an API token, or an account email and API key")
	}
	return nil
}

// APIError describes a Cloudflare API call that completed but did not succeed,
// either with a non-2xx status or with "success": false in the body.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Errors     []cloudflare.ResponseInfo
	Body       string
	// Err is the error reported by the cloudflare client, if any.
	Err error
}

func (e *APIError) Error() string {
	var msgs []string
	for _, ri := range e.Errors {
		msgs = append(msgs, fmt.Sprintf("%d: %s", ri.Code, ri.Message))
	}
	detail := strings.Join(msgs, "; ")
	if detail == "" {
		detail = truncate(e.Body, 256)
	}
	return fmt.Sprintf("cloudflare %s %s returned status %d: %s", e.Method, e.Path, e.StatusCode, detail)
}

func (e *APIError) Unwrap() error { return e.Err }

// recordPageSize disables auto-pagination in ListDNSRecords.
// A single page is enough to tell one match from several.
const recordPageSize = 100

func newCloudflareProvider(creds Credentials) (cf *cloudflareProvider, err error) {
	if err := creds.validate(); err != nil {
		return nil, err
	}
	rc := retryablehttp.NewClient()
	rc.HTTPClient = cleanhttp.DefaultPooledClient()
	rc.HTTPClient.Timeout = 30 * time.Second
	rc.RetryMax = DefaultAPIRetries
	rc.RetryWaitMin = 1 * time.Second
	rc.RetryWaitMax = 10 * time.Second
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.Logger = nil

	opts := []cloudflare.Option{
		cloudflare.HTTPClient(&http.Client{
			Transport: envelopeTransport{next: &retryablehttp.RoundTripper{Client: rc}},
		}),
		cloudflare.UserAgent(UserAgent),
		// retries happen in rc, below the envelope check
		cloudflare.UsingRetryPolicy(0, 0, 0),
	}
	var api *cloudflare.API
	if creds.Token != "" {
		api, err = cloudflare.NewWithAPIToken(creds.Token, opts...)
	} else {
		api, err = cloudflare.New(creds.Key, creds.Email, opts...)
	}
	if err != nil {
		return nil, fmt.Errorf("error creating api client: %w", err)
	}

	cf = &cloudflareProvider{api: api, retry: rc, tags: make(map[string][]string)}
	cf.SetLogger(discard)
	return cf, nil
}

// cloudflareProvider implements Provider with the cloudflare-go client.
//
// Requests that fail with a transport error, 429 or 5xx are retried a bounded number of times with backoff.
// Everything else fails on the first attempt.
type cloudflareProvider struct {
	api    *cloudflare.API
	retry  *retryablehttp.Client
	logger Logger

	// tags seen by Record, by record id; UpdateRecord sends them back
	// because the update always carries a tags field.
	tags map[string][]string
}

func (cf *cloudflareProvider) SetLogger(l Logger) {
	cf.logger = l
	cf.retry.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if attempt > 0 {
			l.Warnf("retrying %s %s (attempt %d)", req.Method, req.URL.Path, attempt+1)
		}
	}
}

func (cf *cloudflareProvider) SetHTTPClient(hc *http.Client) { cf.retry.HTTPClient = hc }

func (cf *cloudflareProvider) SetRetries(n int) { cf.retry.RetryMax = n }

func (cf *cloudflareProvider) SetBaseURL(u string) { cf.api.BaseURL = strings.TrimRight(u, "/") }

// ZoneID implements Provider.
func (cf *cloudflareProvider) ZoneID(ctx context.Context, zone string) (string, error) {
	var zones []cloudflare.Zone
	err := cf.call(ctx, func(ctx context.Context) (err error) {
		zones, err = cf.api.ListZones(ctx, zone)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("error listing zones: %w", err)
	}
	switch len(zones) {
	case 0:
		return "", fmt.Errorf("%w: %s", ErrZoneNotFound, zone)
	case 1:
	default:
		return "", fmt.Errorf("%w: %d zones named %s", ErrAmbiguous, len(zones), zone)
	}
	if zones[0].ID == "" {
		return "", fmt.Errorf("zone %s listed without an id", zone)
	}
	cf.logger.Debugf("zone %s has id %s", zone, zones[0].ID)
	return zones[0].ID, nil
}

// Record implements Provider.
func (cf *cloudflareProvider) Record(ctx context.Context, zoneID string, name string, recordType string) (Record, error) {
	var records []cloudflare.DNSRecord
	err := cf.call(ctx, func(ctx context.Context) (err error) {
		records, _, err = cf.api.ListDNSRecords(ctx, cloudflare.ZoneIdentifier(zoneID), cloudflare.ListDNSRecordsParams{
			Name:       name,
			Type:       recordType,
			ResultInfo: cloudflare.ResultInfo{PerPage: recordPageSize},
		})
		return err
	})
	if err != nil {
		return Record{}, fmt.Errorf("error listing DNS records: %w", err)
	}
	switch len(records) {
	case 0:
		return Record{}, fmt.Errorf("%w: %s %s", ErrRecordNotFound, recordType, name)
	case 1:
	default:
		return Record{}, fmt.Errorf("%w: %d %s records named %s", ErrAmbiguous, len(records), recordType, name)
	}
	rr := records[0]
	if rr.ID == "" {
		return Record{}, fmt.Errorf("record %s listed without an id", name)
	}
	rec := Record{
		ID:      rr.ID,
		Type:    rr.Type,
		Name:    rr.Name,
		Content: rr.Content,
		TTL:     rr.TTL,
		Comment: rr.Comment,
	}
	if rr.Proxied != nil {
		rec.Proxied = *rr.Proxied
	}
	cf.tags[rr.ID] = rr.Tags
	cf.logger.Debugf("record %s has id %s and content %s", name, rec.ID, rec.Content)
	return rec, nil
}

// UpdateRecord implements Provider.
func (cf *cloudflareProvider) UpdateRecord(ctx context.Context, zoneID string, record Record) error {
	if record.ID == "" {
		return errors.New("record id cannot be empty")
	}
	proxied := record.Proxied
	err := cf.call(ctx, func(ctx context.Context) error {
		_, err := cf.api.UpdateDNSRecord(ctx, cloudflare.ZoneIdentifier(zoneID), cloudflare.UpdateDNSRecordParams{
			ID:      record.ID,
			Type:    record.Type,
			Name:    record.Name,
			Content: record.Content,
			TTL:     record.TTL,
			Proxied: &proxied,
			Comment: record.Comment,
			Tags:    cf.tags[record.ID],
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("error updating DNS record %s: %w", record.ID, err)
	}
	return nil
}

// call runs fn with a context that lets envelopeTransport report what the API answered.
// Responses with a non-2xx status or "success": false are returned as *APIError,
// and their bodies are logged as received.
func (cf *cloudflareProvider) call(ctx context.Context, fn func(context.Context) error) error {
	ex := &exchange{}
	err := fn(context.WithValue(ctx, exchangeKey{}, ex))
	if ex.failed != nil {
		cf.logger.Errorf("%s %s returned status %d: %s", ex.failed.Method, ex.failed.Path, ex.failed.StatusCode, ex.failed.Body)
		ex.failed.Err = err
		return ex.failed
	}
	if err != nil && ex.last != nil {
		cf.logger.Errorf("%s %s returned a body that could not be used: %s", ex.last.Method, ex.last.Path, ex.last.Body)
	}
	return err
}

type exchangeKey struct{}

// exchange collects the responses seen during one provider call.
// failed holds the first unsuccessful one.
type exchange struct {
	last   *APIError
	failed *APIError
}

// envelopeTransport reads each Cloudflare response body so that its
// status and "success" flag can be checked after the client has decoded it.
// cloudflare-go does not treat "success": false on a 2xx status as an error.
type envelopeTransport struct {
	next http.RoundTripper
}

func (t envelopeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.next.RoundTrip(req)
	ex, _ := req.Context().Value(exchangeKey{}).(*exchange)
	if err != nil || ex == nil {
		return resp, err
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("error reading response body: %w", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(raw))

	seen := &APIError{Method: req.Method, Path: req.URL.Path, StatusCode: resp.StatusCode, Body: string(raw)}
	var envelope cloudflare.Response
	decodeErr := json.Unmarshal(raw, &envelope)
	seen.Errors = envelope.Errors
	ex.last = seen

	ok := resp.StatusCode >= 200 && resp.StatusCode <= 299
	if ex.failed == nil && (!ok || (decodeErr == nil && !envelope.Success)) {
		ex.failed = seen
	}
	return resp, nil
}

// VerifyCredentials checks creds against the Cloudflare API and describes who they belong to.
// An empty baseURL uses the public API.
func VerifyCredentials(ctx context.Context, creds Credentials, baseURL string) (string, error) {
	if err := creds.validate(); err != nil {
		return "", err
	}
	opts := []cloudflare.Option{cloudflare.UserAgent(UserAgent)}
	if baseURL != "" {
		opts = append(opts, cloudflare.BaseURL(baseURL))
	}

	if creds.Token != "" {
		api, err := cloudflare.NewWithAPIToken(creds.Token, opts...)
		if err != nil {
			return "", fmt.Errorf("error creating api client: %w", err)
		}
		result, err := api.VerifyAPIToken(ctx)
		if err != nil {
			return "", fmt.Errorf("unable to verify api token: %w", err)
		}
		if result.Status != "active" {
			return "", fmt.Errorf("expected api token status to be \"active\"; got \"%s\"", result.Status)
		}
		return fmt.Sprintf("API token %s is active", result.ID), nil
	}

	api, err := cloudflare.New(creds.Key, creds.Email, opts...)
	if err != nil {
		return "", fmt.Errorf("error creating api client: %w", err)
	}
	user, err := api.UserDetails(ctx)
	if err != nil {
		return "", fmt.Errorf("unable to verify api key: %w", err)
	}
	return fmt.Sprintf("API key belongs to %s", user.Email), nil
}
