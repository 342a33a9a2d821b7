package cfddns_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/Travis-Britz/cfddns"
)

type fakeProvider struct {
	mu      sync.Mutex
	calls   []string
	record  cfddns.Record
	zoneErr error
	recErr  error
	updErr  error
	updated []cfddns.Record
}

func (p *fakeProvider) ZoneID(ctx context.Context, zone string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, "zone "+zone)
	if p.zoneErr != nil {
		return "", p.zoneErr
	}
	return "Z1", nil
}

func (p *fakeProvider) Record(ctx context.Context, zoneID, name, recordType string) (cfddns.Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, "record "+name)
	if p.recErr != nil {
		return cfddns.Record{}, p.recErr
	}
	return p.record, nil
}

func (p *fakeProvider) UpdateRecord(ctx context.Context, zoneID string, r cfddns.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, "update "+r.ID)
	if p.updErr != nil {
		return p.updErr
	}
	p.updated = append(p.updated, r)
	return nil
}

func stateFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "last_ip.txt")
	if contents != "" {
		if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return path
}

func readState(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return ""
	}
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func newClient(t *testing.T, ip string, p cfddns.Provider, opts ...cfddns.ClientOption) cfddns.DDNSClient {
	t.Helper()
	r, err := cfddns.FromString(ip)
	if err != nil {
		t.Fatal(err)
	}
	opts = append([]cfddns.ClientOption{cfddns.UsingResolver(r), cfddns.UsingProvider(p)}, opts...)
	c, err := cfddns.New("home.example.com", opts...)
	if err != nil {
		t.Fatalf("New failed: %s", err)
	}
	return c
}

func stageOf(err error) cfddns.Stage {
	var re *cfddns.RunError
	if errors.As(err, &re) {
		return re.Stage
	}
	return ""
}

func TestUnchangedMakesNoProviderCalls(t *testing.T) {
	path := stateFile(t, "1.2.3.4")
	p := &fakeProvider{}
	res, err := newClient(t, "1.2.3.4", p, cfddns.UsingStateFile(path)).RunDDNS(context.Background())
	if err != nil {
		t.Fatalf("RunDDNS failed: %s", err)
	}
	if res.Changed || res.Updated {
		t.Fatalf("Expected no change; got %+v", res)
	}
	if len(p.calls) != 0 {
		t.Fatalf("Expected no provider calls; got %q", p.calls)
	}
}

func TestFirstRunPersists(t *testing.T) {
	path := stateFile(t, "")
	p := &fakeProvider{record: cfddns.Record{ID: "R1", Type: "A", Name: "home.example.com", Content: "5.6.7.7"}}
	res, err := newClient(t, "5.6.7.8", p, cfddns.UsingStateFile(path)).RunDDNS(context.Background())
	if err != nil {
		t.Fatalf("RunDDNS failed: %s", err)
	}
	if !res.Changed || !res.Updated || res.Previous != "" {
		t.Fatalf("Expected a first-run update; got %+v", res)
	}
	if got := readState(t, path); got != "5.6.7.8" {
		t.Fatalf("Expected state 5.6.7.8; got %q", got)
	}
	want := []string{"zone example.com", "record home.example.com", "update R1"}
	if strings.Join(p.calls, ",") != strings.Join(want, ",") {
		t.Fatalf("Expected calls %q; got %q", want, p.calls)
	}
	u := p.updated[0]
	if u.Content != "5.6.7.8" || u.Type != "A" || u.TTL != cfddns.DefaultTTL {
		t.Fatalf("Unexpected update %+v", u)
	}
	if !strings.HasPrefix(u.Comment, cfddns.DefaultComment+" @[") || !strings.HasSuffix(u.Comment, "]") {
		t.Fatalf("Expected a timestamped comment; got %q", u.Comment)
	}
}

func TestRecordAlreadyCurrent(t *testing.T) {
	path := stateFile(t, "5.6.7.7")
	p := &fakeProvider{record: cfddns.Record{ID: "R1", Type: "A", Content: "5.6.7.8"}}
	res, err := newClient(t, "5.6.7.8", p, cfddns.UsingStateFile(path)).RunDDNS(context.Background())
	if err != nil {
		t.Fatalf("RunDDNS failed: %s", err)
	}
	if res.Updated || len(p.updated) != 0 {
		t.Fatalf("Expected the update to be skipped; got %+v", res)
	}
	if got := readState(t, path); got != "5.6.7.8" {
		t.Fatalf("Expected state 5.6.7.8; got %q", got)
	}
}

func TestLookupFailuresStopBeforeUpdate(t *testing.T) {
	tests := []struct {
		name  string
		p     *fakeProvider
		stage cfddns.Stage
		is    error
	}{
		{"zone", &fakeProvider{zoneErr: cfddns.ErrZoneNotFound}, cfddns.StageLookupZone, cfddns.ErrZoneNotFound},
		{"record", &fakeProvider{recErr: cfddns.ErrRecordNotFound}, cfddns.StageLookupRecord, cfddns.ErrRecordNotFound},
		{"ambiguous", &fakeProvider{recErr: cfddns.ErrAmbiguous}, cfddns.StageLookupRecord, cfddns.ErrAmbiguous},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := stateFile(t, "9.9.9.8")
			_, err := newClient(t, "9.9.9.9", tt.p, cfddns.UsingStateFile(path)).RunDDNS(context.Background())
			if stageOf(err) != tt.stage || !errors.Is(err, tt.is) {
				t.Fatalf("Expected %s failure wrapping %v; got %v", tt.stage, tt.is, err)
			}
			for _, c := range tt.p.calls {
				if strings.HasPrefix(c, "update") {
					t.Fatalf("Expected no update; got %q", tt.p.calls)
				}
			}
			if got := readState(t, path); got != "9.9.9.8" {
				t.Fatalf("Expected state to be unchanged; got %q", got)
			}
		})
	}
}

func TestFailedUpdateIsRetriedNextRun(t *testing.T) {
	path := stateFile(t, "9.9.9.8")
	p := &fakeProvider{record: cfddns.Record{ID: "R1", Content: "9.9.9.8"}, updErr: errors.New("rejected")}
	c := newClient(t, "9.9.9.9", p, cfddns.UsingStateFile(path))

	if _, err := c.RunDDNS(context.Background()); stageOf(err) != cfddns.StageUpdate {
		t.Fatalf("Expected an update failure; got %v", err)
	}
	if got := readState(t, path); got != "9.9.9.8" {
		t.Fatalf("Expected state to stay 9.9.9.8; got %q", got)
	}

	p.updErr = nil
	res, err := c.RunDDNS(context.Background())
	if err != nil {
		t.Fatalf("RunDDNS failed: %s", err)
	}
	if !res.Updated {
		t.Fatalf("Expected the second run to update; got %+v", res)
	}
	if got := readState(t, path); got != "9.9.9.9" {
		t.Fatalf("Expected state 9.9.9.9; got %q", got)
	}
}

func TestBoltStoreRecordsDetected(t *testing.T) {
	store := &cfddns.BoltStore{Path: filepath.Join(t.TempDir(), "state.db")}
	p := &fakeProvider{record: cfddns.Record{ID: "R1", Content: "9.9.9.8"}, updErr: errors.New("rejected")}
	if _, err := newClient(t, "9.9.9.9", p, cfddns.UsingStore(store)).RunDDNS(context.Background()); err == nil {
		t.Fatalf("Expected an update failure")
	}
	st, err := store.State()
	if err != nil {
		t.Fatal(err)
	}
	if st.Detected != "9.9.9.9" || st.Confirmed != "" {
		t.Fatalf("Expected detected but unconfirmed 9.9.9.9; got %+v", st)
	}
}

func TestResolveFailure(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "not an address")
	}))
	defer bad.Close()
	p := &fakeProvider{}
	c, err := cfddns.New("home.example.com",
		cfddns.UsingProvider(p),
		cfddns.UsingWebResolver(bad.URL, bad.URL),
		cfddns.UsingStateFile(stateFile(t, "")),
	)
	if err != nil {
		t.Fatalf("New failed: %s", err)
	}
	_, err = c.RunDDNS(context.Background())
	if stageOf(err) != cfddns.StageResolve || !errors.Is(err, cfddns.ErrNoCandidates) {
		t.Fatalf("Expected a resolve failure; got %v", err)
	}
	if len(p.calls) != 0 {
		t.Fatalf("Expected no provider calls; got %q", p.calls)
	}
}

func TestNewErrors(t *testing.T) {
	p := &fakeProvider{}
	tests := []struct {
		name   string
		domain string
		opts   []cfddns.ClientOption
	}{
		{"empty domain", "", []cfddns.ClientOption{cfddns.UsingProvider(p)}},
		{"no provider", "home.example.com", nil},
		{"bad credentials", "home.example.com", []cfddns.ClientOption{cfddns.UsingCloudflare(cfddns.Credentials{Email: "me@example.com"})}},
		{"quorum above sources", "home.example.com", []cfddns.ClientOption{cfddns.UsingProvider(p), cfddns.WithQuorum(4)}},
		{"quorum below minimum", "home.example.com", []cfddns.ClientOption{cfddns.UsingProvider(p), cfddns.WithQuorum(1)}},
		{"outside zone", "home.example.com", []cfddns.ClientOption{cfddns.UsingProvider(p), cfddns.InZone("example.org")}},
		{"AAAA", "home.example.com", []cfddns.ClientOption{cfddns.UsingProvider(p), cfddns.WithRecordType("AAAA")}},
		{"ttl", "home.example.com", []cfddns.ClientOption{cfddns.UsingProvider(p), cfddns.WithTTL(30)}},
		{"bad source", "home.example.com", []cfddns.ClientOption{cfddns.UsingProvider(p), cfddns.UsingWebResolver("gopher://example.com")}},
		{"base url", "home.example.com", []cfddns.ClientOption{cfddns.UsingProvider(p), cfddns.WithAPIBaseURL("api.cloudflare.com")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := cfddns.New(tt.domain, tt.opts...); err == nil {
				t.Fatalf("Expected New to fail")
			}
		})
	}
}

// TestEndToEnd drives a full run over HTTP: three IP services, a stale state file and a fake Cloudflare API.
func TestEndToEnd(t *testing.T) {
	var mu sync.Mutex
	var patched map[string]interface{}
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Auth-Email") != "me@example.com" || r.Header.Get("X-Auth-Key") != "key" {
			w.WriteHeader(http.StatusForbidden)
			io.WriteString(w, `{"success":false,"errors":[{"code":9103,"message":"Unknown X-Auth-Key or X-Auth-Email"}]}`)
			return
		}
		switch {
		case r.URL.Path == "/zones" && r.URL.Query().Get("name") == "example.com":
			io.WriteString(w, `{"success":true,"errors":[],"messages":[],"result":[{"id":"Z1","name":"example.com"}]}`)
		case r.URL.Path == "/zones/Z1/dns_records" && r.URL.Query().Get("name") == "home.example.com":
			io.WriteString(w, `{"success":true,"errors":[],"messages":[],"result":[{"id":"R1","type":"A","name":"home.example.com","content":"9.9.9.8","ttl":3600}]}`)
		case r.Method == http.MethodPatch && r.URL.Path == "/zones/Z1/dns_records/R1":
			mu.Lock()
			json.NewDecoder(r.Body).Decode(&patched)
			mu.Unlock()
			io.WriteString(w, `{"success":true,"errors":[],"messages":[],"result":{"id":"R1","content":"9.9.9.9"}}`)
		default:
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, `{"success":false,"errors":[{"code":7003,"message":"No route"}]}`)
		}
	}))
	defer api.Close()

	path := stateFile(t, "9.9.9.8")
	c, err := cfddns.New("home.example.com",
		cfddns.UsingCloudflare(cfddns.Credentials{Email: "me@example.com", Key: "key"}),
		cfddns.WithAPIBaseURL(api.URL),
		cfddns.WithAPIRetries(0),
		cfddns.UsingWebResolver(echoServers(t, "9.9.9.9", "9.9.9.9", "8.8.8.8")...),
		cfddns.UsingStateFile(path),
	)
	if err != nil {
		t.Fatalf("New failed: %s", err)
	}
	res, err := c.RunDDNS(context.Background())
	if err != nil {
		t.Fatalf("RunDDNS failed: %s", err)
	}
	if res.ZoneID != "Z1" || res.RecordID != "R1" || !res.Updated || res.Previous != "9.9.9.8" {
		t.Fatalf("Unexpected result %+v", res)
	}
	mu.Lock()
	content := patched["content"]
	mu.Unlock()
	if content != "9.9.9.9" {
		t.Fatalf("Expected PATCH content 9.9.9.9; got %v", content)
	}
	if got := readState(t, path); got != "9.9.9.9" {
		t.Fatalf("Expected state 9.9.9.9; got %q", got)
	}
}
