package cfddns

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultServices are queried when no IP sources are configured.
var DefaultServices = []string{
	"https://ifconfig.co/ip",
	"https://api-ipv4.ip.sb/ip",
	"https://ipinfo.io/ip",
}

// WebResolver constructs a resolver which asks several external services for our public IPv4 address.
//
// Every source is queried concurrently.
// Sources that fail, time out, answer with a non-2xx status or return something other than an IPv4 address are logged and dropped.
// The most common remaining answer is accepted only if at least MinQuorum sources agree on it.
// Ties between equally common answers go to the source listed first.
//
// See parseSource for the accepted URL forms.
func WebResolver(serviceURL ...string) (Resolver, error) {
	wr := &webResolver{quorum: MinQuorum, timeout: DefaultTimeout, logger: discard}
	for _, u := range serviceURL {
		s, err := parseSource(u)
		if err != nil {
			return nil, err
		}
		wr.sources = append(wr.sources, s)
	}
	return wr, nil
}

type webResolver struct {
	httpClient *http.Client
	sources    []source
	quorum     int
	timeout    time.Duration
	logger     Logger
}

func (wr *webResolver) SetLogger(l Logger) { wr.logger = l }

// Resolve implements Resolver.
func (wr *webResolver) Resolve(ctx context.Context) (netip.Addr, error) {
	if len(wr.sources) == 0 {
		return netip.Addr{}, errors.New("no external IP lookup services were provided")
	}
	httpClient := wr.httpClient
	if httpClient == nil {
		httpClient = IPv4HTTPClient(wr.timeout)
	}

	wr.logger.Infof("querying %d sources for our public IPv4 address", len(wr.sources))

	// answers are stored by source index so that completion order never changes the tally
	answers := make([]string, len(wr.sources))
	// a failed source is dropped, not fatal, so no goroutine returns an error
	var g errgroup.Group
	for i, s := range wr.sources {
		i, s := i, s
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(ctx, wr.timeout)
			defer cancel()

			addr, err := s.lookup(ctx, httpClient)
			if err != nil {
				wr.logger.Warnf("%s failed: %s", s, err)
				return nil
			}
			wr.logger.Infof("%s returned %s", s, addr)
			answers[i] = addr.String()
			return nil
		})
	}
	_ = g.Wait()

	var candidates []string
	for _, a := range answers {
		if a != "" {
			candidates = append(candidates, a)
		}
	}

	c, err := Tally(candidates, wr.quorum)
	if err != nil {
		if errors.Is(err, ErrNoCandidates) {
			wr.logger.Errorf("all %d IP sources failed", len(wr.sources))
		} else {
			wr.logger.Errorf("IP sources disagree: %q", candidates)
		}
		return netip.Addr{}, err
	}

	addr, err := netip.ParseAddr(c.Value)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("error parsing agreed IP %q: %w", c.Value, err)
	}
	wr.logger.Infof("confirmed public IP %s (%d of %d sources agree)", addr, c.Votes, len(wr.sources))
	return addr, nil
}
