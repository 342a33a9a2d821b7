package cfddns

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/antonholmquist/jason"
	"github.com/miekg/dns"
)

// maxBodySize caps how much of an IP service response is read.
const maxBodySize = 4 << 10

// source is a single vote in the public IP lookup.
type source interface {
	lookup(ctx context.Context, httpClient *http.Client) (netip.Addr, error)
	String() string
}

// parseSource understands the following forms:
//
//	https://ifconfig.co/ip               response body is the address
//	https://ipinfo.io/json#ip            response body is JSON; the fragment names the field
//	dns://resolver1.opendns.com/myip.opendns.com
//	                                     A query for the path, sent to the host over udp4
//	iface://eth0                         first global IPv4 address on a local interface
func parseSource(raw string) (source, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("error parsing URL: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
		field := u.Fragment
		u.Fragment, u.RawFragment = "", ""
		return httpSource{raw: raw, url: u, field: field}, nil
	case "dns":
		name := strings.Trim(u.Path, "/")
		if u.Hostname() == "" || name == "" {
			return nil, fmt.Errorf("dns source %q must look like dns://server/name", raw)
		}
		port := u.Port()
		if port == "" {
			port = "53"
		}
		return dnsSource{raw: raw, server: net.JoinHostPort(u.Hostname(), port), name: name}, nil
	case "iface":
		if u.Host == "" {
			return nil, fmt.Errorf("interface source %q must look like iface://eth0", raw)
		}
		return ifaceSource{name: u.Host}, nil
	}
	return nil, fmt.Errorf("unsupported IP source scheme %q in %q", u.Scheme, raw)
}

type httpSource struct {
	raw   string
	url   *url.URL
	field string // dotted JSON path; empty for plain text bodies
}

func (s httpSource) String() string { return s.raw }

func (s httpSource) lookup(ctx context.Context, httpClient *http.Client) (netip.Addr, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url.String(), nil)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("User-Agent", UserAgent)

	resp, err := httpClient.Do(req)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return netip.Addr{}, fmt.Errorf("http request returned %s", resp.Status)
	}

	body := io.LimitReader(resp.Body, maxBodySize)
	if s.field == "" {
		b, err := io.ReadAll(body)
		if err != nil {
			return netip.Addr{}, fmt.Errorf("error reading response body: %w", err)
		}
		return parseIPv4(string(b))
	}

	obj, err := jason.NewObjectFromReader(body)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("error decoding JSON response: %w", err)
	}
	ip, err := obj.GetString(strings.Split(s.field, ".")...)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("error reading field %q: %w", s.field, err)
	}
	return parseIPv4(ip)
}

type dnsSource struct {
	raw    string
	server string
	name   string
}

func (s dnsSource) String() string { return s.raw }

func (s dnsSource) lookup(ctx context.Context, _ *http.Client) (netip.Addr, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(s.name), dns.TypeA)
	c := &dns.Client{Net: "udp4"}
	if deadline, ok := ctx.Deadline(); ok {
		c.Timeout = time.Until(deadline)
	}

	r, _, err := c.ExchangeContext(ctx, m, s.server)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("dns query failed: %w", err)
	}
	if r.Rcode != dns.RcodeSuccess {
		return netip.Addr{}, fmt.Errorf("dns query returned %s", dns.RcodeToString[r.Rcode])
	}
	for _, rr := range r.Answer {
		if a, ok := rr.(*dns.A); ok {
			if addr, ok := netip.AddrFromSlice(a.A.To4()); ok {
				return addr, nil
			}
		}
	}
	return netip.Addr{}, errors.New("dns answer held no A record")
}

type ifaceSource struct {
	name string
}

func (s ifaceSource) String() string { return "iface://" + s.name }

func (s ifaceSource) lookup(context.Context, *http.Client) (netip.Addr, error) {
	addrs, err := InterfaceAddrs(s.name)
	if err != nil {
		return netip.Addr{}, err
	}
	for _, a := range addrs {
		if a.Is4() && a.IsGlobalUnicast() && !a.IsPrivate() {
			return a, nil
		}
	}
	return netip.Addr{}, fmt.Errorf("interface %s has no public IPv4 address", s.name)
}

// parseIPv4 trims s and parses it as an IPv4 address.
// IPv4-mapped IPv6 addresses are unmapped.
func parseIPv4(s string) (netip.Addr, error) {
	s = strings.TrimSpace(s)
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("error parsing IP address from response %q: %w", truncate(s, 64), err)
	}
	addr = addr.Unmap()
	if !addr.Is4() {
		return netip.Addr{}, fmt.Errorf("%s is not an IPv4 address", addr)
	}
	return addr, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
