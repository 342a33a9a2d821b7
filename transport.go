package cfddns

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"
)

// DefaultTimeout bounds each individual IP source lookup.
const DefaultTimeout = 5 * time.Second

// UserAgent is sent with every request made by this package.
var UserAgent = "cfddns/1.0 (+https://github.com/Travis-Britz/cfddns)"

// IPv4HTTPClient returns an HTTP client which only dials IPv4 addresses.
//
// Public IP services answer with the address of the connection they receive,
// so on a dual-stack host a plain client may report an IPv6 address instead.
// The restriction lives in this client's transport and affects nothing else in the process.
func IPv4HTTPClient(timeout time.Duration) *http.Client {
	t := cleanhttp.DefaultPooledTransport()
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		return dialer.DialContext(ctx, ipv4Network(network), addr)
	}
	return &http.Client{Transport: t, Timeout: timeout}
}

func ipv4Network(network string) string {
	switch network {
	case "tcp", "tcp6":
		return "tcp4"
	case "udp", "udp6":
		return "udp4"
	}
	return network
}
