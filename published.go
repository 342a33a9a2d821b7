package cfddns

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/likexian/doh"
	dohdns "github.com/likexian/doh/dns"
)

// PublishedAddrs asks public DNS-over-HTTPS resolvers which IPv4 addresses name currently resolves to.
// Caches along the way mean the answer can lag behind a recent update by up to the record TTL.
func PublishedAddrs(ctx context.Context, name string) ([]netip.Addr, error) {
	c := doh.Use(doh.CloudflareProvider, doh.GoogleProvider)
	defer c.Close()

	resp, err := c.Query(ctx, dohdns.Domain(name), dohdns.TypeA)
	if err != nil {
		return nil, fmt.Errorf("error resolving %s over https: %w", name, err)
	}
	var addrs []netip.Addr
	for _, a := range resp.Answer {
		if a.Type != 1 { // A; CNAME answers are skipped
			continue
		}
		addr, err := parseIPv4(a.Data)
		if err != nil {
			continue
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}
