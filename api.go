package cfddns

import (
	"context"
	"net/netip"
)

// Resolver reports the public IPv4 address of the host.
type Resolver interface {
	Resolve(context.Context) (netip.Addr, error)
}

// Provider looks up and modifies DNS records at a DNS hosting provider.
type Provider interface {
	ZoneID(ctx context.Context, zone string) (string, error)
	Record(ctx context.Context, zoneID string, name string, recordType string) (Record, error)
	UpdateRecord(ctx context.Context, zoneID string, record Record) error
}

// Store holds the last address that was confirmed by the provider.
//
// LastConfirmed returns an empty string and a nil error when nothing has been stored yet.
type Store interface {
	LastConfirmed() (string, error)
	Confirm(addr string) error
}

// Record is a single DNS record as seen by a Provider.
type Record struct {
	ID      string
	Type    string
	Name    string
	Content string
	TTL     int
	Proxied bool
	Comment string
}

// Logger is satisfied by *log.Logger from github.com/gologme/log.
type Logger interface {
	Printf(string, ...interface{})
	Infof(string, ...interface{})
	Warnf(string, ...interface{})
	Errorf(string, ...interface{})
	Debugf(string, ...interface{})
}
