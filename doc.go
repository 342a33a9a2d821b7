/*
Package cfddns keeps a Cloudflare A record pointed at the host's public IPv4 address.

Usage will always start with [cfddns.New],
which returns the DDNSClient implementation.
New requires the record name which will be updated and a [Provider] implementation,
usually Cloudflare registered with [UsingCloudflare].
Additional client configuration options are listed in the docs for New.

Each call to RunDDNS performs a single cycle:
the public address is decided by a majority vote across several IP sources,
compared with the address stored by the last successful run,
and pushed to the provider only when it differs.
Scheduling repeated runs is left to the caller (cron, a systemd timer, etc).
*/
package cfddns
