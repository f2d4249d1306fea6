package config

import "net/netip"

// InRoute is one in_ips entry (spec §6.4): a destination prefix and the
// virtual IP of the peer it is reached through. Config loads and saves
// these entries; nothing outside this package reads in_ips, so no traffic
// is rewritten or routed by them.
type InRoute struct {
	DestCIDR netip.Prefix `json:"dest_cidr"`
	NextHop  netip.Addr   `json:"next_hop"`
}

// OutRoute is one out_ips entry (spec §6.4): cmd/vnt installs a TUN
// device route for each DestCIDR. LocalIP is loaded and saved but read
// nowhere outside this package; no source rewriting uses it.
type OutRoute struct {
	DestCIDR netip.Prefix `json:"dest_cidr"`
	LocalIP  netip.Addr   `json:"local_ip"`
}
