package config

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// Host is a server_addr entry: either a literal IPv4/IPv6 address or a
// domain name resolved lazily through the system resolver (the configured
// name_servers are not consulted). Grounded
// on infrastructure/settings.Host, trimmed to what server_addr and
// name_servers/stun_servers actually need: parse, stringify, and resolve.
type Host struct {
	domain string
	ip     netip.Addr
}

var lookupHostContext = func(ctx context.Context, domain string) ([]string, error) {
	return net.DefaultResolver.LookupHost(ctx, domain)
}

// ParseHost accepts "host:port" or "[ipv6]:port" and splits it into a Host
// plus port, the shape server_addr (spec §6.4) is configured in.
func ParseHost(raw string) (Host, int, error) {
	hostPart, portPart, err := net.SplitHostPort(strings.TrimSpace(raw))
	if err != nil {
		return Host{}, 0, fmt.Errorf("config: invalid server_addr %q: %w", raw, err)
	}
	port, err := strconv.Atoi(portPart)
	if err != nil || port < 1 || port > 65535 {
		return Host{}, 0, fmt.Errorf("config: invalid port in server_addr %q", raw)
	}
	if ip, err := netip.ParseAddr(strings.Trim(hostPart, "[]")); err == nil {
		return Host{ip: ip.Unmap()}, port, nil
	}
	domain, ok := normalizeDomain(hostPart)
	if !ok {
		return Host{}, 0, fmt.Errorf("config: invalid host in server_addr %q", raw)
	}
	return Host{domain: domain}, port, nil
}

func (h Host) String() string {
	if h.domain != "" {
		return h.domain
	}
	if h.ip.IsValid() {
		return h.ip.String()
	}
	return ""
}

func (h Host) IsDomain() bool { return h.domain != "" }

// Resolve returns an AddrPort for h: immediate if it already carries an
// IP, otherwise the first address DNS returns for the domain, the same
// fallback order idle_gateway's domain_request0 relies on.
func (h Host) Resolve(ctx context.Context, port int) (netip.AddrPort, error) {
	if h.ip.IsValid() {
		return netip.AddrPortFrom(h.ip, uint16(port)), nil
	}
	if h.domain == "" {
		return netip.AddrPort{}, fmt.Errorf("config: empty host")
	}
	addrs, err := lookupHostContext(ctx, h.domain)
	if err != nil || len(addrs) == 0 {
		return netip.AddrPort{}, fmt.Errorf("config: resolving %q: %w", h.domain, err)
	}
	ip, err := netip.ParseAddr(addrs[0])
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("config: bad resolved address %q: %w", addrs[0], err)
	}
	return netip.AddrPortFrom(ip.Unmap(), uint16(port)), nil
}

type hostJSON struct {
	Domain string `json:"domain,omitempty"`
	IP     string `json:"ip,omitempty"`
}

func (h Host) MarshalJSON() ([]byte, error) {
	if h.domain != "" {
		return json.Marshal(hostJSON{Domain: h.domain})
	}
	return json.Marshal(hostJSON{IP: h.ip.String()})
}

func (h *Host) UnmarshalJSON(data []byte) error {
	var obj hostJSON
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("config: invalid Host JSON: %w", err)
	}
	if obj.Domain != "" {
		domain, ok := normalizeDomain(obj.Domain)
		if !ok {
			return fmt.Errorf("config: invalid domain %q", obj.Domain)
		}
		*h = Host{domain: domain}
		return nil
	}
	ip, err := netip.ParseAddr(obj.IP)
	if err != nil {
		return fmt.Errorf("config: invalid Host IP %q: %w", obj.IP, err)
	}
	*h = Host{ip: ip.Unmap()}
	return nil
}

func normalizeDomain(raw string) (string, bool) {
	domain := strings.ToLower(strings.TrimSpace(raw))
	domain = strings.TrimSuffix(domain, ".")
	if domain == "" || len(domain) > 253 {
		return "", false
	}
	for _, label := range strings.Split(domain, ".") {
		if !isValidDomainLabel(label) {
			return "", false
		}
	}
	return domain, true
}

func isValidDomainLabel(label string) bool {
	if len(label) == 0 || len(label) > 63 {
		return false
	}
	if label[0] == '-' || label[len(label)-1] == '-' {
		return false
	}
	for _, c := range label {
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' {
			continue
		}
		return false
	}
	return true
}
