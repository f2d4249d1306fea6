// Package config loads and validates the client's JSON configuration file
// (spec §6.4), covering network identity, the cipher/compression/punch
// stack selection, transport tuning knobs, and the static route lists
// that feed the TUN ingress/egress path. Grounded on the teacher's
// infrastructure/settings package: typed wrapper value objects
// (Host, CipherModel, Compressor, PunchModel, ChannelType here) rather
// than bare primitives, each able to validate and marshal itself.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"os"
)

// Config is the full set of options spec.md §6.4 enumerates.
type Config struct {
	Token    string `json:"token"`
	DeviceID string `json:"device_id"`
	Name     string `json:"name"`

	ServerAddr  string          `json:"server_addr"`
	NameServers []netip.AddrPort `json:"name_servers,omitempty"`
	StunServers []netip.AddrPort `json:"stun_servers,omitempty"`

	Password        string      `json:"password,omitempty"`
	ServerEncrypt   bool        `json:"server_encrypt"`
	CipherModel     CipherModel `json:"cipher_model,omitempty"`
	Compressor      Compressor  `json:"compressor,omitzero"`
	Finger          bool        `json:"finger"`
	PunchModel      PunchModel  `json:"punch_model,omitempty"`
	UseChannelType  ChannelType `json:"use_channel_type,omitempty"`

	Ports         []uint16 `json:"ports,omitempty"`
	ChannelNum    uint8    `json:"channel_num"`
	FirstLatency  bool     `json:"first_latency"`
	PacketLossRate float64 `json:"packet_loss_rate,omitempty"`
	PacketDelayMs  int     `json:"packet_delay_ms,omitempty"`
	Parallel       uint8   `json:"parallel"`

	InIPs  []InRoute  `json:"in_ips,omitempty"`
	OutIPs []OutRoute `json:"out_ips,omitempty"`

	IP         netip.Addr `json:"ip,omitzero"`
	Tap        bool       `json:"tap"`
	MTU        uint32     `json:"mtu"`
	DeviceName string     `json:"device_name,omitempty"`

	SimulateMulticast bool `json:"simulate_multicast"`
	NoProxy           bool `json:"no_proxy"`
	AllowWireGuard    bool `json:"allow_wire_guard"`
}

// DefaultMTU matches the original's unconfigured fallback for both TUN
// and TAP modes.
const DefaultMTU = 1420

var (
	ErrEmptyToken = errors.New("config: token must not be empty")
	ErrEmptyAddr  = errors.New("config: server_addr must not be empty")
)

// Validate rejects configurations that can never produce a working
// session: an empty network token or registrar address, and any
// unresolvable enum selection.
func (c *Config) Validate() error {
	if c.Token == "" {
		return ErrEmptyToken
	}
	if c.ServerAddr == "" {
		return ErrEmptyAddr
	}
	if _, _, err := ParseHost(c.ServerAddr); err != nil {
		return err
	}
	if _, err := c.CipherModel.Resolve(); err != nil {
		return err
	}
	if _, err := c.Compressor.Resolve(); err != nil {
		return err
	}
	if !c.PunchModel.Valid() {
		return fmt.Errorf("config: unknown punch_model %q", c.PunchModel)
	}
	if !c.UseChannelType.Valid() {
		return fmt.Errorf("config: unknown use_channel_type %q", c.UseChannelType)
	}
	if c.ChannelNum == 0 {
		c.ChannelNum = 1
	}
	if c.Parallel == 0 {
		c.Parallel = 1
	}
	if c.MTU == 0 {
		c.MTU = DefaultMTU
	}
	return nil
}

// ClientKey derives the p2p/client cipher key: the password-derived key
// if one is configured (spec §6.4), or nil for cipher models that take
// no key (None, Xor without a password — vntgo still requires a key for
// Xor; callers should treat a nil return as "generate or reject
// depending on cipher_model").
func (c *Config) ClientKey() []byte {
	if c.Password == "" {
		return nil
	}
	return DeriveKey(c.Password)
}

// Load reads and validates a JSON configuration file from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes cfg to path as indented JSON, creating or truncating the
// file as needed.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshaling: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("config: writing %s: %w", path, err)
	}
	return nil
}
