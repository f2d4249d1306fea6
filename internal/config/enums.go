package config

import (
	"fmt"
	"strings"

	"vntgo/internal/cipher"
	"vntgo/internal/compress"
)

// CipherModel is the JSON-facing form of cipher_model (spec §6.4), naming
// every algorithm the original enumerates. AesEcb has no cipher.Model
// counterpart yet (internal/cipher never grew an ECB implementation, see
// DESIGN.md) so Resolve rejects it rather than silently downgrading.
type CipherModel string

const (
	CipherAesGcm            CipherModel = "AesGcm"
	CipherChaCha20Poly1305  CipherModel = "ChaCha20Poly1305"
	CipherChaCha20          CipherModel = "ChaCha20"
	CipherAesCbc            CipherModel = "AesCbc"
	CipherAesEcb            CipherModel = "AesEcb"
	CipherSm4Cbc            CipherModel = "Sm4Cbc"
	CipherXor               CipherModel = "Xor"
	CipherNone              CipherModel = "None"
)

// Resolve maps the configured name to a cipher.Model the cipher package
// can build.
func (m CipherModel) Resolve() (cipher.Model, error) {
	switch m {
	case "", CipherNone:
		return cipher.ModelNone, nil
	case CipherAesGcm:
		return cipher.ModelAesGcm, nil
	case CipherChaCha20Poly1305:
		return cipher.ModelChaCha20Poly1305, nil
	case CipherChaCha20:
		return cipher.ModelChaCha20, nil
	case CipherAesCbc:
		return cipher.ModelAesCbc, nil
	case CipherSm4Cbc:
		return cipher.ModelSm4Cbc, nil
	case CipherXor:
		return cipher.ModelXor, nil
	case CipherAesEcb:
		return 0, fmt.Errorf("config: cipher_model %q is not implemented", m)
	default:
		return 0, fmt.Errorf("config: unknown cipher_model %q", m)
	}
}

// Compressor is the JSON-facing form of compressor (spec §6.4): None,
// Lz4, or Zstd with a compression level.
type Compressor struct {
	Algorithm string `json:"algorithm"`
	Level     int    `json:"level,omitempty"`
}

func (c Compressor) Resolve() (compress.Algorithm, error) {
	switch strings.ToLower(c.Algorithm) {
	case "", "none":
		return compress.AlgorithmNone, nil
	case "lz4":
		return compress.AlgorithmLz4, nil
	case "zstd":
		return compress.AlgorithmZstd, nil
	default:
		return 0, fmt.Errorf("config: unknown compressor %q", c.Algorithm)
	}
}

// PunchModel is punch_model (spec §6.4): which address families/transports
// hole-punching is allowed to try.
type PunchModel string

const (
	PunchAll      PunchModel = "All"
	PunchIPv4     PunchModel = "IPv4"
	PunchIPv6     PunchModel = "IPv6"
	PunchIPv4Tcp  PunchModel = "IPv4Tcp"
	PunchIPv4Udp  PunchModel = "IPv4Udp"
	PunchIPv6Tcp  PunchModel = "IPv6Tcp"
	PunchIPv6Udp  PunchModel = "IPv6Udp"
)

func (p PunchModel) Valid() bool {
	switch p {
	case "", PunchAll, PunchIPv4, PunchIPv6, PunchIPv4Tcp, PunchIPv4Udp, PunchIPv6Tcp, PunchIPv6Udp:
		return true
	default:
		return false
	}
}

// AllowsIPv4 reports whether this punch model permits IPv4 hole-punching
// at all (every model except a pure-IPv6 one).
func (p PunchModel) AllowsIPv4() bool {
	return p != PunchIPv6 && p != PunchIPv6Tcp && p != PunchIPv6Udp
}

// ChannelType is use_channel_type (spec §6.4): whether the engine may use
// direct p2p routes, relay-only, or both.
type ChannelType string

const (
	ChannelP2POnly  ChannelType = "P2pOnly"
	ChannelRelayOnly ChannelType = "RelayOnly"
	ChannelAll      ChannelType = "All"
)

func (c ChannelType) Valid() bool {
	switch c {
	case "", ChannelP2POnly, ChannelRelayOnly, ChannelAll:
		return true
	default:
		return false
	}
}

func (c ChannelType) AllowsP2P() bool   { return c != ChannelRelayOnly }
func (c ChannelType) AllowsRelay() bool { return c != ChannelP2POnly }
