package cipher

import "vntgo/internal/wire/header"

// noneCipher is the passthrough model: frames are never marked encrypted
// and carry no finger tag. Used when no password/key is configured (spec
// §4.1 CipherModel::None).
type noneCipher struct{}

func (noneCipher) Model() Model  { return ModelNone }
func (noneCipher) Overhead() int { return 0 }

func (noneCipher) Seal(h header.Header) ([]byte, error) {
	h.SetEncrypted(false)
	return h.Raw(), nil
}

func (noneCipher) Open(h header.Header) (int, error) {
	if h.IsEncrypted() {
		return 0, ErrNoKey
	}
	return len(h.Payload()), nil
}
