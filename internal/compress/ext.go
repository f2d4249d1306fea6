package compress

// ExtensionRecord is the fixed 4-byte trailing record a frame carries when
// header.Header.HasExtension() is set (spec §4.1): algorithm byte,
// two reserved bytes, and a record type byte (0 = compression, the only
// extension type the spec defines).
type ExtensionRecord struct {
	Algorithm Algorithm
}

// ExtensionRecordLen is the on-wire size of an ExtensionRecord.
const ExtensionRecordLen = 4

const extensionTypeCompression = 0

// Marshal encodes r as the 4-byte trailing record.
func (r ExtensionRecord) Marshal() [ExtensionRecordLen]byte {
	return [ExtensionRecordLen]byte{byte(r.Algorithm), 0, 0, extensionTypeCompression}
}

// UnmarshalExtensionRecord parses the trailing 4 bytes of a frame that has
// header.Header.HasExtension() set.
func UnmarshalExtensionRecord(buf []byte) (ExtensionRecord, error) {
	if len(buf) < ExtensionRecordLen {
		return ExtensionRecord{}, ErrCorrupt
	}
	if buf[3] != extensionTypeCompression {
		return ExtensionRecord{}, ErrUnknownAlgorithm
	}
	return ExtensionRecord{Algorithm: Algorithm(buf[0])}, nil
}
