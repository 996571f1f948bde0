// Package protocol handles the bytes carried by the Wi-Fi credential
// characteristic: offset windows for reads, MTU-sized chunks and the
// credential text itself.
package protocol

import "unicode/utf8"

// DefaultMTU is the ATT MTU every link starts with before an exchange.
const DefaultMTU = 23

// attHeaderBytes is the opcode byte that precedes a read response payload.
const attHeaderBytes = 1

// Window returns the part of value starting at offset. Offsets at or past
// the end yield an empty, non-nil slice. The result aliases value.
func Window(value []byte, offset int) []byte {
	if offset <= 0 {
		if value == nil {
			return []byte{}
		}
		return value
	}
	if offset >= len(value) {
		return []byte{}
	}
	return value[offset:]
}

// PayloadSize returns the attribute bytes that fit in one PDU for mtu.
// Values below DefaultMTU are treated as DefaultMTU.
func PayloadSize(mtu int) int {
	if mtu < DefaultMTU {
		mtu = DefaultMTU
	}
	return mtu - attHeaderBytes
}

// Chunk splits value into payloads that each fit one PDU at the given MTU.
// It never splits a UTF-8 character unless a single rune is larger than the
// payload. Returns nil for an empty value.
func Chunk(value []byte, mtu int) [][]byte {
	if len(value) == 0 {
		return nil
	}
	max := PayloadSize(mtu)
	if len(value) <= max {
		return [][]byte{value}
	}

	var chunks [][]byte
	for len(value) > 0 {
		if len(value) <= max {
			chunks = append(chunks, value)
			break
		}

		// Walk back to the start of a rune so multi-byte text survives
		// reassembly on centrals that decode each chunk.
		split := max
		for split > 0 && !utf8.RuneStart(value[split]) {
			split--
		}
		if split == 0 {
			split = max
		}

		chunks = append(chunks, value[:split])
		value = value[split:]
	}
	return chunks
}

// Splice writes fragment into value at offset and drops anything after it,
// the way a long write rebuilds an attribute. Offsets past the end append.
// The result never aliases fragment.
func Splice(value []byte, offset int, fragment []byte) []byte {
	if offset < 0 {
		offset = 0
	}
	if offset > len(value) {
		offset = len(value)
	}
	out := make([]byte, 0, offset+len(fragment))
	out = append(out, value[:offset]...)
	return append(out, fragment...)
}
