// Package decode converts raw Modbus register words into a channel's 64-bit
// counter value. It is pure and stateless: the same words and width always
// produce the same result, per spec section 4.2.
package decode

import (
	"fmt"

	"counterflow/internal/collector/model"
)

// expectedWords is grounded on rolfl-modbus/codec.go's word-count-per-value
// conventions: one register per 16 bits, big-endian word order across
// registers.
func expectedWords(width model.CounterWidth) int {
	switch width {
	case model.Width16:
		return 1
	case model.Width32:
		return 2
	default:
		return 4
	}
}

// Decode assembles words (as returned by a Read Holding Registers call) into
// a zero-extended uint64 counter value. Word order is big-endian (the first
// word holds the most significant 16 bits), matching common Modbus counter
// device conventions. A register_count/width mismatch is a ConfigurationError
// fault, not a panic, since it can only happen from bad configuration, never
// from wire corruption (the transport already validated the word count it
// returned).
func Decode(width model.CounterWidth, words []uint16) (uint64, error) {
	want := expectedWords(width)
	if len(words) != want {
		return 0, model.NewFault(model.ErrConfiguration,
			fmt.Errorf("decode: width %d requires %d registers, got %d", width, want, len(words)))
	}
	var v uint64
	for _, w := range words {
		v = v<<16 | uint64(w)
	}
	return v, nil
}

// SwapWords returns a copy of words in reverse register order, turning a
// low-word-first layout (published by some counter devices) into the
// most-significant-word-first order Decode expects. Bytes within each word
// are left as they are. The device loop does not call it, and ChannelConfig
// has no option that selects it.
func SwapWords(words []uint16) []uint16 {
	out := make([]uint16, len(words))
	for i, w := range words {
		out[len(words)-1-i] = w
	}
	return out
}
