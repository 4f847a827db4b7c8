package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
)

// megolmRatchet is the Megolm group-ratchet state: four 256-bit parts
// advanced independently by repeated HMAC-SHA256, each part folding in
// the index of the part above it so that exporting the state at a given
// message index lets a recipient derive every later index but none
// earlier (a one-way ratchet, unlike Olm's symmetric sending/receiving
// chains).
type megolmRatchet struct {
	parts [4][32]byte
	index uint32
}

var megolmPartSeeds = [4]byte{0x00, 0x01, 0x02, 0x03}

// newMegolmRatchet seeds a fresh ratchet from 128 bytes of randomness,
// one 32-byte part each.
func newMegolmRatchet(seed []byte) megolmRatchet {
	var r megolmRatchet
	copy(r.parts[0][:], seed[0:32])
	copy(r.parts[1][:], seed[32:64])
	copy(r.parts[2][:], seed[64:96])
	copy(r.parts[3][:], seed[96:128])
	return r
}

// advance moves the ratchet forward by one message index: part 3
// (innermost) re-hashes itself on every step; each time a part wraps
// (every 256 steps of the part below it), the part above it re-hashes
// and every part below it is re-derived from that new value. This is
// the same "R_k changes every 256^(3-k) steps, reseeding everything
// beneath it" structure the Megolm ratchet uses so that knowing the
// state at index i lets a holder derive every index > i but none < i.
func (r *megolmRatchet) advance() {
	r.advanceTo(r.index + 1)
}

// advanceTo moves the ratchet forward to absolute index target. target
// must be >= r.index; the ratchet cannot move backward.
func (r *megolmRatchet) advanceTo(target uint32) {
	for r.index < target {
		next := r.index + 1
		// Part p wraps when the (3-p)-byte-shifted index changes.
		changed := 3
		for p := 0; p < 3; p++ {
			shift := uint(8 * (3 - p))
			if r.index>>shift != next>>shift {
				changed = p
				break
			}
		}
		rehash(&r.parts[changed])
		for p := changed + 1; p < 4; p++ {
			r.parts[p] = seededHash(r.parts[p-1], megolmPartSeeds[p])
		}
		r.index = next
	}
}

func rehash(part *[32]byte) {
	mac := hmac.New(sha256.New, part[:])
	mac.Write([]byte{0xFF})
	copy(part[:], mac.Sum(nil))
}

func seededHash(key [32]byte, seed byte) [32]byte {
	mac := hmac.New(sha256.New, key[:])
	mac.Write([]byte{seed})
	var out [32]byte
	copy(out[:], mac.Sum(nil))
	return out
}

// messageKey derives the per-message key from the ratchet's current
// state without mutating it.
func (r *megolmRatchet) messageKey() []byte {
	mac := hmac.New(sha256.New, r.hash())
	mac.Write([]byte("MEGOLM_MESSAGE_KEY"))
	return mac.Sum(nil)
}

// hash combines all four parts into a single 32-byte value representing
// the ratchet's state at its current index.
func (r *megolmRatchet) hash() []byte {
	mac := hmac.New(sha256.New, r.parts[3][:])
	mac.Write(r.parts[2][:])
	sum := mac.Sum(nil)
	mac2 := hmac.New(sha256.New, sum)
	mac2.Write(r.parts[1][:])
	sum2 := mac2.Sum(nil)
	mac3 := hmac.New(sha256.New, sum2)
	mac3.Write(r.parts[0][:])
	return mac3.Sum(nil)
}

// export serializes the ratchet state (for Megolm's session_key /
// forwarded-key wire format): index followed by the four parts.
func (r *megolmRatchet) export() []byte {
	out := make([]byte, 4+128)
	out[0] = byte(r.index >> 24)
	out[1] = byte(r.index >> 16)
	out[2] = byte(r.index >> 8)
	out[3] = byte(r.index)
	copy(out[4:36], r.parts[0][:])
	copy(out[36:68], r.parts[1][:])
	copy(out[68:100], r.parts[2][:])
	copy(out[100:132], r.parts[3][:])
	return out
}

func importMegolmRatchet(data []byte) (megolmRatchet, bool) {
	var r megolmRatchet
	if len(data) != 132 {
		return r, false
	}
	r.index = uint32(data[0])<<24 | uint32(data[1])<<16 | uint32(data[2])<<8 | uint32(data[3])
	copy(r.parts[0][:], data[4:36])
	copy(r.parts[1][:], data[36:68])
	copy(r.parts[2][:], data[68:100])
	copy(r.parts[3][:], data[100:132])
	return r, true
}
