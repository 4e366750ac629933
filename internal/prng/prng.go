// Package prng implements splittable counter-based random keys.
//
// Every stochastic decision in the trainer (masking, dropout, replacement
// sampling) is derived from an explicit Key value. Keys are split, never
// reused: the training loop consumes its incoming key each step and carries
// the fresh key returned by the step. Splitting the same key always yields
// the same children, so a run is fully reproducible from the root seed, and
// per-device sub-keys are statistically independent of each other.
package prng

import (
	"math"
	"math/bits"
)

// Key identifies an independent random stream. The zero Key is a valid
// (if boring) stream; prefer NewKey.
type Key struct {
	hi, lo uint64
}

const golden = 0x9E3779B97F4A7C15

// splitmix64 finaliser; full-period mixing of a 64-bit counter.
func mix64(x uint64) uint64 {
	x ^= x >> 30
	x *= 0xBF58476D1CE4E5B9
	x ^= x >> 27
	x *= 0x94D049BB133111EB
	x ^= x >> 31
	return x
}

// block produces the ctr-th output word of the key's stream.
func (k Key) block(ctr uint64) uint64 {
	return mix64(k.hi ^ mix64(k.lo+ctr*golden))
}

// NewKey derives a key from an integer seed.
func NewKey(seed uint64) Key {
	return Key{hi: mix64(seed), lo: mix64(seed + golden)}
}

// Split derives n independent child keys. The parent key must not be used
// again after splitting.
func (k Key) Split(n int) []Key {
	if n <= 0 {
		panic("prng: split count must be positive")
	}
	out := make([]Key, n)
	for i := range out {
		c := uint64(i)
		out[i] = Key{hi: k.block(2*c + 1), lo: k.block(2*c + 2)}
	}
	return out
}

// Split2 is the common two-way split.
func (k Key) Split2() (Key, Key) {
	ks := k.Split(2)
	return ks[0], ks[1]
}

// Split3 mirrors the step protocol's three-way split.
func (k Key) Split3() (Key, Key, Key) {
	ks := k.Split(3)
	return ks[0], ks[1], ks[2]
}

// Fold derives a child key from data, e.g. a device rank. Unlike Split it
// does not consume the parent.
func (k Key) Fold(data uint64) Key {
	return Key{hi: k.block(2*data + 0x5555555555555555), lo: k.block(2*data + 0xAAAAAAAAAAAAAAAA)}
}

// Stream returns a sequential generator over the key's output words.
// Streams are cheap; derive one per use site rather than sharing.
func (k Key) Stream() *Stream {
	return &Stream{key: k}
}

// Stream draws successive values from a key's counter sequence.
// It is not safe for concurrent use.
type Stream struct {
	key Key
	ctr uint64
}

// Uint64 returns the next output word.
func (s *Stream) Uint64() uint64 {
	v := s.key.block(s.ctr)
	s.ctr++
	return v
}

// Float64 returns a uniform sample in [0, 1).
func (s *Stream) Float64() float64 {
	return float64(s.Uint64()>>11) * (1.0 / (1 << 53))
}

// open01 returns a uniform sample in the open interval (0, 1).
func (s *Stream) open01() float64 {
	for {
		u := s.Float64()
		if u > 0 {
			return u
		}
	}
}

// Bernoulli returns true with probability p.
func (s *Stream) Bernoulli(p float64) bool {
	return s.Float64() < p
}

// Gumbel returns a standard Gumbel sample, -log(-log(U)).
func (s *Stream) Gumbel() float64 {
	return -math.Log(-math.Log(s.open01()))
}

// Intn returns a uniform sample in [0, n).
func (s *Stream) Intn(n int) int {
	if n <= 0 {
		panic("prng: Intn bound must be positive")
	}
	// Lemire bounded sampling without the rejection loop; the residual bias
	// over a 64-bit word is far below float32 noise for vocab-sized n.
	hi, _ := bits.Mul64(s.Uint64(), uint64(n))
	return int(hi)
}
