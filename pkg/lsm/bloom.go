package lsm

import (
	"fmt"
	"math"

	"github.com/spaolacci/murmur3"
)

// BloomFilter is a probabilistic data structure for set membership testing
// - False positives possible (may say key exists when it doesn't)
// - False negatives impossible (if it says key doesn't exist, it definitely doesn't)
//
// Serialized form: bit array (little-endian bit order) followed by one byte
// holding the hash count.
type BloomFilter struct {
	bits      []byte
	size      uint32 // in bits
	hashCount int
}

const maxBloomBits = 1 << 28 // 32 MiB per table

// NewBloomFilter creates a Bloom filter optimized for the given parameters
// expectedItems: number of items to store
// falsePositiveRate: desired false positive rate (e.g., 0.01 for 1%)
func NewBloomFilter(expectedItems int, falsePositiveRate float64) *BloomFilter {
	if expectedItems <= 0 {
		expectedItems = 1
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01 // Default 1%
	}

	// m = -(n * ln(p)) / (ln(2)^2)
	// k = (m/n) * ln(2)
	size := math.Ceil(-float64(expectedItems) * math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2))
	if size > maxBloomBits {
		size = maxBloomBits
	}
	if size < 64 {
		size = 64
	}
	hashCount := int(math.Ceil((size / float64(expectedItems)) * math.Ln2))
	if hashCount < 1 {
		hashCount = 1
	}
	if hashCount > 30 {
		hashCount = 30
	}

	// Whole bytes so the decoded size matches.
	nbytes := (uint32(size) + 7) / 8
	return &BloomFilter{
		bits:      make([]byte, nbytes),
		size:      nbytes * 8,
		hashCount: hashCount,
	}
}

// UnmarshalBloomFilter decodes a filter produced by MarshalBinary.
func UnmarshalBloomFilter(data []byte) (*BloomFilter, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: bloom filter of %d bytes", ErrCorruption, len(data))
	}
	k := int(data[len(data)-1])
	if k < 1 || k > 30 {
		return nil, fmt.Errorf("%w: bloom filter hash count %d", ErrCorruption, k)
	}
	bits := make([]byte, len(data)-1)
	copy(bits, data)
	return &BloomFilter{
		bits:      bits,
		size:      uint32(len(bits) * 8),
		hashCount: k,
	}, nil
}

// hashes derives the two base hashes for double hashing:
// g_i(key) = h1 + i*h2
func bloomHashes(key []byte) (uint32, uint32) {
	h1, h2 := murmur3.Sum128(key)
	// h2 odd keeps the probe sequence from collapsing on even-sized arrays.
	return uint32(h1), uint32(h2) | 1
}

// Add adds a key to the Bloom filter
func (bf *BloomFilter) Add(key []byte) {
	h1, h2 := bloomHashes(key)
	for i := 0; i < bf.hashCount; i++ {
		bit := (h1 + uint32(i)*h2) % bf.size
		bf.bits[bit>>3] |= 1 << (bit & 7)
	}
}

// MayContain checks if a key might be in the set
// Returns true if key might exist (with false positive rate)
// Returns false if key definitely doesn't exist
func (bf *BloomFilter) MayContain(key []byte) bool {
	h1, h2 := bloomHashes(key)
	for i := 0; i < bf.hashCount; i++ {
		bit := (h1 + uint32(i)*h2) % bf.size
		if bf.bits[bit>>3]&(1<<(bit&7)) == 0 {
			return false
		}
	}
	return true
}

// Size returns the size of the filter in bits
func (bf *BloomFilter) Size() int {
	return int(bf.size)
}

// HashCount returns the number of hash functions
func (bf *BloomFilter) HashCount() int {
	return bf.hashCount
}

// EstimateFalsePositiveRate estimates current false positive rate
func (bf *BloomFilter) EstimateFalsePositiveRate(itemCount int) float64 {
	// p = (1 - e^(-k*n/m))^k
	k := float64(bf.hashCount)
	n := float64(itemCount)
	m := float64(bf.size)

	return math.Pow(1.0-math.Exp(-k*n/m), k)
}

// Merge combines another Bloom filter into this one (OR operation)
// Both filters must have the same size and hash count
func (bf *BloomFilter) Merge(other *BloomFilter) error {
	if bf.size != other.size || bf.hashCount != other.hashCount {
		return ErrIncompatibleFilters
	}

	for i := range bf.bits {
		bf.bits[i] |= other.bits[i]
	}

	return nil
}

// MarshalBinary serializes the Bloom filter
func (bf *BloomFilter) MarshalBinary() []byte {
	data := make([]byte, len(bf.bits)+1)
	copy(data, bf.bits)
	data[len(bf.bits)] = byte(bf.hashCount)
	return data
}

var ErrIncompatibleFilters = &BloomFilterError{"incompatible bloom filters"}

type BloomFilterError struct {
	msg string
}

func (e *BloomFilterError) Error() string {
	return e.msg
}
