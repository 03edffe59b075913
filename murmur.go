package nbhm

import "github.com/spaolacci/murmur3"

// Murmur3Hasher returns a seeded murmur3-backed hash function for
// string-like keys, suitable for NewWithHasher. Hashes are stable for a
// given key and map seed, as the probe protocol requires.
func Murmur3Hasher[K ~string]() func(K, uintptr) uintptr {
	return func(key K, seed uintptr) uintptr {
		return uintptr(murmur3.Sum64WithSeed([]byte(key), uint32(seed)))
	}
}
