// Package util provides shared utility functions.
package util

import (
	"hash/fnv"
	"net/netip"
)

// HashAddr computes a 4-byte hash of a normalized client address. The hash
// is used to pick a cache shard and does not need to be reversible.
func HashAddr(addr netip.Addr) uint32 {
	h := fnv.New32a()
	b := addr.As16()
	h.Write(b[:])
	return h.Sum32()
}
