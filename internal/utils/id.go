package utils

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"sync/atomic"
)

var fallbackSeq atomic.Uint64

// NewID returns a short identifier such as "ws-1f0c9a2b7e4d5a60" for logs
// and connection bookkeeping. It is unique per process, not secret.
func NewID(kind string) string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err == nil {
		return kind + "-" + hex.EncodeToString(buf)
	}
	return kind + "-seq" + strconv.FormatUint(fallbackSeq.Add(1), 10)
}
