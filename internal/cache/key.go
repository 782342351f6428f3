package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Key computes the deterministic cache key for an LM generation request:
// a cryptographic hash of the prompt, model, sampling parameters, and an
// optional images hash. Two calls with identical arguments always
// produce the same key, and differing arguments practically never
// collide.
func Key(prompt, model string, maxTokens int, temperature float64, imagesHash string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d|%g|%s", prompt, model, maxTokens, temperature, imagesHash)
	return hex.EncodeToString(h.Sum(nil))
}
