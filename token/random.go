package token

import "crypto/rand"

// readRandom fills b with cryptographically random bytes.
func readRandom(b []byte) (int, error) {
	return rand.Read(b)
}
