package utils

import (
	"crypto/rand"
	"io"
	"math/big"

	"github.com/google/uuid"
)

// NewClientID returns the identifier assigned to a fresh relay connection.
func NewClientID() string {
	return uuid.NewString()
}

// NewRoomID returns an opaque room identifier.
func NewRoomID() string {
	return uuid.NewString()
}

// GenerateCode draws length characters uniformly from alphabet using src.
// A nil src uses crypto/rand.
func GenerateCode(src io.Reader, alphabet string, length int) (string, error) {
	if src == nil {
		src = rand.Reader
	}
	max := big.NewInt(int64(len(alphabet)))
	out := make([]byte, length)
	for i := range out {
		n, err := rand.Int(src, max)
		if err != nil {
			return "", err
		}
		out[i] = alphabet[n.Int64()]
	}
	return string(out), nil
}
