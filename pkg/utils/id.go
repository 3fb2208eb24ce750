package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
)

// GeneratePeerID returns a prefixed uuid, e.g. "host_1b4e...".
func GeneratePeerID(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, uuid.NewString())
}

// GenerateEpoch identifies one handshake attempt.
func GenerateEpoch() string {
	return uuid.NewString()
}

// GenerateInstanceID identifies one running process on the event bus.
func GenerateInstanceID() string {
	return uuid.NewString()
}

// GenerateSessionCode returns n decimal digits drawn from crypto/rand.
func GenerateSessionCode(n int) (string, error) {
	var b strings.Builder
	b.Grow(n)
	ten := big.NewInt(10)
	for i := 0; i < n; i++ {
		d, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + d.Int64()))
	}
	return b.String(), nil
}

func GenerateRequestID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return fmt.Sprintf("req_%d_%s", time.Now().UnixNano(), hex.EncodeToString(b))
}
