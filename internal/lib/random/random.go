package random

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// MinBytes is the smallest amount of entropy handed out for tokens and cookie values.
const MinBytes = 12

// Token returns a URL-safe string built from n cryptographically random bytes.
func Token(n int) (string, error) {
	const op = "random.Token"

	if n < MinBytes {
		n = MinBytes
	}

	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Pair returns a link token and a cookie value from two independent draws.
func Pair(n int) (token, cookie string, err error) {
	token, err = Token(n)
	if err != nil {
		return "", "", err
	}

	cookie, err = Token(n)
	if err != nil {
		return "", "", err
	}

	return token, cookie, nil
}
