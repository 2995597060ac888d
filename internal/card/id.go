package card

import (
	"crypto/rand"

	"github.com/google/uuid"

	"github.com/keithlinneman/cardshare/internal/cryptoutil"
)

// IDLength is the length of a card id in the share URL.
const IDLength = 10

// 64 symbols so a random byte masked to 6 bits maps without bias
const idAlphabet = "useandom-26T198340PX75pxJACKVERYMINDBUSHWOLF_GQZbfghjklqvwyzrict"

// NewID returns a random URL safe card id.
func NewID() (string, error) {
	var b [IDLength]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	for i := range b {
		b[i] = idAlphabet[b[i]&63]
	}
	return string(b[:]), nil
}

// NewOwnerToken returns the bearer token handed to the creator. Only its hash is stored.
func NewOwnerToken() string {
	return uuid.NewString()
}

// HashToken returns the hex sha256 of a token or client identity.
func HashToken(token string) string {
	return cryptoutil.SHA256Hex([]byte(token))
}

// TokenMatches compares a presented token against a stored hash in constant time.
func TokenMatches(token, storedHash string) bool {
	return cryptoutil.HashEqual(HashToken(token), storedHash)
}

// ValidID reports whether id could have come from NewID.
func ValidID(id string) bool {
	if len(id) != IDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-' || c == '_') {
			return false
		}
	}
	return true
}
