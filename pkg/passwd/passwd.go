// Package passwd verifies and generates stored password hashes.
//
// Supported schemes are bcrypt (bare "$2a$"/"$2b$"/"$2y$" or "{BLF-CRYPT}"),
// salted and unsalted SHA-512 in base64 or hex ("{SSHA512}", "{SSHA512.HEX}",
// "{SHA512}", "{SHA512.HEX}") and "{PLAIN}" for development setups.
package passwd

import (
	"bytes"
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	ssha512PrefixB64         = "{SSHA512}"
	ssha512PrefixB64Explicit = "{SSHA512.b64}"
	ssha512PrefixHex         = "{SSHA512.HEX}"

	sha512PrefixB64         = "{SHA512}"
	sha512PrefixB64Explicit = "{SHA512.b64}"
	sha512PrefixHex         = "{SHA512.HEX}"

	blfCryptPrefix = "{BLF-CRYPT}"
	plainPrefix    = "{PLAIN}"

	sha512HashLength = 64
)

// Schemes accepted by Hash.
const (
	SchemeBcrypt  = "BLF-CRYPT"
	SchemeSSHA512 = "SSHA512"
	SchemeSHA512  = "SHA512"
	SchemePlain   = "PLAIN"
)

var (
	// ErrMismatch is returned when the password does not match the hash.
	ErrMismatch = errors.New("invalid password")
	// ErrUnknownScheme is returned for hashes without a recognised prefix.
	ErrUnknownScheme = errors.New("unknown password hash scheme")
)

// Verify checks password against a stored hash. It returns nil on a match,
// ErrMismatch on a wrong password and another error for malformed hashes.
func Verify(hashed, password string) error {
	switch {
	case hasAnyPrefix(hashed, ssha512PrefixB64, ssha512PrefixB64Explicit, ssha512PrefixHex):
		return verifySSHA512(hashed, password)
	case hasAnyPrefix(hashed, sha512PrefixB64, sha512PrefixB64Explicit, sha512PrefixHex):
		return verifySHA512(hashed, password)
	case strings.HasPrefix(hashed, blfCryptPrefix):
		return verifyBcrypt(strings.TrimPrefix(hashed, blfCryptPrefix), password)
	case hasAnyPrefix(hashed, "$2a$", "$2b$", "$2y$"):
		return verifyBcrypt(hashed, password)
	case strings.HasPrefix(hashed, plainPrefix):
		stored := strings.TrimPrefix(hashed, plainPrefix)
		if subtle.ConstantTimeCompare([]byte(stored), []byte(password)) != 1 {
			return ErrMismatch
		}
		return nil
	default:
		return ErrUnknownScheme
	}
}

// Hash generates a hash of password in the named scheme.
func Hash(scheme, password string) (string, error) {
	switch strings.ToUpper(scheme) {
	case SchemeBcrypt, "BCRYPT", "":
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return "", fmt.Errorf("error generating bcrypt hash: %w", err)
		}
		return blfCryptPrefix + string(hash), nil
	case SchemeSSHA512:
		salt := make([]byte, 8)
		if _, err := rand.Read(salt); err != nil {
			return "", fmt.Errorf("error generating random salt: %w", err)
		}
		sum := sha512Sum(password, salt)
		return ssha512PrefixB64 + base64.StdEncoding.EncodeToString(append(sum, salt...)), nil
	case SchemeSHA512:
		return sha512PrefixB64 + base64.StdEncoding.EncodeToString(sha512Sum(password, nil)), nil
	case SchemePlain:
		return plainPrefix + password, nil
	default:
		return "", fmt.Errorf("unsupported password scheme %q", scheme)
	}
}

func verifyBcrypt(hashed, password string) error {
	err := bcrypt.CompareHashAndPassword([]byte(hashed), []byte(password))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return ErrMismatch
	}
	return err
}

func verifySSHA512(hashed, password string) error {
	decoded, err := decode(hashed, ssha512PrefixB64, ssha512PrefixB64Explicit, ssha512PrefixHex)
	if err != nil {
		return fmt.Errorf("invalid SSHA512 format/data: %w", err)
	}
	// hash followed by at least one byte of salt
	if len(decoded) <= sha512HashLength {
		return errors.New("invalid SSHA512 hash: too short")
	}
	if !bytes.Equal(decoded[:sha512HashLength], sha512Sum(password, decoded[sha512HashLength:])) {
		return ErrMismatch
	}
	return nil
}

func verifySHA512(hashed, password string) error {
	decoded, err := decode(hashed, sha512PrefixB64, sha512PrefixB64Explicit, sha512PrefixHex)
	if err != nil {
		return fmt.Errorf("invalid SHA512 format/data: %w", err)
	}
	if len(decoded) != sha512HashLength {
		return errors.New("invalid SHA512 hash: incorrect length")
	}
	if !bytes.Equal(decoded, sha512Sum(password, nil)) {
		return ErrMismatch
	}
	return nil
}

func sha512Sum(password string, salt []byte) []byte {
	h := sha512.New()
	h.Write([]byte(password))
	h.Write(salt)
	return h.Sum(nil)
}

// decode strips whichever prefix matches and decodes the remainder as base64
// or, for the hex prefix, as hex.
func decode(hashed, b64, b64Explicit, hexPrefix string) ([]byte, error) {
	switch {
	case strings.HasPrefix(hashed, hexPrefix):
		return hex.DecodeString(strings.TrimPrefix(hashed, hexPrefix))
	case strings.HasPrefix(hashed, b64Explicit):
		return base64.StdEncoding.DecodeString(strings.TrimPrefix(hashed, b64Explicit))
	default:
		return base64.StdEncoding.DecodeString(strings.TrimPrefix(hashed, b64))
	}
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
