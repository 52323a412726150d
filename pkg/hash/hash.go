package hash

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"hash"
)

func Digest(message []byte, alg string) []byte {
	var hasher hash.Hash
	switch alg {
	case "SHA-384", "sha-384":
		hasher = sha512.New384()
	case "SHA-512", "sha-512":
		hasher = sha512.New()
	default:
		hasher = sha256.New()
	}
	hasher.Write(message)
	return hasher.Sum(nil)
}

// B64Digest returns the unpadded base64url encoding of the digest.
// SD-JWT disclosure digests, sd_hash and x509_hash all use this form.
func B64Digest(message []byte, alg string) string {
	return base64.RawURLEncoding.EncodeToString(Digest(message, alg))
}
