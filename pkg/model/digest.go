package model

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"hash"
	"strings"
)

// UnaccessibleHash marks a local file whose content could not be hashed yet,
// typically because it is still being written.
const UnaccessibleHash = "TO_COMPUTE"

// DigestStatus tells whether a remote digest can be compared locally
type DigestStatus string

const (
	DigestOK          DigestStatus = "OK"
	DigestRemoteEmpty DigestStatus = "REMOTE_HASH_EMPTY"
	DigestExotic      DigestStatus = "REMOTE_HASH_EXOTIC"
	DigestAsync       DigestStatus = "REMOTE_HASH_ASYNC"
)

var digestLengths = map[int]string{
	32:  "md5",
	40:  "sha1",
	64:  "sha256",
	128: "sha512",
}

// DigestAlgorithm guesses the algorithm from the hex digest length. It returns
// an empty string for digests that are not hex encoded md5/sha1/sha256/sha512.
func DigestAlgorithm(digest string) string {
	if !isHex(digest) {
		return ""
	}
	return digestLengths[len(digest)]
}

// NewHash returns a hash for the given algorithm name, nil when unsupported
func NewHash(algorithm string) hash.Hash {
	switch algorithm {
	case "md5":
		return md5.New()
	case "sha1":
		return sha1.New()
	case "sha256":
		return sha256.New()
	case "sha512":
		return sha512.New()
	}
	return nil
}

// StatusOfDigest classifies a remote digest for a non-folderish item
func StatusOfDigest(digest string) DigestStatus {
	switch {
	case digest == "":
		return DigestRemoteEmpty
	case digest == "none" || digest == "notInBinaryStore" || strings.Contains(digest, "-"):
		return DigestAsync
	case DigestAlgorithm(digest) == "":
		return DigestExotic
	}
	return DigestOK
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
