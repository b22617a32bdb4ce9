/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package upstreamguard

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"strings"
)

// RequestDescriptor identifies one upstream request. It is treated as
// immutable for the duration of a Fetch call.
type RequestDescriptor struct {
	// Method is the HTTP method; normalized to upper case for keying.
	Method string

	// Path is the upstream path; a leading slash is insignificant for keying,
	// so "/x" and "x" intentionally produce the same key.
	Path string

	// CallerIdentity is the opaque caller token/credential. It participates
	// in the key in full, so two distinct tokens sharing a suffix never
	// collide. It is forwarded to the upstream as a bearer credential.
	CallerIdentity string

	// Body is the optional request payload, already serialized in canonical
	// form by the caller. An absent body keys differently from any present one.
	Body []byte
}

// keyNoBodySentinel is a fixed sentinel keying descriptors without a body.
var keyNoBodySentinel = []byte("\x00no-body\x00")

// Key derives a stable identity string for the descriptor, used for
// in-flight deduplication. It is a SHA-256 digest over all four fields, each
// length-prefixed so that no concatenation of differing fields can collide.
// Key is a pure function: same fields, same key.
func (d RequestDescriptor) Key() string {
	h := sha256.New()
	writeKeyPart(h, []byte(strings.ToUpper(d.Method)))
	writeKeyPart(h, []byte(strings.TrimPrefix(d.Path, "/")))
	writeKeyPart(h, []byte(d.CallerIdentity))
	if len(d.Body) == 0 {
		writeKeyPart(h, keyNoBodySentinel)
	} else {
		writeKeyPart(h, d.Body)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func writeKeyPart(h hash.Hash, part []byte) {
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(part)))
	h.Write(lenBuf[:])
	h.Write(part)
}
