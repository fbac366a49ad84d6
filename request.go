package trapgate

import (
	"encoding/hex"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Request is the normalized view of one inbound request. The adapter builds
// it from the transport it speaks; the pipeline never touches the transport
// directly. Immutable once constructed.
type Request struct {
	Timestamp     float64 // seconds; monotonic sources are fine
	SourceAddress string
	UserAgent     string
	Endpoint      string
	QueryParams   []QueryParam // insertion order preserved
	Headers       map[string]string
	Body          string
	SessionID     string
}

// QueryParam keeps query parameters in the order the client sent them,
// which the enumeration detectors rely on.
type QueryParam struct {
	Key   string
	Value string
}

// Fingerprint is a 256-bit identity digest. It has no semantics beyond
// equality and is never reversed.
type Fingerprint [32]byte

func (fp Fingerprint) Hex() string {
	return hex.EncodeToString(fp[:])
}

// FingerprintRequest derives the stable identity key for a request from its
// non-volatile fields only: same client, same fingerprint, regardless of
// endpoint, body, or timing.
func FingerprintRequest(req *Request) Fingerprint {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(strings.ToLower(req.SourceAddress)))
	h.Write([]byte{0})
	h.Write([]byte(strings.ToLower(strings.TrimSpace(req.UserAgent))))
	h.Write([]byte{0})
	h.Write([]byte(req.SessionID))
	var fp Fingerprint
	h.Sum(fp[:0])
	return fp
}

// ContentHash digests the volatile parts of a request (endpoint, params,
// body). History stores this instead of bodies to bound memory.
func ContentHash(req *Request) [32]byte {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(req.Endpoint))
	h.Write([]byte{0})
	for _, p := range req.QueryParams {
		h.Write([]byte(p.Key))
		h.Write([]byte{'='})
		h.Write([]byte(p.Value))
		h.Write([]byte{'&'})
	}
	h.Write([]byte{0})
	h.Write([]byte(req.Body))
	var sum [32]byte
	h.Sum(sum[:0])
	return sum
}

// searchableContent concatenates the request fields the content detectors
// scan: body plus every query value. Deterministic for a given request.
func searchableContent(req *Request) string {
	var b strings.Builder
	b.WriteString(req.Body)
	for _, p := range req.QueryParams {
		b.WriteByte(' ')
		b.WriteString(p.Value)
	}
	return b.String()
}

// paramSignature is a stable digest of the parameter key set, used by the
// membership-inference check to spot repeated near-identical queries.
func paramSignature(req *Request) string {
	keys := make([]string, 0, len(req.QueryParams))
	for _, p := range req.QueryParams {
		keys = append(keys, p.Key+"="+p.Value)
	}
	sort.Strings(keys)
	sum := blake2b.Sum256([]byte(strings.Join(keys, "&")))
	return hex.EncodeToString(sum[:8])
}
