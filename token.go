package trapgate

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
)

// RandomSource supplies the entropy for tracking tokens. The default is the
// system CSPRNG; deployments with a hardware RNG plug it in here. It must be
// safe for concurrent callers.
type RandomSource interface {
	RandomBytes(n int) ([]byte, error)
}

// CryptoRandSource is the default RandomSource backed by crypto/rand.
type CryptoRandSource struct{}

func (CryptoRandSource) RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, err
	}
	return b, nil
}

// TrackingToken is an opaque 128-bit correlation value, hex encoded. It is
// generated per verdict and never reused.
type TrackingToken string

// Seed derives the deterministic RNG seed the deception builders use, so a
// payload is a pure function of (scenario, intensity, token).
func (t TrackingToken) Seed() int64 {
	raw, err := hex.DecodeString(string(t))
	if err != nil || len(raw) < 8 {
		sum := [8]byte{}
		copy(sum[:], t)
		raw = sum[:]
	}
	return int64(binary.BigEndian.Uint64(raw[:8]))
}

// recentTokenWindow bounds the weak-source rejection memory. A broken
// source repeats within a short cycle; long-range uniqueness is the 128-bit
// space's job. Tokens are never persisted beyond this window.
const recentTokenWindow = 1024

// TokenGenerator mints unique tracking tokens from a RandomSource.
type TokenGenerator struct {
	mu     sync.Mutex
	source RandomSource
	recent map[TrackingToken]struct{}
	order  []TrackingToken
	next   int
}

func NewTokenGenerator(source RandomSource) *TokenGenerator {
	if source == nil {
		source = CryptoRandSource{}
	}
	return &TokenGenerator{
		source: source,
		recent: make(map[TrackingToken]struct{}, recentTokenWindow),
	}
}

// Generate returns a fresh 128-bit token. Collisions from a weak source are
// rejected rather than reissued, so no two verdicts ever share a token.
func (g *TokenGenerator) Generate() (TrackingToken, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for attempt := 0; attempt < 8; attempt++ {
		id, err := uuid.NewRandomFromReader(sourceReader{g.source})
		if err != nil {
			return "", fmt.Errorf("tracking token: %w", err)
		}
		token := TrackingToken(hex.EncodeToString(id[:]))
		if _, dup := g.recent[token]; dup {
			continue
		}
		g.remember(token)
		return token, nil
	}
	return "", fmt.Errorf("tracking token: random source keeps colliding")
}

// remember adds a token to the bounded rejection window, evicting the
// oldest once full.
func (g *TokenGenerator) remember(token TrackingToken) {
	if len(g.order) < recentTokenWindow {
		g.order = append(g.order, token)
	} else {
		delete(g.recent, g.order[g.next])
		g.order[g.next] = token
		g.next = (g.next + 1) % recentTokenWindow
	}
	g.recent[token] = struct{}{}
}

// sourceReader adapts a RandomSource to io.Reader for uuid.
type sourceReader struct {
	src RandomSource
}

func (r sourceReader) Read(p []byte) (int, error) {
	b, err := r.src.RandomBytes(len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, b), nil
}
