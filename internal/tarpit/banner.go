package tarpit

import (
	"math/rand"
	"sync"
	"time"
)

// Maximum length of an SSH identification line per RFC 4253 section 4.2.
const protocolMaxLineLength = 255

// BannerGenerator produces pseudo-random banner-line fragments. Lines are
// printable ASCII without CR or LF, terminated by a single LF, and never start
// with "SSH-" so the remote parser keeps waiting for the real version line.
//
// The generator is safe for concurrent use; the random source is injected so
// tests can supply a deterministic sequence.
type BannerGenerator struct {
	mu      sync.Mutex
	rng     *rand.Rand
	maxLen  int
}

// NewBannerGenerator constructs a generator with the given random source and
// maximum line length (capped to the protocol maximum of 255).
func NewBannerGenerator(rng *rand.Rand, maxLen int) *BannerGenerator {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if maxLen < 1 || maxLen > protocolMaxLineLength {
		maxLen = protocolMaxLineLength
	}
	return &BannerGenerator{rng: rng, maxLen: maxLen}
}

// Line returns one banner fragment including its trailing LF.
func (g *BannerGenerator) Line() []byte {
	g.mu.Lock()
	defer g.mu.Unlock()

	length := 1 + g.rng.Intn(g.maxLen)
	line := make([]byte, length+1)
	for i := 0; i < length; i++ {
		// printable ASCII, 0x20..0x7e
		line[i] = byte(0x20 + g.rng.Intn(95))
	}
	// a line starting with "SSH-" would be parsed as the version exchange
	// and end the wait
	if length >= 4 && line[0] == 'S' && line[1] == 'S' && line[2] == 'H' && line[3] == '-' {
		line[0] = 'X'
	}
	line[length] = '\n'
	return line
}

// Delay returns base spread by up to ±jitter (a fraction in [0, 1)).
func (g *BannerGenerator) Delay(base time.Duration, jitter float64) time.Duration {
	if jitter <= 0 || base <= 0 {
		return base
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	spread := (g.rng.Float64()*2 - 1) * jitter
	return base + time.Duration(float64(base)*spread)
}
