package diagcache

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/zeebo/blake3"
)

// HashFunc defines a function that creates a new hash.Hash instance.
type HashFunc func() hash.Hash

// NowFunc defines a function that returns the current time.
type NowFunc func() time.Time

// Fingerprint is the hex digest of one logical input plus its rendering
// configuration. It is the cache key of the store.
type Fingerprint string

// String returns the hex representation.
func (f Fingerprint) String() string { return string(f) }

// Short returns the first 12 hex characters, for logs.
func (f Fingerprint) Short() string {
	if len(f) <= 12 {
		return string(f)
	}
	return string(f[:12])
}

// IsZero reports whether the fingerprint is empty.
func (f Fingerprint) IsZero() bool { return f == "" }

// ParseFingerprint validates a hex string read back from disk or a flag.
func ParseFingerprint(s string) (Fingerprint, error) {
	if len(s) < 2 {
		return "", fmt.Errorf("fingerprint %q too short", s)
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", fmt.Errorf("fingerprint %q: %w", s, err)
	}
	return Fingerprint(s), nil
}

// Renderer kinds understood by the bundled renderers.
const (
	RendererMermaid  = "mermaid"
	RendererPlantUML = "plantuml"
	RendererGraphviz = "graphviz"
)

// Output formats.
const (
	FormatSVG = "svg"
	FormatPNG = "png"
)

// RenderConfig is the closed set of settings that change a rendered artifact.
// Two renders of the same source under different configs never share a key.
type RenderConfig struct {
	Renderer        string
	RendererVersion string
	Theme           string
	Format          string
	Scale           float64
}

// canonical serializes the config as sorted key=value lines.
func (c RenderConfig) canonical() []byte {
	fields := map[string]string{
		"format":           c.Format,
		"renderer":         c.Renderer,
		"renderer_version": c.RendererVersion,
		"scale":            strconv.FormatFloat(c.Scale, 'g', -1, 64),
		"theme":            c.Theme,
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	for _, k := range keys {
		buf.WriteString(k)
		buf.WriteByte('=')
		buf.WriteString(fields[k])
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// MediaType returns the MIME type of artifacts produced under this config.
func (c RenderConfig) MediaType() string {
	switch c.Format {
	case FormatPNG:
		return "image/png"
	case FormatSVG, "":
		return "image/svg+xml"
	default:
		return "application/octet-stream"
	}
}

// Hasher computes fingerprints. It holds no state besides the hash
// constructor and is safe for concurrent use.
type Hasher struct {
	hashFunc HashFunc
}

// NewHasher returns a Hasher using hashFunc, or BLAKE3-256 when nil.
func NewHasher(hashFunc HashFunc) *Hasher {
	if hashFunc == nil {
		hashFunc = defaultHashFunc
	}
	return &Hasher{hashFunc: hashFunc}
}

// Fingerprint hashes content together with cfg.
func (h *Hasher) Fingerprint(content []byte, cfg RenderConfig) (Fingerprint, error) {
	return h.FingerprintReader(bytes.NewReader(content), int64(len(content)), cfg)
}

// FingerprintReader hashes size bytes read from r together with cfg.
// A short or failing read is reported as a HashingError.
func (h *Hasher) FingerprintReader(r io.Reader, size int64, cfg RenderConfig) (Fingerprint, error) {
	hh := h.hashFunc()

	// Length prefix keeps content and config from bleeding into each other.
	var prefix [8]byte
	binary.BigEndian.PutUint64(prefix[:], uint64(size))
	hh.Write(prefix[:])

	n, err := hashFile(io.LimitReader(r, size), hh)
	if err != nil {
		return "", &HashingError{Err: err}
	}
	if n != size {
		return "", &HashingError{Err: fmt.Errorf("short read: got %d of %d bytes", n, size)}
	}

	hh.Write(cfg.canonical())
	return Fingerprint(hex.EncodeToString(hh.Sum(nil))), nil
}

// digest hashes an already-prepared writer callback; used by inputs.
func (h *Hasher) digest(write func(hash.Hash) error) (Fingerprint, error) {
	hh := h.hashFunc()
	if err := write(hh); err != nil {
		return "", err
	}
	return Fingerprint(hex.EncodeToString(hh.Sum(nil))), nil
}

// defaultHashFunc returns the default hash function (BLAKE3-256).
func defaultHashFunc() hash.Hash {
	return blake3.New()
}
