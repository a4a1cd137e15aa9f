package entropy

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"zkvault/go-backend/internal/metrics"
	"zkvault/go-backend/internal/platform/ratelimiter"
)

const (
	LocalSourceName = "local"

	DefaultSourceTimeout  = 2 * time.Second
	DefaultOverallTimeout = 5 * time.Second
	MaxRequest            = 4096
)

var (
	ErrEntropyUnavailable = errors.New("entropy unavailable")
	ErrInvalidLength      = errors.New("invalid entropy request length")
	ErrUnverifiedSample   = errors.New("entropy sample signature rejected")
)

type Provenance struct {
	Source    string `json:"source"`
	Verified  bool   `json:"verified"`
	Signature []byte `json:"signature,omitempty"`
}

type Result struct {
	Bytes      []byte
	Provenance Provenance
}

// SignatureVerifier checks pinned-source signatures. The signature gateway
// satisfies it.
type SignatureVerifier interface {
	Verify(signature, message, publicKey []byte) bool
}

type Options struct {
	SourceTimeout  time.Duration
	OverallTimeout time.Duration
	Limiter        *ratelimiter.KeyedLimiter
	Verifier       SignatureVerifier
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
	// Local overrides crypto/rand; tests use it to simulate a broken platform.
	Local io.Reader
}

type Pool struct {
	sources        []Source
	sourceTimeout  time.Duration
	overallTimeout time.Duration
	limiter        *ratelimiter.KeyedLimiter
	verifier       SignatureVerifier
	metrics        *metrics.Metrics
	logger         *slog.Logger
	local          io.Reader
}

func NewPool(sources []Source, opts Options) *Pool {
	p := &Pool{
		sources:        append([]Source(nil), sources...),
		sourceTimeout:  opts.SourceTimeout,
		overallTimeout: opts.OverallTimeout,
		limiter:        opts.Limiter,
		verifier:       opts.Verifier,
		metrics:        opts.Metrics,
		logger:         opts.Logger,
		local:          opts.Local,
	}
	if p.sourceTimeout <= 0 {
		p.sourceTimeout = DefaultSourceTimeout
	}
	if p.overallTimeout <= 0 {
		p.overallTimeout = DefaultOverallTimeout
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.local == nil {
		p.local = rand.Reader
	}
	p.logger = p.logger.With("component", "entropy")
	return p
}

// LocalPool has no external sources; every call is served by crypto/rand.
func LocalPool() *Pool {
	return NewPool(nil, Options{})
}

// SetVerifier wires the signature verifier after construction, since the
// verifier itself draws key seeds from this pool.
func (p *Pool) SetVerifier(v SignatureVerifier) {
	p.verifier = v
}

func (p *Pool) Acquire(ctx context.Context, n int) (Result, error) {
	if n <= 0 || n > MaxRequest {
		return Result{}, fmt.Errorf("%w: %d", ErrInvalidLength, n)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	overall, cancel := context.WithTimeout(ctx, p.overallTimeout)
	defer cancel()

	for _, src := range p.sources {
		if overall.Err() != nil {
			break
		}
		name := src.Name()
		if !p.limiter.Allow(name) {
			p.metrics.EntropyFetch(name, "throttled")
			continue
		}
		res, err := p.tryExternal(overall, src, n)
		if err != nil {
			p.metrics.EntropyFetch(name, outcomeOf(err))
			p.logger.Debug("entropy source skipped", "source", name, "reason", outcomeOf(err))
			continue
		}
		p.metrics.EntropyFetch(name, "ok")
		p.metrics.EntropyBytes(name, n)
		return res, nil
	}
	return p.acquireLocal(n)
}

func (p *Pool) tryExternal(parent context.Context, src Source, n int) (Result, error) {
	ctx, cancel := context.WithTimeout(parent, p.sourceTimeout)
	defer cancel()

	type fetched struct {
		sample Sample
		err    error
	}
	ch := make(chan fetched, 1)
	go func() {
		s, err := src.Fetch(ctx, n)
		ch <- fetched{sample: s, err: err}
	}()

	var got fetched
	select {
	case got = <-ch:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	if got.err != nil {
		return Result{}, got.err
	}
	if len(got.sample.Bytes) != n {
		return Result{}, ErrShortSample
	}
	if err := Validate(got.sample.Bytes); err != nil {
		return Result{}, err
	}
	if pinned, ok := src.(PinnedSource); ok && len(pinned.PublicKey()) > 0 {
		if p.verifier == nil || len(got.sample.Signature) == 0 ||
			!p.verifier.Verify(got.sample.Signature, SignedMessage(got.sample.Bytes), pinned.PublicKey()) {
			return Result{}, ErrUnverifiedSample
		}
	}
	return Result{
		Bytes: bytes.Clone(got.sample.Bytes),
		Provenance: Provenance{
			Source:    src.Name(),
			Verified:  true,
			Signature: got.sample.Signature,
		},
	}, nil
}

func (p *Pool) acquireLocal(n int) (Result, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(p.local, buf); err != nil {
		p.metrics.EntropyFetch(LocalSourceName, "failed")
		p.logger.Error("local generator failed")
		return Result{}, fmt.Errorf("%w: %v", ErrEntropyUnavailable, err)
	}
	p.metrics.EntropyFetch(LocalSourceName, "ok")
	p.metrics.EntropyBytes(LocalSourceName, n)
	return Result{
		Bytes:      buf,
		Provenance: Provenance{Source: LocalSourceName, Verified: false},
	}, nil
}

// Reader adapts the pool to io.Reader for nonces and salts. Every chunk is
// XORed with an equal-length read from the local generator, so a source that
// replays samples can never make two reads repeat.
func (p *Pool) Reader(ctx context.Context) io.Reader {
	return &poolReader{pool: p, ctx: ctx}
}

type poolReader struct {
	pool *Pool
	ctx  context.Context
}

func (r *poolReader) Read(b []byte) (int, error) {
	read := 0
	for read < len(b) {
		chunk := len(b) - read
		if chunk > MaxRequest {
			chunk = MaxRequest
		}
		res, err := r.pool.Acquire(r.ctx, chunk)
		if err != nil {
			return read, err
		}
		dst := b[read : read+chunk]
		if _, err := io.ReadFull(r.pool.local, dst); err != nil {
			zeroBytes(res.Bytes)
			return read, fmt.Errorf("%w: local generator: %v", ErrEntropyUnavailable, err)
		}
		for i := range dst {
			dst[i] ^= res.Bytes[i]
		}
		zeroBytes(res.Bytes)
		read += chunk
	}
	return read, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	case errors.Is(err, ErrSourceStatus):
		return "status"
	case errors.Is(err, ErrImplausibleSample):
		return "implausible"
	case errors.Is(err, ErrUnverifiedSample):
		return "unverified"
	case errors.Is(err, ErrShortSample), errors.Is(err, ErrMalformedSample):
		return "malformed"
	default:
		return "error"
	}
}
