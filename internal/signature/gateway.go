// Package signature dispatches ML-DSA signing and verification between a
// primary and an optional fallback implementation. Both are probed before
// use; when neither is healthy every verification returns false and every
// signing call fails.
package signature

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/atomic"

	"zkvault/go-backend/internal/entropy"
	"zkvault/go-backend/internal/metrics"
	"zkvault/go-backend/pkg/models"
)

const DefaultProbeInterval = time.Minute

var (
	ErrSignerUnavailable = errors.New("no healthy signature implementation")
	ErrSignatureRejected = errors.New("signature rejected")
)

var probeMessage = []byte("zkvault/signature/probe/v1")

type State string

const (
	StateUnknown  State = "unknown"
	StateProbing  State = "probing"
	StateHealthy  State = "healthy"
	StateDegraded State = "degraded"
)

type Capability struct {
	State           State
	PrimaryHealthy  bool
	FallbackHealthy bool
	LastProbe       time.Time
}

// SeedSource supplies key generation seeds. *entropy.Pool satisfies it.
type SeedSource interface {
	Acquire(ctx context.Context, n int) (entropy.Result, error)
}

type Options struct {
	Primary  Scheme
	Fallback Scheme
	Seeds    SeedSource
	// ProbeRand feeds throwaway probe keys. It must not depend on this
	// gateway, so it defaults to crypto/rand rather than Seeds.
	ProbeRand     io.Reader
	ProbeInterval time.Duration
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
}

type Gateway struct {
	primary   Scheme
	fallback  Scheme
	seeds     SeedSource
	probeRand io.Reader
	interval  time.Duration
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.RWMutex
	snapshot Capability
	probeMu  sync.Mutex
	probes   atomic.Int64
}

func New(opts Options) *Gateway {
	return newWithClock(opts, time.Now)
}

func newWithClock(opts Options, now func() time.Time) *Gateway {
	g := &Gateway{
		primary:   opts.Primary,
		fallback:  opts.Fallback,
		seeds:     opts.Seeds,
		probeRand: opts.ProbeRand,
		interval:  opts.ProbeInterval,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		now:       now,
		snapshot:  Capability{State: StateUnknown},
	}
	if g.primary == nil {
		g.primary = MLDSA65{}
	}
	if g.probeRand == nil {
		g.probeRand = rand.Reader
	}
	if g.interval <= 0 {
		g.interval = DefaultProbeInterval
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	if g.now == nil {
		g.now = time.Now
	}
	g.logger = g.logger.With("component", "signature")
	return g
}

// Default builds a gateway over circl's direct ML-DSA-65 package with the
// scheme registry as fallback.
func Default(opts Options) *Gateway {
	if opts.Primary == nil {
		opts.Primary = MLDSA65{}
	}
	if opts.Fallback == nil {
		if fb, err := NewGenericScheme(AlgorithmMLDSA65); err == nil {
			opts.Fallback = fb
		}
	}
	return New(opts)
}

func (g *Gateway) Capability() Capability {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.snapshot
}

// Probes reports how many capability probes have completed.
func (g *Gateway) Probes() int64 {
	return g.probes.Load()
}

// Refresh forces a probe regardless of the last probe time.
func (g *Gateway) Refresh() Capability {
	g.probeMu.Lock()
	defer g.probeMu.Unlock()
	g.runProbeLocked()
	return g.Capability()
}

func (g *Gateway) current() Capability {
	c := g.Capability()
	if !g.stale(c) {
		return c
	}
	g.probeMu.Lock()
	defer g.probeMu.Unlock()
	if c = g.Capability(); g.stale(c) {
		g.runProbeLocked()
	}
	return g.Capability()
}

func (g *Gateway) stale(c Capability) bool {
	return c.State == StateUnknown || c.State == StateProbing || !g.now().Before(c.LastProbe.Add(g.interval))
}

func (g *Gateway) runProbeLocked() {
	g.mu.Lock()
	prev := g.snapshot.State
	g.snapshot.State = StateProbing
	g.mu.Unlock()

	primaryOK := g.probeScheme(g.primary)
	fallbackOK := g.fallback != nil && g.probeScheme(g.fallback)

	next := Capability{
		State:           StateHealthy,
		PrimaryHealthy:  primaryOK,
		FallbackHealthy: fallbackOK,
		LastProbe:       g.now(),
	}
	if !primaryOK {
		next.State = StateDegraded
	}
	g.mu.Lock()
	g.snapshot = next
	g.mu.Unlock()
	g.probes.Inc()
	g.metrics.SignatureProbe(string(next.State))

	if next.State != prev {
		if next.State == StateDegraded {
			g.logger.Warn("signature capability degraded", "primary", g.primary.Name(), "fallback_healthy", fallbackOK)
		} else {
			g.logger.Info("signature capability healthy", "primary", g.primary.Name())
		}
	}
}

// probeScheme signs a fixed message under a throwaway key and requires that
// verification accepts it and rejects a tampered copy.
func (g *Gateway) probeScheme(s Scheme) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("signature probe panicked", "scheme", s.Name(), "panic", fmt.Sprint(r))
			ok = false
		}
	}()
	seed := make([]byte, s.SeedSize())
	defer zeroBytes(seed)
	if _, err := io.ReadFull(g.probeRand, seed); err != nil {
		return false
	}
	kp, err := s.Keygen(seed)
	if err != nil || len(kp.PublicKey) != s.PublicKeySize() {
		return false
	}
	defer zeroBytes(kp.PrivateKey)
	sig, err := s.Sign(kp.PrivateKey, probeMessage)
	if err != nil || len(sig) != s.SignatureSize() {
		return false
	}
	if !s.Verify(kp.PublicKey, probeMessage, sig) {
		return false
	}
	tampered := bytes.Clone(probeMessage)
	tampered[0] ^= 0x01
	if s.Verify(kp.PublicKey, tampered, sig) {
		return false
	}
	badSig := bytes.Clone(sig)
	badSig[len(badSig)/2] ^= 0x01
	return !s.Verify(kp.PublicKey, probeMessage, badSig)
}

// active returns the implementation allowed to act for c, or nil.
func (g *Gateway) active(c Capability) Scheme {
	switch {
	case c.PrimaryHealthy:
		return g.primary
	case c.FallbackHealthy && g.fallback != nil:
		return g.fallback
	default:
		return nil
	}
}

func (g *Gateway) Sign(msg, privateKey []byte) (sig []byte, err error) {
	s := g.active(g.current())
	if s == nil {
		return nil, ErrSignerUnavailable
	}
	defer func() {
		if r := recover(); r != nil {
			sig, err = nil, ErrSignerUnavailable
		}
	}()
	return s.Sign(privateKey, msg)
}

// Verify never accepts a signature on structure alone. With no healthy
// implementation it returns false.
func (g *Gateway) Verify(sig, msg, publicKey []byte) bool {
	s := g.active(g.current())
	if s == nil {
		g.metrics.SignatureVerdict("none", false)
		return false
	}
	if len(sig) != s.SignatureSize() || len(publicKey) != s.PublicKeySize() {
		g.metrics.SignatureVerdict(s.Name(), false)
		return false
	}
	ok := safeVerify(s, publicKey, msg, sig)
	g.metrics.SignatureVerdict(s.Name(), ok)
	return ok
}

func safeVerify(s Scheme, publicKey, msg, sig []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return s.Verify(publicKey, msg, sig)
}

func (g *Gateway) Authenticate(sig, msg, publicKey []byte) error {
	if !g.Verify(sig, msg, publicKey) {
		return ErrSignatureRejected
	}
	return nil
}

// Keygen is deterministic in seed.
func (g *Gateway) Keygen(seed []byte) (KeyPair, error) {
	s := g.active(g.current())
	if s == nil {
		return KeyPair{}, ErrSignerUnavailable
	}
	return s.Keygen(seed)
}

// GenerateKey draws its seed from the configured entropy source only.
func (g *Gateway) GenerateKey(ctx context.Context) (KeyPair, error) {
	if g.seeds == nil {
		return KeyPair{}, fmt.Errorf("%w: no seed source", entropy.ErrEntropyUnavailable)
	}
	s := g.active(g.current())
	if s == nil {
		return KeyPair{}, ErrSignerUnavailable
	}
	res, err := g.seeds.Acquire(ctx, s.SeedSize())
	if err != nil {
		return KeyPair{}, err
	}
	defer zeroBytes(res.Bytes)
	return s.Keygen(res.Bytes)
}

func (g *Gateway) SelfTest() models.SelfTestReport {
	c := g.current()
	report := models.SelfTestReport{
		Healthy:     c.PrimaryHealthy || c.FallbackHealthy,
		Algorithm:   AlgorithmMLDSA65,
		State:       string(c.State),
		LastProbeAt: c.LastProbe,
	}
	if s := g.active(c); s != nil {
		report.PublicKeySize = s.PublicKeySize()
		report.SignatureSize = s.SignatureSize()
	}
	return report
}
