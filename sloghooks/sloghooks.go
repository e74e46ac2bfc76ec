package sloghooks

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"

	"github.com/unkn0wn-root/tiercache"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	TierErrorEvery uint64
	SelfHealEvery  uint64
	// Optional key redactor. Defaults to SHA-256 prefix.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	tierErrCtr  atomic.Uint64
	selfHealCtr atomic.Uint64
}

var _ tiercache.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) TierError(tierName, op, key string, err error) {
	if h.l == nil || !sample(h.opts.TierErrorEvery, &h.tierErrCtr) {
		return
	}
	h.l.Warn("tiercache.tier_error",
		"tier", tierName,
		"op", op,
		"key", h.redact(key),
		"err", err)
}

func (h *Hooks) SelfHeal(tierName, key, reason string) {
	if h.l == nil || !sample(h.opts.SelfHealEvery, &h.selfHealCtr) {
		return
	}
	h.l.Debug("tiercache.self_heal",
		"tier", tierName,
		"key", h.redact(key),
		"reason", reason)
}

func (h *Hooks) WriteDegraded(key string, accepted, total int) {
	if h.l == nil {
		return
	}
	h.l.Warn("tiercache.write_degraded",
		"key", h.redact(key),
		"accepted", accepted,
		"total", total)
}

func (h *Hooks) BreakerStateChange(tierName, from, to string) {
	if h.l == nil {
		return
	}
	h.l.Warn("tiercache.breaker_state_change",
		"tier", tierName,
		"from", from,
		"to", to)
}
