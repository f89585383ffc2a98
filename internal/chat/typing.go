package chat

import (
	"sync"
	"time"
)

// TypingConfig tunes the incremental reveal.
type TypingConfig struct {
	CharsPerTick     int
	TickInterval     time.Duration
	InstantThreshold int
}

// DefaultTypingConfig matches the cadence of the production clients.
func DefaultTypingConfig() TypingConfig {
	return TypingConfig{
		CharsPerTick:     24,
		TickInterval:     50 * time.Millisecond,
		InstantThreshold: 50,
	}
}

func (c TypingConfig) normalized() TypingConfig {
	if c.CharsPerTick <= 0 {
		c.CharsPerTick = 24
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 50 * time.Millisecond
	}
	if c.InstantThreshold < 0 {
		c.InstantThreshold = 0
	}
	return c
}

// reveal is one Revealing state: a monotonically advancing cursor over the
// final text. The stop channel short-circuits it; finish guards the single
// finalize step against racing exits.
type reveal struct {
	messageID string
	full      []rune
	cursor    int

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	finish   sync.Once
}

func (rv *reveal) shortCircuit() {
	rv.stopOnce.Do(func() { close(rv.stop) })
}

// TypingRenderer incrementally reveals final assistant text into the store.
// At most one reveal is active per conversation; starting a new one
// finalizes the prior one so two tickers never write concurrently.
type TypingRenderer struct {
	store    *Store
	cfg      TypingConfig
	onSettle func(messageID string)

	mu      sync.Mutex
	current *reveal
}

// NewTypingRenderer creates a renderer writing into store. onSettle runs
// once per reveal, after the full text is in place; it may be nil.
func NewTypingRenderer(store *Store, cfg TypingConfig, onSettle func(messageID string)) *TypingRenderer {
	return &TypingRenderer{store: store, cfg: cfg.normalized(), onSettle: onSettle}
}

// Reveal starts disclosing fullText into the message with the given id.
// Short texts are written whole immediately; longer ones advance on a fixed
// cadence, always as a non-decreasing prefix of the final text.
func (r *TypingRenderer) Reveal(messageID, fullText string) {
	r.mu.Lock()
	if r.current != nil {
		// Implicit takeover: the prior reveal finalizes itself off the
		// stop signal before its goroutine exits.
		r.current.shortCircuit()
		r.current = nil
	}

	runes := []rune(fullText)
	if len(runes) < r.cfg.InstantThreshold {
		r.mu.Unlock()
		r.store.SetText(messageID, fullText, false)
		if r.onSettle != nil {
			r.onSettle(messageID)
		}
		return
	}

	rv := &reveal{
		messageID: messageID,
		full:      runes,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	r.current = rv
	r.mu.Unlock()

	r.store.SetText(messageID, "", true)
	go r.run(rv)
}

func (r *TypingRenderer) run(rv *reveal) {
	ticker := time.NewTicker(r.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rv.stop:
			r.finalize(rv)
			return
		case <-ticker.C:
			rv.cursor += r.cfg.CharsPerTick
			if rv.cursor >= len(rv.full) {
				r.finalize(rv)
				return
			}
			r.store.SetText(rv.messageID, string(rv.full[:rv.cursor]), true)
		}
	}
}

// finalize writes the full text exactly once and clears the typing flag.
// Writing the whole text again guards against any cursor rounding shortfall.
func (r *TypingRenderer) finalize(rv *reveal) {
	rv.finish.Do(func() {
		r.store.SetText(rv.messageID, string(rv.full), false)

		r.mu.Lock()
		if r.current == rv {
			r.current = nil
		}
		r.mu.Unlock()

		close(rv.done)
		if r.onSettle != nil {
			r.onSettle(rv.messageID)
		}
	})
}

// Skip jumps the reveal for messageID to its end. This is the
// "stop generating" action on an answer that already completed, distinct
// from aborting an in-flight request.
func (r *TypingRenderer) Skip(messageID string) {
	r.mu.Lock()
	rv := r.current
	r.mu.Unlock()

	if rv == nil || rv.messageID != messageID {
		return
	}
	rv.shortCircuit()
	<-rv.done
}

// SkipActive finalizes whichever reveal is running, if any.
func (r *TypingRenderer) SkipActive() {
	r.mu.Lock()
	rv := r.current
	r.mu.Unlock()

	if rv == nil {
		return
	}
	rv.shortCircuit()
	<-rv.done
}

// Revealing returns the id of the message currently being revealed.
func (r *TypingRenderer) Revealing() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return "", false
	}
	return r.current.messageID, true
}
