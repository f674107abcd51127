// Package relay forwards model output fragments to the client as they
// arrive and accumulates the full response for downstream extraction.
package relay

import (
	"strings"
	"time"
)

// Emitter is the client-facing push stream. One emitter serves one
// turn; implementations must tolerate concurrent terminal and message
// writes only insofar as the relay serializes them (single goroutine).
type Emitter interface {
	// Message delivers one escaped narrative fragment.
	Message(content string) error
	// Retry announces an upcoming retry attempt and its delay.
	Retry(attempt int, delay time.Duration) error
	// Complete signals successful end of turn. Terminal.
	Complete() error
	// Error delivers one user-facing failure message. Terminal.
	Error(message string) error
}

// Option configures a Relay.
type Option func(*Relay)

// WithMarkerBuffering makes the relay withhold fragments between a
// marker pair and flush the whole block atomically once it closes, so
// a consumer never sees a structural marker split across deliveries.
func WithMarkerBuffering(marker rune) Option {
	return func(r *Relay) {
		r.bufferMarkers = true
		r.marker = marker
	}
}

// Relay is the streaming token relay for one turn. Immediate mode
// forwards every fragment as-is; marker-buffered mode holds back
// delimiter-bounded blocks. In both modes the full concatenation is
// retained for the extractor.
type Relay struct {
	emitter       Emitter
	bufferMarkers bool
	marker        rune
	inBlock       bool
	block         strings.Builder
	full          strings.Builder
	// pending holds trailing bytes that may be the start of a marker
	// split across a fragment boundary. The marker is multi-byte in
	// UTF-8, and upstreams are not guaranteed to cut on rune edges.
	pending string
}

// New creates a relay in immediate mode unless options say otherwise.
func New(emitter Emitter, opts ...Option) *Relay {
	r := &Relay{emitter: emitter}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Push accepts the next model fragment. The returned error reports
// client delivery failure; the fragment is always accumulated, so a
// gone client never loses server-side progress.
func (r *Relay) Push(fragment string) error {
	if fragment == "" {
		return nil
	}
	r.full.WriteString(fragment)

	if !r.bufferMarkers {
		return r.emitter.Message(fragment)
	}
	return r.pushBuffered(fragment)
}

func (r *Relay) pushBuffered(fragment string) error {
	marker := string(r.marker)
	rest := r.pending + fragment
	r.pending = ""
	if n := partialMarkerSuffix(rest, marker); n > 0 {
		r.pending = rest[len(rest)-n:]
		rest = rest[:len(rest)-n]
	}

	var emitErr error
	for rest != "" {
		idx := strings.Index(rest, marker)
		if idx < 0 {
			if r.inBlock {
				r.block.WriteString(rest)
			} else if err := r.emitter.Message(rest); err != nil {
				emitErr = err
			}
			break
		}

		if !r.inBlock {
			if idx > 0 {
				if err := r.emitter.Message(rest[:idx]); err != nil {
					emitErr = err
				}
			}
			r.inBlock = true
			r.block.WriteString(rest[idx : idx+len(marker)])
		} else {
			r.block.WriteString(rest[:idx+len(marker)])
			if err := r.emitter.Message(r.block.String()); err != nil {
				emitErr = err
			}
			r.block.Reset()
			r.inBlock = false
		}
		rest = rest[idx+len(marker):]
	}
	return emitErr
}

// partialMarkerSuffix returns the length of the longest proper prefix
// of marker that s ends with, so a marker cut mid-rune by a fragment
// boundary is recognized once the rest of its bytes arrive.
func partialMarkerSuffix(s, marker string) int {
	max := len(marker) - 1
	if max > len(s) {
		max = len(s)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(s, marker[:n]) {
			return n
		}
	}
	return 0
}

// Finish flushes a still-open block and any held-back partial-marker
// bytes at end of stream. A block the model never closed is delivered
// rather than swallowed.
func (r *Relay) Finish() error {
	leftover := r.pending
	r.pending = ""
	if !r.inBlock {
		if leftover == "" {
			return nil
		}
		return r.emitter.Message(leftover)
	}
	r.inBlock = false
	r.block.WriteString(leftover)
	withheld := r.block.String()
	r.block.Reset()
	if withheld == "" {
		return nil
	}
	return r.emitter.Message(withheld)
}

// Reset discards accumulated text before a retry attempt so the final
// concatenation reflects only the successful attempt.
func (r *Relay) Reset() {
	r.full.Reset()
	r.block.Reset()
	r.inBlock = false
	r.pending = ""
}

// Full returns the concatenation of every fragment pushed since the
// last Reset.
func (r *Relay) Full() string {
	return r.full.String()
}

// Emitter returns the relay's push stream for terminal signals.
func (r *Relay) Emitter() Emitter {
	return r.emitter
}
