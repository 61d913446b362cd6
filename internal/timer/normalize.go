package timer

import (
	"log/slog"
	"time"
)

// Normalizer defaults
const (
	DefaultSlack         = 30 * time.Second
	DefaultReanchorAfter = 3
)

// Normalizer turns raw OCR text into readings and rejects values that could
// not follow the last accepted one: the timer never runs backwards and never
// advances faster than the wall clock.
//
// After reanchorAfter rejections in a row the anchor is dropped. The reading
// that tipped it over becomes a candidate, and a candidate is only promoted
// once a later reading follows it plausibly and has moved forward. A misread
// that keeps repeating the same value is never confirmed.
type Normalizer struct {
	slack         time.Duration
	reanchorAfter int

	last       Reading
	lastAt     time.Time
	rejections int

	candidate   Reading
	candidateAt time.Time
}

// NewNormalizer creates a normalizer. Non-positive arguments select defaults.
func NewNormalizer(slack time.Duration, reanchorAfter int) *Normalizer {
	if slack <= 0 {
		slack = DefaultSlack
	}
	if reanchorAfter <= 0 {
		reanchorAfter = DefaultReanchorAfter
	}
	return &Normalizer{slack: slack, reanchorAfter: reanchorAfter}
}

// Normalize parses raw and applies the continuity check relative to the last
// accepted reading. at is the wall-clock time the frame was sampled.
// Rejected readings keep their parsed value for logging but are not Valid.
func (n *Normalizer) Normalize(raw string, at time.Time) Reading {
	r := Parse(raw)
	if !r.Valid {
		return r
	}
	rejected := Reading{Minutes: r.Minutes, Seconds: r.Seconds}

	switch {
	case n.candidate.Valid:
		if n.confirms(r, at) {
			slog.Debug("timer re-anchored", "candidate", n.candidate.String(), "reading", r.String())
			n.accept(r, at)
			return r
		}
		if r.Total() != n.candidate.Total() {
			n.candidate, n.candidateAt = r, at
		}
		return rejected

	case n.last.Valid && !Plausible(n.last, n.lastAt, r, at, n.slack):
		n.rejections++
		slog.Debug("timer reading discontinuous",
			"reading", r.String(), "last", n.last.String(),
			"elapsed", at.Sub(n.lastAt), "rejections", n.rejections)
		if n.rejections >= n.reanchorAfter {
			n.Reset()
			n.candidate, n.candidateAt = r, at
		}
		return rejected
	}

	n.accept(r, at)
	return r
}

// confirms reports whether r backs the candidate anchor: it follows it within
// the continuity bounds and the timer has advanced.
func (n *Normalizer) confirms(r Reading, at time.Time) bool {
	return r.Total() > n.candidate.Total() && Plausible(n.candidate, n.candidateAt, r, at, n.slack)
}

func (n *Normalizer) accept(r Reading, at time.Time) {
	n.last, n.lastAt, n.rejections = r, at, 0
	n.candidate, n.candidateAt = Reading{}, time.Time{}
}

// Last returns the last accepted reading and when it was sampled.
func (n *Normalizer) Last() (Reading, time.Time) {
	return n.last, n.lastAt
}

// Reset forgets the last accepted reading and any pending candidate.
func (n *Normalizer) Reset() {
	n.last, n.lastAt, n.rejections = Reading{}, time.Time{}, 0
	n.candidate, n.candidateAt = Reading{}, time.Time{}
}

// Plausible reports whether next, sampled at nextAt, can follow prev, sampled
// at prevAt, given the tolerated slack.
func Plausible(prev Reading, prevAt time.Time, next Reading, nextAt time.Time, slack time.Duration) bool {
	elapsed := nextAt.Sub(prevAt)
	if elapsed < 0 {
		elapsed = 0
	}
	delta := time.Duration(next.Total()-prev.Total()) * time.Second
	return delta <= elapsed+slack && delta >= -slack
}
