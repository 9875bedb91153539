// Package idgen generates the identifiers fetchguard hands out: trace IDs for
// requests, row IDs for the fetch log, and random API keys.
//
// Generators are plain functions so callers (and tests) can swap the strategy
// at construction time.
package idgen

import (
	"crypto/rand"
	"strings"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// Token returns a Generator of random lower-case base-36 strings of the
// given length, suitable for secrets such as API keys.
func Token(length int) Generator {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	// 252 is the largest multiple of 36 below 256; bytes above it are
	// redrawn so every symbol is equally likely.
	const cutoff = 252
	return func() string {
		out := make([]byte, 0, length)
		buf := make([]byte, length)
		for len(out) < length {
			if _, err := rand.Read(buf); err != nil {
				panic("idgen: crypto/rand failed: " + err.Error())
			}
			for _, b := range buf {
				if b >= cutoff {
					continue
				}
				out = append(out, alphabet[int(b)%len(alphabet)])
				if len(out) == length {
					break
				}
			}
		}
		return string(out)
	}
}

// UUIDv7 returns a Generator of RFC 9562 version 7 UUIDs. They sort by
// creation time, which keeps fetch log inserts append-only.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed prepends prefix to every ID produced by gen.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Prefixes of the typed IDs.
const (
	TracePrefix = "trc_"
	FetchPrefix = "fch_"
)

var (
	// Trace generates request trace IDs.
	Trace Generator = Prefixed(TracePrefix, UUIDv7())
	// Fetch generates fetch log row IDs.
	Fetch Generator = Prefixed(FetchPrefix, UUIDv7())
)

// ValidTrace reports whether s looks like a trace ID this package would
// produce. Inbound trace headers failing this check are replaced.
func ValidTrace(s string) bool {
	rest, ok := strings.CutPrefix(s, TracePrefix)
	if !ok {
		return false
	}
	_, err := uuid.Parse(rest)
	return err == nil && len(rest) == 36
}
