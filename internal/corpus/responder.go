// Package corpus generates text replies from a line-oriented text corpus.
package corpus

import (
	"bufio"
	"bytes"
	"errors"
	"io/fs"
	"log/slog"
	"math/rand/v2"
	"os"
	"strings"
	"sync/atomic"
	"unicode"
	"unicode/utf8"
)

// Fallback is returned when the corpus has nothing to sample from.
const Fallback = "I have nothing to say."

const (
	wordsPerSentence = 5
	sentenceCount    = 5
	linesPerMessage  = 2
)

// Source yields the corpus lines. Implementations are read on every
// generation call and must not cache.
type Source interface {
	Lines() ([]string, error)
}

// FileSource reads a newline-delimited UTF-8 file.
type FileSource struct {
	Path string
}

func (f FileSource) Lines() ([]string, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, err
	}
	return splitLines(data), nil
}

// StaticSource serves a fixed set of lines.
type StaticSource []string

func (s StaticSource) Lines() ([]string, error) {
	return splitLines([]byte(strings.Join(s, "\n"))), nil
}

func splitLines(data []byte) []string {
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

// RandFactory returns a fresh generator for one generation call.
type RandFactory func() *rand.Rand

// NewRandFactory seeds every generator independently from the runtime source.
func NewRandFactory() RandFactory {
	return func() *rand.Rand {
		return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
}

// SeededRandFactory yields a deterministic sequence of generators.
func SeededRandFactory(seed uint64) RandFactory {
	var n atomic.Uint64
	return func() *rand.Rand {
		return rand.New(rand.NewPCG(seed, n.Add(1)))
	}
}

// Responder builds replies from a Source.
type Responder struct {
	source  Source
	newRand RandFactory
	logger  *slog.Logger
}

type Option func(*Responder)

func WithRandFactory(f RandFactory) Option {
	return func(r *Responder) { r.newRand = f }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Responder) { r.logger = l }
}

func NewResponder(source Source, opts ...Option) *Responder {
	r := &Responder{
		source:  source,
		newRand: NewRandFactory(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GenerateRandomMessage returns either two distinct corpus lines or five
// distinct corpus words, each with probability one half.
func (r *Responder) GenerateRandomMessage() string {
	lines := r.lines()
	if len(lines) == 0 {
		return Fallback
	}
	rng := r.newRand()
	if rng.IntN(2) == 0 {
		return strings.Join(sample(rng, lines, linesPerMessage), " ")
	}
	return strings.Join(sample(rng, tokens(lines), wordsPerSentence), " ")
}

// GenerateMultipleSentences returns five independently sampled five-word
// sentences, each terminated by a period.
func (r *Responder) GenerateMultipleSentences() string {
	lines := r.lines()
	if len(lines) == 0 {
		return Fallback
	}
	words := tokens(lines)
	rng := r.newRand()
	sentences := make([]string, 0, sentenceCount)
	for range sentenceCount {
		sentences = append(sentences, strings.Join(sample(rng, words, wordsPerSentence), " "))
	}
	return strings.Join(sentences, ". ") + "."
}

// Caption returns a single line suitable for drawing on an image.
func (r *Responder) Caption() string {
	lines := r.lines()
	if len(lines) == 0 {
		return Fallback
	}
	return lines[r.newRand().IntN(len(lines))]
}

func (r *Responder) lines() []string {
	lines, err := r.source.Lines()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			r.logger.Warn("corpus not found, using fallback", "error", err)
		} else {
			r.logger.Error("corpus read failed", "error", err)
		}
		return nil
	}
	return lines
}

func tokens(lines []string) []string {
	var out []string
	for _, l := range lines {
		out = append(out, strings.Fields(l)...)
	}
	return out
}

// sample picks up to k elements of pool without replacement.
func sample(rng *rand.Rand, pool []string, k int) []string {
	if k > len(pool) {
		k = len(pool)
	}
	idx := rng.Perm(len(pool))[:k]
	out := make([]string, k)
	for i, j := range idx {
		out[i] = pool[j]
	}
	return out
}

// Echo returns the part of original that follows the first case-insensitive
// occurrence of keyword, trimmed. Case is preserved. If keyword does not
// occur, the whole text is returned trimmed.
func Echo(original, keyword string) string {
	if keyword == "" {
		return strings.TrimSpace(original)
	}
	start, end := indexFold(original, keyword)
	if start < 0 {
		return strings.TrimSpace(original)
	}
	return strings.TrimSpace(original[end:])
}

// indexFold finds the first case-insensitive match of sub in s and returns
// its byte bounds in s, or -1, -1.
func indexFold(s, sub string) (int, int) {
	for i := 0; i < len(s); {
		if end, ok := hasPrefixFold(s[i:], sub); ok {
			return i, i + end
		}
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
	}
	return -1, -1
}

func hasPrefixFold(s, prefix string) (int, bool) {
	n := 0
	for _, pr := range prefix {
		if n >= len(s) {
			return 0, false
		}
		sr, size := utf8.DecodeRuneInString(s[n:])
		if unicode.ToLower(sr) != unicode.ToLower(pr) {
			return 0, false
		}
		n += size
	}
	return n, true
}
