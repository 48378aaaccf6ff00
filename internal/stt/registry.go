package stt

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/text/language"
)

// Registry maps locale tags to recognizers. Unknown tags resolve to the
// fallback entry.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]Recognizer
	fallback string
}

func NewRegistry(fallback string) *Registry {
	return &Registry{
		entries:  make(map[string]Recognizer),
		fallback: CanonicalLocale(fallback),
	}
}

// CanonicalLocale normalises a tag such as "fr_fr" to "fr-FR". Tags that do
// not parse are returned trimmed.
func CanonicalLocale(tag string) string {
	tag = strings.ReplaceAll(strings.TrimSpace(tag), "_", "-")
	if tag == "" {
		return ""
	}
	parsed, err := language.Parse(tag)
	if err != nil {
		return tag
	}
	return parsed.String()
}

// Register binds a recognizer to a locale, replacing any previous entry.
func (r *Registry) Register(locale string, rec Recognizer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[CanonicalLocale(locale)] = rec
}

// Fallback returns the locale used for unknown tags.
func (r *Registry) Fallback() string { return r.fallback }

// Resolve returns the canonical locale actually served and its recognizer.
func (r *Registry) Resolve(locale string) (string, Recognizer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tag := CanonicalLocale(locale)
	if rec, ok := r.entries[tag]; ok {
		return tag, rec, nil
	}
	if rec, ok := r.entries[r.fallback]; ok {
		return r.fallback, rec, nil
	}
	return "", nil, fmt.Errorf("%w: %q", ErrUnsupportedLocale, locale)
}

// Locales lists registered tags in sorted order.
func (r *Registry) Locales() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for tag := range r.entries {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// Available reports whether the fallback recognizer is usable. Recognizers
// that do not implement Prober are assumed available.
func (r *Registry) Available(ctx context.Context) bool {
	r.mu.RLock()
	rec, ok := r.entries[r.fallback]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if p, ok := rec.(Prober); ok {
		return p.Available(ctx)
	}
	return true
}
