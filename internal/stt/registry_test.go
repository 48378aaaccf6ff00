package stt

import (
	"context"
	"errors"
	"testing"
)

type probeRecognizer struct {
	Recognizer
	available bool
}

func (p probeRecognizer) Available(context.Context) bool { return p.available }

func newTestRegistry() *Registry {
	reg := NewRegistry("en-US")
	for _, tag := range []string{"en-US", "fr-FR", "it-IT", "ko-KR", "ru-RU"} {
		reg.Register(tag, NewMockRecognizer(1))
	}
	return reg
}

func TestCanonicalLocale(t *testing.T) {
	cases := map[string]string{
		"fr_FR":   "fr-FR",
		"en-us":   "en-US",
		" ko-KR ": "ko-KR",
		"":        "",
	}
	for in, want := range cases {
		if got := CanonicalLocale(in); got != want {
			t.Fatalf("CanonicalLocale(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestResolveExactAndFallback(t *testing.T) {
	reg := newTestRegistry()

	tag, rec, err := reg.Resolve("fr_FR")
	if err != nil {
		t.Fatalf("resolve fr_FR: %v", err)
	}
	if tag != "fr-FR" || rec == nil {
		t.Fatalf("unexpected resolution %q %v", tag, rec)
	}

	for _, unknown := range []string{"xx-XX", "de-DE", ""} {
		tag, _, err := reg.Resolve(unknown)
		if err != nil {
			t.Fatalf("resolve %q: %v", unknown, err)
		}
		if tag != "en-US" {
			t.Fatalf("expected %q to fall back to en-US, got %q", unknown, tag)
		}
	}
}

func TestResolveWithoutFallback(t *testing.T) {
	reg := NewRegistry("en-US")
	reg.Register("fr-FR", NewMockRecognizer(1))
	_, _, err := reg.Resolve("xx-XX")
	if !errors.Is(err, ErrUnsupportedLocale) {
		t.Fatalf("expected ErrUnsupportedLocale, got %v", err)
	}
}

func TestLocalesSorted(t *testing.T) {
	got := newTestRegistry().Locales()
	want := []string{"en-US", "fr-FR", "it-IT", "ko-KR", "ru-RU"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestRegistryAvailable(t *testing.T) {
	reg := NewRegistry("en-US")
	if reg.Available(context.Background()) {
		t.Fatal("empty registry must not be available")
	}
	reg.Register("en-US", probeRecognizer{available: false})
	if reg.Available(context.Background()) {
		t.Fatal("expected probe result false")
	}
	reg.Register("en-US", NewMockRecognizer(1))
	if !reg.Available(context.Background()) {
		t.Fatal("recognizers without a probe are available")
	}
}
