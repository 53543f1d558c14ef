package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestWrapIncludesDetailAndMarker(t *testing.T) {
	base := errors.New("connection reset")
	err := Wrap(ErrUpstream, "generate", "post", "frame 2", base)
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected upstream marker, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped cause, got %v", err)
	}
	if !strings.Contains(err.Error(), "generate: post: frame 2") {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestWrapDefaultsMarkerAndDetail(t *testing.T) {
	err := Wrap(nil, " ", "", "", nil)
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected default marker, got %v", err)
	}
	if !strings.Contains(err.Error(), "service failure") {
		t.Fatalf("expected placeholder detail, got %q", err.Error())
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindNone},
		{"quota", Wrap(ErrQuotaExceeded, "gate", "", "", nil), KindQuotaExceeded},
		{"auth", Wrap(ErrAuth, "generate", "", "", nil), KindAuth},
		{"configuration", fmt.Errorf("boot: %w", ErrConfiguration), KindAuth},
		{"upstream", Wrap(ErrUpstream, "generate", "", "", nil), KindUpstream},
		{"malformed", Wrap(ErrMalformedResponse, "generate", "", "", nil), KindMalformedResponse},
		{"empty", Wrap(ErrEmptyInput, "assemble", "", "", nil), KindEmptyInput},
		{"encode", Wrap(ErrEncode, "assemble", "", "", nil), KindEncode},
		{"validation", Wrap(ErrValidation, "admit", "", "", nil), KindInvalidRequest},
		{"canceled", Wrap(ErrUpstream, "generate", "", "", context.Canceled), KindCanceled},
		{"unknown", errors.New("boom"), KindInternal},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Fatalf("Classify() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestUserMessageHidesBackendText(t *testing.T) {
	msg := UserMessage(KindUpstream)
	if msg == "" || strings.Contains(msg, "http") {
		t.Fatalf("unexpected user message %q", msg)
	}
}
