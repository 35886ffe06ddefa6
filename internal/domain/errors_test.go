package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		err  error
		want Code
	}{
		{nil, ""},
		{ErrRoomNotFound, CodeNotFound},
		{fmt.Errorf("subscribe: %w", ErrTrackNotFound), CodeNotFound},
		{ErrBindingNotFound, CodeNotFound},
		{ErrPublisherCapExceeded, CodeCapacityExceeded},
		{ErrRoomFull, CodeCapacityExceeded},
		{ErrUnauthorized, CodeUnauthorized},
		{fmt.Errorf("%w: no video section", ErrNegotiationFailed), CodeNegotiationFailed},
		{ErrAlreadySubscribed, CodeBadRequest},
		{ErrInvalidMessage, CodeBadRequest},
		{ErrRateLimited, CodeRateLimited},
		{ErrInvitationNotFound, CodeNotFound},
		{ErrInvitationSpent, CodeBadRequest},
		{errors.New("boom"), CodeInternal},
	}
	for _, tt := range tests {
		if got := CodeOf(tt.err); got != tt.want {
			t.Errorf("CodeOf(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestParseKind(t *testing.T) {
	if k, err := ParseKind(""); err != nil || k != KindVideo {
		t.Fatalf("empty kind: got %q, %v", k, err)
	}
	if k, err := ParseKind("audio"); err != nil || k != KindAudio {
		t.Fatalf("audio: got %q, %v", k, err)
	}
	if _, err := ParseKind("screen"); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("screen: got %v", err)
	}
}
