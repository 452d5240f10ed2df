package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/kirillkom/invoice-inspector/internal/core/domain"
)

func TestClassifySharedCases(t *testing.T) {
	errSpecific := errors.New("specific")
	specific := func(err error) ErrorClassification {
		if errors.Is(err, errSpecific) {
			return Ignored
		}
		return Permanent
	}

	tests := []struct {
		name     string
		err      error
		specific ErrorClassifier
		want     ErrorClassification
	}{
		{name: "nil", err: nil, want: Ignored},
		{name: "cancelled", err: fmt.Errorf("call: %w", context.Canceled), specific: specific, want: Ignored},
		{name: "deadline", err: context.DeadlineExceeded, want: Ignored},
		{name: "circuit open", err: ErrCircuitOpen, specific: specific, want: Transient},
		{name: "delegates", err: errSpecific, specific: specific, want: Ignored},
		{name: "network default", err: &net.OpError{Op: "dial", Err: errors.New("refused")}, want: Transient},
		{name: "permanent default", err: errors.New("boom"), want: Permanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err, tt.specific); got != tt.want {
				t.Fatalf("Classify() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestWrapTemporary(t *testing.T) {
	transient := func(error) ErrorClassification { return Transient }

	if err := WrapTemporary("op", errors.New("x"), transient); !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected temporary, got %v", err)
	}
	if err := WrapTemporary("op", errors.New("x"), nil); domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("default classifier must not mark temporary, got %v", err)
	}
	if err := WrapTemporary("op", ErrCircuitOpen, nil); !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("open circuit must be temporary, got %v", err)
	}
	if err := WrapTemporary("op", nil, transient); err != nil {
		t.Fatalf("nil must stay nil, got %v", err)
	}
}
