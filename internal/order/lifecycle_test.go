package order

import "testing"

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from Status
		to   Status
	}{
		{Initiated, EscrowReserved},
		{EscrowReserved, Shipped},
		{Shipped, Completed},
		{Initiated, Cancelled},
		{EscrowReserved, Cancelled},
		{Shipped, Cancelled},
		{Shipped, Shipped},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if !CanTransition(tt.from, tt.to) {
				t.Errorf("CanTransition(%s, %s) = false, want true", tt.from, tt.to)
			}
		})
	}
}

func TestInvalidTransitions(t *testing.T) {
	tests := []struct {
		from Status
		to   Status
	}{
		{Shipped, Initiated},
		{Initiated, Completed},
		{Completed, Cancelled},
		{Cancelled, Completed},
		{Completed, Shipped},
		{Status("bogus"), Status("bogus")},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if CanTransition(tt.from, tt.to) {
				t.Errorf("CanTransition(%s, %s) = true, want false", tt.from, tt.to)
			}
		})
	}
}

// TestFullPurchaseLifecycle walks the happy path:
// initiated -> escrow_reserved -> shipped -> completed
func TestFullPurchaseLifecycle(t *testing.T) {
	steps := []Status{Initiated, EscrowReserved, Shipped, Completed}
	for i := 1; i < len(steps); i++ {
		if !CanTransition(steps[i-1], steps[i]) {
			t.Fatalf("%s -> %s rejected", steps[i-1], steps[i])
		}
	}
	if !Completed.Terminal() {
		t.Error("completed should be terminal")
	}
}

func TestRank(t *testing.T) {
	order := []Status{Initiated, EscrowReserved, Shipped, Completed, Cancelled}
	for i, s := range order {
		if s.Rank() != i {
			t.Errorf("%s.Rank() = %d, want %d", s, s.Rank(), i)
		}
	}
	if Status("refunded").Rank() != -1 {
		t.Error("unknown status should rank -1")
	}
}

func TestParseStatus(t *testing.T) {
	if _, err := ParseStatus("shipped"); err != nil {
		t.Errorf("ParseStatus(shipped) error = %v", err)
	}
	if _, err := ParseStatus("SHIPPED"); err == nil {
		t.Error("ParseStatus is case sensitive; SHIPPED should fail")
	}
	if _, err := ParseStatus(""); err == nil {
		t.Error("ParseStatus(\"\") should fail")
	}
}

func TestTerminal(t *testing.T) {
	for _, s := range []Status{Initiated, EscrowReserved, Shipped} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
	if !Cancelled.Terminal() {
		t.Error("cancelled should be terminal")
	}
}
