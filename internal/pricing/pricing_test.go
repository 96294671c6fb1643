package pricing

import "testing"

func TestEstimateCost_KnownModel(t *testing.T) {
	got := EstimateCost("gpt-4o", 1_000_000, 1_000_000)
	want := 12.50
	if got != want {
		t.Fatalf("EstimateCost = %v, want %v", got, want)
	}
}

func TestEstimateCost_UnknownModelIsZero(t *testing.T) {
	if got := EstimateCost("mystery-model", 1000, 1000); got != 0.0 {
		t.Fatalf("EstimateCost = %v, want 0", got)
	}
}

func TestCostCents_RoundsUp(t *testing.T) {
	cases := []struct {
		model            string
		prompt, complete int
		want             int64
	}{
		{"gpt-4o", 1_000_000, 1_000_000, 1250},
		// Tiny usage on a priced model still meters one cent.
		{"gpt-4o-mini", 100, 100, 1},
		{"unknown", 1_000_000, 1_000_000, 0},
		{"gemini-2.5-flash-lite", 1_000_000, 1_000_000, 0},
	}
	for _, tc := range cases {
		if got := CostCents(tc.model, tc.prompt, tc.complete); got != tc.want {
			t.Fatalf("CostCents(%q, %d, %d) = %d, want %d", tc.model, tc.prompt, tc.complete, got, tc.want)
		}
	}
}
