package logger

import "testing"

func TestHashEmail(t *testing.T) {
	a := HashEmail("Jane@Example.com")
	b := HashEmail("  jane@example.com ")
	if a != b {
		t.Errorf("HashEmail is not case/whitespace stable: %q vs %q", a, b)
	}
	if len(a) != 12 {
		t.Errorf("len = %d, want 12", len(a))
	}
	if a == "jane@example" || a == HashEmail("other@example.com") {
		t.Error("HashEmail output is not a distinct hash")
	}
	if HashEmail("") != "" {
		t.Error("HashEmail(\"\") should be empty")
	}
}
