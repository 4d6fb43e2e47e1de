package chain

import "testing"

func TestMatchInfernetError_KnownSelector(t *testing.T) {
	sel := selector("NodeRespondedAlready()")
	e, ok := MatchInfernetError(append(sel[:], []byte{0xde, 0xad}...))
	if !ok {
		t.Fatal("expected known selector to match")
	}
	if e.Name != "NodeRespondedAlready" {
		t.Fatalf("name = %q", e.Name)
	}
	if !e.InfoLevel {
		t.Fatal("expected NodeRespondedAlready to be info-level")
	}
}

func TestMatchInfernetError_Unknown(t *testing.T) {
	if _, ok := MatchInfernetError([]byte{0x00, 0x00, 0x00, 0x00}); ok {
		t.Fatal("expected no match for unknown selector")
	}
}

func TestMatchInfernetError_TooShort(t *testing.T) {
	if _, ok := MatchInfernetError([]byte{0x01, 0x02}); ok {
		t.Fatal("expected no match for short revert data")
	}
}

func TestMatchesAllowedSimError(t *testing.T) {
	allowed := []string{"execution reverted", "out of gas"}
	if !MatchesAllowedSimError("Execution REVERTED: custom message", allowed) {
		t.Fatal("expected case-insensitive substring match")
	}
	if MatchesAllowedSimError("totally different failure", allowed) {
		t.Fatal("expected no match")
	}
}
