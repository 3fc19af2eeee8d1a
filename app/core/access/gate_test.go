package access

import "testing"

func TestGateAllowsNormalizedMatches(t *testing.T) {
	gate := NewGate([]string{"+57 300 111 2233"})

	for _, id := range []string{"573001112233", "+573001112233", "57-300-111-2233"} {
		if !gate.Allowed(id) {
			t.Fatalf("expected %q to be allowed", id)
		}
	}
}

func TestGateDeniesUnknownAndEmpty(t *testing.T) {
	gate := NewGate([]string{"573001112233"})

	for _, id := range []string{"573009998877", "", "abc"} {
		if gate.Allowed(id) {
			t.Fatalf("expected %q to be denied", id)
		}
	}
}

func TestGateEmptyAllowlistDeniesAll(t *testing.T) {
	gate := NewGate(nil)
	if gate.Allowed("573001112233") {
		t.Fatal("expected empty allowlist to deny")
	}
}

func TestGateReplace(t *testing.T) {
	gate := NewGate([]string{"573001112233"})
	gate.Replace([]string{"573009998877"})

	if gate.Allowed("573001112233") {
		t.Fatal("expected old owner to be dropped")
	}
	if !gate.Allowed("573009998877") {
		t.Fatal("expected new owner to be allowed")
	}
}
