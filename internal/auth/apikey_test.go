package auth

import "testing"

func TestGenerateAPIKeyUnique(t *testing.T) {
	a, err := GenerateAPIKey()
	if err != nil {
		t.Fatal(err)
	}
	b, err := GenerateAPIKey()
	if err != nil {
		t.Fatal(err)
	}
	if a == "" || a == b {
		t.Fatalf("expected distinct non-empty keys, got %q and %q", a, b)
	}
}

func TestHashAPIKeyDeterministic(t *testing.T) {
	a := HashAPIKey("abc", "pepper")
	b := HashAPIKey("abc", "pepper")
	if a != b {
		t.Fatalf("expected deterministic hash")
	}
	if HashAPIKey("abc", "pepper") == HashAPIKey("abc", "other") {
		t.Fatalf("expected pepper to change the hash")
	}
}

func TestConstantTimeHashEquals(t *testing.T) {
	if !ConstantTimeHashEquals("abc", "abc") {
		t.Fatalf("expected equal hashes")
	}
	if ConstantTimeHashEquals("abc", "abd") {
		t.Fatalf("expected non-equal hashes")
	}
	if ConstantTimeHashEquals("abc", "abcd") {
		t.Fatalf("expected length mismatch to differ")
	}
}
