package auth

import "testing"

func TestIssuerIssueAndValidate(t *testing.T) {
	i := NewIssuer("cluster-secret")

	token, err := i.IssueToken("dest-1")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if !i.Validate(token) {
		t.Error("expected issued token to validate")
	}
	if id, ok := i.DestinationForToken(token); !ok || id != "dest-1" {
		t.Errorf("DestinationForToken = (%q, %v)", id, ok)
	}
}

func TestIssuerRejectsUnknownToken(t *testing.T) {
	i := NewIssuer("cluster-secret")
	if i.Validate("never-issued") {
		t.Error("expected an unissued token to be rejected")
	}
}

func TestIssuerTokenDerivationIsDeterministicPerSecret(t *testing.T) {
	a := NewIssuer("same-secret")
	b := NewIssuer("same-secret")

	tokenA, err := a.IssueToken("dest-1")
	if err != nil {
		t.Fatal(err)
	}
	tokenB, err := b.IssueToken("dest-1")
	if err != nil {
		t.Fatal(err)
	}
	if tokenA != tokenB {
		t.Error("expected two issuers sharing a secret to derive the same token for the same destination")
	}
}

func TestIssuerTokensDifferAcrossDestinations(t *testing.T) {
	i := NewIssuer("cluster-secret")

	tokenA, err := i.IssueToken("dest-a")
	if err != nil {
		t.Fatal(err)
	}
	tokenB, err := i.IssueToken("dest-b")
	if err != nil {
		t.Fatal(err)
	}
	if tokenA == tokenB {
		t.Error("expected distinct destinations to derive distinct tokens")
	}
}

func TestRevoke(t *testing.T) {
	i := NewIssuer("cluster-secret")
	token, err := i.IssueToken("dest-1")
	if err != nil {
		t.Fatal(err)
	}
	i.Revoke(token)
	if i.Validate(token) {
		t.Error("expected a revoked token to no longer validate")
	}
}

func TestGenerateSecretIsNonEmptyAndVaries(t *testing.T) {
	a := GenerateSecret()
	b := GenerateSecret()
	if a == "" || b == "" {
		t.Fatal("expected a non-empty secret")
	}
	if a == b {
		t.Error("expected two generated secrets to differ")
	}
}

func TestEqual(t *testing.T) {
	if !Equal("abc", "abc") {
		t.Error("expected equal strings to compare equal")
	}
	if Equal("abc", "abd") {
		t.Error("expected differing strings to compare unequal")
	}
}
