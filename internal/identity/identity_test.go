package identity

import (
	"regexp"
	"testing"
)

var idPattern = regexp.MustCompile(`^[A-Z0-9]{8}$`)

func TestLoadGeneratesAndPersists(t *testing.T) {
	home := t.TempDir()
	first, err := Load(home, "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !idPattern.MatchString(first.ID) {
		t.Fatalf("id %q does not match 8-char uppercase alphanumeric pattern", first.ID)
	}

	second, err := Load(home, "")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("id changed across reload: %q != %q", second.ID, first.ID)
	}
	if second.DisplayName != first.DisplayName {
		t.Fatalf("display name changed across reload")
	}
}

func TestSetDisplayNamePersists(t *testing.T) {
	home := t.TempDir()
	id, err := Load(home, "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := id.SetDisplayName(home, "carol"); err != nil {
		t.Fatalf("set display name: %v", err)
	}
	reloaded, err := Load(home, "")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.DisplayName != "carol" {
		t.Fatalf("expected display name carol, got %q", reloaded.DisplayName)
	}
}

func TestDeriveIDStableForSameKey(t *testing.T) {
	pub, _, err := GenKeypair()
	if err != nil {
		t.Fatalf("gen keypair: %v", err)
	}
	a := DeriveID(pub)
	b := DeriveID(pub)
	if a != b {
		t.Fatalf("derive id not stable: %q != %q", a, b)
	}
	if !idPattern.MatchString(a) {
		t.Fatalf("id %q does not match pattern", a)
	}
}
