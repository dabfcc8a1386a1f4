package identity

import "testing"

func TestGenerateDerivesStableAddress(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	addr := id.Address()
	if addr == "" {
		t.Fatal("empty address")
	}
	if got := id.Address(); got != addr {
		t.Fatalf("address not stable: %q != %q", got, addr)
	}
	if id.PeerID().String() != addr {
		t.Fatalf("address %q does not match peer id %q", addr, id.PeerID())
	}
}

func TestGenerateIsRandom(t *testing.T) {
	a, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	b, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if a.Address() == b.Address() {
		t.Fatal("two generated identities share an address")
	}
}
