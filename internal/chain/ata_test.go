package chain

import "testing"

func TestDeriveATADeterministic(t *testing.T) {
	owner := randomKey(t)
	mint := mustKey(USDCMint)

	a, err := DeriveATA(owner, mint)
	if err != nil {
		t.Fatalf("DeriveATA: %v", err)
	}
	b, err := DeriveATA(owner, mint)
	if err != nil {
		t.Fatalf("DeriveATA: %v", err)
	}
	if a != b {
		t.Fatal("derivation is not deterministic")
	}
	if onCurve(a) {
		t.Fatal("derived address lies on the curve")
	}
}

func TestDeriveATAVariesWithInputs(t *testing.T) {
	mint := mustKey(USDCMint)
	a, _ := DeriveATA(randomKey(t), mint)
	b, _ := DeriveATA(randomKey(t), mint)
	if a == b {
		t.Fatal("different owners derived the same ata")
	}

	owner := randomKey(t)
	c, _ := DeriveATA(owner, mint)
	d, _ := DeriveATA(owner, randomKey(t))
	if c == d {
		t.Fatal("different mints derived the same ata")
	}
}
