package chain

import "testing"

func TestParseAddress(t *testing.T) {
	valid := []string{
		"0x0B172a4E265AcF4c2E0aB238F63A44bf29bBd158",
		"0x0b172a4e265acf4c2e0ab238f63a44bf29bbd158",
		"  0x0B172A4E265ACF4C2E0AB238F63A44BF29BBD158 ",
	}
	for _, s := range valid {
		a, err := ParseAddress(s)
		if err != nil {
			t.Fatalf("ParseAddress(%q): %v", s, err)
		}
		if NormalizeAddress(a) != "0x0b172a4e265acf4c2e0ab238f63a44bf29bbd158" {
			t.Fatalf("unexpected normalisation %s", NormalizeAddress(a))
		}
	}
	for _, s := range []string{"", "0x1234", "0B172a4E265AcF4c2E0aB238F63A44bf29bBd158", "0xZZ172a4E265AcF4c2E0aB238F63A44bf29bBd158"} {
		if _, err := ParseAddress(s); err == nil {
			t.Fatalf("ParseAddress(%q) accepted", s)
		}
	}
}

func TestParseTxHash(t *testing.T) {
	if _, err := ParseTxHash("0x5c504ed432cb51138bcf09aa5e8a410dd4a1e204ef84bfed1be16dfba1b22060"); err != nil {
		t.Fatalf("valid hash rejected: %v", err)
	}
	for _, s := range []string{"", "0x5c50", "5c504ed432cb51138bcf09aa5e8a410dd4a1e204ef84bfed1be16dfba1b22060", "0x5c504ed432cb51138bcf09aa5e8a410dd4a1e204ef84bfed1be16dfba1b2206g"} {
		if _, err := ParseTxHash(s); err == nil {
			t.Fatalf("ParseTxHash(%q) accepted", s)
		}
	}
}
