package engine

import "testing"

func TestIsValidAddress(t *testing.T) {
	cases := map[string]bool{
		"0x1111111111111111111111111111111111111111": true,
		"1111111111111111111111111111111111111111":   true,
		"0x11111111111111111111111111111111111111":   false, // too short
		"not-an-address":                              false,
		"0xZZZZ11111111111111111111111111111111111111": false,
	}
	for addr, want := range cases {
		if got := IsValidAddress(addr); got != want {
			t.Errorf("IsValidAddress(%q) = %v, want %v", addr, got, want)
		}
	}
}

func TestNormalizeAddress(t *testing.T) {
	got := NormalizeAddress("0xABCDEF1111111111111111111111111111111111")
	want := "0xabcdef1111111111111111111111111111111111"
	if got != want {
		t.Errorf("NormalizeAddress() = %q, want %q", got, want)
	}

	got = NormalizeAddress("ABCDEF1111111111111111111111111111111111")
	if got != want {
		t.Errorf("NormalizeAddress() without 0x prefix = %q, want %q", got, want)
	}
}
