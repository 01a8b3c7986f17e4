package store

import "testing"

func TestHealthKeyDistinguishesChainAndURL(t *testing.T) {
	a := healthKey(1, "https://rpc.example/a")
	b := healthKey(2, "https://rpc.example/a")
	c := healthKey(1, "https://rpc.example/b")

	if a == b {
		t.Error("different chain IDs must not collide on the same URL")
	}
	if a == c {
		t.Error("different URLs on the same chain must not collide")
	}
}
