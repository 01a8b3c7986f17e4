package queue

import "testing"

func TestRebuildJobMsgIDStableWithinWindow(t *testing.T) {
	job := RebuildJob{ChainID: 1, Wallet: "0xabc"}
	id1 := job.msgID()
	id2 := job.msgID()
	if id1 != id2 {
		t.Errorf("msgID should be stable for repeated calls within the same dedup window: %q != %q", id1, id2)
	}
}

func TestRebuildJobMsgIDDiffersByKey(t *testing.T) {
	a := RebuildJob{ChainID: 1, Wallet: "0xabc"}
	b := RebuildJob{ChainID: 2, Wallet: "0xabc"}
	if a.msgID() == b.msgID() {
		t.Error("different chains must not collapse to the same dedup key")
	}
}
