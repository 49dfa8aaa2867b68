package ledger

import (
	"testing"

	ublcid "ubl-gate/cid"
	"ubl-gate/receipt"
)

func wfEnvelope(t *testing.T, tag string) receipt.Envelope {
	t.Helper()
	body := []byte(`{"decision":"ALLOW","tag":"` + tag + `"}`)
	return receipt.Envelope{T: receipt.KindWF, Body: body, BodyCID: ublcid.Of(body)}
}

func TestCommitAdvancesTipAndRecordsFingerprint(t *testing.T) {
	s := NewStore(0)
	wf := wfEnvelope(t, "1")
	fp := ublcid.Of([]byte("fp-1"))

	if err := s.Commit("tenant-a", fp, "", false, wf); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	tip, ok := s.Tip("tenant-a")
	if !ok || tip != wf.BodyCID {
		t.Fatalf("expected tip %s, got %s (ok=%v)", wf.BodyCID, tip, ok)
	}
	got, ok := s.Lookup("tenant-a", fp)
	if !ok || got != wf.BodyCID {
		t.Fatalf("expected lookup to resolve fp to wf cid, got %s (ok=%v)", got, ok)
	}
}

func TestCommitReplayIsRejected(t *testing.T) {
	s := NewStore(0)
	fp := ublcid.Of([]byte("fp-1"))
	wf1 := wfEnvelope(t, "1")
	if err := s.Commit("tenant-a", fp, "", false, wf1); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	tip, _ := s.Tip("tenant-a")
	wf2 := wfEnvelope(t, "2")
	if err := s.Commit("tenant-a", fp, tip, true, wf2); err != ErrReplay {
		t.Fatalf("expected ErrReplay, got %v", err)
	}
}

func TestCommitDetectsTipMoved(t *testing.T) {
	s := NewStore(0)
	wf1 := wfEnvelope(t, "1")
	fp1 := ublcid.Of([]byte("fp-1"))
	if err := s.Commit("tenant-a", fp1, "", false, wf1); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	// A second commit built against the stale (empty) expected tip must
	// fail with ErrTipMoved, since the tip already advanced above.
	wf2 := wfEnvelope(t, "2")
	fp2 := ublcid.Of([]byte("fp-2"))
	if err := s.Commit("tenant-a", fp2, "", false, wf2); err != ErrTipMoved {
		t.Fatalf("expected ErrTipMoved, got %v", err)
	}
}

func TestChainingSuccessiveExecutions(t *testing.T) {
	s := NewStore(0)
	wf1 := wfEnvelope(t, "1")
	fp1 := ublcid.Of([]byte("fp-1"))
	if err := s.Commit("tenant-a", fp1, "", false, wf1); err != nil {
		t.Fatalf("Commit 1: %v", err)
	}
	tip1, _ := s.Tip("tenant-a")

	wf2 := wfEnvelope(t, "2")
	fp2 := ublcid.Of([]byte("fp-2"))
	if err := s.Commit("tenant-a", fp2, tip1, true, wf2); err != nil {
		t.Fatalf("Commit 2: %v", err)
	}
	tip2, _ := s.Tip("tenant-a")
	if tip2 != wf2.BodyCID {
		t.Fatalf("expected tip to advance to wf2, got %s", tip2)
	}
	if tip1 == tip2 {
		t.Fatal("tip did not change between executions")
	}
}

func TestTenantIsolation(t *testing.T) {
	s := NewStore(0)
	wf := wfEnvelope(t, "1")
	fp := ublcid.Of([]byte("fp-1"))
	if err := s.Commit("tenant-a", fp, "", false, wf); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if _, err := s.GetReceipt("tenant-b", wf.BodyCID); err == nil {
		t.Fatal("expected tenant-b lookup of tenant-a's receipt to miss")
	}
	if _, ok := s.Lookup("tenant-b", fp); ok {
		t.Fatal("expected tenant-b idempotency lookup to miss tenant-a's fingerprint")
	}
	if _, ok := s.Tip("tenant-b"); ok {
		t.Fatal("expected tenant-b to have no tip")
	}
}

func TestGetTransitionRejectsWrongKind(t *testing.T) {
	s := NewStore(0)
	wf := wfEnvelope(t, "1")
	s.PutReceipt("tenant-a", wf)
	if _, err := s.GetTransition("tenant-a", wf.BodyCID); err == nil {
		t.Fatal("expected GetTransition to reject a WF-kind receipt")
	}
}

func TestEvictionIsDeterministicUnderCapacity(t *testing.T) {
	s := NewStore(2)
	tenant := "tenant-a"
	var lastTip ublcid.CID
	hasTip := false
	for i := 0; i < 5; i++ {
		wf := wfEnvelope(t, string(rune('a'+i)))
		fp := ublcid.Of([]byte{byte(i)})
		if err := s.Commit(tenant, fp, lastTip, hasTip, wf); err != nil {
			t.Fatalf("Commit %d: %v", i, err)
		}
		lastTip, hasTip = s.Tip(tenant)
	}
	ts := s.tenantState(tenant)
	ts.mu.Lock()
	n := len(ts.idempotency)
	ts.mu.Unlock()
	if n != 2 {
		t.Fatalf("expected idempotency map capped at 2, got %d", n)
	}
	for i := 3; i < 5; i++ {
		if _, ok := s.Lookup(tenant, ublcid.Of([]byte{byte(i)})); !ok {
			t.Fatalf("expected fingerprint %d (one of the two most recent) to survive eviction", i)
		}
	}
	if _, ok := s.Lookup(tenant, ublcid.Of([]byte{0})); ok {
		t.Fatal("expected the least recently touched fingerprint 0 to be evicted")
	}
}
