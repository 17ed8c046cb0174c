package hal

import "testing"

func TestFakeTimerPending(t *testing.T) {
	tm := NewFakeTimer()
	tm.SetCompare(10)
	if tm.Pending() {
		t.Fatalf("expected not pending before deadline")
	}
	tm.Advance(10)
	if !tm.Pending() {
		t.Fatalf("expected pending at deadline")
	}
}

func TestFakeUARTRoundTrip(t *testing.T) {
	u := NewFakeUART()
	u.PutByte('h')
	u.PutByte('i')
	if string(u.Written()) != "hi" {
		t.Fatalf("Written() = %q", u.Written())
	}
	u.Feed([]byte("ok"))
	if !u.RxReady() {
		t.Fatalf("expected RxReady after Feed")
	}
	if u.GetByte() != 'o' || u.GetByte() != 'k' {
		t.Fatalf("unexpected fed bytes")
	}
	if u.RxReady() {
		t.Fatalf("expected RxReady false after draining")
	}
}

func TestFakeBlockDeviceReadWrite(t *testing.T) {
	d := NewFakeBlockDevice(4, 512)
	buf := make([]byte, 512)
	for i := range buf {
		buf[i] = byte(i)
	}
	if err := d.WriteSector(2, buf); err != nil {
		t.Fatalf("WriteSector: %v", err)
	}
	got := make([]byte, 512)
	if err := d.ReadSector(2, got); err != nil {
		t.Fatalf("ReadSector: %v", err)
	}
	if string(got) != string(buf) {
		t.Fatalf("read back mismatch")
	}
	if err := d.ReadSector(10, got); err == nil {
		t.Fatalf("expected out-of-range error")
	}
}

func TestFakePLICClaimPriority(t *testing.T) {
	p := NewFakePLIC()
	p.Raise(5)
	p.Raise(1)
	if got := p.Claim(); got != 1 {
		t.Fatalf("Claim() = %d, want 1", got)
	}
	if got := p.Claim(); got != 5 {
		t.Fatalf("Claim() = %d, want 5", got)
	}
	if got := p.Claim(); got != 0 {
		t.Fatalf("Claim() = %d, want 0 (none pending)", got)
	}
}
