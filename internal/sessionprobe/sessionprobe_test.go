package sessionprobe

import "testing"

const sampleWhoOutput = `alice    pts/0        2024-03-15 10:30 (192.168.1.5)
bob      tty1         2024-03-15 09:00
carol    pts/1        2024-03-15 11:00 (192.168.1.9)
dave     pts/2        2024-03-15 11:05 (not-an-ip)
`

func TestParseWhoKeepsOnlyIPv4Origins(t *testing.T) {
	sessions := parseWho(sampleWhoOutput)
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d: %+v", len(sessions), sessions)
	}
	if sessions[0] != (Session{User: "alice", Addr: "192.168.1.5"}) {
		t.Errorf("sessions[0] = %+v", sessions[0])
	}
	if sessions[1] != (Session{User: "carol", Addr: "192.168.1.9"}) {
		t.Errorf("sessions[1] = %+v", sessions[1])
	}
}

func TestParseWhoDiscardsMalformedRows(t *testing.T) {
	sessions := parseWho("garbled row with too many fields here and there (192.168.1.5)\n")
	if len(sessions) != 0 {
		t.Fatalf("expected malformed row to be dropped, got %+v", sessions)
	}
}

func TestSessionsFor(t *testing.T) {
	sessions := []Session{
		{User: "alice", Addr: "192.168.1.5"},
		{User: "bob", Addr: "192.168.1.5"},
		{User: "alice", Addr: "192.168.1.9"},
	}
	got := SessionsFor(sessions, "alice", "")
	if len(got) != 2 {
		t.Fatalf("expected 2 matches for user alice, got %d", len(got))
	}
	got = SessionsFor(sessions, "alice", "192.168.1.5")
	if len(got) != 1 {
		t.Fatalf("expected 1 exact match, got %d", len(got))
	}
}

func TestLiveSet(t *testing.T) {
	sessions := []Session{{User: "alice", Addr: "192.168.1.5"}}
	set := LiveSet(sessions)
	if !set["alice@192.168.1.5"] {
		t.Fatal("expected key present in live set")
	}
	if set["bob@192.168.1.5"] {
		t.Fatal("expected unrelated key absent")
	}
}
