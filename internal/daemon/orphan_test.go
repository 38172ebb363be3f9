package daemon

import "testing"

func TestParseLsofPIDs(t *testing.T) {
	pids := parseLsofPIDs("1234\n5678\n\n")
	if len(pids) != 2 || pids[0] != 1234 || pids[1] != 5678 {
		t.Fatalf("pids = %v, want [1234 5678]", pids)
	}
}

func TestParseLsofPIDsIgnoresGarbage(t *testing.T) {
	pids := parseLsofPIDs("not-a-pid\n")
	if len(pids) != 0 {
		t.Fatalf("pids = %v, want none", pids)
	}
}

func TestParseNetstatPIDs(t *testing.T) {
	out := "  TCP    0.0.0.0:20100          0.0.0.0:0              LISTENING       4321\n" +
		"  TCP    0.0.0.0:443            0.0.0.0:0              LISTENING       9999\n"
	pids := parseNetstatPIDs(out, 20100)
	if len(pids) != 1 || pids[0] != 4321 {
		t.Fatalf("pids = %v, want [4321]", pids)
	}
}

func TestParseNetstatPIDsSkipsNonListening(t *testing.T) {
	out := "  TCP    0.0.0.0:20100          0.0.0.0:0              CLOSE_WAIT       4321\n"
	pids := parseNetstatPIDs(out, 20100)
	if len(pids) != 0 {
		t.Fatalf("pids = %v, want none", pids)
	}
}
