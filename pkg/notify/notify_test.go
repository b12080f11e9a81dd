package notify

import (
	"testing"
	"time"

	"github.com/garagemate/ecubus/pkg/diag"
)

func TestTopicFor(t *testing.T) {
	tests := []struct {
		root, serial, leaf string
		want               string
	}{
		{"garage", "00420137", "flash", "garage/00420137/flash"},
		{"garage", "00420137", "dtc", "garage/00420137/dtc"},
		{"shop/bay2", "00420137", "dtc", "shop/bay2/00420137/dtc"},
		{"garage", "", "flash", "garage/unknown/flash"},
	}
	for _, tt := range tests {
		if got := topicFor(tt.root, tt.serial, tt.leaf); got != tt.want {
			t.Errorf("topicFor(%q, %q, %q) = %q, want %q", tt.root, tt.serial, tt.leaf, got, tt.want)
		}
	}
}

func TestNewDTCs(t *testing.T) {
	seen := make(map[uint16]struct{})
	snap := diag.Snapshot{
		Time: time.Now(),
		DTCs: []diag.DTC{
			{Code: "P0301", Raw: 0x0301},
			{Code: "P1171", Raw: 0x1171},
		},
	}

	fresh := newDTCs(seen, snap)
	if len(fresh) != 2 {
		t.Fatalf("first pass: got %d new codes, want 2", len(fresh))
	}
	if fresh[0].Code != "P0301" || fresh[1].Code != "P1171" {
		t.Errorf("unexpected codes %q, %q", fresh[0].Code, fresh[1].Code)
	}

	// Same snapshot again: nothing is new.
	if fresh := newDTCs(seen, snap); len(fresh) != 0 {
		t.Errorf("second pass: got %d new codes, want 0", len(fresh))
	}

	// One repeat plus one unseen code: only the unseen one passes.
	snap.DTCs = append(snap.DTCs, diag.DTC{Code: "P0420", Raw: 0x0420})
	fresh = newDTCs(seen, snap)
	if len(fresh) != 1 || fresh[0].Code != "P0420" {
		t.Fatalf("third pass: got %+v, want just P0420", fresh)
	}
}

func TestOptionsDefaults(t *testing.T) {
	opts := NewOptions()
	if opts.Enabled() {
		t.Error("notifier enabled with no broker configured")
	}
	if opts.TopicRoot != "garage" {
		t.Errorf("TopicRoot = %q, want garage", opts.TopicRoot)
	}
	if opts.KeepAlive != 60*time.Second {
		t.Errorf("KeepAlive = %v, want 60s", opts.KeepAlive)
	}
	opts.Broker = "mqtt://localhost:1883"
	if !opts.Enabled() {
		t.Error("notifier disabled with a broker configured")
	}
}
