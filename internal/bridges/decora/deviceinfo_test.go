package decora

import (
	"context"
	"testing"
)

func TestDeviceSummaryIsDimmable(t *testing.T) {
	tests := []struct {
		model string
		want  bool
	}{
		{"DDL06-1LZ", true},  // plug-in dimmer
		{"DW6HD-1BZ", true},  // in-wall dimmer
		{"DDS15-1BZ", false}, // on/off switch
		{"DDS15", false},
		{"", true}, // unknown models dim
	}

	for _, tt := range tests {
		d := DeviceSummary{Model: tt.model}
		if got := d.IsDimmable(); got != tt.want {
			t.Errorf("IsDimmable(%q) = %t, want %t", tt.model, got, tt.want)
		}
	}
}

func TestReadDeviceSummary(t *testing.T) {
	link, _, _ := newTestLink(t)

	summary, err := ReadDeviceSummary(context.Background(), link)
	if err != nil {
		t.Fatalf("ReadDeviceSummary failed: %v", err)
	}
	if summary.Model != "DDL06-1LZ" {
		t.Errorf("Model = %q, want %q", summary.Model, "DDL06-1LZ")
	}
	if summary.Manufacturer != "Leviton" {
		t.Errorf("Manufacturer = %q, want %q", summary.Manufacturer, "Leviton")
	}
	if summary.SoftwareRevision != "2.4.16" {
		t.Errorf("SoftwareRevision = %q, want %q", summary.SoftwareRevision, "2.4.16")
	}
	if summary.SystemID != "C4:0D:96:00:00:11:22:33" {
		t.Errorf("SystemID = %q, want %q", summary.SystemID, "C4:0D:96:00:00:11:22:33")
	}
	if summary.IsZero() {
		t.Error("IsZero() = true for a populated summary")
	}
}

func TestReadDeviceSummaryPartial(t *testing.T) {
	dev := newFakeDevice()
	delete(dev.info, CharSystemID)
	delete(dev.info, CharSoftwareRevision)
	transport := newFakeTransport(dev)
	mgr := NewLinkManager(transport, LinkOptions{})
	link, err := mgr.Connect(context.Background(), testIdentity(t))
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer link.Disconnect()

	summary, err := ReadDeviceSummary(context.Background(), link)
	if err != nil {
		t.Fatalf("ReadDeviceSummary failed on partial info: %v", err)
	}
	if summary.Model != "DDL06-1LZ" {
		t.Errorf("Model = %q, want %q", summary.Model, "DDL06-1LZ")
	}
	if summary.SystemID != "" {
		t.Errorf("SystemID = %q, want empty", summary.SystemID)
	}
}

func TestReadDeviceSummaryUnavailable(t *testing.T) {
	dev := newFakeDevice()
	dev.info = map[Characteristic][]byte{}
	transport := newFakeTransport(dev)
	mgr := NewLinkManager(transport, LinkOptions{})
	link, err := mgr.Connect(context.Background(), testIdentity(t))
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer link.Disconnect()

	if _, err := ReadDeviceSummary(context.Background(), link); err == nil {
		t.Error("ReadDeviceSummary succeeded with no readable characteristics")
	}
}

func TestCleanInfoString(t *testing.T) {
	tests := []struct {
		in   []byte
		want string
	}{
		{[]byte("DDL06-1LZ"), "DDL06-1LZ"},
		{[]byte("2.4.16\x00\x00\x00"), "2.4.16"},
		{[]byte("  Leviton \x00"), "Leviton"},
		{nil, ""},
	}
	for _, tt := range tests {
		if got := cleanInfoString(tt.in); got != tt.want {
			t.Errorf("cleanInfoString(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatSystemID(t *testing.T) {
	got := formatSystemID([]byte{0xC4, 0x0D, 0x96, 0x00})
	if got != "C4:0D:96:00" {
		t.Errorf("formatSystemID = %q, want %q", got, "C4:0D:96:00")
	}
	if got := formatSystemID(nil); got != "" {
		t.Errorf("formatSystemID(nil) = %q, want empty", got)
	}
}
