package bridge

import (
	"strings"
	"testing"
)

func TestStatusText(t *testing.T) {
	tests := []struct {
		kind    StatusKind
		who     string
		address string
		want    string
	}{
		{Connected, "Pixel", "192.168.1.5:5555", "Connected to device Pixel at 192.168.1.5:5555"},
		{ConnectFailed, "Pixel", "192.168.1.5:5555", "Failed to connect"},
		{Reconnected, "Pixel", "192.168.1.5:5555", "Reconnected to device Pixel"},
		{NotOnNetwork, "Pixel", "", "has no IP address"},
		{NotOnNetwork, "Pixel", "10.0.0.1", "Wi-Fi turned off"},
		{Remembered, "Pixel", "", "last connected to Pixel"},
		{NoRemembered, "", "", "no remembered connection"},
	}
	for _, tt := range tests {
		msg := NewStatus(tt.kind, tt.who, "serial", tt.address)
		if !strings.Contains(msg.Text, tt.want) {
			t.Errorf("%s: text %q does not contain %q", tt.kind, msg.Text, tt.want)
		}
		if msg.Time.IsZero() {
			t.Errorf("%s: time not set", tt.kind)
		}
	}
}

func TestStatusKindFlags(t *testing.T) {
	if !ConnectFailed.IsFailure() || Connected.IsFailure() {
		t.Error("IsFailure misclassified")
	}
	if !Reconnected.recorded() || Armed.recorded() {
		t.Error("recorded misclassified")
	}
}

func TestStatusFunc(t *testing.T) {
	var got StatusMessage
	var sink StatusSink = StatusFunc(func(m StatusMessage) { got = m })
	sink.Publish(NewStatus(Armed, "", "", ""))
	if got.Kind != Armed {
		t.Errorf("got %s", got.Kind)
	}
}
