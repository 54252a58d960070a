package onion

import "testing"

func TestNodeAddressIPv4RoundTrip(t *testing.T) {
	addr, err := NewNodeAddress("203.0.113.7:9001")
	if err != nil {
		t.Fatalf("NewNodeAddress: %v", err)
	}
	if got, want := addr.String(), "203.0.113.7:9001"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestNodeAddressIPv6RoundTrip(t *testing.T) {
	addr, err := NewNodeAddress("[2001:db8::1]:9001")
	if err != nil {
		t.Fatalf("NewNodeAddress: %v", err)
	}
	if got, want := addr.String(), "[2001:db8::1]:9001"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestNodeAddressRejectsInvalidPort(t *testing.T) {
	if _, err := NewNodeAddress("10.0.0.1:0"); err == nil {
		t.Error("port 0 should be rejected")
	}
	if _, err := NewNodeAddress("10.0.0.1:70000"); err == nil {
		t.Error("port above 65535 should be rejected")
	}
}

func TestNodeAddressRejectsInvalidHost(t *testing.T) {
	if _, err := NewNodeAddress("not-an-ip:9001"); err == nil {
		t.Error("non-IP host should be rejected")
	}
}
