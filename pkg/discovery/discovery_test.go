package discovery

import "testing"

func TestSubnetForExplicitOverride(t *testing.T) {
	cases := []struct {
		override string
		want     string
	}{
		{"192.168.1.0/24", "192.168.1"},
		{"10.20.30.99", "10.20.30"},
		{"10.20.30.0/16", "10.20.30"},
	}
	for _, tc := range cases {
		got, err := SubnetFor("ignored.invalid", tc.override)
		if err != nil {
			t.Errorf("SubnetFor(%q): %v", tc.override, err)
			continue
		}
		if got != tc.want {
			t.Errorf("SubnetFor(%q) = %q, want %q", tc.override, got, tc.want)
		}
	}
}

func TestSubnetForFromHostAddress(t *testing.T) {
	got, err := SubnetFor("192.168.5.77", "")
	if err != nil {
		t.Fatalf("SubnetFor: %v", err)
	}
	if got != "192.168.5" {
		t.Errorf("SubnetFor = %q, want 192.168.5", got)
	}
}

func TestSubnetForRejectsGarbage(t *testing.T) {
	for _, bad := range []string{"not/an/ip", "fe80::1", "999.1.2.3"} {
		if _, err := SubnetFor("ignored.invalid", bad); err == nil {
			t.Errorf("override %q should be rejected", bad)
		}
	}
}
