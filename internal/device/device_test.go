package device

import "testing"

func TestValidTransitionAllowsDocumentedEdges(t *testing.T) {
	cases := []struct {
		from, to State
		want     bool
	}{
		{Disconnected, Connecting, true},
		{Connecting, Connected, true},
		{Connecting, Error, true},
		{Connected, Streaming, true},
		{Connected, Disconnected, true},
		{Error, Connecting, true},
		{Disconnected, Connected, false},
		{Streaming, Connecting, false},
	}
	for _, c := range cases {
		if got := ValidTransition(c.from, c.to); got != c.want {
			t.Errorf("ValidTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestDefaultConfigsMatchDocumentedDefaults(t *testing.T) {
	ttl := DefaultTTLConfig()
	if ttl.Baud != 115200 || ttl.PulseDurationMs != 10 {
		t.Fatalf("unexpected ttl defaults: %+v", ttl)
	}
	kernel := DefaultKernelConfig()
	if kernel.Port != 6767 || !kernel.AutoReconnect {
		t.Fatalf("unexpected kernel defaults: %+v", kernel)
	}
	pupil := DefaultPupilConfig()
	if pupil.RequestTimeoutMs != 3000 {
		t.Fatalf("unexpected pupil defaults: %+v", pupil)
	}
}
