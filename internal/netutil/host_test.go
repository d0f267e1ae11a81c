package netutil

import "testing"

func TestNormalizeHost(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"example.com":          "example.com",
		"EXAMPLE.com":          "example.com",
		"  app.example.com.  ": "app.example.com",
		"example.com:8080":     "example.com",
		"[2001:db8::1]:443":    "2001:db8::1",
		"":                     "",
	}

	for in, want := range tests {
		if got := NormalizeHost(in); got != want {
			t.Fatalf("NormalizeHost(%q): got %q, want %q", in, got, want)
		}
	}
}

func TestHostInZone(t *testing.T) {
	t.Parallel()

	tests := []struct {
		host string
		zone string
		want bool
	}{
		{"example.com", "example.com", true},
		{"app.example.com", "example.com", true},
		{"a.b.example.com", "example.com", true},
		{"notexample.com", "example.com", false},
		{"example.com", "app.example.com", false},
		{"", "example.com", false},
		{"example.com", "", false},
	}

	for _, tt := range tests {
		if got := HostInZone(tt.host, tt.zone); got != tt.want {
			t.Fatalf("HostInZone(%q, %q): got %v, want %v", tt.host, tt.zone, got, tt.want)
		}
	}
}
