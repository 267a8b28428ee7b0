package duneforge

import (
	"strings"
	"testing"
)

func TestGCWorkaroundNeeded(t *testing.T) {
	tests := []struct {
		version  string
		platform string
		want     bool
	}{
		{"5.3.0", "linux-aarch64", true},
		{"5.3.1", "linux-ppc64le", true},
		{"5.3.0", "osx-arm64", true},
		{"5.3.0", "linux-64", false},
		{"5.2.1", "linux-aarch64", false},
		{"5.4.0", "linux-aarch64", false},
		{"4.14.2", "linux-ppc64le", false},
		{"", "linux-aarch64", false},
	}
	for _, tt := range tests {
		if got := gcWorkaroundNeeded(tt.version, tt.platform); got != tt.want {
			t.Errorf("gcWorkaroundNeeded(%q, %q): want: %v, got: %v",
				tt.version, tt.platform, tt.want, got)
		}
	}
}

func TestSmokeCasesShape(t *testing.T) {
	cases := smokeCases()
	if len(cases) == 0 {
		t.Fatal("smokeCases: want at least one case, got none")
	}
	for _, c := range cases {
		if c.name == "" {
			t.Error("smoke case with empty name")
		}
		if len(c.files) == 0 {
			t.Errorf("smoke case %q has no source files", c.name)
		}
		if c.target == "" || c.binary == "" || c.expect == "" {
			t.Errorf("smoke case %q is missing target, binary or expect", c.name)
		}
		if !strings.HasPrefix(c.binary, "_build/default/") {
			t.Errorf("smoke case %q binary outside _build/default: %q", c.name, c.binary)
		}
	}
}
