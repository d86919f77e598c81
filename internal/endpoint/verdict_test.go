package endpoint_test

import (
	"testing"

	"github.com/MrWong99/parley/internal/endpoint"
)

func TestVerdicts(t *testing.T) {
	tests := []struct {
		in          string
		first, last int
		ok          bool
		trimmed     string
		speech      int
	}{
		{"", -1, -1, false, "", 0},
		{"____", -1, -1, false, "", 0},
		{"1", 0, 0, true, "1", 1},
		{"__11_1__", 2, 5, true, "11_1", 3},
		{"1__1", 0, 3, true, "1__1", 2},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			v := endpoint.ParseVerdicts(tt.in)
			if v.String() != tt.in {
				t.Errorf("String() = %q, want %q", v.String(), tt.in)
			}
			first, last, ok := v.Bounds()
			if first != tt.first || last != tt.last || ok != tt.ok {
				t.Errorf("Bounds() = (%d, %d, %v), want (%d, %d, %v)", first, last, ok, tt.first, tt.last, tt.ok)
			}
			if got := v.Trimmed().String(); got != tt.trimmed {
				t.Errorf("Trimmed() = %q, want %q", got, tt.trimmed)
			}
			if got := v.SpeechCount(); got != tt.speech {
				t.Errorf("SpeechCount() = %d, want %d", got, tt.speech)
			}
		})
	}
}

func TestParseVerdicts_UnknownCharsAreSilence(t *testing.T) {
	if got := endpoint.ParseVerdicts("1x0 1").String(); got != "1___1" {
		t.Errorf("got %q, want %q", got, "1___1")
	}
}

func TestMark_String(t *testing.T) {
	if endpoint.Speech.String() != "1" || endpoint.Silence.String() != "_" {
		t.Errorf("marks render as %q/%q", endpoint.Speech, endpoint.Silence)
	}
}
