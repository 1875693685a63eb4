package tasks

import "testing"

func TestCentsFormatting(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0.00"},
		{5, "0.05"},
		{150, "1.50"},
		{99999, "999.99"},
		{-5, "-0.05"},
		{-150, "-1.50"},
		{-99999, "-999.99"},
	}
	for _, tt := range tests {
		if got := cents(tt.in); got != tt.want {
			t.Errorf("cents(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
