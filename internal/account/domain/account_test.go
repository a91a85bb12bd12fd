package domain

import "testing"

func TestNormalizeEmail(t *testing.T) {
	cases := map[string]string{
		"a@x.com":          "a@x.com",
		"  A@X.Com ":       "a@x.com",
		"MixedCase@Ex.ORG": "mixedcase@ex.org",
		"":                 "",
	}
	for in, want := range cases {
		if got := NormalizeEmail(in); got != want {
			t.Errorf("NormalizeEmail(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestOptionalString(t *testing.T) {
	if OptionalString("   ") != nil {
		t.Error("blank input should be nil")
	}
	if got := OptionalString(" Ada "); got == nil || *got != "Ada" {
		t.Errorf("OptionalString trimmed = %v", got)
	}
	if Deref(nil) != "" || Deref(OptionalString("x")) != "x" {
		t.Error("Deref mismatch")
	}
}
