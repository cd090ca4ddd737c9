package events

import "testing"

func TestKindRoundTrip(t *testing.T) {
	kinds := []Kind{KindLive, KindOffline, KindTitle, KindCategory, KindEmoteSetUpdate}
	for _, k := range kinds {
		got, err := ParseKind(k.String())
		if err != nil {
			t.Fatalf("ParseKind(%q): %v", k.String(), err)
		}
		if got != k {
			t.Errorf("ParseKind(%q) = %v, want %v", k.String(), got, k)
		}
	}
	if _, err := ParseKind("bogus"); err == nil {
		t.Error("ParseKind(bogus) should fail")
	}
}

func TestParseFlag(t *testing.T) {
	f, err := ParseFlag("massping")
	if err != nil || f != FlagMassping {
		t.Fatalf("ParseFlag(massping) = %v, %v", f, err)
	}
	if _, err := ParseFlag("bogus"); err == nil {
		t.Error("ParseFlag(bogus) should fail")
	}
}

func TestRuleHasFlag(t *testing.T) {
	r := Rule{Flags: []Flag{FlagMassping}}
	if !r.HasFlag(FlagMassping) {
		t.Error("expected massping flag")
	}
	empty := Rule{}
	if empty.HasFlag(FlagMassping) {
		t.Error("empty rule should carry no flags")
	}
}
