package version

import "testing"

func TestFormulaRoundTrip(t *testing.T) {
	cases := []string{
		"(&()())",
		"(|()())",
		"(==b:1.0)",
		"(!=s:2.3.a)",
		"(&(==b:1.0)(<=s:2.0))",
		"(|(==b:1.0)())",
		"(&()(==b:1.0))",
	}
	for _, s := range cases {
		f, err := ParseFormula(s)
		if err != nil {
			t.Fatalf("ParseFormula(%q): %v", s, err)
		}
		if got := f.String(); got != s {
			t.Errorf("round-trip %q -> %q", s, got)
		}
	}
}

func TestFormulaNeutralElements(t *testing.T) {
	andNone := And(nil, nil)
	if !andNone.Satisfies(VersionNumber{}, VersionNumber{}) {
		t.Error("And(nil, nil) should evaluate true")
	}

	orNone := Or(nil, nil)
	if orNone.Satisfies(VersionNumber{}, VersionNumber{}) {
		t.Error("Or(nil, nil) should evaluate false")
	}
}

func TestFormulaSatisfies(t *testing.T) {
	v1 := MustParse("1.0")
	v2 := MustParse("2.0")

	f := Primitive(TargetBinary, OpGE, v1)
	if !f.Satisfies(VersionNumber{}, v2) {
		t.Error("expected 2.0 >= 1.0 to satisfy")
	}
	if f.Satisfies(VersionNumber{}, MustParse("0.5")) {
		t.Error("expected 0.5 >= 1.0 to fail")
	}

	conj := And(Primitive(TargetBinary, OpGE, v1), Primitive(TargetBinary, OpLE, MustParse("3.0")))
	if !conj.Satisfies(VersionNumber{}, v2) {
		t.Error("expected 2.0 in [1.0, 3.0]")
	}
	if conj.Satisfies(VersionNumber{}, MustParse("5.0")) {
		t.Error("expected 5.0 outside [1.0, 3.0]")
	}
}

func TestFormulaAndOrWithOneNilChild(t *testing.T) {
	leaf := Primitive(TargetBinary, OpEQ, MustParse("1.0"))

	andLeft := And(nil, leaf)
	andRight := And(leaf, nil)
	if !andLeft.Satisfies(VersionNumber{}, MustParse("1.0")) {
		t.Error("And(nil, leaf) should defer to leaf")
	}
	if !andRight.Satisfies(VersionNumber{}, MustParse("1.0")) {
		t.Error("And(leaf, nil) should defer to leaf")
	}

	orLeft := Or(nil, leaf)
	orRight := Or(leaf, nil)
	if orLeft.Satisfies(VersionNumber{}, MustParse("2.0")) {
		t.Error("Or(nil, leaf) should defer to leaf, which is false here")
	}
	if orRight.Satisfies(VersionNumber{}, MustParse("2.0")) {
		t.Error("Or(leaf, nil) should defer to leaf, which is false here")
	}
}
