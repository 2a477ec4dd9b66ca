package mail

import "testing"

func TestNormalizeSubjectStripsDiacriticsAndCase(t *testing.T) {
	cases := map[string]string{
		"Factura Electrónica": "factura electronica",
		"FACTURA ELECTRONICA": "factura electronica",
		"  Comprobante  ":     "comprobante",
		"Ñandutí":             "nanduti",
	}
	for in, want := range cases {
		if got := NormalizeSubject(in); got != want {
			t.Fatalf("NormalizeSubject(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMatchesTermsIsAccentAndCaseInsensitive(t *testing.T) {
	terms := []string{NormalizeSubject("factura electronica")}

	subjects := []string{
		"Re: Factura Electrónica Nro. 001",
		"FACTURA ELECTRONICA adjunta",
	}
	for _, s := range subjects {
		if !matchesTerms(s, terms) {
			t.Fatalf("expected subject %q to match term %q", s, terms[0])
		}
	}

	if matchesTerms("Boletín informativo", terms) {
		t.Fatalf("expected unrelated subject not to match")
	}
}

func TestMatchesTermsWithNoTermsNeverMatches(t *testing.T) {
	if matchesTerms("Factura Electrónica", nil) {
		t.Fatalf("expected no configured terms to never match")
	}
}
