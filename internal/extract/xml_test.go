package extract

import (
	"strings"
	"testing"
)

const sampleDE = `<?xml version="1.0" encoding="UTF-8"?>
<rDE xmlns="http://ekuatia.set.gov.py/sifen/xsd">
  <DE Id="01234567890123456789012345678901234567890123">
    <dNumTim>12345678</dNumTim>
    <dNumDoc>0000001</dNumDoc>
    <dFeEmiDE>2024-03-15T10:30:00</dFeEmiDE>
    <dRucEm>80012345-6</dRucEm>
    <dNomEmi>Acme SA</dNomEmi>
    <dRucRec>4444444-4</dRucRec>
    <dNomRec>Cliente SA</dNomRec>
    <cMoneOpe>PYG</cMoneOpe>
    <dSub10>100000</dSub10>
    <dIVA10>10000</dIVA10>
    <dTotGralOpe>110000</dTotGralOpe>
    <gCamItem>
      <dDesProSer>Servicio de consultoria</dDesProSer>
      <dCantProSer>1</dCantProSer>
      <dPUniProSer>100000</dPUniProSer>
      <dTotBruOpeItem>100000</dTotBruOpeItem>
      <dTasaIVA>10</dTasaIVA>
    </gCamItem>
  </DE>
</rDE>`

func TestParseXMLRoundTripsCDC(t *testing.T) {
	doc, err := ParseXML([]byte(sampleDE))
	if err != nil {
		t.Fatalf("ParseXML: %v", err)
	}
	want := "01234567890123456789012345678901234567890123"
	if doc.Header.CDC != want {
		t.Fatalf("CDC = %q, want %q", doc.Header.CDC, want)
	}
	if doc.Header.DocumentNumber != "0000001" {
		t.Fatalf("DocumentNumber = %q", doc.Header.DocumentNumber)
	}
	if len(doc.Items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(doc.Items))
	}
	if doc.Items[0].IVARate != 10 {
		t.Fatalf("IVARate = %d, want 10", doc.Items[0].IVARate)
	}
}

func TestParseXMLRejectsShortID(t *testing.T) {
	raw := strings.Replace(sampleDE, `Id="01234567890123456789012345678901234567890123"`, `Id="tooshort"`, 1)
	doc, err := ParseXML([]byte(raw))
	if err != nil {
		t.Fatalf("ParseXML: %v", err)
	}
	if doc.Header.CDC != "" {
		t.Fatalf("expected empty CDC for non-44-digit Id, got %q", doc.Header.CDC)
	}
}

func TestParseXMLRecoversFromGarbageSurroundingDE(t *testing.T) {
	wrapped := "garbage-prefix-not-valid-xml<>>" + sampleDE + "trailing garbage"
	doc, err := ParseXML([]byte(wrapped))
	if err != nil {
		t.Fatalf("ParseXML recovery: %v", err)
	}
	if doc.Header.DocumentNumber != "0000001" {
		t.Fatalf("recovery parse lost DocumentNumber: %q", doc.Header.DocumentNumber)
	}
}

func TestParseXMLMissingRequiredFieldsFails(t *testing.T) {
	raw := `<DE Id="01234567890123456789012345678901234567890123"></DE>`
	if _, err := ParseXML([]byte(raw)); err == nil {
		t.Fatalf("expected error for DE missing required fields")
	}
}
