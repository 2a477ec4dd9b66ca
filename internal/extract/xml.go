// Package extract implements the native XML parser (C7) and the LLM vision
// extractor (C8). Field mapping follows spec.md §4.7/§4.8; the structural
// shape (a Service type with small focused methods, byte-level recovery
// fallback) is modeled on the teacher's internal/services/email_parse.go,
// which applies the same "best-effort primary parse, byte-scan fallback"
// idiom for malformed input.
package extract

import (
	"encoding/xml"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"cuenly-ingest/internal/ingesterr"
	"cuenly-ingest/internal/model"
)

// node is a generic XML tree used to find the DE element by local name at
// any depth, honoring namespaces when present but not requiring them.
type node struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Content  []byte     `xml:",innerxml"`
	Children []node     `xml:",any"`
}

func (n *node) attr(local string) string {
	for _, a := range n.Attrs {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

func (n *node) findByLocalName(local string) *node {
	if n.XMLName.Local == local {
		return n
	}
	for i := range n.Children {
		if found := n.Children[i].findByLocalName(local); found != nil {
			return found
		}
	}
	return nil
}

func (n *node) text(local string) string {
	c := n.findByLocalName(local)
	if c == nil {
		return ""
	}
	return strings.TrimSpace(string(c.Content))
}

func (n *node) all(local string) []*node {
	var out []*node
	var walk func(*node)
	walk = func(cur *node) {
		if cur.XMLName.Local == local {
			out = append(out, cur)
		}
		for i := range cur.Children {
			walk(&cur.Children[i])
		}
	}
	walk(n)
	return out
}

var cdcPattern = regexp.MustCompile(`^\d{44}$`)

var deRecoveryPattern = regexp.MustCompile(`(?is)<DE[ >].*?</DE>`)

// ParseXML implements C7: locate DE by local name, extract CDC only from
// its Id attribute when it is exactly 44 digits, map SIFEN fields, and fall
// back to a byte-level <DE>...</DE> recovery scan on parse failure.
func ParseXML(raw []byte) (*model.InvoiceDocument, error) {
	doc, err := parseDE(raw)
	if err == nil {
		return doc, nil
	}

	recovered := deRecoveryPattern.Find(raw)
	if recovered == nil {
		return nil, ingesterr.InvoiceParse(fmt.Sprintf("no DE element found: %v", err))
	}
	doc, err2 := parseDE(recovered)
	if err2 != nil {
		return nil, ingesterr.InvoiceParse(fmt.Sprintf("recovery parse failed: %v", err2))
	}
	return doc, nil
}

func parseDE(raw []byte) (*model.InvoiceDocument, error) {
	var root node
	if err := xml.Unmarshal(raw, &root); err != nil {
		return nil, err
	}

	de := root.findByLocalName("DE")
	if de == nil {
		de = &root
		if de.XMLName.Local != "DE" {
			return nil, fmt.Errorf("DE element not found")
		}
	}

	cdc := ""
	if id := de.attr("Id"); cdcPattern.MatchString(id) {
		cdc = id
	}

	header := model.InvoiceHeader{
		CDC:    cdc,
		Source: model.SourceXMLNative,
	}

	header.DocumentNumber = firstNonEmpty(de.text("dNumDoc"), de.text("dNumTim"))
	header.IssueTime = parseSIFENDate(de.text("dFeEmiDE"))
	header.Timbrado = de.text("dNumTim")

	header.Issuer.RUC = de.text("dRucEm")
	header.Issuer.Name = de.text("dNomEmi")
	header.Receiver.RUC = de.text("dRucRec")
	header.Receiver.Name = de.text("dNomRec")

	totals, err := extractTotals(de)
	if err != nil {
		return nil, err
	}
	header.Totals = totals

	items := extractItems(de)
	header.Description = joinDescriptions(items, 10)

	if header.IssueTime.IsZero() || header.DocumentNumber == "" || header.Issuer.RUC == "" {
		return nil, fmt.Errorf("missing required fields (fecha/numero_factura/ruc_emisor)")
	}

	return &model.InvoiceDocument{Header: header, Items: items}, nil
}

func extractTotals(de *node) (model.Totals, error) {
	var t model.Totals

	t.Exempt = parseAmount(de.text("dSubExe"))
	iva5 := parseAmount(de.text("dIVA5"))
	iva10 := parseAmount(de.text("dIVA10"))
	t.IVA5 = iva5
	t.IVA10 = iva10

	if g5 := de.text("dSub5"); g5 != "" {
		t.Gravado5 = parseAmount(g5)
	} else {
		t.Gravado5 = iva5 * 20
	}
	if g10 := de.text("dSub10"); g10 != "" {
		t.Gravado10 = parseAmount(g10)
	} else {
		t.Gravado10 = iva10 * 10
	}

	t.Total = parseAmount(de.text("dTotGralOpe"))
	t.Currency = normalizeCurrency(de.text("cMoneOpe"))
	if rate := de.text("dTiCam"); rate != "" {
		t.ExchangeRate = parseAmount(rate)
	}

	return t, nil
}

func normalizeCurrency(raw string) string {
	upper := strings.ToUpper(strings.TrimSpace(raw))
	switch upper {
	case "GS", "PYG", "G$":
		return "GS"
	case "USD", "DOLAR", "$":
		return "USD"
	default:
		return upper
	}
}

func extractItems(de *node) []model.InvoiceItem {
	itemNodes := de.all("gCamItem")
	items := make([]model.InvoiceItem, 0, len(itemNodes))
	for i, it := range itemNodes {
		line := model.InvoiceItem{
			LineNumber:  i + 1,
			Description: it.text("dDesProSer"),
			Quantity:    parseAmount(it.text("dCantProSer")),
			UnitPrice:   parseAmount(it.text("dPUniProSer")),
			Total:       parseAmount(it.text("dTotBruOpeItem")),
			IVARate:     coerceIVARate(it.text("dTasaIVA")),
		}
		items = append(items, line)
	}
	return items
}

func coerceIVARate(raw string) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0
	}
	switch {
	case n >= 8:
		return 10
	case n >= 3:
		return 5
	default:
		return 0
	}
}

func joinDescriptions(items []model.InvoiceItem, limit int) string {
	parts := make([]string, 0, limit)
	for i, it := range items {
		if i >= limit {
			break
		}
		if d := strings.TrimSpace(it.Description); d != "" {
			parts = append(parts, d)
		}
	}
	return strings.Join(parts, ", ")
}

func parseAmount(raw string) float64 {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0
	}
	s = strings.ReplaceAll(s, ".", "")
	s = strings.ReplaceAll(s, ",", ".")
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// parseSIFENDate parses SIFEN's dFeEmiDE timestamp, which is ISO-8601
// without always including a UTC offset. Vision-extracted dates are far
// less disciplined, so a free-form YMD fallback runs after the strict
// layouts fail.
func parseSIFENDate(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	layouts := []string{
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t
		}
	}
	return parseFreeFormYMD(raw)
}

var dateYMDPattern = regexp.MustCompile(`(\d{4})\D+(\d{1,2})\D+(\d{1,2})`)

// parseFreeFormYMD extracts a YYYY-MM-DD date from loosely formatted
// text such as "15/01/2024" or "2024/01/15", validating the result by
// round-tripping it through time.Date.
func parseFreeFormYMD(raw string) time.Time {
	m := dateYMDPattern.FindStringSubmatch(raw)
	if len(m) != 4 {
		return time.Time{}
	}
	y, err1 := strconv.Atoi(m[1])
	a, err2 := strconv.Atoi(m[2])
	b, err3 := strconv.Atoi(m[3])
	if err1 != nil || err2 != nil || err3 != nil {
		return time.Time{}
	}
	month, day := a, b
	if month > 12 && day <= 12 {
		month, day = day, month
	}
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return time.Time{}
	}
	t := time.Date(y, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if int(t.Month()) != month || t.Day() != day {
		return time.Time{}
	}
	return t
}
