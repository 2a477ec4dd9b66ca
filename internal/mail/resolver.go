package mail

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"

	"cuenly-ingest/internal/ingesterr"
)

const (
	maxAttachmentBytes = 25 << 20
	linkFanOutCap      = 5
)

// Artifact is a resolved attachment or downloaded-link payload awaiting
// extraction.
type Artifact struct {
	Filename string
	Bytes    []byte
	Kind     ArtifactKind
}

type ArtifactKind string

const (
	KindPDF ArtifactKind = "pdf"
	KindXML ArtifactKind = "xml"
)

var linkKeywords = []string{
	"pdf", "descargar", "imprimir", "visualizar", "factura electrónica", "generar pdf",
}

// Resolve walks msg's MIME tree per spec.md §4.6: attachments with a
// .pdf/.xml extension or matching Content-Type are collected directly;
// HTML bodies are scanned for candidate links, which are then downloaded
// and classified by Content-Type and magic bytes. The first PDF or XML
// artifact found wins.
func Resolve(raw io.Reader, httpClient *http.Client) (*Artifact, error) {
	mr, err := mail.CreateReader(raw)
	if err != nil {
		return nil, ingesterr.EmailParse(err)
	}

	var htmlCandidates []string

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, ingesterr.EmailParse(err)
		}

		switch h := part.Header.(type) {
		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			ct, _, _ := h.ContentType()
			body, readErr := io.ReadAll(io.LimitReader(part.Body, maxAttachmentBytes))
			if readErr != nil {
				return nil, ingesterr.EmailParse(readErr)
			}
			if kind, ok := classifyByNameOrType(filename, ct); ok {
				return &Artifact{Filename: filename, Bytes: body, Kind: kind}, nil
			}
		case *mail.InlineHeader:
			ct, _, _ := h.ContentType()
			if strings.EqualFold(ct, "text/html") {
				body, readErr := io.ReadAll(io.LimitReader(part.Body, maxAttachmentBytes))
				if readErr == nil {
					htmlCandidates = append(htmlCandidates, extractLinks(body)...)
				}
			}
		}
	}

	return resolveLinks(httpClient, htmlCandidates, 0)
}

func classifyByNameOrType(filename string, contentType string) (ArtifactKind, bool) {
	lower := strings.ToLower(filename)
	ct := strings.ToLower(contentType)
	switch {
	case strings.HasSuffix(lower, ".pdf") || strings.Contains(ct, "application/pdf"):
		return KindPDF, true
	case strings.HasSuffix(lower, ".xml") || strings.Contains(ct, "/xml") || strings.Contains(ct, "+xml"):
		return KindXML, true
	default:
		return "", false
	}
}

// extractLinks scans HTML for anchors whose text or href contains one of
// linkKeywords or which end in .pdf.
func extractLinks(body []byte) []string {
	reader, err := charset.NewReader(bytes.NewReader(body), "text/html")
	if err != nil {
		reader = bytes.NewReader(body)
	}
	doc, err := html.Parse(reader)
	if err != nil {
		return nil
	}

	var links []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			var href string
			for _, a := range n.Attr {
				if a.Key == "href" {
					href = a.Val
				}
			}
			text := anchorText(n)
			if href != "" && linkIsCandidate(href, text) {
				links = append(links, href)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return links
}

func anchorText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

func linkIsCandidate(href, text string) bool {
	lowerHref := strings.ToLower(href)
	lowerText := strings.ToLower(text)
	if strings.HasSuffix(lowerHref, ".pdf") {
		return true
	}
	for _, kw := range linkKeywords {
		if strings.Contains(lowerHref, kw) || strings.Contains(lowerText, kw) {
			return true
		}
	}
	return false
}

// resolveLinks downloads candidates with a shared HTTP client, classifying
// each response by Content-Type and magic bytes; HTML responses are
// recursively scanned up to linkFanOutCap times.
func resolveLinks(httpClient *http.Client, candidates []string, depth int) (*Artifact, error) {
	if depth > 1 || len(candidates) == 0 {
		return nil, nil
	}
	if len(candidates) > linkFanOutCap {
		candidates = candidates[:linkFanOutCap]
	}

	for _, url := range candidates {
		body, contentType, err := downloadWithRetry(httpClient, url)
		if err != nil {
			continue
		}
		if kind, ok := classifyByMagicBytes(body, contentType); ok {
			return &Artifact{Filename: url, Bytes: body, Kind: kind}, nil
		}
		if strings.Contains(strings.ToLower(contentType), "text/html") {
			nested := extractLinks(body)
			if artifact, err := resolveLinks(httpClient, nested, depth+1); err == nil && artifact != nil {
				return artifact, nil
			}
		}
	}
	return nil, nil
}

func downloadWithRetry(httpClient *http.Client, url string) ([]byte, string, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		req, err := http.NewRequest(http.MethodGet, url, nil)
		if err != nil {
			return nil, "", err
		}
		req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; cuenly-ingest/1.0)")
		resp, err := httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxAttachmentBytes))
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		return body, resp.Header.Get("Content-Type"), nil
	}
	return nil, "", fmt.Errorf("download %s: %w", url, lastErr)
}

func classifyByMagicBytes(body []byte, contentType string) (ArtifactKind, bool) {
	if kind, ok := classifyByNameOrType("", contentType); ok {
		return kind, true
	}
	if bytes.HasPrefix(body, []byte("%PDF-")) {
		return KindPDF, true
	}
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if bytes.HasPrefix(trimmed, []byte("<?xml")) {
		return KindXML, true
	}
	return "", false
}

// NewHTTPClient builds the shared HTTP client used for link resolution,
// with the connect/read timeouts spec.md §4.6 requires for the top-level
// fetch (recursive HTML scans use a stricter deadline via context).
func NewHTTPClient() *http.Client {
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	return &http.Client{
		Timeout: 20 * time.Second,
		Transport: &http.Transport{
			DialContext:           dialer.DialContext,
			ResponseHeaderTimeout: 15 * time.Second,
		},
	}
}
