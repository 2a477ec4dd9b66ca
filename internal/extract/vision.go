package extract

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image/jpeg"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gen2brain/go-fitz"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"cuenly-ingest/internal/artifact"
	"cuenly-ingest/internal/ingesterr"
	"cuenly-ingest/internal/model"
)

// OCREngine produces a quick text hint from a rasterized page image, used
// to steer the vision prompt and to detect remisión documents before
// spending a vision call on them. The teacher's RapidOCR/tesseract
// pipeline (internal/services/ocr.go) is the natural implementation; it
// is wired in during the final adaptation pass (see DESIGN.md).
type OCREngine interface {
	Recognize(ctx context.Context, jpeg []byte) (string, error)
}

// ResultCache is C13: a content-hash-keyed cache of prior extractions.
type ResultCache interface {
	Get(ctx context.Context, contentHash string) (*model.InvoiceDocument, bool, error)
	Put(ctx context.Context, contentHash string, doc *model.InvoiceDocument) error
}

var remisionKeywords = []string{
	"nota de remisión", "remisión electrónica", "nota de entrega", "remisión de mercaderías",
}

type VisionExtractor struct {
	client *openai.Client
	model  string
	ocr    OCREngine
	cache  ResultCache
	log    *zap.Logger
}

func NewVisionExtractor(apiKey, model string, ocr OCREngine, cache ResultCache, log *zap.Logger) *VisionExtractor {
	return &VisionExtractor{
		client: openai.NewClient(apiKey),
		model:  model,
		ocr:    ocr,
		cache:  cache,
		log:    log,
	}
}

// ExtractFromPDF implements C8's extract_from_pdf entry point: consult the
// cache, rasterize the first page, run a quick OCR pass to screen out
// remisión documents, then call the vision model with a strict JSON-only
// prompt.
func (v *VisionExtractor) ExtractFromPDF(ctx context.Context, pdfBytes []byte, contentHash string) (*model.InvoiceDocument, error) {
	if v.cache != nil {
		if cached, ok, err := v.cache.Get(ctx, contentHash); err == nil && ok {
			return cached, nil
		}
	}

	jpegBytes, err := rasterizeFirstPage(pdfBytes)
	if err != nil {
		return nil, ingesterr.InvoiceParse(fmt.Sprintf("rasterize pdf: %v", err))
	}
	jpegBytes, err = artifact.NormalizeImage(jpegBytes)
	if err != nil {
		return nil, ingesterr.InvoiceParse(fmt.Sprintf("normalize image: %v", err))
	}

	return v.extractFromImage(ctx, jpegBytes, contentHash)
}

func (v *VisionExtractor) extractFromImage(ctx context.Context, jpegBytes []byte, contentHash string) (*model.InvoiceDocument, error) {
	var ocrText string
	if v.ocr != nil {
		text, err := v.ocr.Recognize(ctx, jpegBytes)
		if err == nil {
			ocrText = text
			if isRemision(text) {
				return nil, nil
			}
		}
	}

	prompt := buildVisionPrompt(ocrText)
	temperature := float32(0.3)
	if ocrText == "" {
		temperature = 0.1
	}

	content, err := v.callWithRetry(ctx, prompt, jpegBytes, temperature)
	if err != nil {
		return nil, err
	}

	doc, err := parseVisionJSON(content)
	if err != nil {
		return nil, ingesterr.InvoiceParse(fmt.Sprintf("parse vision response: %v", err))
	}
	doc.Header.Source = model.SourceOpenAIVision

	if v.cache != nil {
		_ = v.cache.Put(ctx, contentHash, doc)
	}
	return doc, nil
}

// callWithRetry implements spec.md §4.8 step 4/5: 3 attempts, random
// exponential backoff 2s-30s, strict fatal/retryable error classification.
func (v *VisionExtractor) callWithRetry(ctx context.Context, prompt string, jpegBytes []byte, temperature float32) (string, error) {
	b64 := base64.StdEncoding.EncodeToString(jpegBytes)

	call := func() (string, error) {
		resp, err := v.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       v.model,
			Temperature: temperature,
			MaxTokens:   4096,
			Messages: []openai.ChatCompletionMessage{
				{
					Role:    openai.ChatMessageRoleSystem,
					Content: "You extract structured data from Paraguayan SIFEN electronic invoices. Always respond with valid JSON only.",
				},
				{
					Role: openai.ChatMessageRoleUser,
					MultiContent: []openai.ChatMessagePart{
						{Type: openai.ChatMessagePartTypeText, Text: prompt},
						{
							Type: openai.ChatMessagePartTypeImageURL,
							ImageURL: &openai.ChatMessageImageURL{
								URL:    fmt.Sprintf("data:image/jpeg;base64,%s", b64),
								Detail: openai.ImageURLDetailHigh,
							},
						},
					},
				},
			},
			ResponseFormat: &openai.ChatCompletionResponseFormat{
				Type: openai.ChatCompletionResponseFormatTypeJSONObject,
			},
		})
		if err != nil {
			if kind := classifyOpenAIError(err); kind == ingesterr.KindAIFatal {
				return "", backoff.Permanent(ingesterr.AIFatal("vision call failed", err))
			}
			return "", ingesterr.AIRetryable("vision call failed", err)
		}
		if len(resp.Choices) == 0 {
			return "", backoff.Permanent(ingesterr.AIFatal("empty vision response", nil))
		}
		return resp.Choices[0].Message.Content, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Second
	bo.MaxInterval = 30 * time.Second

	return backoff.Retry(ctx, call, backoff.WithMaxTries(3), backoff.WithBackOff(bo))
}

// classifyOpenAIError implements the fatal/retryable split from spec.md
// §4.8 step 5.
func classifyOpenAIError(err error) ingesterr.Kind {
	msg := strings.ToLower(err.Error())
	fatalMarkers := []string{"invalid api key", "authentication", "insufficient quota", "billing"}
	for _, m := range fatalMarkers {
		if strings.Contains(msg, m) {
			return ingesterr.KindAIFatal
		}
	}
	return ingesterr.KindAIRetryable
}

func isRemision(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range remisionKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func rasterizeFirstPage(pdfBytes []byte) ([]byte, error) {
	doc, err := fitz.NewFromMemory(pdfBytes)
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	defer doc.Close()

	img, err := doc.ImageDPI(0, 300)
	if err != nil {
		return nil, fmt.Errorf("rasterize page 0: %w", err)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("encode rasterized page: %w", err)
	}
	return buf.Bytes(), nil
}

var jsonBlockPattern = regexp.MustCompile(`(?s)\{.*\}`)

// parseVisionJSON implements the tolerant parse from spec.md §4.8 step 6:
// strip code fences, locate the first {...} block, and normalize types.
func parseVisionJSON(raw string) (*model.InvoiceDocument, error) {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")

	block := jsonBlockPattern.FindString(cleaned)
	if block == "" {
		block = cleaned
	}

	var payload visionPayload
	if err := json.Unmarshal([]byte(block), &payload); err != nil {
		return nil, fmt.Errorf("unmarshal vision json: %w", err)
	}
	return payload.toDocument(), nil
}

// visionPayload mirrors the canonical v2 JSON schema the prompt requests;
// fields arrive as loosely-typed JSON so normalizeNumber/normalizeNone
// absorb the "None"-string and comma/period inconsistencies the model
// sometimes produces.
type visionPayload struct {
	Fecha          string          `json:"fecha"`
	NumeroFactura  string          `json:"numero_factura"`
	Timbrado       string          `json:"timbrado"`
	CDC            string          `json:"cdc"`
	RucEmisor      string          `json:"ruc_emisor"`
	NombreEmisor   string          `json:"nombre_emisor"`
	RucReceptor    string          `json:"ruc_receptor"`
	NombreReceptor string          `json:"nombre_receptor"`
	Moneda         string          `json:"moneda"`
	Exento         json.RawMessage `json:"exento"`
	Gravado5       json.RawMessage `json:"gravado_5"`
	Gravado10      json.RawMessage `json:"gravado_10"`
	IVA5           json.RawMessage `json:"iva_5"`
	IVA10          json.RawMessage `json:"iva_10"`
	Total          json.RawMessage `json:"total"`
	Items          []visionItem    `json:"items"`
}

type visionItem struct {
	Descripcion    string          `json:"descripcion"`
	Cantidad       json.RawMessage `json:"cantidad"`
	PrecioUnitario json.RawMessage `json:"precio_unitario"`
	Total          json.RawMessage `json:"total"`
	IVATasa        json.RawMessage `json:"iva_tasa"`
}

func (p *visionPayload) toDocument() *model.InvoiceDocument {
	h := model.InvoiceHeader{
		CDC:            normalizeNoneString(p.CDC),
		DocumentNumber: normalizeNoneString(p.NumeroFactura),
		Timbrado:       normalizeNoneString(p.Timbrado),
		IssueTime:      parseSIFENDate(normalizeNoneString(p.Fecha)),
	}
	h.Issuer.RUC = normalizeNoneString(p.RucEmisor)
	h.Issuer.Name = normalizeNoneString(p.NombreEmisor)
	h.Receiver.RUC = normalizeNoneString(p.RucReceptor)
	h.Receiver.Name = normalizeNoneString(p.NombreReceptor)

	h.Totals.Currency = normalizeCurrency(normalizeNoneString(p.Moneda))
	h.Totals.Exempt = normalizeNumber(p.Exento)
	h.Totals.Gravado5 = normalizeNumber(p.Gravado5)
	h.Totals.Gravado10 = normalizeNumber(p.Gravado10)
	h.Totals.IVA5 = normalizeNumber(p.IVA5)
	h.Totals.IVA10 = normalizeNumber(p.IVA10)
	h.Totals.Total = normalizeNumber(p.Total)

	// IVA consistency backfill: derive missing gravado bases from IVA.
	if h.Totals.Gravado5 == 0 && h.Totals.IVA5 != 0 {
		h.Totals.Gravado5 = h.Totals.IVA5 * 20
	}
	if h.Totals.Gravado10 == 0 && h.Totals.IVA10 != 0 {
		h.Totals.Gravado10 = h.Totals.IVA10 * 10
	}

	items := make([]model.InvoiceItem, 0, len(p.Items))
	for i, it := range p.Items {
		items = append(items, model.InvoiceItem{
			LineNumber:  i + 1,
			Description: normalizeNoneString(it.Descripcion),
			Quantity:    normalizeNumber(it.Cantidad),
			UnitPrice:   normalizeNumber(it.PrecioUnitario),
			Total:       normalizeNumber(it.Total),
			IVARate:     coerceIVARate(fmt.Sprintf("%.0f", normalizeNumber(it.IVATasa))),
		})
	}
	h.Description = joinDescriptions(items, 10)

	return &model.InvoiceDocument{Header: h, Items: items}
}

func normalizeNoneString(s string) string {
	trimmed := strings.TrimSpace(strings.Trim(s, `"`))
	if strings.EqualFold(trimmed, "none") || strings.EqualFold(trimmed, "null") {
		return ""
	}
	return trimmed
}

// normalizeNumber absorbs both JSON numbers and JSON strings (which may
// use comma-decimal or "None"), per spec.md §4.8 step 6.
func normalizeNumber(raw json.RawMessage) float64 {
	if len(raw) == 0 {
		return 0
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return parseAmount(normalizeNoneString(s))
	}
	return 0
}

func buildVisionPrompt(ocrHint string) string {
	var b strings.Builder
	b.WriteString("Extract the SIFEN invoice fields as JSON matching this schema: ")
	b.WriteString(`{"fecha":"","numero_factura":"","timbrado":"","cdc":"","ruc_emisor":"","nombre_emisor":"","ruc_receptor":"","nombre_receptor":"","moneda":"","exento":0,"gravado_5":0,"gravado_10":0,"iva_5":0,"iva_10":0,"total":0,"items":[{"descripcion":"","cantidad":0,"precio_unitario":0,"total":0,"iva_tasa":0}]}`)
	if ocrHint != "" {
		b.WriteString("\n\nOCR text hint (may contain errors, use for cross-reference only):\n")
		b.WriteString(ocrHint)
	}
	return b.String()
}
