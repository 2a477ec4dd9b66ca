// Package model holds the canonical, persistence-agnostic domain types
// shared across every ingestion component.
package model

import "time"

// SourceTag identifies which extractor produced an InvoiceHeader. The
// ordering among tags governs which extraction is allowed to overwrite an
// existing header for the same (owner, cdc).
type SourceTag string

const (
	SourceXMLNative         SourceTag = "XML_NATIVO"
	SourceOpenAIVision      SourceTag = "OPENAI_VISION"
	SourceOpenAIVisionImage SourceTag = "OPENAI_VISION_IMAGE"
	SourceEmail             SourceTag = "EMAIL"
)

// Priority implements the source-priority ordering from the data model:
// a new extraction may only replace an existing header when its priority
// is greater than or equal to the existing header's priority.
func (s SourceTag) Priority() int {
	switch s {
	case SourceXMLNative:
		return 100
	case SourceOpenAIVision:
		return 50
	case SourceOpenAIVisionImage:
		return 40
	case SourceEmail:
		return 10
	default:
		return 0
	}
}

func (s SourceTag) Valid() bool {
	switch s {
	case SourceXMLNative, SourceOpenAIVision, SourceOpenAIVisionImage, SourceEmail:
		return true
	default:
		return false
	}
}

// Totals carries the monetary breakdown of an invoice in its original
// currency. Amounts are never converted across currencies.
type Totals struct {
	Exempt       float64 `json:"exento" gorm:"column:exento"`
	Gravado5     float64 `json:"gravado_5" gorm:"column:gravado_5"`
	Gravado10    float64 `json:"gravado_10" gorm:"column:gravado_10"`
	IVA5         float64 `json:"iva_5" gorm:"column:iva_5"`
	IVA10        float64 `json:"iva_10" gorm:"column:iva_10"`
	Total        float64 `json:"total" gorm:"column:total"`
	Currency     string  `json:"moneda" gorm:"column:moneda"`
	ExchangeRate float64 `json:"tipo_cambio,omitempty" gorm:"column:tipo_cambio"`
}

// Party is the common shape shared by issuer (emisor) and receiver
// (receptor) records.
type Party struct {
	RUC              string `json:"ruc" gorm:"column:ruc"`
	Name             string `json:"nombre" gorm:"column:nombre"`
	Address          string `json:"direccion,omitempty" gorm:"column:direccion"`
	Email            string `json:"email,omitempty" gorm:"column:email"`
	EconomicActivity string `json:"actividad_economica,omitempty" gorm:"column:actividad_economica"`
}

// InvoiceHeader is the canonical per-invoice record. HeaderID is a stable
// composite of TenantID and the best available business key, computed by
// the mapper in internal/store before the first persist.
type InvoiceHeader struct {
	HeaderID       string    `json:"header_id" gorm:"column:header_id;primaryKey"`
	TenantID       string    `json:"tenant_id" gorm:"column:tenant_id;not null"`
	CDC            string    `json:"cdc" gorm:"column:cdc"`
	MessageID      string    `json:"message_id" gorm:"column:message_id"`
	DocumentNumber string    `json:"numero_factura" gorm:"column:numero_factura"`
	IssueTime      time.Time `json:"fecha_emision" gorm:"column:fecha_emision"`
	Timbrado       string    `json:"timbrado" gorm:"column:timbrado"`
	Issuer         Party     `json:"emisor" gorm:"embedded;embeddedPrefix:emisor_"`
	Receiver       Party     `json:"receptor" gorm:"embedded;embeddedPrefix:receptor_"`
	Totals         Totals    `json:"totales" gorm:"embedded;embeddedPrefix:totales_"`
	Source         SourceTag `json:"fuente" gorm:"column:fuente"`
	ArtifactKey    string    `json:"artifact_key" gorm:"column:artifact_key"`
	ProcessMonth   string    `json:"mes_proceso" gorm:"column:mes_proceso"`
	Description    string    `json:"descripcion_factura" gorm:"column:descripcion_factura"`
	CreatedAt      time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt      time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

func (InvoiceHeader) TableName() string { return "invoice_headers" }

// InvoiceItem is a line item bound to a header by (HeaderID, LineNumber).
// Items are always replaced en-bloc when a header is upserted.
type InvoiceItem struct {
	HeaderID    string  `json:"header_id" gorm:"column:header_id;primaryKey"`
	LineNumber  int     `json:"linea" gorm:"column:linea;primaryKey"`
	TenantID    string  `json:"tenant_id" gorm:"column:tenant_id;index"`
	Description string  `json:"descripcion" gorm:"column:descripcion"`
	Quantity    float64 `json:"cantidad" gorm:"column:cantidad"`
	UnitPrice   float64 `json:"precio_unitario" gorm:"column:precio_unitario"`
	Total       float64 `json:"total" gorm:"column:total"`
	IVARate     int     `json:"iva_tasa" gorm:"column:iva_tasa"`
}

func (InvoiceItem) TableName() string { return "invoice_items" }

// InvoiceDocument is the tree InvoiceHeader + InvoiceItems returned by every
// extractor before it reaches the mapper/repository.
type InvoiceDocument struct {
	Header InvoiceHeader
	Items  []InvoiceItem
}
