package distribution

import (
	"strconv"
	"strings"
	"time"

	"github.com/beevik/etree"

	"github.com/sirosfoundation/go-nfe/pkg/document"
	"github.com/sirosfoundation/go-nfe/pkg/soap"
)

// Status classifies a distributed document.
type Status string

const (
	StatusAuthorized Status = "authorized"
	StatusDenied     Status = "denied"
	StatusCancelled  Status = "cancelled"
	StatusUnknown    Status = "unknown"
)

// Schemas parsed into summaries. Other schemas (events, for instance) are
// skipped.
const (
	SchemaSummary = "resNFe"
	SchemaFull    = "nfeProc"
)

// Operation types (tpNF) as declared by the issuer.
const (
	OperationInbound  = 0
	OperationOutbound = 1
)

// Summary is a document issued by another party that names the company.
type Summary struct {
	AccessKey      string
	SupplierTaxID  string
	SupplierName   string
	RecipientTaxID string // only known for full documents
	IssuedAt       time.Time
	Series         int
	Number         int
	Total          float64
	Operation      int // tpNF
	Status         Status
	Protocol       string
	NSU            string
	Schema         string // schema attribute of the docZip entry
	XML            []byte
}

// Full reports whether XML holds the complete authorized document rather
// than the resNFe abstract.
func (s *Summary) Full() bool {
	return strings.HasPrefix(s.Schema, "procNFe") || strings.HasPrefix(s.Schema, SchemaFull)
}

// parseSummary reads a decompressed entry. ok is false for schemas that
// are not summarized.
func parseSummary(raw []byte, nsu, schema string) (*Summary, bool, error) {
	doc := etree.NewDocument()
	doc.ReadSettings.Permissive = true
	if err := doc.ReadFromBytes(raw); err != nil {
		return nil, false, err
	}
	root := doc.Root()
	if root == nil {
		return nil, false, nil
	}

	var s *Summary
	switch root.Tag {
	case SchemaSummary:
		s = fromSummary(root)
	case SchemaFull:
		s = fromProc(root)
	default:
		return nil, false, nil
	}
	s.NSU = nsu
	s.Schema = schema
	s.XML = raw
	key := document.AccessKey(s.AccessKey)
	if key.Validate() == nil {
		s.Series = key.Series()
		s.Number = key.Number()
	}
	return s, true, nil
}

func fromSummary(root *etree.Element) *Summary {
	s := &Summary{
		AccessKey:     text(root, "chNFe"),
		SupplierTaxID: taxID(root),
		SupplierName:  text(root, "xNome"),
		IssuedAt:      parseTime(text(root, "dhEmi")),
		Total:         parseAmount(text(root, "vNF")),
		Operation:     parseOperation(text(root, "tpNF")),
		Protocol:      text(root, "nProt"),
	}
	switch text(root, "cSitNFe") {
	case "1":
		s.Status = StatusAuthorized
	case "2":
		s.Status = StatusDenied
	case "3":
		s.Status = StatusCancelled
	default:
		s.Status = StatusUnknown
	}
	return s
}

func fromProc(root *etree.Element) *Summary {
	inf := soap.Find(root, "infNFe")
	ide := soap.Find(inf, "ide")
	emit := soap.Find(inf, "emit")
	infProt := soap.Find(soap.Find(root, "protNFe"), "infProt")

	s := &Summary{
		AccessKey:      text(infProt, "chNFe"),
		SupplierTaxID:  taxID(emit),
		SupplierName:   text(emit, "xNome"),
		RecipientTaxID: taxID(soap.Find(inf, "dest")),
		IssuedAt:       parseTime(text(ide, "dhEmi")),
		Total:          parseAmount(text(soap.Find(inf, "ICMSTot"), "vNF")),
		Operation:      parseOperation(text(ide, "tpNF")),
		Protocol:       text(infProt, "nProt"),
		Status:         procStatus(text(infProt, "cStat")),
	}
	if s.AccessKey == "" && inf != nil {
		s.AccessKey = strings.TrimPrefix(inf.SelectAttrValue("Id", ""), "NFe")
	}
	return s
}

func procStatus(cStat string) Status {
	switch cStat {
	case "100", "150":
		return StatusAuthorized
	case "110", "301", "302":
		return StatusDenied
	case "101", "135", "155":
		return StatusCancelled
	}
	return StatusUnknown
}

// text reads a direct child so emit/CNPJ is never confused with a
// deeper CNPJ.
func text(e *etree.Element, tag string) string {
	if e == nil {
		return ""
	}
	if child := e.SelectElement(tag); child != nil {
		return strings.TrimSpace(child.Text())
	}
	return ""
}

func taxID(e *etree.Element) string {
	if id := text(e, "CNPJ"); id != "" {
		return id
	}
	return text(e, "CPF")
}

func parseOperation(s string) int {
	if s == "0" {
		return OperationInbound
	}
	return OperationOutbound
}

func parseAmount(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func parseTime(s string) time.Time {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
