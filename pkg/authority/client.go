package authority

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/beevik/etree"

	"github.com/sirosfoundation/go-nfe/pkg/document"
	"github.com/sirosfoundation/go-nfe/pkg/fiscalerr"
	"github.com/sirosfoundation/go-nfe/pkg/keystore"
	"github.com/sirosfoundation/go-nfe/pkg/security"
	"github.com/sirosfoundation/go-nfe/pkg/soap"
)

// Status codes of the authorization service.
const (
	StatusBatchProcessed  = "104"
	StatusAuthorized      = "100"
	StatusAuthorizedLate  = "150"
	authorizationStageLot = "batch"
	authorizationStageDoc = "protocol"
)

// Client transmits signed documents for authorization.
type Client struct {
	endpoints *EndpointTable
	transport TransportFactory
	logger    *slog.Logger
	lotID     func() string
}

// Option configures a Client.
type Option func(*Client)

// WithEndpoints replaces the built-in endpoint table.
func WithEndpoints(t *EndpointTable) Option {
	return func(c *Client) { c.endpoints = t }
}

// WithTransport sets how clients are built for an identity.
func WithTransport(f TransportFactory) Option {
	return func(c *Client) { c.transport = f }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithLotIDs sets the idLote generator. Values must be 1 to 15 digits.
func WithLotIDs(next func() string) Option {
	return func(c *Client) { c.lotID = next }
}

// NewClient creates a client using the built-in endpoints and the default
// HTTPS transport.
func NewClient(opts ...Option) *Client {
	c := &Client{
		endpoints: DefaultEndpoints(),
		transport: HTTPSTransport(nil),
		logger:    slog.Default(),
		lotID:     func() string { return strconv.FormatInt(time.Now().UnixMilli(), 10) },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Endpoints returns the table used by c.
func (c *Client) Endpoints() *EndpointTable { return c.endpoints }

// Send transmits one signed NFe in a synchronous lot and interprets the
// answer. The lot must be processed (104) and the document authorized
// (100 or 150); anything else is a RejectionError. There are no retries.
func (c *Client) Send(ctx context.Context, signedXML []byte, region int, env document.Environment, id *keystore.SigningIdentity) (*TransmissionResult, error) {
	if id == nil {
		return nil, fiscalerr.Configuration("certificate", "no signing identity")
	}
	info, err := inspect(signedXML)
	if err != nil {
		return nil, err
	}
	if info.environment != 0 && info.environment != env {
		return nil, fiscalerr.Validation("tpAmb", "document is for %s, request for %s", info.environment, env)
	}

	ep, err := c.endpoints.Resolve(ServiceAuthorization, info.model, region, env)
	if err != nil {
		return nil, err
	}
	lotID := c.lotID()
	if !validLotID(lotID) {
		return nil, fiscalerr.Validation("idLote", "lot id %q must have 1 to 15 digits", lotID)
	}
	doer, err := c.transport(id)
	if err != nil {
		return nil, err
	}

	var lot strings.Builder
	lot.WriteString(`<enviNFe xmlns="` + document.Namespace + `" versao="` + document.LayoutVersion + `">`)
	lot.WriteString(`<idLote>` + lotID + `</idLote><indSinc>1</indSinc>`)
	lot.Write(soap.StripDeclaration(signedXML))
	lot.WriteString(`</enviNFe>`)

	logger := c.logger.With("access_key", info.key, "lot", lotID, "endpoint", ep.URL)
	logger.Info("transmitting document", "soap", ep.SOAP.String(), "environment", env.String())

	body, err := Invoke(ctx, doer, ep.URL, ep.SOAP, ServiceAuthorization, []byte(lot.String()))
	if err != nil {
		logger.Warn("transmission failed", "error", err)
		return nil, err
	}

	result, err := parseAuthorization(body, info)
	if err != nil {
		logger.Warn("document not authorized", "error", err)
		return nil, err
	}
	result.LotID = lotID
	logger.Info("document authorized", "protocol", result.Protocol, "status", result.Status)
	return result, nil
}

type documentInfo struct {
	key         string
	model       document.Model
	environment document.Environment
}

// inspect checks that signedXML is a signed NFe and reads what routing needs.
func inspect(signedXML []byte) (documentInfo, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(signedXML); err != nil {
		return documentInfo{}, fiscalerr.Validation("xml", "unreadable document: %v", err)
	}
	root := doc.Root()
	if root == nil || root.Tag != "NFe" {
		return documentInfo{}, fiscalerr.Validation("xml", "root element must be NFe")
	}
	inf := root.SelectElement("infNFe")
	if inf == nil {
		return documentInfo{}, fiscalerr.Validation("infNFe", "missing")
	}
	key := document.AccessKey(strings.TrimPrefix(inf.SelectAttrValue("Id", ""), "NFe"))
	if err := key.Validate(); err != nil {
		return documentInfo{}, err
	}
	if sig := root.SelectElement("Signature"); sig == nil || sig.NamespaceURI() != security.NSXMLDSig {
		return documentInfo{}, fiscalerr.Validation("Signature", "document is not signed")
	}

	info := documentInfo{key: string(key), model: key.Model()}
	if tp := soap.ChildText(inf.SelectElement("ide"), "tpAmb"); tp != "" {
		env, err := document.ParseEnvironment(tp)
		if err != nil {
			return documentInfo{}, fiscalerr.Validation("tpAmb", "%v", err)
		}
		info.environment = env
	}
	return info, nil
}

func validLotID(s string) bool {
	if len(s) == 0 || len(s) > 15 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func parseAuthorization(body []byte, info documentInfo) (*TransmissionResult, error) {
	resp, err := soap.Parse(body)
	if err != nil {
		return nil, malformed(body, "unreadable response: "+err.Error())
	}
	ret := resp.Find("retEnviNFe")
	if ret == nil {
		return nil, malformed(body, "response has no retEnviNFe")
	}

	result := &TransmissionResult{
		BatchStatus: directText(ret, "cStat"),
		BatchReason: directText(ret, "xMotivo"),
		Receipt:     soap.ChildText(ret.SelectElement("infRec"), "nRec"),
		AccessKey:   info.key,
	}
	if result.BatchStatus != StatusBatchProcessed {
		return nil, fiscalerr.Rejection(authorizationStageLot, result.BatchStatus, result.BatchReason)
	}

	prot := soap.Find(ret, "protNFe")
	infProt := soap.Find(prot, "infProt")
	if infProt == nil {
		return nil, malformed(body, "processed lot without protNFe")
	}
	result.Status = directText(infProt, "cStat")
	result.Reason = directText(infProt, "xMotivo")
	if ch := directText(infProt, "chNFe"); ch != "" && ch != info.key {
		return nil, malformed(body, "protocol refers to access key "+ch)
	}
	if result.Status != StatusAuthorized && result.Status != StatusAuthorizedLate {
		return nil, fiscalerr.Rejection(authorizationStageDoc, result.Status, result.Reason)
	}

	result.Protocol = directText(infProt, "nProt")
	result.DigestValue = directText(infProt, "digVal")
	result.ProcessedAt = parseTimestamp(directText(infProt, "dhRecbto"))
	if result.ProcessedAt.IsZero() {
		result.ProcessedAt = parseTimestamp(directText(ret, "dhRecbto"))
	}
	raw, err := soap.Serialize(prot)
	if err != nil {
		return nil, malformed(body, "serializing protNFe: "+err.Error())
	}
	result.ProtocolXML = raw
	return result, nil
}

// directText reads a child of e, not a deeper descendant, so the lot and
// protocol status codes are never mixed up.
func directText(e *etree.Element, tag string) string {
	if e == nil {
		return ""
	}
	child := e.SelectElement(tag)
	if child == nil {
		return ""
	}
	return strings.TrimSpace(child.Text())
}

func parseTimestamp(s string) time.Time {
	for _, layout := range []string{"2006-01-02T15:04:05-07:00", time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
