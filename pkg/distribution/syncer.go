package distribution

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/beevik/etree"

	"github.com/sirosfoundation/go-nfe/pkg/authority"
	"github.com/sirosfoundation/go-nfe/pkg/compression"
	"github.com/sirosfoundation/go-nfe/pkg/document"
	"github.com/sirosfoundation/go-nfe/pkg/fiscalerr"
	"github.com/sirosfoundation/go-nfe/pkg/keystore"
	"github.com/sirosfoundation/go-nfe/pkg/soap"
)

// Status codes of the distribution service.
const (
	StatusNothingFound = "137"
	StatusFound        = "138"
	distributionStage  = "distribution"
	requestVersion     = "1.01"
)

// PollResult is the outcome of one PollOnce call.
type PollResult struct {
	Documents []*Summary
	// NewWatermark is the cursor for the next call. It never goes below
	// the requested one.
	NewWatermark string
	// MaxWatermark is the highest NSU the authority holds for the company.
	MaxWatermark string
	// Exhausted tells the caller to stop polling for now.
	Exhausted bool
	Status    string // cStat
	Reason    string // xMotivo
	// SOAP is the version of the request that was answered.
	SOAP soap.Version
	// Skipped counts entries that could not be decoded.
	Skipped int
}

// Syncer queries the distribution service.
type Syncer struct {
	endpoints *authority.EndpointTable
	transport authority.TransportFactory
	decoder   *compression.Compressor
	logger    *slog.Logger
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithEndpoints replaces the built-in endpoint table.
func WithEndpoints(t *authority.EndpointTable) Option {
	return func(s *Syncer) { s.endpoints = t }
}

// WithTransport sets how clients are built for an identity.
func WithTransport(f authority.TransportFactory) Option {
	return func(s *Syncer) { s.transport = f }
}

// WithDecoder sets the compressor used for docZip entries.
func WithDecoder(c *compression.Compressor) Option {
	return func(s *Syncer) { s.decoder = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Syncer) { s.logger = l }
}

// NewSyncer creates a Syncer with the built-in endpoints and the default
// HTTPS transport.
func NewSyncer(opts ...Option) *Syncer {
	s := &Syncer{
		endpoints: authority.DefaultEndpoints(),
		transport: authority.HTTPSTransport(nil),
		decoder:   compression.NewCompressor(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// request is what a single call needs once validated.
type request struct {
	identity  *keystore.SigningIdentity
	company   string
	region    int
	env       document.Environment
	watermark string
}

// PollOnce asks for the documents after watermark. It advances the cursor
// once; the caller persists NewWatermark after consuming Documents and
// polls again unless Exhausted is set.
func (s *Syncer) PollOnce(ctx context.Context, id *keystore.SigningIdentity, companyTaxID string, region int, watermark string, env document.Environment) (*PollResult, error) {
	req, err := s.validate(id, companyTaxID, region, watermark, env)
	if err != nil {
		return nil, err
	}
	ep, err := s.endpoints.Resolve(authority.ServiceDistribution, 0, region, env)
	if err != nil {
		return nil, err
	}
	doer, err := s.transport(id)
	if err != nil {
		return nil, err
	}

	p := &poll{
		syncer:   s,
		req:      req,
		doer:     doer,
		endpoint: ep,
		logger:   s.logger.With("company", companyTaxID, "watermark", req.watermark, "endpoint", ep.URL),
	}
	return p.run(ctx)
}

func (s *Syncer) validate(id *keystore.SigningIdentity, company string, region int, watermark string, env document.Environment) (request, error) {
	if id == nil {
		return request{}, fiscalerr.Configuration("certificate", "no signing identity")
	}
	if !digits(company) || (len(company) != 11 && len(company) != 14) {
		return request{}, fiscalerr.Validation("CNPJ", "company tax id must have 11 or 14 digits")
	}
	if _, err := document.ResolveRegion(strconv.Itoa(region)); err != nil {
		return request{}, err
	}
	if env != document.Production && env != document.Homologation {
		return request{}, fiscalerr.Validation("tpAmb", "unknown environment %d", int(env))
	}
	wm, err := NormalizeWatermark(watermark)
	if err != nil {
		return request{}, err
	}
	return request{identity: id, company: company, region: region, env: env, watermark: wm}, nil
}

// poll carries one PollOnce call through its states.
type poll struct {
	syncer   *Syncer
	req      request
	doer     authority.Doer
	endpoint authority.Endpoint
	logger   *slog.Logger

	state      State
	version    soap.Version
	downgraded bool
	body       []byte
	result     *PollResult
}

func (p *poll) transition(to State) {
	p.logger.Debug("distribution state", "from", p.state.String(), "to", to.String(), "soap", p.version.String())
	p.state = to
}

func (p *poll) run(ctx context.Context) (*PollResult, error) {
	for !p.state.Terminal() {
		switch p.state {
		case StateIdle:
			p.version = p.endpoint.SOAP
			p.transition(StateRequesting)

		case StateRequesting:
			body, err := authority.Invoke(ctx, p.doer, p.endpoint.URL, p.version, authority.ServiceDistribution, p.payload())
			if err != nil {
				if p.canDowngrade(err) {
					p.logger.Info("authority rejected SOAP version, retrying", "soap", p.version.String(), "error", err)
					p.transition(StateDowngrading)
					continue
				}
				return nil, err
			}
			p.body = body
			p.transition(StateAccumulating)

		case StateDowngrading:
			p.version = soap.V11
			p.downgraded = true
			p.transition(StateRequesting)

		case StateAccumulating:
			result, err := p.accumulate()
			if err != nil {
				return nil, err
			}
			p.result = result
			if result.Exhausted {
				p.transition(StateExhausted)
			} else {
				p.transition(StateDone)
			}
		}
	}
	return p.result, nil
}

func (p *poll) canDowngrade(err error) bool {
	if p.downgraded || p.version != soap.V12 {
		return false
	}
	var fault *fiscalerr.ProtocolFault
	return errors.As(err, &fault) && fault.Unsupported
}

func (p *poll) payload() []byte {
	taxTag := "CNPJ"
	if len(p.req.company) == 11 {
		taxTag = "CPF"
	}
	var b strings.Builder
	b.WriteString(`<distDFeInt xmlns="` + document.Namespace + `" versao="` + requestVersion + `">`)
	fmt.Fprintf(&b, "<tpAmb>%d</tpAmb>", int(p.req.env))
	fmt.Fprintf(&b, "<cUFAutor>%02d</cUFAutor>", p.req.region)
	b.WriteString("<" + taxTag + ">" + p.req.company + "</" + taxTag + ">")
	b.WriteString("<distNSU><ultNSU>" + p.req.watermark + "</ultNSU></distNSU>")
	b.WriteString(`</distDFeInt>`)
	return []byte(b.String())
}

func (p *poll) accumulate() (*PollResult, error) {
	resp, err := soap.Parse(p.body)
	if err != nil {
		return nil, malformed(p.body, "unreadable response: "+err.Error())
	}
	ret := resp.Find("retDistDFeInt")
	if ret == nil {
		return nil, malformed(p.body, "response has no retDistDFeInt")
	}

	result := &PollResult{
		Status:       text(ret, "cStat"),
		Reason:       text(ret, "xMotivo"),
		SOAP:         p.version,
		NewWatermark: p.req.watermark,
		MaxWatermark: p.req.watermark,
	}
	if result.Status != StatusFound && result.Status != StatusNothingFound {
		return nil, fiscalerr.Rejection(distributionStage, result.Status, result.Reason)
	}

	last, err := parseNSU(text(ret, "ultNSU"))
	if err != nil {
		return nil, malformed(p.body, "invalid ultNSU")
	}
	highest, err := parseNSU(text(ret, "maxNSU"))
	if err != nil {
		return nil, malformed(p.body, "invalid maxNSU")
	}
	requested, _ := parseNSU(p.req.watermark)
	if last > requested {
		result.NewWatermark = formatNSU(last)
	}
	if highest > requested {
		result.MaxWatermark = formatNSU(highest)
	}
	result.Exhausted = result.Status == StatusNothingFound || last <= requested

	if result.Status == StatusFound {
		p.collect(ret, result)
	}
	p.logger.Info("distribution batch",
		"status", result.Status,
		"documents", len(result.Documents),
		"skipped", result.Skipped,
		"new_watermark", result.NewWatermark,
		"max_watermark", result.MaxWatermark,
		"exhausted", result.Exhausted)
	return result, nil
}

// collect decodes the docZip entries of ret into result.
func (p *poll) collect(ret *etree.Element, result *PollResult) {
	seenNSU := make(map[string]bool)
	seenKey := make(map[string]bool)

	for _, entry := range soap.FindAll(ret, "docZip") {
		nsu := entry.SelectAttrValue("NSU", "")
		if seenNSU[nsu] {
			continue
		}
		seenNSU[nsu] = true
		schema := entry.SelectAttrValue("schema", "")

		raw, err := p.decode(strings.TrimSpace(entry.Text()))
		if err != nil {
			result.Skipped++
			p.logger.Warn("skipping distribution entry", "error", &fiscalerr.DecodeError{NSU: nsu, Err: err})
			continue
		}
		summary, ok, err := parseSummary(raw, nsu, schema)
		if err != nil {
			result.Skipped++
			p.logger.Warn("skipping distribution entry", "error", &fiscalerr.DecodeError{NSU: nsu, Err: err})
			continue
		}
		if !ok {
			p.logger.Debug("ignoring distribution entry", "nsu", nsu, "schema", schema)
			continue
		}
		if !p.addressed(summary) {
			p.logger.Debug("discarding entry not addressed to company", "nsu", nsu, "access_key", summary.AccessKey)
			continue
		}
		if seenKey[summary.AccessKey] {
			continue
		}
		seenKey[summary.AccessKey] = true
		result.Documents = append(result.Documents, summary)
	}
}

func (p *poll) decode(encoded string) ([]byte, error) {
	compressed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("base64: %w", err)
	}
	return p.syncer.decoder.Decompress(compressed)
}

// addressed drops documents the company issued itself, inbound operations
// of the issuer and documents declaring another recipient.
func (p *poll) addressed(s *Summary) bool {
	if s.SupplierTaxID == p.req.company {
		return false
	}
	if s.Operation == OperationInbound {
		return false
	}
	if s.RecipientTaxID != "" && s.RecipientTaxID != p.req.company {
		return false
	}
	return true
}

func malformed(body []byte, reason string) *fiscalerr.ProtocolFault {
	return &fiscalerr.ProtocolFault{
		HTTPStatus: http.StatusOK,
		Reason:     reason,
		Body:       fiscalerr.Truncate(string(body)),
	}
}

func digits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
