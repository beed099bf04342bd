package distribution

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-nfe/pkg/authority"
	"github.com/sirosfoundation/go-nfe/pkg/compression"
	"github.com/sirosfoundation/go-nfe/pkg/document"
	"github.com/sirosfoundation/go-nfe/pkg/keystore"
	"github.com/sirosfoundation/go-nfe/pkg/soap"
	"github.com/sirosfoundation/go-nfe/pkg/transport"
)

const (
	company  = "12345678000195"
	supplier = "99888777000166"
)

type recordedRequest struct {
	header http.Header
	body   string
}

// watermark returns the ultNSU the request asked for.
func (r recordedRequest) watermark() string {
	return soap.TagText([]byte(r.body), "ultNSU")
}

type response struct {
	status int
	body   string
}

// fakeAuthority answers requests through handle and records them.
type fakeAuthority struct {
	mu       sync.Mutex
	requests []recordedRequest
	handle   func(n int, req recordedRequest) response
}

func (f *fakeAuthority) Send(_ context.Context, _ string, body []byte, header http.Header) ([]byte, error) {
	f.mu.Lock()
	req := recordedRequest{header: header.Clone(), body: string(body)}
	f.requests = append(f.requests, req)
	n := len(f.requests)
	f.mu.Unlock()

	resp := f.handle(n, req)
	if resp.status != 0 && resp.status != http.StatusOK {
		return nil, &transport.StatusError{StatusCode: resp.status, Body: []byte(resp.body)}
	}
	return []byte(resp.body), nil
}

func (f *fakeAuthority) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func newTestSyncer(f *fakeAuthority) *Syncer {
	return NewSyncer(WithTransport(func(*keystore.SigningIdentity) (authority.Doer, error) { return f, nil }))
}

func supplierKey(t *testing.T, number int) string {
	t.Helper()
	key, err := document.NewAccessKey(document.KeyFields{
		Region: 35, IssuedAt: time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC), CNPJ: supplier,
		Model: document.ModelNFe, Series: 2, Number: number, EmissionType: 1, Random: 10000000 + number,
	})
	require.NoError(t, err)
	return string(key)
}

func resNFe(key, issuer, tpNF, situation string) string {
	return `<?xml version="1.0" encoding="UTF-8"?><resNFe xmlns="http://www.portalfiscal.inf.br/nfe" versao="1.01">` +
		`<chNFe>` + key + `</chNFe><CNPJ>` + issuer + `</CNPJ><xNome>FORNECEDOR LTDA</xNome><IE>111222333444</IE>` +
		`<dhEmi>2024-03-10T09:00:00-03:00</dhEmi><tpNF>` + tpNF + `</tpNF><vNF>150.00</vNF><digVal>kXq5bGr7Yb0=</digVal>` +
		`<dhRecbto>2024-03-10T09:00:05-03:00</dhRecbto><nProt>135240000000001</nProt><cSitNFe>` + situation + `</cSitNFe></resNFe>`
}

func nfeProc(key, issuer, recipient, cStat string) string {
	return `<nfeProc xmlns="http://www.portalfiscal.inf.br/nfe" versao="4.00"><NFe><infNFe Id="NFe` + key + `" versao="4.00">` +
		`<ide><cUF>35</cUF><serie>2</serie><nNF>7</nNF><dhEmi>2024-03-11T14:30:00-03:00</dhEmi><tpNF>1</tpNF></ide>` +
		`<emit><CNPJ>` + issuer + `</CNPJ><xNome>DISTRIBUIDORA SA</xNome></emit>` +
		`<dest><CNPJ>` + recipient + `</CNPJ><xNome>LOJA TESTE</xNome></dest>` +
		`<total><ICMSTot><vBC>0.00</vBC><vNF>99.90</vNF></ICMSTot></total></infNFe></NFe>` +
		`<protNFe versao="4.00"><infProt><chNFe>` + key + `</chNFe><nProt>135240000000002</nProt><cStat>` + cStat + `</cStat></infProt></protNFe></nfeProc>`
}

type entry struct {
	nsu    string
	schema string
	xml    string
	raw    bool   // raw deflate instead of gzip
	data   string // replaces the encoded payload
}

func docZip(t *testing.T, e entry) string {
	t.Helper()
	payload := e.data
	if payload == "" {
		c := compression.NewCompressor()
		var compressed []byte
		var err error
		if e.raw {
			compressed, err = c.CompressRaw([]byte(e.xml))
		} else {
			compressed, err = c.Compress([]byte(e.xml))
		}
		require.NoError(t, err)
		payload = base64.StdEncoding.EncodeToString(compressed)
	}
	return fmt.Sprintf(`<docZip NSU="%s" schema="%s">%s</docZip>`, e.nsu, e.schema, payload)
}

func distributionResponse(t *testing.T, cStat, ultNSU, maxNSU string, entries ...entry) string {
	t.Helper()
	var lot strings.Builder
	if len(entries) > 0 {
		lot.WriteString("<loteDistDFeInt>")
		for _, e := range entries {
			lot.WriteString(docZip(t, e))
		}
		lot.WriteString("</loteDistDFeInt>")
	}
	reason := "Documento(s) localizado(s)"
	if cStat == StatusNothingFound {
		reason = "Nenhum documento localizado"
	}
	return `<?xml version="1.0" encoding="utf-8"?><soap:Envelope xmlns:soap="http://www.w3.org/2003/05/soap-envelope"><soap:Body>` +
		`<nfeDistDFeInteresseResponse xmlns="http://www.portalfiscal.inf.br/nfe/wsdl/NFeDistribuicaoDFe"><nfeDistDFeInteresseResult>` +
		`<retDistDFeInt xmlns="http://www.portalfiscal.inf.br/nfe" versao="1.01"><tpAmb>1</tpAmb><verAplic>1.5.11</verAplic>` +
		`<cStat>` + cStat + `</cStat><xMotivo>` + reason + `</xMotivo><dhResp>2024-03-12T10:00:00-03:00</dhResp>` +
		`<ultNSU>` + ultNSU + `</ultNSU><maxNSU>` + maxNSU + `</maxNSU>` + lot.String() +
		`</retDistDFeInt></nfeDistDFeInteresseResult></nfeDistDFeInteresseResponse></soap:Body></soap:Envelope>`
}

const versionMismatchFault = `<env:Envelope xmlns:env="http://www.w3.org/2003/05/soap-envelope"><env:Body><env:Fault>` +
	`<env:Code><env:Value>env:VersionMismatch</env:Value></env:Code>` +
	`<env:Reason><env:Text xml:lang="en">Wrong SOAP version</env:Text></env:Reason></env:Fault></env:Body></env:Envelope>`

const receiverFault = `<env:Envelope xmlns:env="http://www.w3.org/2003/05/soap-envelope"><env:Body><env:Fault>` +
	`<env:Code><env:Value>env:Receiver</env:Value></env:Code>` +
	`<env:Reason><env:Text xml:lang="en">Internal error</env:Text></env:Reason></env:Fault></env:Body></env:Envelope>`
