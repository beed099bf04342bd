package distribution

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-nfe/pkg/document"
	"github.com/sirosfoundation/go-nfe/pkg/fiscalerr"
	"github.com/sirosfoundation/go-nfe/pkg/keystore"
	"github.com/sirosfoundation/go-nfe/pkg/soap"
)

var identity = &keystore.SigningIdentity{}

func TestPollOnce_Batch(t *testing.T) {
	key1, key2, key3 := supplierKey(t, 1), supplierKey(t, 2), supplierKey(t, 3)
	other := supplierKey(t, 4)

	body := distributionResponse(t, StatusFound, "000000000000009", "000000000000020",
		entry{nsu: "000000000000001", schema: "resNFe_v1.01.xsd", xml: resNFe(key1, supplier, "1", "1")},
		entry{nsu: "000000000000002", schema: "procNFe_v4.00.xsd", xml: nfeProc(key2, supplier, company, "100")},
		entry{nsu: "000000000000002", schema: "procNFe_v4.00.xsd", xml: nfeProc(key2, supplier, company, "100")},
		entry{nsu: "000000000000003", schema: "resNFe_v1.01.xsd", xml: resNFe(key1, supplier, "1", "1")},
		entry{nsu: "000000000000004", schema: "resEvento_v1.01.xsd", xml: `<resEvento xmlns="http://www.portalfiscal.inf.br/nfe"/>`},
		entry{nsu: "000000000000005", schema: "resNFe_v1.01.xsd", data: "!!not base64!!"},
		entry{nsu: "000000000000006", schema: "resNFe_v1.01.xsd", xml: resNFe(key3, supplier, "1", "3"), raw: true},
		entry{nsu: "000000000000007", schema: "resNFe_v1.01.xsd", xml: resNFe(other, company, "1", "1")},
		entry{nsu: "000000000000008", schema: "resNFe_v1.01.xsd", xml: resNFe(other, supplier, "0", "1")},
		entry{nsu: "000000000000009", schema: "procNFe_v4.00.xsd", xml: nfeProc(other, supplier, "11122233000144", "100")},
	)
	fake := &fakeAuthority{handle: func(int, recordedRequest) response { return response{body: body} }}

	result, err := newTestSyncer(fake).PollOnce(context.Background(), identity, company, 35, "0", document.Production)
	require.NoError(t, err)

	require.Len(t, result.Documents, 3)
	assert.Equal(t, key1, result.Documents[0].AccessKey)
	assert.Equal(t, key2, result.Documents[1].AccessKey)
	assert.Equal(t, key3, result.Documents[2].AccessKey)
	assert.Equal(t, "000000000000009", result.NewWatermark)
	assert.Equal(t, "000000000000020", result.MaxWatermark)
	assert.False(t, result.Exhausted)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, soap.V12, result.SOAP)

	summary := result.Documents[0]
	assert.Equal(t, supplier, summary.SupplierTaxID)
	assert.Equal(t, "FORNECEDOR LTDA", summary.SupplierName)
	assert.Equal(t, StatusAuthorized, summary.Status)
	assert.Equal(t, 150.0, summary.Total)
	assert.Equal(t, 2, summary.Series)
	assert.Equal(t, 1, summary.Number)
	assert.Equal(t, "000000000000001", summary.NSU)
	assert.False(t, summary.Full())
	assert.Equal(t, 2024, summary.IssuedAt.Year())

	full := result.Documents[1]
	assert.True(t, full.Full())
	assert.Equal(t, company, full.RecipientTaxID)
	assert.Equal(t, "DISTRIBUIDORA SA", full.SupplierName)
	assert.Equal(t, 99.9, full.Total)
	assert.Equal(t, "135240000000002", full.Protocol)
	assert.Contains(t, string(full.XML), "<nfeProc")

	assert.Equal(t, StatusCancelled, result.Documents[2].Status)

	require.Equal(t, 1, fake.count())
	req := fake.requests[0]
	assert.Equal(t, "000000000000000", req.watermark())
	assert.Contains(t, req.body, `<distDFeInt xmlns="http://www.portalfiscal.inf.br/nfe" versao="1.01"><tpAmb>1</tpAmb><cUFAutor>35</cUFAutor><CNPJ>12345678000195</CNPJ>`)
	assert.Contains(t, req.body, `<nfeDadosMsg xmlns="http://www.portalfiscal.inf.br/nfe/wsdl/NFeDistribuicaoDFe">`)
	assert.Equal(t, `application/soap+xml; charset=utf-8; action="http://www.portalfiscal.inf.br/nfe/wsdl/NFeDistribuicaoDFe/nfeDistDFeInteresse"`, req.header.Get("Content-Type"))
}

func TestPollOnce_NothingFound(t *testing.T) {
	fake := &fakeAuthority{handle: func(int, recordedRequest) response {
		return response{body: distributionResponse(t, StatusNothingFound, "000000000000042", "000000000000042")}
	}}

	result, err := newTestSyncer(fake).PollOnce(context.Background(), identity, company, 35, "42", document.Production)
	require.NoError(t, err)
	assert.True(t, result.Exhausted)
	assert.Empty(t, result.Documents)
	assert.Equal(t, "000000000000042", result.NewWatermark)
}

func TestPollOnce_SequentialCallsExhaust(t *testing.T) {
	key := supplierKey(t, 10)
	// The authority answers from where the request starts.
	fake := &fakeAuthority{handle: func(_ int, req recordedRequest) response {
		if req.watermark() == "000000000000000" {
			return response{body: distributionResponse(t, StatusFound, "000000000000005", "000000000000005",
				entry{nsu: "000000000000005", schema: "resNFe_v1.01.xsd", xml: resNFe(key, supplier, "1", "1")})}
		}
		return response{body: distributionResponse(t, StatusNothingFound, req.watermark(), "000000000000005")}
	}}
	syncer := newTestSyncer(fake)

	first, err := syncer.PollOnce(context.Background(), identity, company, 35, "", document.Production)
	require.NoError(t, err)
	require.Len(t, first.Documents, 1)
	assert.False(t, first.Exhausted)

	second, err := syncer.PollOnce(context.Background(), identity, company, 35, first.NewWatermark, document.Production)
	require.NoError(t, err)
	assert.True(t, second.Exhausted)
	assert.Empty(t, second.Documents)
	assert.Equal(t, first.NewWatermark, second.NewWatermark)
}

func TestPollOnce_WatermarkNeverDecreases(t *testing.T) {
	fake := &fakeAuthority{handle: func(int, recordedRequest) response {
		return response{body: distributionResponse(t, StatusFound, "000000000000003", "000000000000010")}
	}}

	result, err := newTestSyncer(fake).PollOnce(context.Background(), identity, company, 35, "7", document.Production)
	require.NoError(t, err)
	assert.Equal(t, "000000000000007", result.NewWatermark)
	assert.True(t, result.Exhausted)
}

func TestPollOnce_Downgrade(t *testing.T) {
	ok := distributionResponse(t, StatusNothingFound, "000000000000000", "000000000000000")

	t.Run("version mismatch fault", func(t *testing.T) {
		fake := &fakeAuthority{handle: func(n int, _ recordedRequest) response {
			if n == 1 {
				return response{status: http.StatusInternalServerError, body: versionMismatchFault}
			}
			return response{body: ok}
		}}
		result, err := newTestSyncer(fake).PollOnce(context.Background(), identity, company, 35, "", document.Production)
		require.NoError(t, err)
		assert.Equal(t, soap.V11, result.SOAP)

		require.Equal(t, 2, fake.count())
		assert.Contains(t, fake.requests[0].header.Get("Content-Type"), "application/soap+xml")
		assert.Equal(t, "text/xml; charset=utf-8", fake.requests[1].header.Get("Content-Type"))
		assert.Equal(t, `"http://www.portalfiscal.inf.br/nfe/wsdl/NFeDistribuicaoDFe/nfeDistDFeInteresse"`, fake.requests[1].header.Get("SOAPAction"))
		assert.Contains(t, fake.requests[1].body, soap.NS11)
	})

	t.Run("only once", func(t *testing.T) {
		fake := &fakeAuthority{handle: func(int, recordedRequest) response {
			return response{status: http.StatusUnsupportedMediaType}
		}}
		_, err := newTestSyncer(fake).PollOnce(context.Background(), identity, company, 35, "", document.Production)

		var fault *fiscalerr.ProtocolFault
		require.True(t, errors.As(err, &fault), "got %v", err)
		assert.True(t, fault.Unsupported)
		assert.Equal(t, 2, fake.count())
	})

	t.Run("other faults propagate", func(t *testing.T) {
		fake := &fakeAuthority{handle: func(int, recordedRequest) response {
			return response{status: http.StatusInternalServerError, body: receiverFault}
		}}
		_, err := newTestSyncer(fake).PollOnce(context.Background(), identity, company, 35, "", document.Production)

		var fault *fiscalerr.ProtocolFault
		require.True(t, errors.As(err, &fault), "got %v", err)
		assert.False(t, fault.Unsupported)
		assert.Equal(t, "Internal error", fault.Reason)
		assert.Equal(t, 1, fake.count())
	})
}

func TestPollOnce_Rejection(t *testing.T) {
	fake := &fakeAuthority{handle: func(int, recordedRequest) response {
		return response{body: distributionResponse(t, "656", "000000000000000", "000000000000000")}
	}}
	_, err := newTestSyncer(fake).PollOnce(context.Background(), identity, company, 35, "", document.Production)

	var rej *fiscalerr.RejectionError
	require.True(t, errors.As(err, &rej), "got %v", err)
	assert.Equal(t, "distribution", rej.Stage)
	assert.Equal(t, "656", rej.Code)
}

func TestPollOnce_MalformedResponse(t *testing.T) {
	fake := &fakeAuthority{handle: func(int, recordedRequest) response {
		return response{body: `<soap:Envelope xmlns:soap="http://www.w3.org/2003/05/soap-envelope"><soap:Body/></soap:Envelope>`}
	}}
	_, err := newTestSyncer(fake).PollOnce(context.Background(), identity, company, 35, "", document.Production)
	assert.True(t, errors.Is(err, fiscalerr.ErrProtocol))
}

func TestPollOnce_ValidatesBeforeNetwork(t *testing.T) {
	fake := &fakeAuthority{handle: func(int, recordedRequest) response {
		t.Error("no request expected")
		return response{}
	}}
	syncer := newTestSyncer(fake)

	tests := map[string]struct {
		id        *keystore.SigningIdentity
		taxID     string
		region    int
		watermark string
		env       document.Environment
		is        error
	}{
		"no identity":   {nil, company, 35, "", document.Production, fiscalerr.ErrConfiguration},
		"short tax id":  {identity, "1234", 35, "", document.Production, fiscalerr.ErrValidation},
		"letters":       {identity, "1234567800019X", 35, "", document.Production, fiscalerr.ErrValidation},
		"region":        {identity, company, 0, "", document.Production, fiscalerr.ErrValidation},
		"watermark":     {identity, company, 35, "12a", document.Production, fiscalerr.ErrValidation},
		"long nsu":      {identity, company, 35, "1234567890123456", document.Production, fiscalerr.ErrValidation},
		"environment":   {identity, company, 35, "", document.Environment(3), fiscalerr.ErrValidation},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := syncer.PollOnce(context.Background(), tt.id, tt.taxID, tt.region, tt.watermark, tt.env)
			assert.True(t, errors.Is(err, tt.is), "got %v", err)
		})
	}
}

func TestPollOnce_CPF(t *testing.T) {
	fake := &fakeAuthority{handle: func(int, recordedRequest) response {
		return response{body: distributionResponse(t, StatusNothingFound, "000000000000000", "000000000000000")}
	}}
	_, err := newTestSyncer(fake).PollOnce(context.Background(), identity, "12345678909", 31, "", document.Homologation)
	require.NoError(t, err)
	assert.Contains(t, fake.requests[0].body, "<tpAmb>2</tpAmb><cUFAutor>31</cUFAutor><CPF>12345678909</CPF>")
}

func TestWatermarks(t *testing.T) {
	wm, err := NormalizeWatermark("42")
	require.NoError(t, err)
	assert.Equal(t, "000000000000042", wm)

	wm, err = NormalizeWatermark("")
	require.NoError(t, err)
	assert.Equal(t, ZeroWatermark, wm)

	assert.Equal(t, -1, CompareWatermarks("000000000000001", "2"))
	assert.Equal(t, 0, CompareWatermarks("7", "000000000000007"))
	assert.Equal(t, 1, CompareWatermarks("10", "9"))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "downgrading", StateDowngrading.String())
	assert.True(t, StateExhausted.Terminal())
	assert.False(t, StateRequesting.Terminal())
}
