package authority

import (
	"bytes"
	"context"
	"errors"
	"net/http"

	"github.com/sirosfoundation/go-nfe/pkg/fiscalerr"
	"github.com/sirosfoundation/go-nfe/pkg/keystore"
	"github.com/sirosfoundation/go-nfe/pkg/soap"
	"github.com/sirosfoundation/go-nfe/pkg/transport"
)

// Doer posts one request. *transport.HTTPSClient implements it.
type Doer interface {
	Send(ctx context.Context, endpoint string, body []byte, header http.Header) ([]byte, error)
}

// TransportFactory returns a Doer presenting id as its client certificate.
type TransportFactory func(id *keystore.SigningIdentity) (Doer, error)

// HTTPSTransport returns a factory building mutual TLS clients from cfg.
func HTTPSTransport(cfg *transport.HTTPSConfig) TransportFactory {
	return func(id *keystore.SigningIdentity) (Doer, error) {
		client, err := transport.NewHTTPSClient(cfg, id)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
}

// Invoke wraps payload in nfeDadosMsg and a SOAP envelope of version v,
// posts it and returns the response body.
//
// A non-2xx status or a SOAP fault in the body becomes a
// *fiscalerr.ProtocolFault, flagged Unsupported when the fault says the
// server does not accept that SOAP version. Transport failures are
// returned as they are (fiscalerr.NetworkError).
func Invoke(ctx context.Context, d Doer, endpoint string, v soap.Version, service Service, payload []byte) ([]byte, error) {
	var msg bytes.Buffer
	msg.WriteString(`<nfeDadosMsg xmlns="` + service.Namespace() + `">`)
	msg.Write(soap.StripDeclaration(payload))
	msg.WriteString(`</nfeDadosMsg>`)

	header := http.Header{}
	header.Set("Content-Type", v.ContentType(service.Action()))
	if action, ok := v.SOAPAction(service.Action()); ok {
		header.Set("SOAPAction", action)
	}

	body, err := d.Send(ctx, endpoint, soap.Envelope(v, msg.Bytes()), header)
	if err != nil {
		var statusErr *transport.StatusError
		if errors.As(err, &statusErr) {
			return nil, faultFrom(statusErr.StatusCode, statusErr.Body)
		}
		return nil, err
	}
	if _, ok := soap.ParseFault(body); ok {
		return nil, faultFrom(http.StatusOK, body)
	}
	return body, nil
}

func faultFrom(status int, body []byte) *fiscalerr.ProtocolFault {
	pf := &fiscalerr.ProtocolFault{
		HTTPStatus: status,
		Body:       fiscalerr.Truncate(string(body)),
	}
	f, ok := soap.ParseFault(body)
	if ok {
		pf.Code = f.Code
		pf.Reason = f.Reason
	}
	pf.Unsupported = soap.IsUnsupported(f, status)
	return pf
}

// malformed reports a 2xx response that lacks an expected element.
func malformed(body []byte, reason string) *fiscalerr.ProtocolFault {
	return &fiscalerr.ProtocolFault{
		HTTPStatus: http.StatusOK,
		Reason:     reason,
		Body:       fiscalerr.Truncate(string(body)),
	}
}
