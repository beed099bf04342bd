package authority

import (
	"bytes"
	"time"

	"github.com/sirosfoundation/go-nfe/pkg/document"
	"github.com/sirosfoundation/go-nfe/pkg/fiscalerr"
	"github.com/sirosfoundation/go-nfe/pkg/soap"
)

// TransmissionResult is an authorized transmission. It is returned to the
// caller for persistence and never retried.
type TransmissionResult struct {
	LotID       string
	BatchStatus string // cStat of retEnviNFe
	BatchReason string
	Status      string // cStat of infProt
	Reason      string
	Protocol    string // nProt
	Receipt     string // nRec, when the authority issued one
	ProcessedAt time.Time
	AccessKey   string
	DigestValue string // digVal echoed by the authority
	ProtocolXML []byte // protNFe, standalone
}

// AttachProtocol returns the nfeProc distribution document: the signed NFe
// followed by its authorization protocol. The signed bytes are copied as
// they are.
func AttachProtocol(signedXML []byte, result *TransmissionResult) ([]byte, error) {
	if result == nil || len(result.ProtocolXML) == 0 {
		return nil, fiscalerr.Validation("protNFe", "no authorization protocol")
	}
	if d := result.DigestValue; d != "" && !bytes.Contains(signedXML, []byte(">"+d+"<")) {
		return nil, fiscalerr.Validation("digVal", "protocol digest does not match the document")
	}

	var buf bytes.Buffer
	buf.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	buf.WriteString(`<nfeProc xmlns="` + document.Namespace + `" versao="` + document.LayoutVersion + `">`)
	buf.Write(soap.StripDeclaration(signedXML))
	buf.Write(soap.StripDeclaration(result.ProtocolXML))
	buf.WriteString(`</nfeProc>`)
	return buf.Bytes(), nil
}
