package document

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/beevik/etree"
)

// QRCodeVersion is the nVersao field of the consumer QR payload.
const QRCodeVersion = "2"

// QRCodeParams are the document values carried by the consumer QR code.
type QRCodeParams struct {
	AccessKey   AccessKey
	Environment Environment
	IssuedAt    time.Time
	Net         float64 // vNF
	ICMS        float64 // vICMS
	DigestValue string  // base64 DigestValue of the signature
}

// QRCodePayload returns the pipe-separated QR payload
//
//	key|2|tpAmb|dhEmi(hex)|vNF|vICMS|digest(hex)|idToken|hash
//
// where hash is the upper-case hex SHA-1 of everything before it
// concatenated with the CSC token. tokenID loses its leading zeros.
func QRCodePayload(p QRCodeParams, token, tokenID string) string {
	id := strings.TrimLeft(tokenID, "0")
	if id == "" {
		id = "0"
	}

	fields := []string{
		string(p.AccessKey),
		QRCodeVersion,
		strconv.Itoa(int(p.Environment)),
		hex.EncodeToString([]byte(p.IssuedAt.Format(dateTimeLayout))),
		money(p.Net),
		money(p.ICMS),
		hex.EncodeToString([]byte(p.DigestValue)),
		id,
	}
	body := strings.Join(fields, "|")
	sum := sha1.Sum([]byte(body + token))
	return body + "|" + strings.ToUpper(hex.EncodeToString(sum[:]))
}

// QRCodeURL joins the state's consultation base URL and the payload.
func QRCodeURL(base, payload string) string {
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + "p=" + payload
}

// AttachSupplement inserts infNFeSupl (QR code and consultation URL) right
// after infNFe. It is outside the signed element, so it may be added to an
// already signed NFC-e.
func AttachSupplement(signedXML []byte, qrCode, consultURL string) ([]byte, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(signedXML); err != nil {
		return nil, fmt.Errorf("parsing document: %w", err)
	}
	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("empty document")
	}
	inf := root.SelectElement("infNFe")
	if inf == nil {
		return nil, fmt.Errorf("infNFe not found")
	}
	if old := root.SelectElement("infNFeSupl"); old != nil {
		root.RemoveChild(old)
	}

	supl := etree.NewElement("infNFeSupl")
	text(supl, "qrCode", qrCode)
	text(supl, "urlChave", consultURL)
	root.InsertChildAt(inf.Index()+1, supl)

	return doc.WriteToBytes()
}
