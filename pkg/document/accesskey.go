package document

import (
	"fmt"
	"strconv"
	"time"

	"github.com/sirosfoundation/go-nfe/pkg/fiscalerr"
)

// AccessKeyLength is the number of digits of an access key (chave de acesso).
const AccessKeyLength = 44

// AccessKey is the 44-digit identifier of a fiscal document.
type AccessKey string

// KeyFields are the inputs of an access key.
type KeyFields struct {
	Region       int       // cUF
	IssuedAt     time.Time // AAMM
	CNPJ         string
	Model        Model
	Series       int
	Number       int
	EmissionType int // tpEmis
	Random       int // cNF
}

// NewAccessKey assembles and checks the 43 leading digits and appends the
// check digit.
func NewAccessKey(f KeyFields) (AccessKey, error) {
	cnpj := onlyDigits(f.CNPJ)
	switch {
	case f.Region < 11 || f.Region > 99:
		return "", fiscalerr.Validation("cUF", "invalid region code %d", f.Region)
	case len(cnpj) != 14:
		return "", fiscalerr.Validation("CNPJ", "tax id must have 14 digits")
	case f.Model != ModelNFe && f.Model != ModelNFCe:
		return "", fiscalerr.Validation("mod", "unsupported model %d", f.Model)
	case f.Series < 0 || f.Series > 999:
		return "", fiscalerr.Validation("serie", "series %d out of range 0-999", f.Series)
	case f.Number < 1 || f.Number > 999999999:
		return "", fiscalerr.Validation("nNF", "number %d out of range 1-999999999", f.Number)
	case f.EmissionType < 1 || f.EmissionType > 9:
		return "", fiscalerr.Validation("tpEmis", "invalid emission type %d", f.EmissionType)
	case f.Random < 0 || f.Random > 99999999:
		return "", fiscalerr.Validation("cNF", "random component must have 8 digits")
	case f.Random == f.Number%100000000:
		return "", fiscalerr.Validation("cNF", "random component must differ from the document number")
	}

	body := fmt.Sprintf("%02d%s%s%02d%03d%09d%d%08d",
		f.Region,
		f.IssuedAt.Format("0601"),
		cnpj,
		int(f.Model),
		f.Series,
		f.Number,
		f.EmissionType,
		f.Random,
	)
	return AccessKey(body + strconv.Itoa(CheckDigit(body))), nil
}

// CheckDigit computes the modulo-11 digit over digits, weighting 2..9 from
// the rightmost digit. Remainders 0 and 1 yield 0.
func CheckDigit(digits string) int {
	sum, weight := 0, 2
	for i := len(digits) - 1; i >= 0; i-- {
		sum += int(digits[i]-'0') * weight
		weight++
		if weight > 9 {
			weight = 2
		}
	}
	r := sum % 11
	if r < 2 {
		return 0
	}
	return 11 - r
}

// Validate checks length, digits and check digit.
func (k AccessKey) Validate() error {
	s := string(k)
	if len(s) != AccessKeyLength || onlyDigits(s) != s {
		return fiscalerr.Validation("chNFe", "access key must have 44 digits")
	}
	if CheckDigit(s[:43]) != int(s[43]-'0') {
		return fiscalerr.Validation("chNFe", "access key check digit mismatch")
	}
	return nil
}

// Region returns the cUF component.
func (k AccessKey) Region() int { return k.field(0, 2) }

// CNPJ returns the issuer tax id component.
func (k AccessKey) CNPJ() string {
	if len(k) != AccessKeyLength {
		return ""
	}
	return string(k[6:20])
}

// Model returns the mod component.
func (k AccessKey) Model() Model { return Model(k.field(20, 22)) }

// Series returns the serie component.
func (k AccessKey) Series() int { return k.field(22, 25) }

// Number returns the nNF component.
func (k AccessKey) Number() int { return k.field(25, 34) }

// Random returns the cNF component.
func (k AccessKey) Random() int { return k.field(35, 43) }

// CheckDigit returns the cDV component.
func (k AccessKey) CheckDigit() int { return k.field(43, 44) }

func (k AccessKey) String() string { return string(k) }

func (k AccessKey) field(from, to int) int {
	if len(k) != AccessKeyLength {
		return 0
	}
	n, err := strconv.Atoi(string(k[from:to]))
	if err != nil {
		return 0
	}
	return n
}

func onlyDigits(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			out = append(out, s[i])
		}
	}
	return string(out)
}
