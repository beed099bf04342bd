package document

import (
	"math"

	"github.com/sirosfoundation/go-nfe/pkg/fiscalerr"
)

// installmentTolerance is the smallest rejected gap between the installment
// sum and the net total. floatSlack absorbs binary representation error so
// that 10.01-10.00 counts as a full cent.
const (
	installmentTolerance = 0.01
	floatSlack           = 1e-9
)

// ValidCNPJ checks the two CNPJ check digits.
func ValidCNPJ(s string) bool {
	d := onlyDigits(s)
	if len(d) != 14 || allSame(d) {
		return false
	}
	first := cnpjDigit(d[:12])
	second := cnpjDigit(d[:12] + string(rune('0'+first)))
	return int(d[12]-'0') == first && int(d[13]-'0') == second
}

func cnpjDigit(base string) int {
	weights := []int{6, 5, 4, 3, 2, 9, 8, 7, 6, 5, 4, 3, 2}
	offset := len(weights) - len(base)
	sum := 0
	for i := 0; i < len(base); i++ {
		sum += int(base[i]-'0') * weights[offset+i]
	}
	r := sum % 11
	if r < 2 {
		return 0
	}
	return 11 - r
}

// ValidCPF checks the two CPF check digits.
func ValidCPF(s string) bool {
	d := onlyDigits(s)
	if len(d) != 11 || allSame(d) {
		return false
	}
	for n := 9; n <= 10; n++ {
		sum := 0
		for i := 0; i < n; i++ {
			sum += int(d[i]-'0') * (n + 1 - i)
		}
		r := (sum * 10) % 11
		if r == 10 {
			r = 0
		}
		if r != int(d[n]-'0') {
			return false
		}
	}
	return true
}

func allSame(d string) bool {
	for i := 1; i < len(d); i++ {
		if d[i] != d[0] {
			return false
		}
	}
	return true
}

// validateHeader checks everything that does not depend on computed totals.
func validateHeader(o *Order, e *EmitterProfile, series int) error {
	if o.Model != ModelNFe && o.Model != ModelNFCe {
		return fiscalerr.Validation("mod", "unsupported model %d", o.Model)
	}
	if series < 0 || series > 999 {
		return fiscalerr.Validation("serie", "series %d out of range 0-999", series)
	}
	if o.Number < 1 || o.Number > 999999999 {
		return fiscalerr.Validation("nNF", "number %d out of range 1-999999999", o.Number)
	}
	if !ValidCNPJ(e.CNPJ) {
		return fiscalerr.Validation("emit.CNPJ", "invalid CNPJ %q", e.CNPJ)
	}
	if e.Name == "" {
		return fiscalerr.Validation("emit.xNome", "emitter name is required")
	}
	if e.TaxRegime < RegimeSimples || e.TaxRegime > RegimeSimplesMEI {
		return fiscalerr.Validation("emit.CRT", "invalid tax regime %d", e.TaxRegime)
	}
	if len(o.Items) == 0 {
		return fiscalerr.Validation("det", "at least one item is required")
	}
	if len(o.Items) > 990 {
		return fiscalerr.Validation("det", "at most 990 items are allowed")
	}

	if r := o.Recipient; r != nil {
		switch {
		case r.CNPJ != "" && r.CPF != "":
			return fiscalerr.Validation("dest", "recipient must have either CNPJ or CPF")
		case r.CNPJ != "" && !ValidCNPJ(r.CNPJ):
			return fiscalerr.Validation("dest.CNPJ", "invalid CNPJ %q", r.CNPJ)
		case r.CPF != "" && !ValidCPF(r.CPF):
			return fiscalerr.Validation("dest.CPF", "invalid CPF %q", r.CPF)
		case r.TaxID() == "" && o.Model == ModelNFe:
			return fiscalerr.Validation("dest", "NF-e recipient requires a tax id")
		}
	} else if o.Model == ModelNFe {
		return fiscalerr.Validation("dest", "NF-e requires a recipient")
	}

	for i, it := range o.Items {
		switch {
		case it.Description == "":
			return fiscalerr.Validation("det.xProd", "item %d has no description", i+1)
		case it.Quantity <= 0:
			return fiscalerr.Validation("det.qCom", "item %d quantity must be positive", i+1)
		case it.UnitPrice < 0:
			return fiscalerr.Validation("det.vUnCom", "item %d unit price is negative", i+1)
		case it.Discount < 0 || it.Freight < 0:
			return fiscalerr.Validation("det.vDesc", "item %d discount and freight must not be negative", i+1)
		case len(onlyDigits(it.NCM)) != 8:
			return fiscalerr.Validation("det.NCM", "item %d NCM must have 8 digits", i+1)
		case len(onlyDigits(it.CFOP)) != 4:
			return fiscalerr.Validation("det.CFOP", "item %d CFOP must have 4 digits", i+1)
		}
	}

	for _, p := range o.Payments {
		if p.Value < 0 {
			return fiscalerr.Validation("pag", "payment values must not be negative")
		}
	}
	return nil
}

// validatePayments checks payment entries against the installment schedule
// and the net total.
func validatePayments(payments []Payment, installments []Installment, net float64) error {
	hasTerm := false
	for _, p := range payments {
		if p.Term {
			hasTerm = true
			break
		}
	}

	if len(installments) > 0 {
		if len(payments) == 1 && payments[0].Code == PaymentCash && !payments[0].Term {
			return fiscalerr.Validation("cobr", "an installment schedule cannot be paid by a single cash entry")
		}
		if !hasTerm {
			return fiscalerr.Validation("cobr", "an installment schedule requires a term payment")
		}

		var sum float64
		for i, inst := range installments {
			if inst.Value <= 0 {
				return fiscalerr.Validation("dup.vDup", "installment %d must be positive", i+1)
			}
			if inst.Due.IsZero() {
				return fiscalerr.Validation("dup.dVenc", "installment %d has no due date", i+1)
			}
			sum += inst.Value
		}
		if math.Abs(sum-net) >= installmentTolerance-floatSlack {
			return fiscalerr.Validation("cobr", "installments sum %.2f differs from net total %.2f", sum, net)
		}
		return nil
	}

	if hasTerm {
		return fiscalerr.Validation("cobr", "term payment requires an installment schedule")
	}
	return nil
}
