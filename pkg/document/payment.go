package document

import (
	"strings"
)

// Payment method codes (tPag).
const (
	PaymentCash         = "01"
	PaymentCheck        = "02"
	PaymentCreditCard   = "03"
	PaymentDebitCard    = "04"
	PaymentStoreCredit  = "05"
	PaymentFoodVoucher  = "10"
	PaymentMealVoucher  = "11"
	PaymentGiftVoucher  = "12"
	PaymentFuelVoucher  = "13"
	PaymentTradeNote    = "14"
	PaymentBankSlip     = "15"
	PaymentBankDeposit  = "16"
	PaymentPix          = "17"
	PaymentBankTransfer = "18"
	PaymentLoyalty      = "19"
	PaymentNone         = "90"
	PaymentOther        = "99"
)

// termMethods are settled over time by nature.
var termMethods = map[string]bool{
	PaymentStoreCredit:  true,
	PaymentTradeNote:    true,
	PaymentBankSlip:     true,
	PaymentBankDeposit:  true,
	PaymentBankTransfer: true,
	PaymentLoyalty:      true,
}

// Payment is an aggregated payment entry (detPag).
type Payment struct {
	Code  string
	Term  bool
	Value float64
	// Label is kept for tPag 99 (xPag) and card detection.
	Label string
}

// IsCard reports whether the entry needs a card group.
func (p Payment) IsCard() bool {
	return p.Code == PaymentCreditCard || p.Code == PaymentDebitCard
}

// keywordRule maps any of its keywords to a tPag code.
type keywordRule struct {
	keywords []string
	code     string
}

// otherMethodRules classify free-text "other" payments. Order matters: the
// first rule with a matching keyword wins, so specific terms come before
// generic ones ("cartao loja" before "cartao").
var otherMethodRules = []keywordRule{
	{[]string{"boleto", "bloqueto"}, PaymentBankSlip},
	{[]string{"deposito"}, PaymentBankDeposit},
	{[]string{"pix"}, PaymentPix},
	{[]string{"transferencia", "ted", "doc ", "carteira digital", "wallet"}, PaymentBankTransfer},
	{[]string{"fidelidade", "cashback", "pontos", "milhas", "credito virtual"}, PaymentLoyalty},
	{[]string{"vale alimentacao", "alimentacao"}, PaymentFoodVoucher},
	{[]string{"vale refeicao", "refeicao"}, PaymentMealVoucher},
	{[]string{"vale presente", "presente", "gift"}, PaymentGiftVoucher},
	{[]string{"vale combustivel", "combustivel"}, PaymentFuelVoucher},
	{[]string{"duplicata"}, PaymentTradeNote},
	{[]string{"crediario", "cartao loja", "cartao da loja", "credito loja", "credito de loja", "fiado"}, PaymentStoreCredit},
	{[]string{"cheque"}, PaymentCheck},
	{[]string{"debito"}, PaymentDebitCard},
	{[]string{"credito", "cartao"}, PaymentCreditCard},
	{[]string{"dinheiro", "especie"}, PaymentCash},
}

// termKeywords mark a label as an installment/term payment.
var termKeywords = []string{"parcel", "prazo", "crediario", "fiado", "carne", "dias", "30/60", "faturado"}

// debitKeywords select the debit card code; anything else is credit.
var debitKeywords = []string{"debito", "debit"}

// ClassifyOther resolves a free-text label to a tPag code using the ordered
// keyword table, defaulting to 99.
func ClassifyOther(label string) string {
	return matchRules(fold(label), PaymentOther)
}

// ClassifyCard returns 04 for debit labels and 03 otherwise.
func ClassifyCard(label string) string {
	if containsAny(fold(label), debitKeywords) {
		return PaymentDebitCard
	}
	return PaymentCreditCard
}

// IsTerm reports whether a payment with code and label is a term payment.
func IsTerm(code, label string) bool {
	if termMethods[code] {
		return true
	}
	return containsAny(fold(label), termKeywords)
}

func matchRules(folded, fallback string) string {
	if folded == "" {
		return fallback
	}
	for _, rule := range otherMethodRules {
		if containsAny(folded, rule.keywords) {
			return rule.code
		}
	}
	return fallback
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

// resolve maps a raw input to its tPag code and term flag.
func resolve(in PaymentInput) (string, bool) {
	var code string
	switch in.Kind {
	case PayCash:
		code = PaymentCash
	case PayCheck:
		code = PaymentCheck
	case PayCard:
		code = ClassifyCard(in.Label)
	case PayPix:
		code = PaymentPix
	case PayInstallments:
		// Unlabelled installment totals are store credit (crediário).
		code = matchRules(fold(in.Label), PaymentStoreCredit)
		if code == PaymentCash {
			code = PaymentStoreCredit
		}
		return code, true
	default:
		code = ClassifyOther(in.Label)
	}
	return code, IsTerm(code, in.Label)
}

// AggregatePayments groups inputs by (code, term), summing values in the
// order groups are first seen. Zero entries are dropped; when nothing
// remains a single "no payment" entry is returned.
func AggregatePayments(inputs []PaymentInput) []Payment {
	type groupKey struct {
		code string
		term bool
	}
	index := make(map[groupKey]int)
	var out []Payment

	for _, in := range inputs {
		if round2(in.Value) == 0 {
			continue
		}
		code, term := resolve(in)
		k := groupKey{code, term}
		if i, ok := index[k]; ok {
			out[i].Value = round2(out[i].Value + in.Value)
			continue
		}
		index[k] = len(out)
		out = append(out, Payment{Code: code, Term: term, Value: round2(in.Value), Label: strings.TrimSpace(in.Label)})
	}

	if len(out) == 0 {
		return []Payment{{Code: PaymentNone}}
	}
	return out
}

// Change returns the amount paid beyond net (vTroco), or zero.
func Change(payments []Payment, net float64) float64 {
	var paid float64
	for _, p := range payments {
		paid += p.Value
	}
	if diff := round2(paid - net); diff > 0 {
		return diff
	}
	return 0
}
