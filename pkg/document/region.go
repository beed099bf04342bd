package document

import (
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/sirosfoundation/go-nfe/pkg/fiscalerr"
)

// Region is a Brazilian state (UF) with its IBGE numeric code.
type Region struct {
	Code         int
	Abbreviation string
	Name         string
}

// regions is the IBGE table of the 26 states plus the Federal District.
var regions = []Region{
	{12, "AC", "Acre"},
	{27, "AL", "Alagoas"},
	{16, "AP", "Amapá"},
	{13, "AM", "Amazonas"},
	{29, "BA", "Bahia"},
	{23, "CE", "Ceará"},
	{53, "DF", "Distrito Federal"},
	{32, "ES", "Espírito Santo"},
	{52, "GO", "Goiás"},
	{21, "MA", "Maranhão"},
	{51, "MT", "Mato Grosso"},
	{50, "MS", "Mato Grosso do Sul"},
	{31, "MG", "Minas Gerais"},
	{15, "PA", "Pará"},
	{25, "PB", "Paraíba"},
	{41, "PR", "Paraná"},
	{26, "PE", "Pernambuco"},
	{22, "PI", "Piauí"},
	{33, "RJ", "Rio de Janeiro"},
	{24, "RN", "Rio Grande do Norte"},
	{43, "RS", "Rio Grande do Sul"},
	{11, "RO", "Rondônia"},
	{14, "RR", "Roraima"},
	{42, "SC", "Santa Catarina"},
	{35, "SP", "São Paulo"},
	{28, "SE", "Sergipe"},
	{17, "TO", "Tocantins"},
}

// NationalRegion is the code used by the national environment (AN) in
// cUFAutor and for services not bound to a state.
const NationalRegion = 91

// Regions returns a copy of the state table.
func Regions() []Region {
	out := make([]Region, len(regions))
	copy(out, regions)
	return out
}

// ResolveRegion accepts an abbreviation ("SP"), a full name with or without
// accents ("São Paulo", "sao paulo") or a numeric code ("35").
func ResolveRegion(s string) (Region, error) {
	key := fold(s)
	if key == "" {
		return Region{}, fiscalerr.Validation("region", "region is required")
	}

	if n, err := strconv.Atoi(key); err == nil {
		for _, r := range regions {
			if r.Code == n {
				return r, nil
			}
		}
		return Region{}, fiscalerr.Validation("region", "unknown region code %d", n)
	}

	for _, r := range regions {
		if key == strings.ToLower(r.Abbreviation) || key == fold(r.Name) {
			return r, nil
		}
	}
	return Region{}, fiscalerr.Validation("region", "unknown region %q", s)
}

// fold lower-cases s, trims it and strips diacritics.
func fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, strings.TrimSpace(s))
	if err != nil {
		out = s
	}
	return strings.ToLower(strings.TrimSpace(out))
}
