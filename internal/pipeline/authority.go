package pipeline

import (
	"os"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// defaultAuthorities maps known court and authority email domains to the
// institution name. Subdomains resolve through suffix matching.
var defaultAuthorities = map[string]string{
	"tjsp.jus.br":            "Tribunal de Justiça do Estado de São Paulo",
	"tjrj.jus.br":            "Tribunal de Justiça do Estado do Rio de Janeiro",
	"tjmg.jus.br":            "Tribunal de Justiça do Estado de Minas Gerais",
	"trf3.jus.br":            "Tribunal Regional Federal da 3ª Região",
	"trt2.jus.br":            "Tribunal Regional do Trabalho da 2ª Região",
	"stj.jus.br":             "Superior Tribunal de Justiça",
	"mpf.mp.br":              "Ministério Público Federal",
	"mpsp.mp.br":             "Ministério Público do Estado de São Paulo",
	"dpu.def.br":             "Defensoria Pública da União",
	"pgfn.gov.br":            "Procuradoria-Geral da Fazenda Nacional",
	"receita.fazenda.gov.br": "Receita Federal do Brasil",
	"pf.gov.br":              "Polícia Federal",
	"bcb.gov.br":             "Banco Central do Brasil",
}

// AuthorityTable resolves sender domains to issuing authorities.
type AuthorityTable struct {
	domains []string // longest first
	names   map[string]string
}

// NewAuthorityTable builds a table from a domain → name map.
func NewAuthorityTable(entries map[string]string) *AuthorityTable {
	t := &AuthorityTable{names: make(map[string]string, len(entries))}
	for d, name := range entries {
		d = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(d, "@")))
		if d == "" || name == "" {
			continue
		}
		t.names[d] = name
		t.domains = append(t.domains, d)
	}
	sort.Slice(t.domains, func(i, j int) bool {
		if len(t.domains[i]) != len(t.domains[j]) {
			return len(t.domains[i]) > len(t.domains[j])
		}
		return t.domains[i] < t.domains[j]
	})
	return t
}

// DefaultAuthorityTable returns the built-in table.
func DefaultAuthorityTable() *AuthorityTable {
	return NewAuthorityTable(defaultAuthorities)
}

// LoadAuthorityTable reads a table from a YAML file of the form
//
//	authorities:
//	  tjsp.jus.br: Tribunal de Justiça do Estado de São Paulo
//
// An empty path returns the built-in table.
func LoadAuthorityTable(path string) (*AuthorityTable, error) {
	if path == "" {
		return DefaultAuthorityTable(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: read authority table %s", path)
	}

	var file struct {
		Authorities map[string]string `yaml:"authorities"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, eris.Wrap(err, "pipeline: parse authority table")
	}
	if len(file.Authorities) == 0 {
		return nil, eris.Errorf("pipeline: authority table %s has no entries", path)
	}
	return NewAuthorityTable(file.Authorities), nil
}

// Lookup resolves a domain. A table entry matches the domain itself and
// any of its subdomains; the most specific entry wins.
func (t *AuthorityTable) Lookup(domain string) (string, bool) {
	domain = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(domain), "."))
	if domain == "" {
		return "", false
	}
	for _, d := range t.domains {
		if domain == d || strings.HasSuffix(domain, "."+d) {
			return t.names[d], true
		}
	}
	return "", false
}

// Len reports the number of entries.
func (t *AuthorityTable) Len() int {
	return len(t.domains)
}
