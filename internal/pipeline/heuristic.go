package pipeline

import (
	"html"
	"net/mail"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/oficio-cli/internal/model"
)

// Additive confidence weights per found field.
const (
	weightNumero     = 30
	weightProcesso   = 30
	weightPrazo      = 20
	weightAutoridade = 20
)

// Per-field confidences reported by the heuristic extractor.
const (
	fieldConfNumero          = 0.9
	fieldConfProcesso        = 0.95
	fieldConfPrazo           = 0.85
	fieldConfAuthorityDomain = 0.9
	fieldConfAuthorityLine   = 0.7
	fieldConfAuthoritySender = 0.5
	fieldConfDescricao       = 0.6
)

const (
	descricaoMaxRunes  = 300
	autoridadeMaxRunes = 100
)

// Patterns run against accent-folded, lower-cased text.
var (
	numeroRe   = regexp.MustCompile(`(?:\boficio\s*(?:n\s*[º°o]?\s*\.?\s*)?|\bof\.\s*|\bn\s*[º°]\s*\.?\s*)(\d{4,6})\b`)
	processoRe = regexp.MustCompile(`\b(\d{7}-\d{2}\.\d{4}\.\d\.\d{2}\.\d{4})\b`)
	prazoRe    = regexp.MustCompile(`\b(?:responder ate|ate|prazo)\b\D{0,40}?\b(\d{1,2})[/-](\d{1,2})[/-](\d{4}|\d{2})\b`)
	htmlTagRe  = regexp.MustCompile(`<[^>]*>`)
	emailRe    = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@([A-Za-z0-9.\-]+\.[A-Za-z]{2,})`)
)

var authorityKeywords = []string{"tribunal", "ministerio", "defensoria", "procuradoria"}

// Extraction is the heuristic extractor's output.
type Extraction struct {
	Record     model.CandidateRecord
	Confidence model.FieldConfidence
}

// Extractor is the pattern-based first pass over a message. It holds no
// mutable state, so Extract is safe for concurrent use and deterministic.
type Extractor struct {
	authorities *AuthorityTable
	loc         *time.Location
}

// NewExtractor creates an extractor. Deadlines are pinned to 23:59:59 in loc.
func NewExtractor(authorities *AuthorityTable, loc *time.Location) *Extractor {
	if authorities == nil {
		authorities = DefaultAuthorityTable()
	}
	if loc == nil {
		loc = time.Local
	}
	return &Extractor{authorities: authorities, loc: loc}
}

// Extract builds a candidate record from a raw message.
func (e *Extractor) Extract(msg model.RawMessage) Extraction {
	text := msg.Subject + "\n" + msg.BodyText
	folded := fold(text)

	var rec model.CandidateRecord
	fc := model.FieldConfidence{}

	if m := numeroRe.FindStringSubmatch(folded); m != nil {
		rec.Numero = m[1]
		rec.Confidence += weightNumero
		fc.Set(model.FieldNumero, fieldConfNumero)
	}
	if m := processoRe.FindStringSubmatch(folded); m != nil {
		rec.Processo = m[1]
		rec.Confidence += weightProcesso
		fc.Set(model.FieldProcesso, fieldConfProcesso)
	}
	if prazo, ok := e.findPrazo(folded); ok {
		rec.Prazo = prazo
		rec.Confidence += weightPrazo
		fc.Set(model.FieldPrazo, fieldConfPrazo)
	}
	if name, conf, ok := e.findAutoridade(msg); ok {
		rec.Autoridade = name
		rec.Confidence += weightAutoridade
		fc.Set(model.FieldAutoridade, conf)
	}
	if d := buildDescricao(msg); d != "" {
		rec.Descricao = d
		fc.Set(model.FieldDescricao, fieldConfDescricao)
	}

	rec.Confidence = model.ClampConfidence(rec.Confidence)
	rec.NeedsReview = rec.Confidence < model.AutoImportThreshold || rec.Numero == "" || rec.Processo == ""
	return Extraction{Record: rec, Confidence: fc}
}

func (e *Extractor) findPrazo(folded string) (string, bool) {
	m := prazoRe.FindStringSubmatch(folded)
	if m == nil {
		return "", false
	}
	return EndOfDay(m[1], m[2], m[3], e.loc)
}

// EndOfDay validates a day/month/year triple and renders it as 23:59:59 in
// loc, RFC 3339. Two-digit years land in the 2000s.
func EndOfDay(day, month, year string, loc *time.Location) (string, bool) {
	d, err1 := strconv.Atoi(day)
	m, err2 := strconv.Atoi(month)
	y, err3 := strconv.Atoi(year)
	if err1 != nil || err2 != nil || err3 != nil {
		return "", false
	}
	if len(year) == 2 {
		y += 2000
	}
	if m < 1 || m > 12 || d < 1 || d > 31 {
		return "", false
	}
	t := time.Date(y, time.Month(m), d, 23, 59, 59, 0, loc)
	if t.Day() != d || int(t.Month()) != m {
		return "", false
	}
	return t.Format(time.RFC3339), true
}

// findAutoridade resolves the issuing authority: sender domain, then an
// institutional line in the body, then the sender display name.
func (e *Extractor) findAutoridade(msg model.RawMessage) (string, float64, bool) {
	name, domain := parseSender(msg.Sender)

	if domain != "" {
		if inst, ok := e.authorities.Lookup(domain); ok {
			return inst, fieldConfAuthorityDomain, true
		}
	}

	for _, line := range strings.Split(msg.BodyText, "\n") {
		line = strings.TrimSpace(htmlTagRe.ReplaceAllString(line, " "))
		if line == "" {
			continue
		}
		lower := fold(line)
		for _, kw := range authorityKeywords {
			if strings.HasPrefix(lower, kw) {
				return truncateRunes(strings.Join(strings.Fields(line), " "), autoridadeMaxRunes), fieldConfAuthorityLine, true
			}
		}
	}

	if name != "" {
		return truncateRunes(name, autoridadeMaxRunes), fieldConfAuthoritySender, true
	}
	return "", 0, false
}

// parseSender splits a From header into display name and domain.
func parseSender(sender string) (name, domain string) {
	sender = strings.TrimSpace(sender)
	if sender == "" {
		return "", ""
	}
	if addr, err := mail.ParseAddress(sender); err == nil {
		if at := strings.LastIndex(addr.Address, "@"); at >= 0 {
			domain = strings.ToLower(addr.Address[at+1:])
		}
		return strings.TrimSpace(addr.Name), domain
	}

	if m := emailRe.FindStringSubmatch(sender); m != nil {
		domain = strings.ToLower(m[1])
	}
	if lt := strings.Index(sender, "<"); lt > 0 {
		name = strings.Trim(strings.TrimSpace(sender[:lt]), `"'`)
	}
	return name, domain
}

func buildDescricao(msg model.RawMessage) string {
	if strings.TrimSpace(msg.BodyText) == "" {
		return ""
	}
	text := htmlTagRe.ReplaceAllString(msg.Subject+" "+msg.BodyText, " ")
	text = html.UnescapeString(text)
	text = strings.Join(strings.Fields(text), " ")
	return truncateRunes(text, descricaoMaxRunes)
}

// fold lower-cases s and strips combining marks so patterns match
// regardless of accents ("Ofício" and "OFICIO" both become "oficio").
func fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:n]))
}
