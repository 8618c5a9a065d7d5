// Package identifier canonicalizes the raw strings enrichment payloads use
// to reference companies (domains, LinkedIn URLs, names) into comparable
// keys. Normalization is deterministic, idempotent, and pure: garbage input
// is rejected with a typed error, never coerced into a plausible-looking key.
package identifier

import (
	"strings"
	"unicode"

	"github.com/rotisserie/eris"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Kind is the type of an identifier.
type Kind string

const (
	KindDomain   Kind = "domain"
	KindLinkedIn Kind = "linkedin_url"
	KindName     Kind = "name"
)

// Sentinel normalization errors. Checked with eris.Is.
var (
	ErrNotADomain      = eris.New("identifier: not a domain")
	ErrNotALinkedInURL = eris.New("identifier: not a linkedin url")
	ErrUnknownKind     = eris.New("identifier: unknown kind")
	ErrEmpty           = eris.New("identifier: empty value")
)

// Normalized is a canonical identifier value paired with its kind.
type Normalized struct {
	Kind  Kind   `json:"kind"`
	Value string `json:"value"`
}

// Key returns the lookup key "kind:value" used for per-identifier locking.
func (n Normalized) Key() string {
	return string(n.Kind) + ":" + n.Value
}

// Normalize canonicalizes raw according to kind.
func Normalize(raw string, kind Kind) (Normalized, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Normalized{}, eris.Wrapf(ErrEmpty, "identifier: normalize %s", kind)
	}

	switch kind {
	case KindDomain:
		v, err := normalizeDomain(raw)
		if err != nil {
			return Normalized{}, err
		}
		return Normalized{Kind: KindDomain, Value: v}, nil
	case KindLinkedIn:
		v, err := normalizeLinkedIn(raw)
		if err != nil {
			return Normalized{}, err
		}
		return Normalized{Kind: KindLinkedIn, Value: v}, nil
	case KindName:
		return Normalized{Kind: KindName, Value: normalizeName(raw)}, nil
	default:
		return Normalized{}, eris.Wrapf(ErrUnknownKind, "identifier: normalize %q", kind)
	}
}

// normalizeDomain strips scheme, www prefix, path, query, and port, then
// lowercases. A result without a dot is rejected: historically that meant a
// mis-mapped field (a person's name or free text in a domain column), and
// accepting it would poison the highest-trust match key.
func normalizeDomain(raw string) (string, error) {
	d := strings.TrimSpace(raw)
	d = strings.TrimPrefix(d, "https://")
	d = strings.TrimPrefix(d, "http://")
	d = strings.TrimPrefix(d, "www.")

	if i := strings.IndexAny(d, "/?#"); i >= 0 {
		d = d[:i]
	}
	if i := strings.Index(d, ":"); i >= 0 {
		d = d[:i]
	}
	d = strings.ToLower(strings.TrimSpace(d))

	if d == "" || !strings.Contains(d, ".") {
		return "", eris.Wrapf(ErrNotADomain, "identifier: %q", raw)
	}
	// Spaces never appear in a hostname. "Armon Dadgar" ends here.
	if strings.ContainsAny(d, " \t") {
		return "", eris.Wrapf(ErrNotADomain, "identifier: %q", raw)
	}
	for _, r := range d {
		if r > unicode.MaxASCII {
			return "", eris.Wrapf(ErrNotADomain, "identifier: %q", raw)
		}
	}
	return d, nil
}

// normalizeLinkedIn reduces a LinkedIn URL to its canonical
// linkedin.com/company/{slug} or linkedin.com/in/{slug} form.
func normalizeLinkedIn(raw string) (string, error) {
	u := strings.TrimSpace(raw)
	u = strings.TrimPrefix(u, "https://")
	u = strings.TrimPrefix(u, "http://")
	u = strings.TrimPrefix(u, "www.")
	u = strings.ToLower(u)

	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	u = strings.TrimSuffix(u, "/")

	host, path, ok := strings.Cut(u, "/")
	if !ok || !isLinkedInHost(host) {
		return "", eris.Wrapf(ErrNotALinkedInURL, "identifier: %q", raw)
	}

	parts := strings.Split(path, "/")
	if len(parts) < 2 {
		return "", eris.Wrapf(ErrNotALinkedInURL, "identifier: %q", raw)
	}
	section, slug := parts[0], parts[1]
	if slug == "" || (section != "company" && section != "in") {
		return "", eris.Wrapf(ErrNotALinkedInURL, "identifier: %q", raw)
	}

	return "linkedin.com/" + section + "/" + slug, nil
}

func isLinkedInHost(host string) bool {
	return host == "linkedin.com" || strings.HasSuffix(host, ".linkedin.com")
}

// corporateSuffixes are dropped from name keys so "Acme Corp" and
// "Acme, Inc." compare equal.
var corporateSuffixes = map[string]bool{
	"inc":  true,
	"llc":  true,
	"ltd":  true,
	"corp": true,
	"co":   true,
	"plc":  true,
	"gmbh": true,
	"llp":  true,
	"lp":   true,
	"sa":   true,
	"srl":  true,
	"pllc": true,
}

// nameFolder strips diacritics after NFD decomposition.
var nameFolder = transform.Chain(
	norm.NFD,
	runes.Remove(runes.In(unicode.Mn)),
	norm.NFC,
)

// normalizeName produces a comparison key for a company or person name:
// diacritics stripped, lowercased, punctuation removed, whitespace collapsed,
// trailing corporate suffixes dropped. Name keys are never a match key on
// their own; they ride along for review tooling and backfill.
func normalizeName(raw string) string {
	folded, _, err := transform.String(nameFolder, raw)
	if err != nil {
		folded = raw
	}

	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range strings.ToLower(folded) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r) || r == '-' || r == '/' || r == '&':
			b.WriteRune(' ')
		}
	}

	words := strings.Fields(b.String())
	for len(words) > 1 && corporateSuffixes[words[len(words)-1]] {
		words = words[:len(words)-1]
	}
	return strings.Join(words, " ")
}
