// Package classify decides whether a listing's public remarks describe a
// power-of-sale (forced sale) listing.
package classify

import (
	"os"
	"strings"
	"unicode"

	"github.com/rotisserie/eris"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/listing-sync/internal/model"
)

// Mode controls how a job applies the classifier.
type Mode int

const (
	// ModeOff admits every record.
	ModeOff Mode = iota
	// ModeRequired admits only matches and reports the rest as skipped.
	ModeRequired
	// ModeAdvisory admits only matches; the rest are filtered without a skip reason.
	ModeAdvisory
)

func (m Mode) String() string {
	switch m {
	case ModeRequired:
		return "required"
	case ModeAdvisory:
		return "advisory"
	default:
		return "off"
	}
}

// DefaultPhrases are matched on word boundaries against normalised remarks.
var DefaultPhrases = []string{
	"power of sale",
	"under power of sale",
	"sold under power",
	"pos sale",
	"mortgagee sale",
	"mortgagees sale",
	"bank sale",
	"bank owned",
	"foreclosure",
	"court ordered sale",
	"judicial sale",
	"receivership",
}

// Classifier matches normalised remarks against a phrase list.
type Classifier struct {
	phrases []string
}

// New builds a classifier. With no phrases it uses DefaultPhrases.
func New(phrases ...string) *Classifier {
	if len(phrases) == 0 {
		phrases = DefaultPhrases
	}
	c := &Classifier{}
	for _, p := range phrases {
		if n := Normalize(p); n != "" {
			c.phrases = append(c.phrases, " "+n+" ")
		}
	}
	return c
}

type phraseFile struct {
	Phrases []string `yaml:"phrases"`
}

// Load reads a YAML phrase list ("phrases: [...]"). An empty path returns the
// default classifier.
func Load(path string) (*Classifier, error) {
	if path == "" {
		return New(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "classify: read %s", path)
	}
	var f phraseFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, eris.Wrapf(err, "classify: parse %s", path)
	}
	if len(f.Phrases) == 0 {
		return nil, eris.Errorf("classify: %s has no phrases", path)
	}
	return New(f.Phrases...), nil
}

// Match reports whether remarks contain any phrase.
func (c *Classifier) Match(remarks string) bool {
	text := Normalize(remarks)
	if text == "" {
		return false
	}
	text = " " + text + " "
	for _, p := range c.phrases {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}

// Admit applies mode to a record's remarks. A false result with SkipNone
// means the record is filtered silently.
func (c *Classifier) Admit(remarks string, mode Mode) (bool, model.SkipReason) {
	switch mode {
	case ModeRequired:
		if c.Match(remarks) {
			return true, model.SkipNone
		}
		return false, model.SkipNotPowerOfSale
	case ModeAdvisory:
		return c.Match(remarks), model.SkipNone
	default:
		return true, model.SkipNone
	}
}

var defaultClassifier = New()

// IsPowerOfSale matches remarks against DefaultPhrases.
func IsPowerOfSale(remarks string) bool {
	return defaultClassifier.Match(remarks)
}

// Normalize folds compatibility forms, strips diacritics, lower-cases,
// turns punctuation into spaces and collapses whitespace.
func Normalize(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}

	var b strings.Builder
	b.Grow(len(folded))
	space := true
	for _, r := range folded {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
			space = false
		case r == '\'' || r == '’':
			// apostrophes join: "mortgagee's" -> "mortgagees"
		default:
			if !space {
				b.WriteByte(' ')
				space = true
			}
		}
	}
	return strings.TrimRight(b.String(), " ")
}
