package authority

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Parser kinds.
const (
	ParserPattern = "pattern"
	ParserTable   = "table"
)

// ParserSpec is the serializable description of a ResponseParser.
type ParserSpec struct {
	Kind string `yaml:"kind"`
	// pattern parser
	TotalGradedPattern string `yaml:"total_graded_pattern,omitempty"`
	GradeLinePattern   string `yaml:"grade_line_pattern,omitempty"`
	// table parser
	RowSelector   string `yaml:"row_selector,omitempty"`
	GradeColumn   int    `yaml:"grade_column,omitempty"`
	CountColumn   int    `yaml:"count_column,omitempty"`
	TotalSelector string `yaml:"total_selector,omitempty"`
}

// Build compiles the parser description into a ResponseParser.
func (s ParserSpec) Build() (ResponseParser, error) {
	switch s.Kind {
	case ParserPattern, "":
		return NewPatternParser(s.TotalGradedPattern, s.GradeLinePattern)
	case ParserTable:
		if s.RowSelector == "" {
			return nil, errors.New("table parser needs a row selector")
		}
		if s.GradeColumn < 0 || s.CountColumn < 0 || s.GradeColumn == s.CountColumn {
			return nil, fmt.Errorf("table parser columns %d/%d are invalid", s.GradeColumn, s.CountColumn)
		}
		return &TableParser{
			RowSelector:   s.RowSelector,
			GradeColumn:   s.GradeColumn,
			CountColumn:   s.CountColumn,
			TotalSelector: s.TotalSelector,
		}, nil
	default:
		return nil, fmt.Errorf("unknown parser kind %q", s.Kind)
	}
}

// Table is the strategy table keyed by authority.
type Table struct {
	defs map[Authority]Definition
}

// NewTable compiles every definition. Later definitions replace earlier
// ones for the same authority.
func NewTable(defs ...Definition) (*Table, error) {
	t := &Table{defs: make(map[Authority]Definition, len(defs))}
	for _, def := range defs {
		if err := t.Put(def); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Put compiles def and stores it.
func (t *Table) Put(def Definition) error {
	def.Authority = ParseName(string(def.Authority))
	if def.Authority == "" {
		return errors.New("authority definition without a name")
	}
	parser, err := def.Parser.Build()
	if err != nil {
		return fmt.Errorf("authority %s: %w", def.Authority, err)
	}
	if _, err := def.BuildURL(Query{CardName: "probe"}); err != nil {
		return err
	}
	if def.CrawlDelay < 0 {
		return fmt.Errorf("authority %s: negative crawl delay", def.Authority)
	}
	if def.DisplayName == "" {
		def.DisplayName = string(def.Authority)
	}
	def.parser = parser
	t.defs[def.Authority] = def
	return nil
}

// Lookup returns the definition for a.
func (t *Table) Lookup(a Authority) (Definition, bool) {
	def, ok := t.defs[ParseName(string(a))]
	return def, ok
}

// Names lists the configured authorities in sorted order.
func (t *Table) Names() []Authority {
	out := make([]Authority, 0, len(t.defs))
	for a := range t.defs {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type tableFile struct {
	Authorities []Definition `yaml:"authorities"`
}

// LoadTable reads YAML definitions from r and layers them over base.
func LoadTable(r io.Reader, base []Definition) (*Table, error) {
	var file tableFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode authority table: %w", err)
	}
	defs := make([]Definition, 0, len(base)+len(file.Authorities))
	defs = append(defs, base...)
	defs = append(defs, file.Authorities...)
	return NewTable(defs...)
}

// LoadTableFile is LoadTable over a file path. An empty path returns the
// defaults.
func LoadTableFile(path string) (*Table, error) {
	if path == "" {
		return NewTable(Defaults()...)
	}
	f, err := os.Open(path) //nolint:gosec // operator-supplied config path
	if err != nil {
		return nil, fmt.Errorf("open authority table: %w", err)
	}
	defer f.Close() //nolint:errcheck
	return LoadTable(f, Defaults())
}

// Defaults returns the built-in strategy table.
func Defaults() []Definition {
	return []Definition{
		{
			Authority:   PSA,
			DisplayName: "Professional Sports Authenticator",
			SearchURL:   "https://www.psacard.com/pop/search?q={query}",
			CrawlDelay:  2 * time.Second,
			Parser: ParserSpec{
				Kind:          ParserTable,
				RowSelector:   "table.pop-table tbody tr",
				GradeColumn:   0,
				CountColumn:   1,
				TotalSelector: ".pop-total",
			},
		},
		{
			Authority:   CGC,
			DisplayName: "Certified Guaranty Company",
			SearchURL:   "https://www.cgccards.com/population/search?cardName={cardName}&setName={series}&cardNumber={number}",
			CrawlDelay:  2 * time.Second,
			Parser: ParserSpec{
				Kind:               ParserPattern,
				TotalGradedPattern: `(?i)total\s+graded\D{0,40}?([\d,]+)`,
				GradeLinePattern:   `(?i)data-grade="(\d+(?:\.\d+)?)"[^>]*>\s*([\d,]+)`,
			},
		},
		{
			Authority:     BGS,
			DisplayName:   "Beckett Grading Services",
			SearchURL:     "https://www.beckett.com/grading/pop-report?search={query}",
			CrawlDelay:    3 * time.Second,
			AllowHeadless: true,
			Parser: ParserSpec{
				Kind:               ParserPattern,
				TotalGradedPattern: `(?i)total\s+population\D{0,40}?([\d,]+)`,
				GradeLinePattern:   `(?i)grade\s+(\d+(?:\.\d+)?)\s*</t[dh]>\s*<td[^>]*>\s*([\d,]+)`,
			},
		},
		{
			Authority:   SGC,
			DisplayName: "Sportscard Guaranty",
			SearchURL:   "https://gosgc.com/pop-report?q={query}",
			CrawlDelay:  2 * time.Second,
			Parser: ParserSpec{
				Kind:        ParserTable,
				RowSelector: "table.population tr",
				GradeColumn: 0,
				CountColumn: 1,
			},
		},
	}
}
