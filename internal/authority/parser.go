package authority

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Population is the raw grade distribution read from one authority page.
type Population struct {
	TotalGraded int
	// Grades maps a numeric grade to the number of copies at that grade.
	Grades map[float64]int
}

// ResponseParser turns a search response body into a Population. Parsers
// are pure and safe for concurrent use.
type ResponseParser interface {
	Parse(body []byte) (Population, error)
}

var (
	errNoPopulation = errors.New("no population data found")
	numberPattern   = regexp.MustCompile(`\d+(?:\.\d+)?`)
)

// PatternParser reads populations with two regular expressions.
type PatternParser struct {
	// TotalGraded has one capture group holding the total count. Optional;
	// when absent or unmatched the total is the sum of grade counts.
	TotalGraded *regexp.Regexp
	// GradeLine has two capture groups: grade and count.
	GradeLine *regexp.Regexp
}

// NewPatternParser compiles the given expressions.
func NewPatternParser(totalGraded, gradeLine string) (*PatternParser, error) {
	p := &PatternParser{}
	if totalGraded != "" {
		re, err := regexp.Compile(totalGraded)
		if err != nil {
			return nil, fmt.Errorf("total graded pattern: %w", err)
		}
		if re.NumSubexp() < 1 {
			return nil, errors.New("total graded pattern needs a capture group")
		}
		p.TotalGraded = re
	}
	re, err := regexp.Compile(gradeLine)
	if err != nil {
		return nil, fmt.Errorf("grade line pattern: %w", err)
	}
	if re.NumSubexp() < 2 {
		return nil, errors.New("grade line pattern needs two capture groups")
	}
	p.GradeLine = re
	return p, nil
}

// Parse implements ResponseParser.
func (p *PatternParser) Parse(body []byte) (Population, error) {
	pop := Population{Grades: make(map[float64]int)}
	for _, m := range p.GradeLine.FindAllSubmatch(body, -1) {
		grade, gerr := parseGrade(string(m[1]))
		count, cerr := parseCount(string(m[2]))
		if gerr != nil || cerr != nil {
			continue
		}
		pop.Grades[grade] += count
	}
	if p.TotalGraded != nil {
		if m := p.TotalGraded.FindSubmatch(body); m != nil {
			if total, err := parseCount(string(m[1])); err == nil {
				pop.TotalGraded = total
			}
		}
	}
	return finish(pop)
}

// TableParser reads populations from an HTML table with goquery.
type TableParser struct {
	RowSelector   string
	GradeColumn   int
	CountColumn   int
	TotalSelector string
}

// Parse implements ResponseParser.
func (p *TableParser) Parse(body []byte) (Population, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Population{}, fmt.Errorf("read html: %w", err)
	}
	pop := Population{Grades: make(map[float64]int)}
	doc.Find(p.RowSelector).Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td, th")
		if cells.Length() <= max(p.GradeColumn, p.CountColumn) {
			return
		}
		grade, gerr := parseGrade(cells.Eq(p.GradeColumn).Text())
		count, cerr := parseCount(cells.Eq(p.CountColumn).Text())
		if gerr != nil || cerr != nil {
			return
		}
		pop.Grades[grade] += count
	})
	if p.TotalSelector != "" {
		if total, err := parseCount(doc.Find(p.TotalSelector).First().Text()); err == nil {
			pop.TotalGraded = total
		}
	}
	return finish(pop)
}

func finish(pop Population) (Population, error) {
	sum := 0
	for _, c := range pop.Grades {
		sum += c
	}
	if sum == 0 && pop.TotalGraded == 0 {
		return Population{}, errNoPopulation
	}
	if pop.TotalGraded == 0 {
		pop.TotalGraded = sum
	}
	return pop, nil
}

// parseGrade pulls the first number out of labels like "PSA 10" or "Gem Mint 9.5".
func parseGrade(text string) (float64, error) {
	m := numberPattern.FindString(text)
	if m == "" {
		return 0, fmt.Errorf("no grade in %q", text)
	}
	g, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0, fmt.Errorf("parse grade %q: %w", m, err)
	}
	return g, nil
}

func parseCount(text string) (int, error) {
	cleaned := strings.NewReplacer(",", "", " ", "", "\u00a0", "").Replace(strings.TrimSpace(text))
	n, err := strconv.Atoi(cleaned)
	if err != nil {
		return 0, fmt.Errorf("parse count %q: %w", text, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("negative count %d", n)
	}
	return n, nil
}
