package pipeline

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var (
	horizontalSpace = regexp.MustCompile(`[ \t\f\v\x{00a0}]+`)
	blankRun        = regexp.MustCompile(`\n{3,}`)
)

// CleanText normalizes extracted EFL text: NFKC, no BOM, LF line endings,
// single spaces, trimmed lines and at most one blank line in a row.
func CleanText(s string) string {
	s = norm.NFKC.String(s)
	s = strings.ReplaceAll(s, "\ufeff", "")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")

	ls := strings.Split(s, "\n")
	for i, l := range ls {
		ls[i] = strings.TrimSpace(horizontalSpace.ReplaceAllString(l, " "))
	}
	s = strings.Join(ls, "\n")
	s = blankRun.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// lines splits cleaned text into non-empty lines.
func lines(text string) []string {
	var out []string
	for _, l := range strings.Split(text, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}

// amount is one money figure found on a line, converted to cents.
type amount struct {
	Cents   float64
	Dollars bool
	Unit    amountUnit
	Offset  int
}

type amountUnit int

const (
	unitNone amountUnit = iota
	unitPerKwh
	unitPerMonth
)

var (
	// 4.9¢, 4.9 cents, $0.049, $9.95
	centsPattern  = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*(?:¢|cents?\b)`)
	dollarPattern = regexp.MustCompile(`\$\s*(\d[\d,]*(?:\.\d+)?)`)

	perKwhSuffix   = regexp.MustCompile(`(?i)^\s*(?:per|/|each)\s*(?:kwh|kilowatt[- ]?hour)`)
	perMonthSuffix = regexp.MustCompile(`(?i)^\s*(?:per|/|each)\s*(?:month|mo\b|billing cycle|billing period|bill)`)
	blankValue     = regexp.MustCompile(`(?i)(?:_{3,}|\bTBD\b|\bN/?A\b|\[\s*\]|:\s*$|:\s*(?:¢|\$)\s*(?:per|/)|:\s*-+\s*$)`)
)

// amounts returns every money figure on line in order of appearance. Bare
// numbers are not amounts.
func amounts(line string) []amount {
	var out []amount
	for _, m := range centsPattern.FindAllStringSubmatchIndex(line, -1) {
		v, err := strconv.ParseFloat(line[m[2]:m[3]], 64)
		if err != nil {
			continue
		}
		out = append(out, amount{Cents: v, Unit: unitAfter(line[m[1]:]), Offset: m[0]})
	}
	for _, m := range dollarPattern.FindAllStringSubmatchIndex(line, -1) {
		v, err := strconv.ParseFloat(strings.ReplaceAll(line[m[2]:m[3]], ",", ""), 64)
		if err != nil {
			continue
		}
		out = append(out, amount{Cents: dollarsToCents(v), Dollars: true, Unit: unitAfter(line[m[1]:]), Offset: m[0]})
	}
	// Keep document order so callers can pair labels and values.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Offset < out[j-1].Offset; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// dollarsToCents converts without float noise past six decimals.
func dollarsToCents(v float64) float64 {
	return math.Round(v*1e6) / 1e4
}

func unitAfter(rest string) amountUnit {
	switch {
	case perKwhSuffix.MatchString(rest):
		return unitPerKwh
	case perMonthSuffix.MatchString(rest):
		return unitPerMonth
	default:
		return unitNone
	}
}

// isBlank reports whether a labelled line shows an empty value slot.
func isBlank(line string) bool {
	return blankValue.MatchString(line)
}

var numberPattern = regexp.MustCompile(`\d[\d,]*(?:\.\d+)?`)

// numbers returns every numeric literal on s.
func numbers(s string) []float64 {
	var out []float64
	for _, tok := range numberPattern.FindAllString(s, -1) {
		v, err := strconv.ParseFloat(strings.ReplaceAll(tok, ",", ""), 64)
		if err == nil {
			out = append(out, v)
		}
	}
	return out
}

func parseKwh(s string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(s), ",", ""), 64)
	return v, err == nil
}
