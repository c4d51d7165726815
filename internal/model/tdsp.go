package model

import (
	"sort"
	"strings"
	"unicode"
)

// TDSPEntry is a known transmission/distribution utility and the service-area
// names that identify it in EFL text.
type TDSPEntry struct {
	Code    string   `json:"code" yaml:"code"`
	Name    string   `json:"name" yaml:"name"`
	Aliases []string `json:"aliases" yaml:"aliases"`
}

// TDSPTable is the finite set of utilities a template may be mapped to.
type TDSPTable struct {
	entries []TDSPEntry
	known   map[string]bool
}

// DefaultTDSPEntries returns the built-in ERCOT utility list.
func DefaultTDSPEntries() []TDSPEntry {
	return []TDSPEntry{
		{Code: "ONCOR", Name: "Oncor Electric Delivery", Aliases: []string{"oncor"}},
		{Code: "CENTERPOINT", Name: "CenterPoint Energy Houston Electric", Aliases: []string{"centerpoint", "center point", "cnp"}},
		{Code: "AEP_CENTRAL", Name: "AEP Texas Central", Aliases: []string{"aep texas central", "aep central", "central power and light"}},
		{Code: "AEP_NORTH", Name: "AEP Texas North", Aliases: []string{"aep texas north", "aep north", "west texas utilities"}},
		{Code: "TNMP", Name: "Texas-New Mexico Power", Aliases: []string{"texas new mexico power", "tnmp"}},
		{Code: "LPL", Name: "Lubbock Power & Light", Aliases: []string{"lubbock power", "lp l"}},
	}
}

// NewTDSPTable builds a table from entries. Codes are upper-cased.
func NewTDSPTable(entries []TDSPEntry) *TDSPTable {
	t := &TDSPTable{known: make(map[string]bool, len(entries))}
	for _, e := range entries {
		e.Code = strings.ToUpper(strings.TrimSpace(e.Code))
		if e.Code == "" {
			continue
		}
		t.entries = append(t.entries, e)
		t.known[e.Code] = true
	}
	return t
}

// DefaultTDSPTable returns a table over DefaultTDSPEntries.
func DefaultTDSPTable() *TDSPTable {
	return NewTDSPTable(DefaultTDSPEntries())
}

// Known reports whether code is in the table.
func (t *TDSPTable) Known(code string) bool {
	return t.known[strings.ToUpper(strings.TrimSpace(code))]
}

// Codes returns the known codes sorted.
func (t *TDSPTable) Codes() []string {
	codes := make([]string, 0, len(t.known))
	for c := range t.known {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	return codes
}

// Lookup maps a service-area phrase to a known code. The longest matching
// alias wins so that "aep texas central" beats a shorter alias.
func (t *TDSPTable) Lookup(name string) (string, bool) {
	norm := normalizeName(name)
	if norm == "" {
		return "", false
	}
	if t.Known(norm) {
		return strings.ToUpper(norm), true
	}
	best, bestLen := "", 0
	for _, e := range t.entries {
		candidates := append([]string{e.Name, e.Code}, e.Aliases...)
		for _, a := range candidates {
			na := normalizeName(a)
			if na == "" || len(na) <= bestLen {
				continue
			}
			if containsWord(norm, na) {
				best, bestLen = e.Code, len(na)
			}
		}
	}
	return best, best != ""
}

// UtilityCodeFromName returns the known code for name, or an upper snake-case
// rendering of the raw name when the utility is not in the table.
func (t *TDSPTable) UtilityCodeFromName(name string) string {
	if code, ok := t.Lookup(name); ok {
		return code
	}
	return strings.ToUpper(strings.ReplaceAll(normalizeName(name), " ", "_"))
}

func normalizeName(s string) string {
	var b strings.Builder
	space := true
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}

func containsWord(haystack, needle string) bool {
	return haystack == needle ||
		strings.HasPrefix(haystack, needle+" ") ||
		strings.HasSuffix(haystack, " "+needle) ||
		strings.Contains(haystack, " "+needle+" ")
}
