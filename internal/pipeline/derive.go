package pipeline

import (
	"regexp"
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/intelliwatt/efl-cli/internal/model"
)

// DerivationOutcome is the discriminant of a Derivation.
type DerivationOutcome string

const (
	DerivationDerived    DerivationOutcome = "DERIVED"
	DerivationAmbiguous  DerivationOutcome = "AMBIGUOUS"
	DerivationIncomplete DerivationOutcome = "INCOMPLETE"
)

// Derivation is the result of DeriveRateModel. Model is set only when
// exactly one variant parsed.
type Derivation struct {
	Model      *model.RateStructure `json:"model"`
	Outcome    DerivationOutcome    `json:"outcome"`
	Candidates []model.PlanType     `json:"candidates,omitempty"`
	Reason     model.Reason         `json:"reason,omitempty"`
	Detail     string               `json:"detail,omitempty"`
}

// OK reports whether a model was derived.
func (d Derivation) OK() bool {
	return d.Outcome == DerivationDerived && d.Model != nil
}

type variantExtractor func(rt *rateText) (model.Rate, error)

// variantExtractors run in this order. Order never breaks a tie: two
// successes are ambiguous.
var variantExtractors = []struct {
	plan    model.PlanType
	extract variantExtractor
}{
	{model.PlanTypeFixed, deriveFixed},
	{model.PlanTypeTiered, deriveTiered},
	{model.PlanTypeTimeOfUse, deriveTimeOfUse},
	{model.PlanTypeVariable, deriveVariable},
}

// DeriveRateModel parses cleaned EFL text into a rate structure. Every
// variant extractor runs; the document fails closed unless exactly one
// succeeds and passes its consistency check.
func DeriveRateModel(text string) Derivation {
	rt := scanRateText(text)

	var (
		winners  []model.Rate
		plans    []model.PlanType
		failures []string
	)
	for _, v := range variantExtractors {
		r, err := v.extract(rt)
		if err == nil {
			err = r.CheckConsistency()
		}
		if err != nil {
			failures = append(failures, string(v.plan)+": "+err.Error())
			continue
		}
		winners = append(winners, r)
		plans = append(plans, v.plan)
	}

	switch len(winners) {
	case 1:
		return Derivation{
			Model:      model.NewRateStructure(winners[0]),
			Outcome:    DerivationDerived,
			Candidates: plans,
		}
	case 0:
		return Derivation{
			Outcome: DerivationIncomplete,
			Reason:  model.ReasonDerivationIncomplete,
			Detail:  strings.Join(failures, "; "),
		}
	default:
		names := make([]string, len(plans))
		for i, p := range plans {
			names[i] = string(p)
		}
		return Derivation{
			Outcome:    DerivationAmbiguous,
			Candidates: plans,
			Reason:     model.ReasonDerivationAmbiguous,
			Detail:     "more than one rate model parsed: " + strings.Join(names, ", "),
		}
	}
}

type lineKind int

const (
	lineOther lineKind = iota
	lineBase
	lineDelivery
	lineCredit
	lineMinimumFee
	lineEnergy
)

// energyLine is a line that prices energy. Exactly one of tier, window and
// the plain case applies.
type energyLine struct {
	text   string
	value  *float64
	blank  bool
	tier   bool
	tou    bool
	ranged tierRange
}

// rateText is the per-document scan shared by all variant extractors.
type rateText struct {
	text       string
	charges    model.Charges
	chargesErr error
	energy     []energyLine
	product    string
}

func (rt *rateText) variable() bool {
	return strings.Contains(rt.product, "variable") || strings.Contains(rt.product, "index")
}

func (rt *rateText) indexed() bool {
	return strings.Contains(rt.product, "index")
}

var (
	basePattern     = regexp.MustCompile(`(?i)\bbase\s+(?:charge|fee)\b`)
	deliveryPattern = regexp.MustCompile(`(?i)\b(?:TDU|TDSP|delivery)\b[^:]*\bcharges?\b`)
	creditPattern   = regexp.MustCompile(`(?i)\bcredits?\b`)
	minFeePattern   = regexp.MustCompile(`(?i)\bminimum\s+(?:usage|use)\s+(?:fee|charge)\b`)
	energyPattern   = regexp.MustCompile(`(?i)\benergy\s+(?:charge|rate|price)s?\b`)
	currentPattern  = regexp.MustCompile(`(?i)\b(?:current|variable)\s+(?:energy\s+)?(?:rate|price|charge)\b`)

	productPattern   = regexp.MustCompile(`(?im)^(?:Type of Product|Product Type|Type of Plan|Plan Type|Pricing Type)\s*[:\-]?\s*(.+)$`)
	productStatement = regexp.MustCompile(`(?i)\b(?:this is an?\s+)?(variable|indexed)\s+(?:rate|price)\s+(?:product|plan)\b`)
	indexNamePattern = regexp.MustCompile(`(?i)\bindex(?:ed)?\s+(?:to|on)\s+(?:the\s+)?([A-Za-z0-9 .&\-]+)`)
)

func scanRateText(text string) *rateText {
	rt := &rateText{text: text}
	if m := productPattern.FindStringSubmatch(text); m != nil {
		rt.product = strings.ToLower(m[1])
	} else if m := productStatement.FindStringSubmatch(text); m != nil {
		rt.product = strings.ToLower(m[1])
	}

	base := model.Float(0)
	baseSeen := false
	for _, l := range lines(text) {
		if usageRowPattern.MatchString(l) || priceRowPattern.MatchString(l) {
			continue
		}
		switch classifyLine(l) {
		case lineBase:
			if baseSeen {
				continue
			}
			baseSeen = true
			if as := amounts(l); len(as) > 0 {
				base = model.Float(as[0].Cents)
			} else {
				// Labelled but blank: unknown, left for the solver.
				base = nil
			}
		case lineDelivery:
			for _, a := range amounts(l) {
				switch a.resolvedUnit() {
				case unitPerKwh:
					rt.charges.DeliveryCentsPerKwh += a.Cents
				case unitPerMonth:
					rt.charges.DeliveryMonthlyCents += a.Cents
				}
			}
		case lineCredit:
			if c, ok := parseCredit(l); ok {
				rt.charges.BillCredits = append(rt.charges.BillCredits, c)
			}
		case lineMinimumFee:
			f, err := parseMinimumFee(l)
			if err != nil {
				rt.chargesErr = err
				continue
			}
			rt.charges.MinimumUsageFee = f
		case lineEnergy:
			rt.energy = append(rt.energy, parseEnergyLine(l))
		}
	}
	rt.charges.BaseFeeCents = base
	return rt
}

func classifyLine(l string) lineKind {
	switch {
	case minFeePattern.MatchString(l):
		return lineMinimumFee
	case basePattern.MatchString(l):
		return lineBase
	case deliveryPattern.MatchString(l):
		return lineDelivery
	case creditPattern.MatchString(l):
		return lineCredit
	case energyPattern.MatchString(l), currentPattern.MatchString(l):
		return lineEnergy
	}
	// Unlabelled tier and period rows count when they carry a rate slot.
	if (tierRangeOf(l) != nil || hourWindowOf(l) != nil || touKeyword.MatchString(l)) &&
		(hasEnergyAmount(l) || isBlank(l)) {
		return lineEnergy
	}
	return lineOther
}

// resolvedUnit decides what an amount prices. Cent figures and dollar
// figures under one dollar price energy; other dollar figures are monthly.
func (a amount) resolvedUnit() amountUnit {
	if a.Unit != unitNone {
		return a.Unit
	}
	if !a.Dollars || a.Cents < 100 {
		return unitPerKwh
	}
	return unitPerMonth
}

func hasEnergyAmount(l string) bool {
	_, ok := energyValue(l)
	return ok
}

// energyValue returns the first per-kWh figure on l.
func energyValue(l string) (float64, bool) {
	for _, a := range amounts(l) {
		if a.resolvedUnit() == unitPerKwh {
			return a.Cents, true
		}
	}
	return 0, false
}

func parseEnergyLine(l string) energyLine {
	el := energyLine{text: l}
	if v, ok := energyValue(l); ok {
		el.value = model.Float(v)
	} else {
		el.blank = true
	}
	if r := tierRangeOf(l); r != nil {
		el.tier = true
		el.ranged = *r
		return el
	}
	if hourWindowOf(l) != nil || touKeyword.MatchString(l) {
		el.tou = true
	}
	return el
}

var (
	creditAtLeast = regexp.MustCompile(`(?i)(?:(?:greater than or equal to|at least|>=)\s*(\d[\d,]*)\s*kwh|(\d[\d,]*)\s*kwh\s*(?:or\s+(?:more|greater|above)|and\s+(?:above|up|over)|\+))`)
	creditAbove   = regexp.MustCompile(`(?i)(?:more than|greater than|above|over|exceeds?|in excess of|>)\s*(\d[\d,]*)\s*kwh`)
	creditBetween = regexp.MustCompile(`(?i)between\s*(\d[\d,]*)\s*(?:kwh\s*)?(?:and|-|–|to)\s*(\d[\d,]*)\s*kwh`)
	belowPattern  = regexp.MustCompile(`(?i)(?:less than|below|under|<)\s*(\d[\d,]*)\s*kwh`)
)

// parseCredit reads a usage bill credit and its threshold. Credits without
// an amount are ignored.
func parseCredit(l string) (model.BillCredit, bool) {
	as := amounts(l)
	if len(as) == 0 || as[0].Cents <= 0 {
		return model.BillCredit{}, false
	}
	c := model.BillCredit{AmountCents: as[0].Cents}
	switch {
	case creditBetween.MatchString(l):
		m := creditBetween.FindStringSubmatch(l)
		lo, _ := parseKwh(m[1])
		hi, _ := parseKwh(m[2])
		c.MinUsageKwh = lo
		c.MaxUsageKwh = model.Float(hi)
	case creditAtLeast.MatchString(l):
		m := creditAtLeast.FindStringSubmatch(l)
		v := m[1]
		if v == "" {
			v = m[2]
		}
		c.MinUsageKwh, _ = parseKwh(v)
	case creditAbove.MatchString(l):
		// Billing usage is whole kWh, so "more than N" starts at N+1.
		v, _ := parseKwh(creditAbove.FindStringSubmatch(l)[1])
		c.MinUsageKwh = v + 1
	}
	return c, true
}

func parseMinimumFee(l string) (*model.MinimumUsageFee, error) {
	as := amounts(l)
	if len(as) == 0 {
		return nil, eris.New("minimum usage fee without an amount")
	}
	m := belowPattern.FindStringSubmatch(l)
	if m == nil {
		return nil, eris.New("minimum usage fee without a usage threshold")
	}
	below, _ := parseKwh(m[1])
	return &model.MinimumUsageFee{AmountCents: as[0].Cents, BelowUsageKwh: below}, nil
}

// sharedCharges returns a copy of the shared charges for one variant.
func (rt *rateText) sharedCharges() (model.Charges, error) {
	if rt.chargesErr != nil {
		return model.Charges{}, rt.chargesErr
	}
	c := rt.charges
	if c.BaseFeeCents != nil {
		c.BaseFeeCents = model.Float(*c.BaseFeeCents)
	}
	c.BillCredits = append([]model.BillCredit(nil), c.BillCredits...)
	return c, nil
}

// plainEnergy returns the single flat energy figure of the document. value
// is nil when the only flat rows are blank. structured reports whether tier
// or period rows exist.
func (rt *rateText) plainEnergy() (value *float64, rows int, structured bool, err error) {
	for _, el := range rt.energy {
		if el.tier || el.tou {
			structured = true
			continue
		}
		rows++
		if el.blank {
			continue
		}
		if value != nil && *value != *el.value {
			return nil, rows, structured, eris.New("more than one flat energy charge")
		}
		value = el.value
	}
	return value, rows, structured, nil
}

func deriveFixed(rt *rateText) (model.Rate, error) {
	if rt.variable() {
		return nil, eris.New("product type is variable")
	}
	value, rows, structured, err := rt.plainEnergy()
	if err != nil {
		return nil, err
	}
	// A blank flat charge is a gap to fill only when nothing else prices
	// energy; otherwise it is a table header.
	if rows == 0 || (value == nil && structured) {
		return nil, eris.New("no flat energy charge")
	}

	c, err := rt.sharedCharges()
	if err != nil {
		return nil, err
	}
	return &model.FixedRate{Charges: c, EnergyCentsPerKwh: value}, nil
}

// tierRange is a usage band parsed from a tier row. To is nil when open.
type tierRange struct {
	From float64
	To   *float64
}

var (
	tierBetween = regexp.MustCompile(`(?i)(\d[\d,]*)\s*(?:kwh\s*)?(?:-|–|—|to|through|thru)\s*(\d[\d,]*)\s*kwh`)
	tierFirst   = regexp.MustCompile(`(?i)\bfirst\s+(\d[\d,]*)\s*kwh`)
	tierOver    = regexp.MustCompile(`(?i)(?:over|above|greater than|more than|in excess of|>)\s*(\d[\d,]*)\s*kwh`)
	tierAndUp   = regexp.MustCompile(`(?i)(\d[\d,]*)\s*kwh\s*(?:\+|and\s+(?:above|over|up)|or\s+more)`)
)

func tierRangeOf(l string) *tierRange {
	if m := tierBetween.FindStringSubmatch(l); m != nil {
		from, ok1 := parseKwh(m[1])
		to, ok2 := parseKwh(m[2])
		if ok1 && ok2 {
			return &tierRange{From: from, To: model.Float(to)}
		}
	}
	if m := tierFirst.FindStringSubmatch(l); m != nil {
		if to, ok := parseKwh(m[1]); ok {
			return &tierRange{From: 0, To: model.Float(to)}
		}
	}
	for _, re := range []*regexp.Regexp{tierOver, tierAndUp} {
		if m := re.FindStringSubmatch(l); m != nil {
			if from, ok := parseKwh(m[1]); ok {
				return &tierRange{From: from}
			}
		}
	}
	return nil
}

func deriveTiered(rt *rateText) (model.Rate, error) {
	var tiers []model.Tier
	for _, el := range rt.energy {
		if !el.tier {
			continue
		}
		tiers = append(tiers, model.Tier{FromKwh: el.ranged.From, ToKwh: el.ranged.To, CentsPerKwh: el.value})
	}
	if len(tiers) < 2 {
		return nil, eris.Errorf("need at least 2 usage tiers, found %d", len(tiers))
	}
	sort.SliceStable(tiers, func(i, j int) bool { return tiers[i].FromKwh < tiers[j].FromKwh })

	// "0-1000" followed by "1001-2000" is contiguous in whole-kWh billing.
	prevTo := 0.0
	for i := range tiers {
		if tiers[i].FromKwh == prevTo+1 {
			tiers[i].FromKwh = prevTo
		}
		if tiers[i].ToKwh != nil {
			prevTo = *tiers[i].ToKwh
		}
	}

	c, err := rt.sharedCharges()
	if err != nil {
		return nil, err
	}
	return &model.TieredRate{Charges: c, Tiers: tiers}, nil
}

func deriveVariable(rt *rateText) (model.Rate, error) {
	if !rt.variable() {
		return nil, eris.New("no variable or indexed product statement")
	}
	value, rows, _, err := rt.plainEnergy()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, eris.New("no current energy rate")
	}

	c, err := rt.sharedCharges()
	if err != nil {
		return nil, err
	}
	r := &model.VariableRate{Charges: c, CurrentCentsPerKwh: value, Indexed: rt.indexed()}
	if r.Indexed {
		if m := indexNamePattern.FindStringSubmatch(rt.text); m != nil {
			r.IndexName = strings.TrimSpace(m[1])
		}
	}
	return r, nil
}
