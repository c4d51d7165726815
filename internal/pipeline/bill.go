package pipeline

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/intelliwatt/efl-cli/internal/model"
)

// Coefficient names used for unknowns and solved values.
const (
	coefBaseFee = "baseFeeCents"
	coefEnergy  = "energyCentsPerKwh"
	coefCurrent = "currentCentsPerKwh"
)

func tierCoef(i int) string { return fmt.Sprintf("tiers[%d].centsPerKwh", i) }
func periodCoef(label string) string { return "periods[" + label + "].centsPerKwh" }

// isFeeCoefficient reports whether name is a monthly fee rather than a rate.
func isFeeCoefficient(name string) bool {
	return name == coefBaseFee
}

// linearBill is a monthly bill in cents written as Constant plus the sum of
// Terms[name] * value(name) over the unknown coefficients.
type linearBill struct {
	Constant float64
	Terms    map[string]float64
}

func (b *linearBill) add(name string, v *float64, weight float64) {
	if v != nil {
		b.Constant += *v * weight
		return
	}
	b.Terms[name] += weight
}

// eval returns the bill once every term has a value.
func (b linearBill) eval(values map[string]float64) (float64, error) {
	total := b.Constant
	for name, w := range b.Terms {
		v, ok := values[name]
		if !ok {
			return 0, eris.Errorf("coefficient %s has no value", name)
		}
		total += w * v
	}
	return total, nil
}

// billAt writes the bill for usage kWh as a linear function of r's blank
// coefficients.
func billAt(r model.Rate, usage float64) linearBill {
	b := linearBill{Terms: map[string]float64{}}

	c := r.Common()
	b.add(coefBaseFee, c.BaseFeeCents, 1)
	b.Constant += c.DeliveryMonthlyCents + c.DeliveryCentsPerKwh*usage
	if f := c.MinimumUsageFee; f != nil && usage < f.BelowUsageKwh {
		b.Constant += f.AmountCents
	}
	for _, bc := range c.BillCredits {
		if bc.Applies(usage) {
			b.Constant -= bc.AmountCents
		}
	}

	switch v := r.(type) {
	case *model.FixedRate:
		b.add(coefEnergy, v.EnergyCentsPerKwh, usage)
	case *model.TieredRate:
		for i, t := range v.Tiers {
			b.add(tierCoef(i), t.CentsPerKwh, tierKwh(t, usage))
		}
	case *model.TimeOfUseRate:
		shares := v.UsageShares()
		for i, p := range v.Periods {
			b.add(periodCoef(p.Label), p.CentsPerKwh, shares[i]*usage)
		}
	case *model.VariableRate:
		b.add(coefCurrent, v.CurrentCentsPerKwh, usage)
	}
	return b
}

// tierKwh is the part of usage billed in tier t.
func tierKwh(t model.Tier, usage float64) float64 {
	upper := usage
	if t.ToKwh != nil {
		upper = min(usage, *t.ToKwh)
	}
	return max(0, upper-t.FromKwh)
}

// unknownCoefficients lists r's blank coefficients in a stable order.
// Periods sharing a label share one coefficient.
func unknownCoefficients(r model.Rate) []string {
	var names []string
	seen := map[string]bool{}
	add := func(name string, v *float64) {
		if v == nil && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}

	add(coefBaseFee, r.Common().BaseFeeCents)
	switch v := r.(type) {
	case *model.FixedRate:
		add(coefEnergy, v.EnergyCentsPerKwh)
	case *model.TieredRate:
		for i, t := range v.Tiers {
			add(tierCoef(i), t.CentsPerKwh)
		}
	case *model.TimeOfUseRate:
		for _, p := range v.Periods {
			add(periodCoef(p.Label), p.CentsPerKwh)
		}
	case *model.VariableRate:
		add(coefCurrent, v.CurrentCentsPerKwh)
	}
	return names
}

// fillCoefficients returns a copy of rs with the named blanks set.
func fillCoefficients(rs *model.RateStructure, values map[string]float64) (*model.RateStructure, error) {
	out, err := rs.Clone()
	if err != nil {
		return nil, err
	}
	set := func(name string, dst **float64) {
		if v, ok := values[name]; ok && *dst == nil {
			*dst = model.Float(v)
		}
	}

	set(coefBaseFee, &out.Rate.Common().BaseFeeCents)
	switch v := out.Rate.(type) {
	case *model.FixedRate:
		set(coefEnergy, &v.EnergyCentsPerKwh)
	case *model.TieredRate:
		for i := range v.Tiers {
			set(tierCoef(i), &v.Tiers[i].CentsPerKwh)
		}
	case *model.TimeOfUseRate:
		for i := range v.Periods {
			set(periodCoef(v.Periods[i].Label), &v.Periods[i].CentsPerKwh)
		}
	case *model.VariableRate:
		set(coefCurrent, &v.CurrentCentsPerKwh)
	}

	if rest := unknownCoefficients(out.Rate); len(rest) > 0 {
		return nil, eris.Errorf("coefficients still blank: %s", strings.Join(rest, ", "))
	}
	return out, nil
}

// ModeledAverage returns the average price in cents/kWh of a complete rate
// at usage kWh.
func ModeledAverage(rs *model.RateStructure, usage float64) (float64, error) {
	if rs == nil || rs.Rate == nil {
		return 0, eris.New("no rate structure")
	}
	if usage <= 0 {
		return 0, eris.Errorf("usage must be positive, got %g", usage)
	}
	total, err := billAt(rs.Rate, usage).eval(nil)
	if err != nil {
		return 0, err
	}
	return total / usage, nil
}
