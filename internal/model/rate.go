package model

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/rotisserie/eris"
)

// PlanType discriminates the rate structure variants.
type PlanType string

const (
	PlanTypeFixed     PlanType = "FIXED"
	PlanTypeTiered    PlanType = "TIERED"
	PlanTypeTimeOfUse PlanType = "TIME_OF_USE"
	PlanTypeVariable  PlanType = "VARIABLE"
)

// AllPlanTypes returns the variants in deriver priority order.
func AllPlanTypes() []PlanType {
	return []PlanType{PlanTypeFixed, PlanTypeTiered, PlanTypeTimeOfUse, PlanTypeVariable}
}

// Rate is the closed set of rate model variants. Only the four types in this
// file implement it.
type Rate interface {
	PlanType() PlanType
	Common() *Charges
	CheckConsistency() error
	isRate()
}

// Charges are the non-energy components shared by every variant. A nil
// BaseFeeCents means the label was present but its value was blank.
type Charges struct {
	BaseFeeCents         *float64         `json:"baseFeeCents"`
	DeliveryMonthlyCents float64          `json:"deliveryMonthlyCents"`
	DeliveryCentsPerKwh  float64          `json:"deliveryCentsPerKwh"`
	BillCredits          []BillCredit     `json:"billCredits,omitempty"`
	MinimumUsageFee      *MinimumUsageFee `json:"minimumUsageFee,omitempty"`
}

// BillCredit is subtracted from the bill when usage is within [MinUsageKwh, MaxUsageKwh].
type BillCredit struct {
	AmountCents float64  `json:"amountCents"`
	MinUsageKwh float64  `json:"minUsageKwh"`
	MaxUsageKwh *float64 `json:"maxUsageKwh,omitempty"`
}

// Applies reports whether the credit is earned at the given usage.
func (c BillCredit) Applies(usageKwh float64) bool {
	if usageKwh < c.MinUsageKwh {
		return false
	}
	return c.MaxUsageKwh == nil || usageKwh <= *c.MaxUsageKwh
}

// MinimumUsageFee is added to the bill when usage is strictly below BelowUsageKwh.
type MinimumUsageFee struct {
	AmountCents   float64 `json:"amountCents"`
	BelowUsageKwh float64 `json:"belowUsageKwh"`
}

// FixedRate is a single energy rate for all kWh.
type FixedRate struct {
	Charges
	EnergyCentsPerKwh *float64 `json:"energyCentsPerKwh"`
}

// Tier prices kWh in the half-open block (FromKwh, ToKwh]. A nil ToKwh is open ended.
type Tier struct {
	FromKwh     float64  `json:"fromKwh"`
	ToKwh       *float64 `json:"toKwh"`
	CentsPerKwh *float64 `json:"centsPerKwh"`
}

// TieredRate prices usage in consecutive blocks.
type TieredRate struct {
	Charges
	Tiers []Tier `json:"tiers"`
}

// Day and month masks for TOU periods. Bit 0 of DayMask is Sunday; bit 0 of
// MonthMask is January.
const (
	DayMaskAll      uint8  = 0x7F
	DayMaskWeekdays uint8  = 0x3E
	DayMaskWeekends uint8  = 0x41
	MonthMaskAll    uint16 = 0x0FFF
)

// TOUPeriod prices kWh consumed within [StartHour, EndHour) on the masked
// days and months. EndHour <= StartHour wraps past midnight.
type TOUPeriod struct {
	Label       string   `json:"label"`
	CentsPerKwh *float64 `json:"centsPerKwh"`
	StartHour   int      `json:"startHour"`
	EndHour     int      `json:"endHour"`
	DayMask     uint8    `json:"dayMask"`
	MonthMask   uint16   `json:"monthMask"`
}

// CoversHour reports whether the period includes the given hour of day.
func (p TOUPeriod) CoversHour(hour int) bool {
	if p.StartHour < p.EndHour {
		return hour >= p.StartHour && hour < p.EndHour
	}
	return hour >= p.StartHour || hour < p.EndHour
}

// Covers reports whether the period includes the month (0-11), weekday (0-6) and hour.
func (p TOUPeriod) Covers(month, weekday, hour int) bool {
	return p.MonthMask&(1<<uint(month)) != 0 &&
		p.DayMask&(1<<uint(weekday)) != 0 &&
		p.CoversHour(hour)
}

// TimeOfUseRate prices usage by time window.
type TimeOfUseRate struct {
	Charges
	Periods []TOUPeriod `json:"periods"`
}

// VariableRate is an indexed or month-to-month variable plan, modeled at its
// currently disclosed rate.
type VariableRate struct {
	Charges
	CurrentCentsPerKwh *float64 `json:"currentCentsPerKwh"`
	Indexed            bool     `json:"indexed"`
	IndexName          string   `json:"indexName,omitempty"`
}

func (*FixedRate) PlanType() PlanType     { return PlanTypeFixed }
func (*TieredRate) PlanType() PlanType    { return PlanTypeTiered }
func (*TimeOfUseRate) PlanType() PlanType { return PlanTypeTimeOfUse }
func (*VariableRate) PlanType() PlanType  { return PlanTypeVariable }

func (r *FixedRate) Common() *Charges     { return &r.Charges }
func (r *TieredRate) Common() *Charges    { return &r.Charges }
func (r *TimeOfUseRate) Common() *Charges { return &r.Charges }
func (r *VariableRate) Common() *Charges  { return &r.Charges }

func (*FixedRate) isRate()     {}
func (*TieredRate) isRate()    {}
func (*TimeOfUseRate) isRate() {}
func (*VariableRate) isRate()  {}

func (c *Charges) check() error {
	if c.BaseFeeCents != nil && *c.BaseFeeCents < 0 {
		return eris.New("negative base fee")
	}
	if c.DeliveryMonthlyCents < 0 || c.DeliveryCentsPerKwh < 0 {
		return eris.New("negative delivery charge")
	}
	for i, bc := range c.BillCredits {
		if bc.AmountCents <= 0 {
			return eris.Errorf("bill credit %d: amount must be positive", i)
		}
		if bc.MaxUsageKwh != nil && *bc.MaxUsageKwh < bc.MinUsageKwh {
			return eris.Errorf("bill credit %d: max usage below min usage", i)
		}
	}
	if f := c.MinimumUsageFee; f != nil && (f.AmountCents <= 0 || f.BelowUsageKwh <= 0) {
		return eris.New("minimum usage fee must have positive amount and threshold")
	}
	return nil
}

// CheckConsistency validates the fixed variant.
func (r *FixedRate) CheckConsistency() error {
	return r.Charges.check()
}

// CheckConsistency requires tiers contiguous from 0, strictly increasing, and
// an open-ended last tier.
func (r *TieredRate) CheckConsistency() error {
	if err := r.Charges.check(); err != nil {
		return err
	}
	if len(r.Tiers) < 2 {
		return eris.Errorf("tiered rate needs at least 2 tiers, got %d", len(r.Tiers))
	}
	prevTo := 0.0
	for i, t := range r.Tiers {
		if t.FromKwh != prevTo {
			return eris.Errorf("tier %d starts at %g, expected %g", i, t.FromKwh, prevTo)
		}
		last := i == len(r.Tiers)-1
		if last {
			if t.ToKwh != nil {
				return eris.Errorf("last tier must be open ended")
			}
			break
		}
		if t.ToKwh == nil {
			return eris.Errorf("tier %d is open ended but is not last", i)
		}
		if *t.ToKwh <= t.FromKwh {
			return eris.Errorf("tier %d boundary %g not above %g", i, *t.ToKwh, t.FromKwh)
		}
		prevTo = *t.ToKwh
	}
	return nil
}

// CheckConsistency requires every month x weekday x hour cell to be covered by
// exactly one period.
func (r *TimeOfUseRate) CheckConsistency() error {
	if err := r.Charges.check(); err != nil {
		return err
	}
	if len(r.Periods) < 2 {
		return eris.Errorf("time-of-use rate needs at least 2 periods, got %d", len(r.Periods))
	}
	for i, p := range r.Periods {
		if p.StartHour < 0 || p.StartHour > 23 || p.EndHour < 1 || p.EndHour > 24 || p.StartHour == p.EndHour {
			return eris.Errorf("period %d (%s): invalid hours %d-%d", i, p.Label, p.StartHour, p.EndHour)
		}
		if p.DayMask&DayMaskAll == 0 || p.MonthMask&MonthMaskAll == 0 {
			return eris.Errorf("period %d (%s): empty day or month mask", i, p.Label)
		}
	}
	for m := 0; m < 12; m++ {
		for d := 0; d < 7; d++ {
			for h := 0; h < 24; h++ {
				owner := -1
				for i, p := range r.Periods {
					if !p.Covers(m, d, h) {
						continue
					}
					if owner >= 0 {
						return eris.Errorf("periods %q and %q overlap (month %d, day %d, hour %d)",
							r.Periods[owner].Label, p.Label, m+1, d, h)
					}
					owner = i
				}
				if owner < 0 {
					return eris.Errorf("no period covers month %d, day %d, hour %d", m+1, d, h)
				}
			}
		}
	}
	return nil
}

// UsageShares returns each period's fraction of a uniform load across the
// month x weekday x hour grid.
func (r *TimeOfUseRate) UsageShares() []float64 {
	const cells = 12 * 7 * 24
	shares := make([]float64, len(r.Periods))
	for m := 0; m < 12; m++ {
		for d := 0; d < 7; d++ {
			for h := 0; h < 24; h++ {
				for i, p := range r.Periods {
					if p.Covers(m, d, h) {
						shares[i]++
						break
					}
				}
			}
		}
	}
	for i := range shares {
		shares[i] /= cells
	}
	return shares
}

// CheckConsistency validates the variable variant.
func (r *VariableRate) CheckConsistency() error {
	return r.Charges.check()
}

// RateStructure is the JSON boundary for the Rate union. Its wire shape is a
// flat object with a "type" discriminant.
type RateStructure struct {
	Rate Rate
}

// NewRateStructure wraps a variant.
func NewRateStructure(r Rate) *RateStructure {
	return &RateStructure{Rate: r}
}

// PlanType returns the active variant's discriminant, or "" when empty.
func (rs *RateStructure) PlanType() PlanType {
	if rs == nil || rs.Rate == nil {
		return ""
	}
	return rs.Rate.PlanType()
}

// MarshalJSON encodes the active variant with its discriminant.
func (rs RateStructure) MarshalJSON() ([]byte, error) {
	switch v := rs.Rate.(type) {
	case *FixedRate:
		return json.Marshal(struct {
			Type PlanType `json:"type"`
			*FixedRate
		}{PlanTypeFixed, v})
	case *TieredRate:
		return json.Marshal(struct {
			Type PlanType `json:"type"`
			*TieredRate
		}{PlanTypeTiered, v})
	case *TimeOfUseRate:
		return json.Marshal(struct {
			Type PlanType `json:"type"`
			*TimeOfUseRate
		}{PlanTypeTimeOfUse, v})
	case *VariableRate:
		return json.Marshal(struct {
			Type PlanType `json:"type"`
			*VariableRate
		}{PlanTypeVariable, v})
	case nil:
		return []byte("null"), nil
	default:
		return nil, eris.Errorf("rate: unsupported variant %T", v)
	}
}

// UnmarshalJSON decodes a variant, rejecting unknown discriminants, unknown
// fields and internally inconsistent structures.
func (rs *RateStructure) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		rs.Rate = nil
		return nil
	}
	var head struct {
		Type PlanType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return eris.Wrap(err, "rate: decode discriminant")
	}

	var r Rate
	var err error
	switch head.Type {
	case PlanTypeFixed:
		v := &FixedRate{}
		err = decodeStrict(data, &struct {
			Type PlanType `json:"type"`
			*FixedRate
		}{FixedRate: v})
		r = v
	case PlanTypeTiered:
		v := &TieredRate{}
		err = decodeStrict(data, &struct {
			Type PlanType `json:"type"`
			*TieredRate
		}{TieredRate: v})
		r = v
	case PlanTypeTimeOfUse:
		v := &TimeOfUseRate{}
		err = decodeStrict(data, &struct {
			Type PlanType `json:"type"`
			*TimeOfUseRate
		}{TimeOfUseRate: v})
		r = v
	case PlanTypeVariable:
		v := &VariableRate{}
		err = decodeStrict(data, &struct {
			Type PlanType `json:"type"`
			*VariableRate
		}{VariableRate: v})
		r = v
	default:
		return eris.Errorf("rate: unknown plan type %q", head.Type)
	}
	if err != nil {
		return eris.Wrapf(err, "rate: decode %s", head.Type)
	}
	if err := r.CheckConsistency(); err != nil {
		return eris.Wrapf(err, "rate: inconsistent %s", head.Type)
	}
	rs.Rate = r
	return nil
}

func decodeStrict(data []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// Clone returns a deep copy of the structure.
func (rs *RateStructure) Clone() (*RateStructure, error) {
	if rs == nil {
		return nil, nil
	}
	data, err := json.Marshal(rs)
	if err != nil {
		return nil, eris.Wrap(err, "rate: clone marshal")
	}
	var out RateStructure
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, eris.Wrap(err, "rate: clone unmarshal")
	}
	return &out, nil
}

// String renders a compact description for logs.
func (rs *RateStructure) String() string {
	if rs == nil || rs.Rate == nil {
		return "<none>"
	}
	return fmt.Sprintf("%s rate", rs.Rate.PlanType())
}

// Float returns a pointer to v.
func Float(v float64) *float64 {
	return &v
}
