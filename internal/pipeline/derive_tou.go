package pipeline

import (
	"math/bits"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/intelliwatt/efl-cli/internal/model"
)

var (
	touKeyword = regexp.MustCompile(`(?i)\b(?:on-?peak|off-?peak|mid-?peak|peak|shoulder|nights?|evenings?|weekends?|weekdays?|free|all other (?:hours|times)|other hours|remaining hours)\b`)
	otherHours = regexp.MustCompile(`(?i)\b(?:off-?peak|all other (?:hours|times)|other hours|remaining hours)\b`)
	allDay     = regexp.MustCompile(`(?i)\ball\s+day\b|\b24\s*hours\b`)

	window12h = regexp.MustCompile(`(?i)\b(\d{1,2})(?::00)?\s*([ap])\.?m\.?\s*(?:-|–|—|to|until|through)\s*(\d{1,2})(?::00)?\s*([ap])\.?m\.?`)
	window24h = regexp.MustCompile(`\b([01]?\d|2[0-4]):00\s*(?:-|–|—|to)\s*([01]?\d|2[0-4]):00\b`)

	weekdayPattern = regexp.MustCompile(`(?i)\b(?:weekdays?|monday\s*(?:-|–|through|thru|to)\s*friday|mon\.?\s*(?:-|–)\s*fri\.?)\b`)
	weekendPattern = regexp.MustCompile(`(?i)\b(?:weekends?|saturday\s*(?:and|&|-|–|through|thru)\s*sunday|sat\.?\s*(?:-|–|&)\s*sun\.?)\b`)
	monthRange     = regexp.MustCompile(`(?i)\b(jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*\.?\s*(?:-|–|through|thru|to)\s*(jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*\b`)
	summerPattern  = regexp.MustCompile(`(?i)\bsummer\b`)
)

var monthIndex = map[string]int{
	"jan": 0, "feb": 1, "mar": 2, "apr": 3, "may": 4, "jun": 5,
	"jul": 6, "aug": 7, "sep": 8, "oct": 9, "nov": 10, "dec": 11,
}

// hourWindow is [Start, End) in hours; End is 24 for midnight.
type hourWindow struct {
	Start int
	End   int
}

func hourWindowOf(l string) *hourWindow {
	if m := window12h.FindStringSubmatch(l); m != nil {
		start, ok1 := to24h(m[1], m[2])
		end, ok2 := to24h(m[3], m[4])
		if ok1 && ok2 {
			if end == 0 {
				end = 24
			}
			return &hourWindow{Start: start, End: end}
		}
	}
	if m := window24h.FindStringSubmatch(l); m != nil {
		start, _ := strconv.Atoi(m[1])
		end, _ := strconv.Atoi(m[2])
		if start == 24 {
			start = 0
		}
		if end == 0 {
			end = 24
		}
		if start < 24 {
			return &hourWindow{Start: start, End: end}
		}
	}
	return nil
}

func to24h(hour, meridiem string) (int, bool) {
	h, err := strconv.Atoi(hour)
	if err != nil || h < 1 || h > 12 {
		return 0, false
	}
	h %= 12
	if strings.EqualFold(meridiem, "p") {
		h += 12
	}
	return h, true
}

func dayMaskOf(l string) uint8 {
	switch {
	case weekdayPattern.MatchString(l):
		return model.DayMaskWeekdays
	case weekendPattern.MatchString(l):
		return model.DayMaskWeekends
	default:
		return model.DayMaskAll
	}
}

func monthMaskOf(l string) uint16 {
	if m := monthRange.FindStringSubmatch(l); m != nil {
		from := monthIndex[strings.ToLower(m[1])]
		to := monthIndex[strings.ToLower(m[2])]
		var mask uint16
		for i := from; ; i = (i + 1) % 12 {
			mask |= 1 << uint(i)
			if i == to {
				break
			}
		}
		return mask
	}
	if summerPattern.MatchString(l) {
		// June through September.
		return 0x01E0
	}
	return model.MonthMaskAll
}

var labelNoise = regexp.MustCompile(`(?i)\benergy\s+(?:charge|rate|price)s?\b`)

// periodLabel names a period from the text before its value.
func periodLabel(l string, n int) string {
	head := l
	if i := strings.Index(head, ":"); i >= 0 {
		head = head[:i]
	}
	head = parenthetical.ReplaceAllString(head, "")
	head = labelNoise.ReplaceAllString(head, "")
	head = strings.Trim(head, " -–—,")
	if head == "" {
		return "Period " + strconv.Itoa(n)
	}
	return head
}

func deriveTimeOfUse(rt *rateText) (model.Rate, error) {
	var (
		periods   []model.TOUPeriod
		remainder *energyLine
	)
	for i := range rt.energy {
		el := rt.energy[i]
		if !el.tou {
			continue
		}
		days, months := dayMaskOf(el.text), monthMaskOf(el.text)
		w := hourWindowOf(el.text)
		if w == nil {
			restricted := days != model.DayMaskAll || months != model.MonthMaskAll
			switch {
			case restricted || allDay.MatchString(el.text):
				w = &hourWindow{Start: 0, End: 24}
			case otherHours.MatchString(el.text):
				if remainder != nil {
					return nil, eris.New("more than one all-other-hours period")
				}
				remainder = &rt.energy[i]
				continue
			default:
				return nil, eris.Errorf("period %q has no time window", el.text)
			}
		}
		periods = append(periods, model.TOUPeriod{
			Label:       periodLabel(el.text, len(periods)+1),
			CentsPerKwh: el.value,
			StartHour:   w.Start,
			EndHour:     w.End,
			DayMask:     days,
			MonthMask:   months,
		})
	}
	if len(periods) == 0 {
		return nil, eris.New("no time-of-use periods")
	}
	if remainder != nil {
		rest, err := complementPeriods(periods, periodLabel(remainder.text, len(periods)+1), remainder.value)
		if err != nil {
			return nil, err
		}
		periods = append(periods, rest...)
	}

	c, err := rt.sharedCharges()
	if err != nil {
		return nil, err
	}
	return &model.TimeOfUseRate{Charges: c, Periods: periods}, nil
}

// complementPeriods covers every month x weekday x hour cell left open by
// explicit. The cells are grouped into rectangles of one hour window, a day
// mask and a month mask; each rectangle must have a single window.
func complementPeriods(explicit []model.TOUPeriod, label string, rate *float64) ([]model.TOUPeriod, error) {
	const allHours = 1<<24 - 1

	type shape struct {
		hours uint32
		days  uint8
	}
	months := map[shape]uint16{}
	for m := 0; m < 12; m++ {
		byHours := map[uint32]uint8{}
		for d := 0; d < 7; d++ {
			var free uint32
			for h := 0; h < 24; h++ {
				covered := false
				for _, p := range explicit {
					if p.Covers(m, d, h) {
						covered = true
						break
					}
				}
				if !covered {
					free |= 1 << uint(h)
				}
			}
			if free != 0 {
				byHours[free] |= 1 << uint(d)
			}
		}
		for hours, days := range byHours {
			months[shape{hours, days}] |= 1 << uint(m)
		}
	}
	if len(months) == 0 {
		return nil, eris.New("explicit periods already cover every hour")
	}

	shapes := make([]shape, 0, len(months))
	for s := range months {
		shapes = append(shapes, s)
	}
	sort.Slice(shapes, func(i, j int) bool {
		if shapes[i].hours != shapes[j].hours {
			return shapes[i].hours < shapes[j].hours
		}
		return shapes[i].days < shapes[j].days
	})

	out := make([]model.TOUPeriod, 0, len(shapes))
	for _, s := range shapes {
		w := hourWindow{Start: 0, End: 24}
		if s.hours != allHours {
			var ok bool
			if w, ok = singleWindow(s.hours); !ok {
				return nil, eris.Errorf("remaining hours of %q are not one window", label)
			}
		}
		var r *float64
		if rate != nil {
			r = model.Float(*rate)
		}
		out = append(out, model.TOUPeriod{
			Label:       label,
			CentsPerKwh: r,
			StartHour:   w.Start,
			EndHour:     w.End,
			DayMask:     s.days,
			MonthMask:   months[s],
		})
	}
	return out, nil
}

// singleWindow converts an hour bitset into one window, wrapping past
// midnight if needed.
func singleWindow(hours uint32) (hourWindow, bool) {
	n := bits.OnesCount32(hours)
	for s := 0; s < 24; s++ {
		prev := (s + 23) % 24
		if hours&(1<<uint(s)) == 0 || hours&(1<<uint(prev)) != 0 {
			continue
		}
		run := 0
		for hours&(1<<uint((s+run)%24)) != 0 && run < 24 {
			run++
		}
		if run != n {
			return hourWindow{}, false
		}
		end := (s + run) % 24
		if end == 0 {
			end = 24
		}
		return hourWindow{Start: s, End: end}, true
	}
	return hourWindow{}, false
}
