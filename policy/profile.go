// Package policy loads per-jurisdiction collection policy from YAML profiles.
package policy

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"collections/collection"
	"collections/compliance"
	"collections/settlement"
	"collections/sla"
)

// Profile is the on-disk shape of one jurisdiction's policy.
type Profile struct {
	Code             string               `yaml:"code"`
	Name             string               `yaml:"name"`
	Currency         string               `yaml:"currency"`
	Location         string               `yaml:"location"`
	ExposureCapMinor int64                `yaml:"exposure_cap_minor"`
	Contact          ContactConfig        `yaml:"contact"`
	Settlement       SettlementConfig     `yaml:"settlement"`
	SLA              map[string]SLAConfig `yaml:"sla"`
	Calendar         CalendarConfig       `yaml:"calendar"`
}

// ContactConfig is the compliance rule.
type ContactConfig struct {
	WindowStart string `yaml:"window_start"`
	WindowEnd   string `yaml:"window_end"`
	DailyCap    int    `yaml:"daily_cap"`
	WeeklyCap   int    `yaml:"weekly_cap"`
	CoolingOff  string `yaml:"cooling_off"`
}

// SettlementConfig holds pricing parameters; zero values fall back to settlement.DefaultPolicy.
type SettlementConfig struct {
	MaxDiscountPct                float64 `yaml:"max_discount_pct"`
	PlanApprovalThresholdMinor    int64   `yaml:"plan_approval_threshold_minor"`
	LargeSettlementThresholdMinor int64   `yaml:"large_settlement_threshold_minor"`
	ShortPlanMonths               int     `yaml:"short_plan_months"`
	// LongPlanMonths is accepted only as the fixed long plan term.
	LongPlanMonths int          `yaml:"long_plan_months"`
	Bands          []BandConfig `yaml:"bands"`
}

type BandConfig struct {
	MinDPD         int     `yaml:"min_dpd"`
	MaxDiscountPct float64 `yaml:"max_discount_pct"`
}

// SLAConfig is keyed by stage name in Profile.SLA.
type SLAConfig struct {
	FirstContactHours int `yaml:"first_contact_hours"`
	NextContactHours  int `yaml:"next_contact_hours"`
}

type CalendarConfig struct {
	Weekdays []string `yaml:"weekdays"`
	Start    string   `yaml:"start"`
	End      string   `yaml:"end"`
	Holidays []string `yaml:"holidays"`
}

// Compiled is a validated profile turned into the types the engine evaluates.
type Compiled struct {
	Code             string
	Name             string
	Currency         string
	ExposureCapMinor int64
	Compliance       compliance.Rule
	Calendar         *sla.StaticCalendar
	SLA              sla.Targets
	Settlement       settlement.Policy
}

// Default is the built-in profile used when no file is configured for a jurisdiction.
func Default(code string) Profile {
	return Profile{
		Code:             code,
		Name:             "Default",
		Currency:         "USD",
		Location:         "UTC",
		ExposureCapMinor: 1_000_000,
		Contact: ContactConfig{
			WindowStart: "08:00",
			WindowEnd:   "20:00",
			DailyCap:    3,
			WeeklyCap:   7,
			CoolingOff:  "4h",
		},
		SLA: map[string]SLAConfig{
			string(collection.StageEarly):  {FirstContactHours: 24, NextContactHours: 72},
			string(collection.StageMid):    {FirstContactHours: 16, NextContactHours: 48},
			string(collection.StageLate):   {FirstContactHours: 8, NextContactHours: 24},
			string(collection.StageSevere): {FirstContactHours: 8, NextContactHours: 24},
		},
		Calendar: CalendarConfig{
			Weekdays: []string{"mon", "tue", "wed", "thu", "fri"},
			Start:    "09:00",
			End:      "18:00",
		},
	}
}

// Compile validates p and builds the evaluated forms.
func (p Profile) Compile() (*Compiled, error) {
	code := strings.ToLower(strings.TrimSpace(p.Code))
	if code == "" {
		return nil, fmt.Errorf("policy: profile has no code")
	}
	locName := p.Location
	if locName == "" {
		locName = "UTC"
	}
	loc, err := time.LoadLocation(locName)
	if err != nil {
		return nil, fmt.Errorf("policy %s: location: %w", code, err)
	}

	rule, err := p.Contact.compile(loc)
	if err != nil {
		return nil, fmt.Errorf("policy %s: %w", code, err)
	}
	cal, err := p.Calendar.compile(loc)
	if err != nil {
		return nil, fmt.Errorf("policy %s: %w", code, err)
	}
	targets := make(sla.Targets, len(p.SLA))
	for stage, t := range p.SLA {
		st := collection.Stage(stage)
		if !st.Valid() {
			return nil, fmt.Errorf("policy %s: sla: unknown stage %q", code, stage)
		}
		if t.FirstContactHours < 0 || t.NextContactHours < 0 {
			return nil, fmt.Errorf("policy %s: sla %s: negative hours", code, stage)
		}
		targets[st] = sla.Target{FirstContactHours: t.FirstContactHours, NextContactHours: t.NextContactHours}
	}
	if p.ExposureCapMinor < 0 {
		return nil, fmt.Errorf("policy %s: exposure_cap_minor must not be negative", code)
	}
	pricing, err := p.Settlement.compile()
	if err != nil {
		return nil, fmt.Errorf("policy %s: %w", code, err)
	}

	return &Compiled{
		Code:             code,
		Name:             p.Name,
		Currency:         p.Currency,
		ExposureCapMinor: p.ExposureCapMinor,
		Compliance:       rule,
		Calendar:         cal,
		SLA:              targets,
		Settlement:       pricing,
	}, nil
}

func (c ContactConfig) compile(loc *time.Location) (compliance.Rule, error) {
	start, end := c.WindowStart, c.WindowEnd
	if start == "" {
		start = "08:00"
	}
	if end == "" {
		end = "20:00"
	}
	ws, err := compliance.ParseClock(start)
	if err != nil {
		return compliance.Rule{}, err
	}
	we, err := compliance.ParseClock(end)
	if err != nil {
		return compliance.Rule{}, err
	}
	var cooling time.Duration
	if c.CoolingOff != "" {
		if cooling, err = time.ParseDuration(c.CoolingOff); err != nil {
			return compliance.Rule{}, fmt.Errorf("contact: cooling_off: %w", err)
		}
	}
	rule := compliance.Rule{
		Location:    loc,
		WindowStart: ws,
		WindowEnd:   we,
		DailyCap:    c.DailyCap,
		WeeklyCap:   c.WeeklyCap,
		CoolingOff:  cooling,
	}
	return rule, rule.Validate()
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

func (c CalendarConfig) compile(loc *time.Location) (*sla.StaticCalendar, error) {
	names := c.Weekdays
	if len(names) == 0 {
		names = []string{"mon", "tue", "wed", "thu", "fri"}
	}
	days := make([]time.Weekday, 0, len(names))
	for _, n := range names {
		key := strings.ToLower(strings.TrimSpace(n))
		if len(key) > 3 {
			key = key[:3]
		}
		d, ok := weekdayNames[key]
		if !ok {
			return nil, fmt.Errorf("calendar: unknown weekday %q", n)
		}
		days = append(days, d)
	}
	start, end := c.Start, c.End
	if start == "" {
		start = "09:00"
	}
	if end == "" {
		end = "18:00"
	}
	s, err := compliance.ParseClock(start)
	if err != nil {
		return nil, fmt.Errorf("calendar: %w", err)
	}
	e, err := compliance.ParseClock(end)
	if err != nil {
		return nil, fmt.Errorf("calendar: %w", err)
	}
	holidays := make([]time.Time, 0, len(c.Holidays))
	for _, h := range c.Holidays {
		d, err := time.ParseInLocation("2006-01-02", strings.TrimSpace(h), loc)
		if err != nil {
			return nil, fmt.Errorf("calendar: holiday %q: %w", h, err)
		}
		holidays = append(holidays, d)
	}
	return sla.NewStaticCalendar(loc, days, int(s), int(e), holidays)
}

func (c SettlementConfig) compile() (settlement.Policy, error) {
	p := settlement.DefaultPolicy()
	if c.ShortPlanMonths != 0 && !settlement.ValidShortPlanMonths(c.ShortPlanMonths) {
		return p, fmt.Errorf("settlement: short_plan_months must be 3 or 6, got %d", c.ShortPlanMonths)
	}
	if c.LongPlanMonths != 0 && c.LongPlanMonths != settlement.LongPlanMonths {
		return p, fmt.Errorf("settlement: long_plan_months must be %d, got %d", settlement.LongPlanMonths, c.LongPlanMonths)
	}
	if c.MaxDiscountPct > 0 {
		p.MaxDiscountPct = c.MaxDiscountPct
	}
	if c.PlanApprovalThresholdMinor > 0 {
		p.PlanApprovalThresholdMinor = c.PlanApprovalThresholdMinor
	}
	if c.LargeSettlementThresholdMinor > 0 {
		p.LargeSettlementThresholdMinor = c.LargeSettlementThresholdMinor
	}
	if c.ShortPlanMonths > 0 {
		p.ShortPlanMonths = c.ShortPlanMonths
	}
	if len(c.Bands) > 0 {
		p.Bands = make([]settlement.Band, 0, len(c.Bands))
		for _, b := range c.Bands {
			p.Bands = append(p.Bands, settlement.Band{MinDPD: b.MinDPD, MaxDiscountPct: b.MaxDiscountPct})
		}
	}
	return p, nil
}
