package policy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collections/collection"
	"collections/compliance"
	"collections/settlement"
)

func TestLoadProfile_ID(t *testing.T) {
	p, err := LoadProfile("testdata", "ID")
	require.NoError(t, err)

	assert.Equal(t, "id", p.Code)
	assert.Equal(t, "IDR", p.Currency)
	assert.Equal(t, "2h", p.Contact.CoolingOff)
	require.Len(t, p.Settlement.Bands, 3)
	assert.Equal(t, 30.0, p.Settlement.Bands[2].MaxDiscountPct)
}

func TestLoadProfile_Missing(t *testing.T) {
	_, err := LoadProfile("testdata", "zz")
	require.Error(t, err)
}

func TestLoadAllProfiles_CodeFromFilename(t *testing.T) {
	profiles, err := LoadAllProfiles("testdata")
	require.NoError(t, err)
	require.Contains(t, profiles, "id")
	require.Contains(t, profiles, "ph")
	assert.Equal(t, "Philippines", profiles["ph"].Name)
}

func TestCompile_ID(t *testing.T) {
	p, err := LoadProfile("testdata", "id")
	require.NoError(t, err)
	c, err := p.Compile()
	require.NoError(t, err)

	assert.Equal(t, "Asia/Jakarta", c.Compliance.Location.String())
	assert.Equal(t, compliance.Clock(8*60), c.Compliance.WindowStart)
	assert.Equal(t, compliance.Clock(20*60), c.Compliance.WindowEnd)
	assert.Equal(t, 2*time.Hour, c.Compliance.CoolingOff)
	assert.Equal(t, 10, c.Compliance.WeeklyCap)

	assert.Equal(t, 40.0, c.Settlement.MaxDiscountPct)
	assert.Equal(t, int64(150_000), c.Settlement.PlanApprovalThresholdMinor)
	assert.Equal(t, int64(500_000), c.Settlement.LargeSettlementThresholdMinor, "unset fields keep defaults")
	assert.Equal(t, 6, c.Settlement.ShortPlanMonths)
	assert.Equal(t, 10.0, c.Settlement.CapFor(60))

	assert.Equal(t, 4, c.SLA[collection.StageSevere].FirstContactHours)
	_, ok := c.SLA[collection.StageMid]
	assert.False(t, ok)

	jkt := c.Calendar.Location()
	assert.False(t, c.Calendar.IsBusinessDay(time.Date(2026, 8, 17, 10, 0, 0, 0, jkt)), "independence day")
	assert.True(t, c.Calendar.IsBusinessDay(time.Date(2026, 8, 15, 10, 0, 0, 0, jkt)), "saturday is worked")
	assert.False(t, c.Calendar.IsBusinessDay(time.Date(2026, 8, 16, 10, 0, 0, 0, jkt)))
}

func TestCompile_Rejects(t *testing.T) {
	cases := map[string]func(p *Profile){
		"no code":       func(p *Profile) { p.Code = "" },
		"bad location":  func(p *Profile) { p.Location = "Mars/Olympus" },
		"empty window":  func(p *Profile) { p.Contact.WindowStart, p.Contact.WindowEnd = "20:00", "08:00" },
		"bad cooling":   func(p *Profile) { p.Contact.CoolingOff = "soon" },
		"negative cap":  func(p *Profile) { p.Contact.DailyCap = -1 },
		"unknown stage": func(p *Profile) { p.SLA["dpd_500"] = SLAConfig{FirstContactHours: 1} },
		"bad weekday":   func(p *Profile) { p.Calendar.Weekdays = []string{"funday"} },
		"bad holiday":   func(p *Profile) { p.Calendar.Holidays = []string{"17/08/2026"} },
		"negative cap exposure": func(p *Profile) {
			p.ExposureCapMinor = -1
		},
		"short plan not 3 or 6": func(p *Profile) { p.Settlement.ShortPlanMonths = 4 },
		"negative short plan":   func(p *Profile) { p.Settlement.ShortPlanMonths = -3 },
		"long plan not 12":      func(p *Profile) { p.Settlement.LongPlanMonths = 24 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			p := Default("xx")
			mutate(&p)
			_, err := p.Compile()
			require.Error(t, err)
		})
	}
}

func TestLoadRegistry_RejectsInvalidPlanTerms(t *testing.T) {
	for name, settlementYAML := range map[string]string{
		"short": "  short_plan_months: 5\n",
		"long":  "  long_plan_months: 18\n",
	} {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			body := "code: zz\nsettlement:\n" + settlementYAML
			require.NoError(t, os.WriteFile(filepath.Join(dir, "profile_zz.yaml"), []byte(body), 0o600))

			_, err := LoadRegistry(dir, "zz")
			require.Error(t, err)
			assert.Contains(t, err.Error(), "plan_months")
		})
	}

	dir := t.TempDir()
	body := "code: zz\nsettlement:\n  short_plan_months: 6\n  long_plan_months: 12\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "profile_zz.yaml"), []byte(body), 0o600))
	r, err := LoadRegistry(dir, "zz")
	require.NoError(t, err)
	assert.Equal(t, 6, r.SettlementPolicy("zz").ShortPlanMonths)
}

func TestRegistry_FallsBackToDefault(t *testing.T) {
	r, err := LoadRegistry("testdata", "us")
	require.NoError(t, err)

	assert.Equal(t, []string{"id", "ph", "us"}, r.Codes())
	assert.True(t, r.Has("ID"))
	assert.False(t, r.Has("sg"))
	assert.Equal(t, "us", r.For("sg").Code)
	assert.Equal(t, "id", r.For(" Id ").Code)
	assert.Equal(t, settlement.DefaultPolicy(), r.SettlementPolicy("sg"))
	assert.Equal(t, 40.0, r.SettlementPolicy("id").MaxDiscountPct)
}

func TestRegistry_DefaultFromFile(t *testing.T) {
	r, err := LoadRegistry("testdata", "ph")
	require.NoError(t, err)
	assert.Equal(t, "Philippines", r.For("nowhere").Name)
	assert.Equal(t, 2, r.For("nowhere").Compliance.DailyCap)
}

func TestRegistry_EmptyDir(t *testing.T) {
	r, err := LoadRegistry("", "us")
	require.NoError(t, err)
	assert.Equal(t, []string{"us"}, r.Codes())

	_, err = NewRegistry("")
	require.Error(t, err)
}

func TestRegistry_Duplicate(t *testing.T) {
	_, err := NewRegistry("us", Default("id"), Default("ID"))
	require.Error(t, err)
}

func TestLoadAllProfiles_BadYAML(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "profile_bad.yaml"), []byte("contact: [unterminated"), 0o600))
	_, err := LoadAllProfiles(dir)
	require.Error(t, err)
}
