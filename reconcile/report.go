package reconcile

import (
	"context"
	"fmt"
	"sort"

	"github.com/warp/quota-engine/billing"
	"github.com/warp/quota-engine/generic"
	"github.com/warp/quota-engine/quota"
)

// =============================================================================
// DISCREPANCY REPORT
// =============================================================================

const (
	DefaultPerPage    = 20
	MaxPerPage        = 100
	DefaultWindowDays = 7
)

// ReportFilter narrows the report. Zero values do not filter. From is
// clipped to the current billing period start.
type ReportFilter struct {
	TenantCode string
	Status     quota.DiscrepancyStatus
	From       generic.TimePoint
	To         generic.TimePoint
	Page       int
	PerPage    int
}

type ReportLine struct {
	Date            generic.TimePoint       `json:"date"`
	TenantCode      string                  `json:"unit_code"`
	TenantName      string                  `json:"unit_name"`
	DailyUsed       int                     `json:"daily_used"`
	MonthlyUsed     int                     `json:"monthly_used"`
	ReportedDaily   *int                    `json:"reported_daily,omitempty"`
	ReportedMonthly *int                    `json:"reported_monthly,omitempty"`
	Status          quota.DiscrepancyStatus `json:"discrepancy_status"`
	Discrepancy     *quota.Discrepancy      `json:"discrepancy_details,omitempty"`
}

type Pagination struct {
	Page     int `json:"current_page"`
	PerPage  int `json:"per_page"`
	Total    int `json:"total"`
	LastPage int `json:"last_page"`
}

type Report struct {
	Period     generic.Period `json:"period"`
	Lines      []ReportLine   `json:"data"`
	Pagination Pagination     `json:"pagination"`
}

// window clips [from, to] to the current billing period start and today.
func (e *Engine) window(from, to generic.TimePoint) generic.Period {
	today := e.today()
	cycleStart := billing.PeriodFor(today).Start
	if from.IsZero() {
		from = cycleStart
	}
	if to.IsZero() || to.After(today) {
		to = today
	}
	p := generic.Period{Start: from, End: to}.ClipStart(cycleStart)
	if p.End.Before(p.Start) {
		p.End = p.Start
	}
	return p
}

// DiscrepancyReport lists ledger entries, newest first, one page at a time.
func (e *Engine) DiscrepancyReport(ctx context.Context, f ReportFilter) (*Report, error) {
	period := e.window(f.From, f.To)

	page := max(f.Page, 1)
	perPage := f.PerPage
	if perPage <= 0 {
		perPage = DefaultPerPage
	}
	perPage = min(perPage, MaxPerPage)

	uf := quota.UsageFilter{From: period.Start, To: period.End, Status: f.Status}
	if f.TenantCode != "" {
		t, err := e.Store.GetTenantByCode(ctx, f.TenantCode)
		if err != nil {
			return nil, err
		}
		uf.TenantID = t.ID
		uf.PoolID = t.PoolID
	}

	total, err := e.Store.CountUsageEntries(ctx, uf)
	if err != nil {
		return nil, fmt.Errorf("count usage entries: %w", err)
	}
	uf.Offset = (page - 1) * perPage
	uf.Limit = perPage
	entries, err := e.Store.ListUsageEntries(ctx, uf)
	if err != nil {
		return nil, fmt.Errorf("list usage entries: %w", err)
	}

	names := newTenantNames(e.Store)
	lines := make([]ReportLine, 0, len(entries))
	for _, en := range entries {
		code, name, err := names.lookup(ctx, en.TenantID)
		if err != nil {
			return nil, err
		}
		lines = append(lines, ReportLine{
			Date:            en.Date,
			TenantCode:      code,
			TenantName:      name,
			DailyUsed:       en.DailyUsed,
			MonthlyUsed:     en.MonthlyUsed,
			ReportedDaily:   en.ReportedDaily,
			ReportedMonthly: en.ReportedMonthly,
			Status:          en.Status,
			Discrepancy:     en.Discrepancy,
		})
	}

	lastPage := (total + perPage - 1) / perPage
	return &Report{
		Period:     period,
		Lines:      lines,
		Pagination: Pagination{Page: page, PerPage: perPage, Total: total, LastPage: max(lastPage, 1)},
	}, nil
}

// =============================================================================
// DISCREPANCY SUMMARY
// =============================================================================

type TenantDiscrepancy struct {
	TenantCode     string `json:"unit_code"`
	TenantName     string `json:"unit_name"`
	Entries        int    `json:"total_records"`
	Warnings       int    `json:"warning_count"`
	MaxDailyDiff   int    `json:"max_daily_diff"`
	MaxMonthlyDiff int    `json:"max_monthly_diff"`
}

type Summary struct {
	Period       generic.Period      `json:"period"`
	WindowDays   int                 `json:"window_days"`
	TotalEntries int                 `json:"total_records"`
	Warnings     int                 `json:"warning_count"`
	Normal       int                 `json:"normal_count"`
	WarningRate  float64             `json:"warning_rate"`
	ByTenant     []TenantDiscrepancy `json:"by_unit"`
}

// DiscrepancySummary aggregates the last windowDays days of the ledger,
// never reaching back before the current billing period.
func (e *Engine) DiscrepancySummary(ctx context.Context, windowDays int) (*Summary, error) {
	if windowDays <= 0 {
		windowDays = DefaultWindowDays
	}
	today := e.today()
	period := e.window(today.AddDays(-(windowDays - 1)), today)

	entries, err := e.Store.ListUsageEntries(ctx, quota.UsageFilter{From: period.Start, To: period.End})
	if err != nil {
		return nil, fmt.Errorf("list usage entries: %w", err)
	}

	s := &Summary{Period: period, WindowDays: windowDays}
	names := newTenantNames(e.Store)
	byTenant := map[quota.TenantID]*TenantDiscrepancy{}

	for _, en := range entries {
		s.TotalEntries++
		td, ok := byTenant[en.TenantID]
		if !ok {
			code, name, err := names.lookup(ctx, en.TenantID)
			if err != nil {
				return nil, err
			}
			td = &TenantDiscrepancy{TenantCode: code, TenantName: name}
			byTenant[en.TenantID] = td
		}
		td.Entries++
		if en.Status == quota.DiscrepancyWarning {
			s.Warnings++
			td.Warnings++
		} else {
			s.Normal++
		}
		if en.Discrepancy != nil {
			td.MaxDailyDiff = max(td.MaxDailyDiff, en.Discrepancy.DailyDiff)
			td.MaxMonthlyDiff = max(td.MaxMonthlyDiff, en.Discrepancy.MonthlyDiff)
		}
	}

	for _, td := range byTenant {
		s.ByTenant = append(s.ByTenant, *td)
	}
	sort.Slice(s.ByTenant, func(i, j int) bool { return s.ByTenant[i].TenantCode < s.ByTenant[j].TenantCode })
	s.WarningRate = quota.Percent(s.Warnings, s.TotalEntries)
	return s, nil
}

// =============================================================================
// GROUP INFO
// =============================================================================

type GroupMember struct {
	Code           string `json:"app_code"`
	Name           string `json:"name"`
	DailyCapacity  int    `json:"daily_quota"`
	MandatoryDaily int    `json:"mandatory_daily_quota"`
	Active         bool   `json:"is_active"`
	UsedToday      int    `json:"used_today"`
}

type GroupInfo struct {
	Pool           quota.Pool     `json:"account"`
	Period         generic.Period `json:"billing_period"`
	AvailableDaily int            `json:"available_daily"`
	AvailableCycle int            `json:"available_monthly"`
	Members        []GroupMember  `json:"units"`
}

// GroupInfo describes the tenant's pool and today's ledger usage of each member.
func (e *Engine) GroupInfo(ctx context.Context, tenantCode string) (*GroupInfo, error) {
	tenant, err := e.Store.GetTenantByCode(ctx, tenantCode)
	if err != nil {
		return nil, err
	}
	pool, err := e.Store.GetPool(ctx, tenant.PoolID)
	if err != nil {
		return nil, err
	}
	today := e.today()

	daily, err := quota.PoolDailyAvailable(ctx, e.Store, pool, today)
	if err != nil {
		return nil, err
	}
	cycle, err := quota.PoolCycleAvailable(ctx, e.Store, pool, today)
	if err != nil {
		return nil, err
	}
	members, err := e.Store.ListTenants(ctx, pool.ID)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}

	info := &GroupInfo{Pool: *pool, Period: billing.PeriodFor(today), AvailableDaily: daily, AvailableCycle: cycle}
	for _, m := range members {
		entry, err := e.Store.GetUsageEntry(ctx, pool.ID, m.ID, today)
		if err != nil {
			return nil, fmt.Errorf("load usage entry: %w", err)
		}
		used := 0
		if entry != nil {
			used = entry.DailyUsed
		}
		info.Members = append(info.Members, GroupMember{
			Code:           m.Code,
			Name:           m.Name,
			DailyCapacity:  m.DailyCapacity,
			MandatoryDaily: m.MandatoryDaily,
			Active:         m.Active,
			UsedToday:      used,
		})
	}
	return info, nil
}

// tenantNames caches id -> (code, name) lookups within one report.
type tenantNames struct {
	r     quota.Reader
	cache map[quota.TenantID][2]string
}

func newTenantNames(r quota.Reader) *tenantNames {
	return &tenantNames{r: r, cache: map[quota.TenantID][2]string{}}
}

func (n *tenantNames) lookup(ctx context.Context, id quota.TenantID) (string, string, error) {
	if id == "" {
		return "", "", nil
	}
	if v, ok := n.cache[id]; ok {
		return v[0], v[1], nil
	}
	t, err := n.r.GetTenant(ctx, id)
	if err != nil {
		return "", "", err
	}
	n.cache[id] = [2]string{t.Code, t.Name}
	return t.Code, t.Name, nil
}
