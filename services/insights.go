package services

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"carwatch/models"
	"carwatch/utils"
)

type InsightService struct {
	logger *utils.Logger
}

func NewInsightService(logger *utils.Logger) *InsightService {
	return &InsightService{logger: logger}
}

// Generate computes market figures over listings. Prices are aggregated over
// active listings with a known price only.
func (s *InsightService) Generate(listings []*models.Listing) *models.MarketReport {
	report := &models.MarketReport{
		ListingsBySource:   make(map[string]int),
		ListingsByLocation: make(map[string]int),
	}

	if len(listings) == 0 {
		return report
	}

	report.TotalListings = len(listings)

	var prices []decimal.Decimal
	makes := make(map[string]int)

	for _, l := range listings {
		report.ListingsBySource[l.Source]++
		if !l.IsActive {
			continue
		}
		report.ActiveListings++
		if l.Location != "" {
			report.ListingsByLocation[l.Location]++
		}
		if l.Make != nil {
			makes[*l.Make]++
		}
		if l.Price.Valid {
			prices = append(prices, l.Price.Decimal)
			if report.MostExpensive == nil || l.Price.Decimal.GreaterThan(report.MostExpensive.Price.Decimal) {
				report.MostExpensive = l
			}
		}
	}

	report.PricedListings = len(prices)
	if len(prices) > 0 {
		sort.Slice(prices, func(i, j int) bool { return prices[i].LessThan(prices[j]) })
		report.MinPrice = prices[0]
		report.MaxPrice = prices[len(prices)-1]
		report.AveragePrice = decimal.Avg(prices[0], prices[1:]...).Round(2)

		mid := len(prices) / 2
		if len(prices)%2 == 1 {
			report.MedianPrice = prices[mid]
		} else {
			report.MedianPrice = prices[mid-1].Add(prices[mid]).Div(decimal.NewFromInt(2)).Round(2)
		}
	}

	for mk, n := range makes {
		report.TopMakes = append(report.TopMakes, models.MakeCount{Make: mk, Count: n})
	}
	sort.Slice(report.TopMakes, func(i, j int) bool {
		if report.TopMakes[i].Count != report.TopMakes[j].Count {
			return report.TopMakes[i].Count > report.TopMakes[j].Count
		}
		return report.TopMakes[i].Make < report.TopMakes[j].Make
	})
	if len(report.TopMakes) > 10 {
		report.TopMakes = report.TopMakes[:10]
	}

	s.logger.Debug("[insights] Report over %d listings (%d active, %d priced)",
		report.TotalListings, report.ActiveListings, report.PricedListings)
	return report
}

func (s *InsightService) Print(r *models.MarketReport) {
	sep := strings.Repeat("═", 54)
	thin := strings.Repeat("─", 54)

	fmt.Printf("\n\033[1;35m%s\033[0m\n", sep)
	fmt.Printf("\033[1;35m  📊 CARWATCH MARKET INSIGHTS\033[0m\n")
	fmt.Printf("\033[1;35m%s\033[0m\n\n", sep)

	fmt.Printf("\033[1;33m  Overview\033[0m\n")
	fmt.Printf("  %s\n", thin)
	fmt.Printf("  Total listings  : \033[1m%d\033[0m\n", r.TotalListings)
	fmt.Printf("  Active listings : \033[1m%d\033[0m\n", r.ActiveListings)
	for _, src := range sortedKeys(r.ListingsBySource) {
		fmt.Printf("  %-15s : %d\n", src, r.ListingsBySource[src])
	}
	fmt.Println()

	fmt.Printf("\033[1;33m  Price Statistics (active listings)\033[0m\n")
	fmt.Printf("  %s\n", thin)
	if r.PricedListings > 0 {
		fmt.Printf("  Average price : \033[1;32m%s\033[0m\n", models.FormatMoney(r.AveragePrice))
		fmt.Printf("  Median price  : \033[1;32m%s\033[0m\n", models.FormatMoney(r.MedianPrice))
		fmt.Printf("  Minimum price : \033[1;32m%s\033[0m\n", models.FormatMoney(r.MinPrice))
		fmt.Printf("  Maximum price : \033[1;32m%s\033[0m\n", models.FormatMoney(r.MaxPrice))
	} else {
		fmt.Printf("  No price data available\n")
	}
	fmt.Println()

	if r.MostExpensive != nil {
		fmt.Printf("\033[1;33m  Most Expensive Listing\033[0m\n")
		fmt.Printf("  %s\n", thin)
		fmt.Printf("  %s\n", truncate(r.MostExpensive.Title, 50))
		fmt.Printf("  Location : %s\n", r.MostExpensive.Location)
		fmt.Printf("  Price    : \033[1;31m%s\033[0m\n", models.FormatMoney(r.MostExpensive.Price.Decimal))
		fmt.Println()
	}

	fmt.Printf("\033[1;33m  Top Makes\033[0m\n")
	fmt.Printf("  %s\n", thin)
	if len(r.TopMakes) == 0 {
		fmt.Printf("  No make data\n")
	} else {
		for i, mc := range r.TopMakes {
			fmt.Printf("  \033[1m%d.\033[0m %-30s %d\n", i+1, mc.Make, mc.Count)
		}
	}
	fmt.Println()

	fmt.Printf("\033[1;33m  Listings by Location\033[0m\n")
	fmt.Printf("  %s\n", thin)
	if len(r.ListingsByLocation) == 0 {
		fmt.Printf("  No location data\n")
	} else {
		type locCount struct {
			loc   string
			count int
		}
		var locs []locCount
		for loc, cnt := range r.ListingsByLocation {
			locs = append(locs, locCount{loc, cnt})
		}
		sort.Slice(locs, func(i, j int) bool {
			if locs[i].count != locs[j].count {
				return locs[i].count > locs[j].count
			}
			return locs[i].loc < locs[j].loc
		})
		if len(locs) > 10 {
			locs = locs[:10]
		}
		for _, lc := range locs {
			bar := strings.Repeat("█", min(lc.count, 40))
			fmt.Printf("  %-30s %s (%d)\n", truncate(lc.loc, 28), bar, lc.count)
		}
	}

	fmt.Printf("\n\033[1;35m%s\033[0m\n\n", sep)
}

// PrintPass renders the end-of-pass summary.
func (s *InsightService) PrintPass(p *models.PassSummary) {
	sep := strings.Repeat("═", 54)
	thin := strings.Repeat("─", 54)

	title := "🚗 SCRAPE PASS COMPLETE"
	if p.Cancelled {
		title = "⚠️  SCRAPE PASS CANCELLED"
	}

	fmt.Printf("\n\033[1;36m%s\033[0m\n", sep)
	fmt.Printf("\033[1;36m  %s\033[0m\n", title)
	fmt.Printf("\033[1;36m%s\033[0m\n\n", sep)

	fmt.Printf("  Pass     : %s\n", p.PassID)
	fmt.Printf("  Duration : %s\n", p.Duration().Round(time.Millisecond))
	fmt.Printf("  %s\n", thin)
	fmt.Printf("  Pages fetched        : %d\n", p.PagesFetched)
	fmt.Printf("  Fragments            : %d\n", p.Fragments)
	fmt.Printf("  Canonical listings   : %d\n", p.Canonical)
	fmt.Printf("  New                  : \033[1;32m%d\033[0m\n", p.Reconcile.New)
	fmt.Printf("  Updated              : %d\n", p.Reconcile.Unchanged+p.Reconcile.PriceChanged)
	fmt.Printf("  Price changes        : %d (%d up, %d down)\n",
		p.Reconcile.PriceChanged, p.Reconcile.PriceIncreases, p.Reconcile.PriceDecreases)
	fmt.Printf("  Deactivated          : %d\n", len(p.Reconcile.Deactivated))
	fmt.Printf("  %s\n", thin)
	fmt.Printf("  Alerts checked       : %d\n", p.Match.AlertsChecked)
	fmt.Printf("  New matches          : %d\n", p.Match.NewMatches)
	fmt.Printf("  Notifications sent   : %d (skipped %d)\n", p.Match.NotificationsSent, p.Match.NotificationsSkipped)
	fmt.Printf("  %s\n", thin)
	if total := p.TotalErrors(); total == 0 {
		fmt.Printf("  Errors               : 0\n")
	} else {
		fmt.Printf("  Errors               : \033[1;31m%d\033[0m\n", total)
		for _, k := range p.ErrorKinds() {
			fmt.Printf("    %-18s : %d\n", k, p.Errors[k])
		}
	}

	fmt.Printf("\n\033[1;36m%s\033[0m\n\n", sep)
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
