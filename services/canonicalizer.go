package services

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"

	"carwatch/models"
	"carwatch/utils"
)

var (
	// priceRegexp captures the first amount, optionally preceded by a currency sign.
	priceRegexp = regexp.MustCompile(`\$?\s*(\d[\d,]*(?:\.\d+)?)`)
	// yearRegexp captures a standalone model year in 1900-2099.
	yearRegexp = regexp.MustCompile(`\b(19\d{2}|20\d{2})\b`)
	// mileageRegexp captures digits right before a mile(s)/mi token, with an optional k marker.
	mileageRegexp = regexp.MustCompile(`(?i)(\d[\d,]*)(k?)\s*(?:miles?|mi)\b`)
)

// maxMileage is the largest value the integer mileage column holds.
const maxMileage = math.MaxInt32

// maxPrice is the exclusive upper bound of a NUMERIC(12,2) price.
var maxPrice = decimal.New(1, 10)

// Manufacturer is one entry of the make vocabulary.
type Manufacturer struct {
	Token string // lower-case substring searched for in the title
	Name  string // canonical display name stored on the listing
}

// Manufacturers is scanned in order and the first token found anywhere in
// the lower-cased title wins, even when a later token also appears. The order
// is the only tie-break. Tokens are plain substrings, so "ram" also matches
// inside longer words.
var Manufacturers = []Manufacturer{
	{"honda", "Honda"},
	{"toyota", "Toyota"},
	{"ford", "Ford"},
	{"chevrolet", "Chevrolet"},
	{"chevy", "Chevrolet"},
	{"nissan", "Nissan"},
	{"mazda", "Mazda"},
	{"subaru", "Subaru"},
	{"hyundai", "Hyundai"},
	{"kia", "Kia"},
	{"volkswagen", "Volkswagen"},
	{"vw", "Volkswagen"},
	{"bmw", "BMW"},
	{"mercedes", "Mercedes"},
	{"audi", "Audi"},
	{"lexus", "Lexus"},
	{"acura", "Acura"},
	{"infiniti", "Infiniti"},
	{"dodge", "Dodge"},
	{"jeep", "Jeep"},
	{"ram", "Ram"},
	{"gmc", "GMC"},
	{"buick", "Buick"},
	{"cadillac", "Cadillac"},
	{"tesla", "Tesla"},
	{"porsche", "Porsche"},
	{"volvo", "Volvo"},
	{"mitsubishi", "Mitsubishi"},
}

// modelPatterns holds one "<token>\s+(\w+)" pattern per vocabulary entry.
var modelPatterns = func() map[string]*regexp.Regexp {
	m := make(map[string]*regexp.Regexp, len(Manufacturers))
	for _, mf := range Manufacturers {
		m[mf.Token] = regexp.MustCompile(regexp.QuoteMeta(mf.Token) + `\s+(\w+)`)
	}
	return m
}()

// Canonicalizer turns raw fragments from any adapter into canonical listings.
// Every adapter shares it so the parsing rules live in one place.
type Canonicalizer struct{}

// NewCanonicalizer creates a Canonicalizer.
func NewCanonicalizer() *Canonicalizer {
	return &Canonicalizer{}
}

// Canonicalize converts a batch, dropping fragments without a URL or external
// id and duplicates of an external id already seen in the batch. The returned
// count is the number of malformed fragments skipped.
func (c *Canonicalizer) Canonicalize(log *utils.Logger, raw []*models.RawListing) ([]*models.Listing, int) {
	seen := utils.NewKeySet()
	result := make([]*models.Listing, 0, len(raw))
	malformed := 0

	for _, r := range raw {
		l, err := c.Record(r)
		if err != nil {
			malformed++
			log.Warn("[canonicalizer] Dropping fragment: %v", err)
			continue
		}
		if !seen.Add(l.ExternalID) {
			log.Debug("[canonicalizer] Duplicate external id skipped: %s", l.ExternalID)
			continue
		}
		result = append(result, l)
	}

	log.Info("[canonicalizer] Canonicalized %d → %d listings (malformed %d, duplicates %d)",
		len(raw), len(result), malformed, len(raw)-malformed-seen.Size())
	return result, malformed
}

// Record canonicalizes one fragment. It fails only when the fragment cannot
// be identified; unparseable fields are left nil.
func (c *Canonicalizer) Record(r *models.RawListing) (*models.Listing, error) {
	if r == nil {
		return nil, fmt.Errorf("nil fragment")
	}
	url := strings.TrimSpace(r.URL)
	if url == "" {
		return nil, fmt.Errorf("fragment %q has no url", normaliseText(r.Title))
	}
	externalID := strings.TrimSpace(r.ExternalID)
	if externalID == "" {
		return nil, fmt.Errorf("fragment %s has no external id", url)
	}

	title := normaliseText(r.Title)
	year, mk, model := ParseTitle(title)

	mileage := ParseMileage(r.RawMileage)
	if mileage == nil {
		mileage = ParseMileage(title)
	}

	return &models.Listing{
		ExternalID:  externalID,
		Source:      strings.ToLower(strings.TrimSpace(r.Source)),
		URL:         url,
		Title:       title,
		Price:       ParsePrice(r.RawPrice),
		Year:        year,
		Make:        mk,
		Model:       model,
		Mileage:     mileage,
		Location:    strings.Trim(normaliseText(r.Location), "()"),
		Description: normaliseText(r.Description),
		IsActive:    true,
	}, nil
}

// ParsePrice extracts the first amount from price text, rounded to cents.
// Amounts too large for the price column are null.
// Examples:
//
//	"$15,500"       → 15500
//	"$9,999.50 obo" → 9999.50
//	""              → null
func ParsePrice(raw string) decimal.NullDecimal {
	m := priceRegexp.FindStringSubmatch(raw)
	if len(m) < 2 {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(strings.ReplaceAll(m[1], ",", ""))
	if err != nil {
		return decimal.NullDecimal{}
	}
	d = d.Round(2)
	if !d.LessThan(maxPrice) {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: d, Valid: true}
}

// ParseTitle extracts year, make and model from a title such as
// "2018 Honda Civic LX".
func ParseTitle(title string) (year *int, mk *string, model *string) {
	if m := yearRegexp.FindStringSubmatch(title); len(m) == 2 {
		if y, err := strconv.Atoi(m[1]); err == nil {
			year = &y
		}
	}

	lower := strings.ToLower(title)
	for _, mf := range Manufacturers {
		if !strings.Contains(lower, mf.Token) {
			continue
		}
		name := mf.Name
		mk = &name
		if mm := modelPatterns[mf.Token].FindStringSubmatch(lower); len(mm) == 2 {
			md := titleCase(mm[1])
			model = &md
		}
		break
	}
	return year, mk, model
}

// ParseMileage extracts mileage from text like "65,000 miles" or "65k mi".
// Values outside 0..maxMileage are null.
func ParseMileage(raw string) *int {
	m := mileageRegexp.FindStringSubmatch(raw)
	if len(m) < 3 {
		return nil
	}
	n, err := strconv.ParseInt(strings.ReplaceAll(m[1], ",", ""), 10, 64)
	if err != nil || n < 0 || n > maxMileage {
		return nil
	}
	if m[2] != "" {
		if n > maxMileage/1000 {
			return nil
		}
		n *= 1000
	}
	v := int(n)
	return &v
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	r := []rune(strings.ToLower(s))
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}

// normaliseText strips leading/trailing whitespace and collapses internal whitespace.
func normaliseText(s string) string {
	return strings.Join(strings.FieldsFunc(s, unicode.IsSpace), " ")
}
