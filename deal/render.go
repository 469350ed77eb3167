package deal

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	notAvailable  = "N/A"
	unknownAuthor = "unknown"
	divider       = "---"
)

// categories lists the rendered engagement sections in output order.
var categories = []struct {
	kind  EngagementType
	title string
}{
	{EngagementEmail, "EMAILS"},
	{EngagementNote, "NOTES"},
	{EngagementCall, "CALLS"},
	{EngagementMeeting, "MEETINGS"},
	{EngagementTask, "TASKS"},
}

// propertyLines maps info-block labels to their HubSpot property keys, in order.
// Amount, Status and Link are derived and inserted separately.
var propertyLines = []struct {
	label string
	key   string
}{
	{"Deal Name", "dealname"},
	{"Amount", ""},
	{"Deal Type", "dealtype"},
	{"Stage", "dealstage"},
	{"Status", ""},
	{"Market", "market"},
	{"Segment", "segment"},
	{"Created", "createdate"},
	{"Closed", "closedate"},
	{"Days to Close", "days_to_close"},
	{"Owner ID", "hubspot_owner_id"},
	{"Pipeline", "pipeline"},
	{"Forecast Category", "hs_forecast_category"},
	{"Forecast Amount", "hs_forecast_amount"},
}

// Render turns a deal record into structured plain text. It never fails:
// missing values render as "N/A" and missing sections are skipped.
func Render(rec *Record) string {
	if rec == nil {
		return ""
	}

	var sections []string
	if rec.Properties != nil {
		sections = append(sections, renderInfo(rec))
	}
	if rec.TotalItems != nil {
		sections = append(sections, renderSummary(*rec.TotalItems))
	}

	grouped := groupEngagements(rec.Engagements)
	for _, cat := range categories {
		items := grouped[cat.kind]
		if len(items) == 0 {
			continue
		}
		sections = append(sections, renderCategory(cat.title, items))
	}

	return strings.Join(sections, "\n\n")
}

func renderInfo(rec *Record) string {
	props := rec.Properties
	lines := []string{"=== DEAL INFORMATION ==="}
	for _, pl := range propertyLines {
		var value string
		switch pl.label {
		case "Amount":
			value = amountWithCurrency(props)
		case "Status":
			value = props.Status()
		default:
			value = orNA(props.Get(pl.key))
		}
		lines = append(lines, fmt.Sprintf("%s: %s", pl.label, value))
	}
	lines = append(lines, "Link: "+orNA(strings.TrimSpace(rec.URL)))
	return strings.Join(lines, "\n")
}

func amountWithCurrency(props Properties) string {
	amount := props.Get("amount")
	if amount == "" {
		return notAvailable
	}
	if currency := props.Get("deal_currency_code"); currency != "" {
		return amount + " " + currency
	}
	return amount
}

func renderSummary(total float64) string {
	return "=== ENGAGEMENT SUMMARY ===\nTotal Items: " + strconv.FormatFloat(total, 'f', -1, 64)
}

// groupEngagements buckets engagements by type, keeping source order inside
// each bucket. Types outside the known categories are dropped.
func groupEngagements(engagements []Engagement) map[EngagementType][]Engagement {
	grouped := make(map[EngagementType][]Engagement, len(categories))
	for _, e := range engagements {
		if !knownType(e.Type) {
			continue
		}
		grouped[e.Type] = append(grouped[e.Type], e)
	}
	return grouped
}

func knownType(t EngagementType) bool {
	for _, cat := range categories {
		if cat.kind == t {
			return true
		}
	}
	return false
}

func renderCategory(title string, items []Engagement) string {
	var b strings.Builder
	fmt.Fprintf(&b, "=== %s (%d) ===", title, len(items))
	for i, e := range items {
		if i > 0 {
			b.WriteString("\n" + divider)
		}
		author := strings.TrimSpace(string(e.Author))
		if author == "" {
			author = unknownAuthor
		}
		fmt.Fprintf(&b, "\nDate: %s\nAuthor: %s\n%s", orNA(strings.TrimSpace(string(e.CreatedAt))), author, strings.TrimSpace(string(e.Body)))
	}
	return b.String()
}

func orNA(s string) string {
	if s == "" {
		return notAvailable
	}
	return s
}
