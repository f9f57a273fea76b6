package results

// Quality buckets shown by the status command and the API.
const (
	CategoryExcellent = "excellent"
	CategoryGood      = "good"
	CategoryFair      = "fair"
	CategoryPoor      = "poor"
	CategoryOffline   = "offline"
)

var thresholds = []struct {
	max  float64
	name string
}{
	{600, CategoryExcellent},
	{1000, CategoryGood},
	{1500, CategoryFair},
	{SentinelDelay, CategoryPoor},
}

// Category maps a result onto its delay quality bucket.
func Category(r Result) string {
	if r.Status != StatusOnline {
		return CategoryOffline
	}
	for _, t := range thresholds {
		if r.DelayMs < t.max {
			return t.name
		}
	}
	return CategoryOffline
}
