package llm

import "strings"

// Pricing is the dollar cost per million tokens.
type Pricing struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

func (p Pricing) Cost(tokensIn, tokensOut int) float64 {
	return float64(tokensIn)*p.InputPerMillion/1e6 + float64(tokensOut)*p.OutputPerMillion/1e6
}

// fallbackPricing applies to models missing from the catalog. It errs on the
// expensive side so an unknown model cannot slip past the budget.
var fallbackPricing = Pricing{InputPerMillion: 5, OutputPerMillion: 20}

// catalog is keyed by model id prefix; the longest matching prefix wins.
var catalog = map[string]Pricing{
	"gpt-4o":            {2.50, 10.0},
	"gpt-4o-mini":       {0.15, 0.60},
	"gpt-4.1":           {2.00, 8.00},
	"gpt-4.1-mini":      {0.40, 1.60},
	"gpt-5":             {1.25, 10.0},
	"gpt-5-mini":        {0.25, 2.00},
	"o4-mini":           {1.10, 4.40},
	"gemini-2.5-pro":    {1.25, 10.0},
	"gemini-2.5-flash":  {0.30, 2.50},
	"gemini-2.0-flash":  {0.10, 0.40},
	"gemini-3-pro":      {1.25, 5.0},
	"gemini-3-flash":    {0.15, 0.60},
	"claude-opus-4":     {15.0, 75.0},
	"claude-sonnet-4":   {3.0, 15.0},
	"claude-haiku-4":    {1.0, 5.0},
	"claude-3-5-haiku":  {0.80, 4.0},
	"command":           {0, 0},
	"local":             {0, 0},
}

// PricingFor looks up model, ignoring a "<provider>/" prefix.
func PricingFor(model string) Pricing {
	m := strings.ToLower(model)
	if i := strings.LastIndex(m, "/"); i >= 0 {
		m = m[i+1:]
	}
	best, bestLen := fallbackPricing, 0
	for prefix, p := range catalog {
		if strings.HasPrefix(m, prefix) && len(prefix) > bestLen {
			best, bestLen = p, len(prefix)
		}
	}
	return best
}
