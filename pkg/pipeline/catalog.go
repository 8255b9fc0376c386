package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/Sternrassler/cpi-ingest/pkg/timeseries"
)

// Family is a set of series ingested together into one dataset.
type Family struct {
	// Name identifies the family and names its dataset.
	Name string `json:"name"`

	// Series in column order.
	Series []timeseries.Series `json:"series"`

	// Target pins the month to ingest ("2006-01"). Empty means the previous
	// calendar month at run time.
	Target string `json:"target,omitempty"`
}

// Validate checks the family definition.
func (f Family) Validate() error {
	if f.Name == "" {
		return fmt.Errorf("family name is required")
	}
	req := timeseries.SeriesRequest{Series: f.Series, Range: timeseries.DateRange{StartYear: 1, EndYear: 1}}
	if err := req.Validate(); err != nil {
		return fmt.Errorf("family %s: %w", f.Name, err)
	}
	if f.Target != "" {
		if _, err := timeseries.ParseMonth(f.Target); err != nil {
			return fmt.Errorf("family %s: %w", f.Name, err)
		}
	}
	return nil
}

// ResolveTarget returns override if set, the pinned target if any, otherwise
// the month before now.
func (f Family) ResolveTarget(override, now time.Time) (time.Time, error) {
	if !override.IsZero() {
		return timeseries.MonthStart(override), nil
	}
	if f.Target != "" {
		return timeseries.ParseMonth(f.Target)
	}
	return timeseries.PreviousMonth(now), nil
}

// Catalog lists the families to ingest.
type Catalog struct {
	Families []Family `json:"families"`
}

// Validate checks every family and that names are unique.
func (c Catalog) Validate() error {
	if len(c.Families) == 0 {
		return fmt.Errorf("catalog has no families")
	}
	seen := make(map[string]struct{}, len(c.Families))
	for _, f := range c.Families {
		if err := f.Validate(); err != nil {
			return err
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("duplicate family %q", f.Name)
		}
		seen[f.Name] = struct{}{}
	}
	return nil
}

// Family looks up a family by name.
func (c Catalog) Family(name string) (Family, bool) {
	for _, f := range c.Families {
		if f.Name == name {
			return f, true
		}
	}
	return Family{}, false
}

// LoadCatalog reads a JSON catalog file.
func LoadCatalog(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("read catalog: %w", err)
	}

	var c Catalog
	if err := json.Unmarshal(data, &c); err != nil {
		return Catalog{}, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return Catalog{}, fmt.Errorf("invalid catalog %s: %w", path, err)
	}
	return c, nil
}

// DefaultCatalog is the CPI-U (U.S. city average, not seasonally adjusted)
// headline and major-group families.
func DefaultCatalog() Catalog {
	return Catalog{Families: []Family{
		{
			Name: "cpi-u-headline",
			Series: []timeseries.Series{
				{ID: "CUUR0000SA0", Name: "All items"},
				{ID: "CUUR0000SA0L1E", Name: "All items less food and energy"},
				{ID: "CUUR0000SAF1", Name: "Food"},
				{ID: "CUUR0000SA0E", Name: "Energy"},
			},
		},
		{
			Name: "cpi-u-groups",
			Series: []timeseries.Series{
				{ID: "CUUR0000SAH", Name: "Housing"},
				{ID: "CUUR0000SAA", Name: "Apparel"},
				{ID: "CUUR0000SAT", Name: "Transportation"},
				{ID: "CUUR0000SAM", Name: "Medical care"},
				{ID: "CUUR0000SAR", Name: "Recreation"},
				{ID: "CUUR0000SAE", Name: "Education and communication"},
				{ID: "CUUR0000SAG", Name: "Other goods and services"},
			},
		},
	}}
}
