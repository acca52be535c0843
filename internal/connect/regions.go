package connect

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed regions.yaml
var regionsYAML []byte

// Region holds the endpoints and app identifiers for one brand in one
// market.
type Region struct {
	Brand        string `yaml:"-"`
	Name         string `yaml:"-"`
	APIBase      string `yaml:"api_base"`
	IDPBase      string `yaml:"idp_base"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	AppID        string `yaml:"app_id"`
	ConnectorID  string `yaml:"connector_id"`
	StampKey     string `yaml:"stamp_key"`
	UserAgent    string `yaml:"user_agent"`
}

// RedirectURI is the OAuth redirect registered for the app client.
func (r Region) RedirectURI() string {
	return r.APIBase + "/api/v1/user/oauth2/redirect"
}

// parseRegions decodes a brand -> region -> Region table.
func parseRegions(data []byte) (map[string]map[string]Region, error) {
	var table map[string]map[string]Region
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("parsing region table: %w", err)
	}

	for brand, regions := range table {
		for name, r := range regions {
			r.Brand = brand
			r.Name = name
			regions[name] = r
		}
	}

	return table, nil
}

// LookupRegion returns the embedded endpoint set for brand and region.
// Matching is case-insensitive.
func LookupRegion(brand, region string) (Region, error) {
	table, err := parseRegions(regionsYAML)
	if err != nil {
		return Region{}, err
	}

	regions, ok := table[strings.ToLower(brand)]
	if !ok {
		return Region{}, fmt.Errorf("unsupported brand %q, available: %s", brand, strings.Join(keys(table), ", "))
	}

	r, ok := regions[strings.ToLower(region)]
	if !ok {
		return Region{}, fmt.Errorf("unsupported region %q for %s, available: %s", region, brand, strings.Join(keys(regions), ", "))
	}

	return r, nil
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}

	sort.Strings(out)

	return out
}
