package config

import "fmt"

// GraphScanConfig tunes the risk-scan detector suite.
type GraphScanConfig struct {
	Enabled bool `yaml:"enabled,omitempty"`

	// Detectors selects which detectors run; empty runs all registered.
	Detectors []string `yaml:"detectors,omitempty"`

	// DetectorTimeoutSeconds bounds each detector independently.
	DetectorTimeoutSeconds int `yaml:"detector_timeout_seconds,omitempty"`

	// GlobalCap bounds the aggregate signal list after score sorting.
	GlobalCap int `yaml:"global_cap,omitempty"`

	// Detector thresholds.
	CoMentionThreshold      int     `yaml:"co_mention_threshold,omitempty"`
	HotspotWeightThreshold  int     `yaml:"hotspot_weight_threshold,omitempty"`
	MultiProcessThreshold   int     `yaml:"multi_process_threshold,omitempty"`
	RepresentationThreshold int     `yaml:"representation_threshold,omitempty"`
	HubTopN                 int     `yaml:"hub_top_n,omitempty"`
	IsolatedClusterMaxSize  int     `yaml:"isolated_cluster_max_size,omitempty"`
	CentralityTopN          int     `yaml:"centrality_top_n,omitempty"`
	JaccardThreshold        float64 `yaml:"jaccard_threshold,omitempty"`
	TriangleMinCount        int     `yaml:"triangle_min_count,omitempty"`

	// Report persistence: per-tenant scan records with TTL.
	ReportDriver     string `yaml:"report_driver,omitempty"`
	ReportDSN        string `yaml:"report_dsn,omitempty"`
	ReportTTLDays    int    `yaml:"report_ttl_days,omitempty"`
	ReportMaxPerScan int    `yaml:"report_max_per_scan,omitempty"`
}

func (c *GraphScanConfig) SetDefaults() {
	if c.DetectorTimeoutSeconds == 0 {
		c.DetectorTimeoutSeconds = 30
	}
	if c.GlobalCap == 0 {
		c.GlobalCap = 100
	}
	if c.CoMentionThreshold == 0 {
		c.CoMentionThreshold = 3
	}
	if c.HotspotWeightThreshold == 0 {
		c.HotspotWeightThreshold = 5
	}
	if c.MultiProcessThreshold == 0 {
		c.MultiProcessThreshold = 5
	}
	if c.RepresentationThreshold == 0 {
		c.RepresentationThreshold = 10
	}
	if c.HubTopN == 0 {
		c.HubTopN = 10
	}
	if c.IsolatedClusterMaxSize == 0 {
		c.IsolatedClusterMaxSize = 5
	}
	if c.CentralityTopN == 0 {
		c.CentralityTopN = 10
	}
	if c.JaccardThreshold == 0 {
		c.JaccardThreshold = 0.6
	}
	if c.TriangleMinCount == 0 {
		c.TriangleMinCount = 3
	}
	if c.ReportTTLDays == 0 {
		c.ReportTTLDays = 30
	}
	if c.ReportMaxPerScan == 0 {
		c.ReportMaxPerScan = 500
	}
}

func (c *GraphScanConfig) Validate() error {
	if c.JaccardThreshold < 0 || c.JaccardThreshold > 1 {
		return fmt.Errorf("jaccard_threshold must be within [0,1], got %v", c.JaccardThreshold)
	}
	switch c.ReportDriver {
	case "", "sqlite3", "postgres":
	default:
		return fmt.Errorf("invalid report_driver %q (valid: sqlite3, postgres)", c.ReportDriver)
	}
	if c.ReportDriver != "" && c.ReportDSN == "" {
		return fmt.Errorf("report_driver set but report_dsn is empty")
	}
	return nil
}
