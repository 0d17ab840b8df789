// Package manifest provides loading and validation of creupload job manifests.
//
// A job manifest is a YAML or JSON file describing one upload run: where the
// reports live, how participants are resolved to store identifiers, which
// prior runs to resume from, and where the audit outputs go.
//
// Manifests are validated against an embedded JSON Schema before use. The
// schema enforces strict typing and disallows unknown properties.
//
// Example manifest (YAML):
//
//	version: "1.0"
//	reports:
//	  source: s3://cre-results/reports/
//	  includes:
//	    - "**/*.wes.*.csv"
//	identity:
//	  strategy: mapping
//	  mapping_file: ./eid-to-iid.csv
//	resume:
//	  from:
//	    - ./variant-store-results-2024-05-01.json
//	output:
//	  dir: ./out
//	  archive: true
package manifest

// Manifest represents a validated job manifest.
//
// Version and Reports.Source are required. Every other section is optional
// and filled by ApplyDefaults.
type Manifest struct {
	// Schema is an optional JSON Schema reference for editor support.
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Version is the manifest schema version. Must be "1.0".
	Version string `json:"version" yaml:"version"`

	Reports   ReportsConfig   `json:"reports" yaml:"reports"`
	Identity  IdentityConfig  `json:"identity,omitempty" yaml:"identity,omitempty"`
	Resume    ResumeConfig    `json:"resume,omitempty" yaml:"resume,omitempty"`
	Normalize NormalizeConfig `json:"normalize,omitempty" yaml:"normalize,omitempty"`
	Demux     DemuxConfig     `json:"demux,omitempty" yaml:"demux,omitempty"`
	Output    OutputConfig    `json:"output,omitempty" yaml:"output,omitempty"`
}

// ReportsConfig selects the reports to process.
type ReportsConfig struct {
	// Source is a local directory, a single report file, or an s3:// URI.
	Source string `json:"source" yaml:"source"`

	// Includes are glob patterns relative to Source. Default: ["**"].
	Includes []string `json:"includes,omitempty" yaml:"includes,omitempty"`

	// Excludes are glob patterns removed from the include set.
	Excludes []string `json:"excludes,omitempty" yaml:"excludes,omitempty"`

	// IncludeHidden also matches dot files.
	IncludeHidden bool `json:"include_hidden,omitempty" yaml:"include_hidden,omitempty"`

	// MaxBytes bounds a single report read (0 = unbounded).
	MaxBytes int64 `json:"max_bytes,omitempty" yaml:"max_bytes,omitempty"`
}

// IdentityConfig selects how external ids become store ids.
type IdentityConfig struct {
	// Strategy is "mapping" (a local table) or "remote" (store lookup).
	// Default: "mapping" when MappingFile is set, otherwise "remote".
	Strategy string `json:"strategy,omitempty" yaml:"strategy,omitempty"`

	MappingFile string `json:"mapping_file,omitempty" yaml:"mapping_file,omitempty"`

	// KeyColumn and ValueColumn name the mapping table columns.
	// Defaults: "external_id" and "report_id".
	KeyColumn   string `json:"key_column,omitempty" yaml:"key_column,omitempty"`
	ValueColumn string `json:"value_column,omitempty" yaml:"value_column,omitempty"`
}

// ResumeConfig names prior-run outputs whose participants are skipped.
type ResumeConfig struct {
	// From lists nested JSON logs, JSONL outcome streams or run ledgers.
	From []string `json:"from,omitempty" yaml:"from,omitempty"`

	// Policy is "succeeded" or "attempted". Default: "succeeded".
	Policy string `json:"policy,omitempty" yaml:"policy,omitempty"`

	// StateDB, when set, records every outcome into a run ledger.
	StateDB string `json:"state_db,omitempty" yaml:"state_db,omitempty"`
}

// NormalizeConfig tunes the schema normalizer.
type NormalizeConfig struct {
	KeepExtraColumns bool `json:"keep_extra_columns,omitempty" yaml:"keep_extra_columns,omitempty"`

	// DropDuplicates removes repeated variants. Default: true.
	DropDuplicates *bool `json:"drop_duplicates,omitempty" yaml:"drop_duplicates,omitempty"`
}

// DemuxConfig tunes participant splitting.
type DemuxConfig struct {
	// RowPolicy is "all" or "called". Default: "all".
	RowPolicy string `json:"row_policy,omitempty" yaml:"row_policy,omitempty"`
}

// OutputConfig configures the audit outputs.
type OutputConfig struct {
	// Dir receives the nested log, the flat CSV and the outcome stream.
	// Default: ".".
	Dir string `json:"dir,omitempty" yaml:"dir,omitempty"`

	// Name overrides the generated results base name.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Archive stores every participant report under
	// Dir/demultiplexed_reports before upload.
	Archive bool `json:"archive,omitempty" yaml:"archive,omitempty"`

	// ArchiveDir overrides the archive location. Local path or s3:// URI.
	ArchiveDir string `json:"archive_dir,omitempty" yaml:"archive_dir,omitempty"`
}

// Identity strategies.
const (
	StrategyMapping = "mapping"
	StrategyRemote  = "remote"
)

// Default values for optional configuration fields.
const (
	// DefaultVersion is the current manifest schema version.
	DefaultVersion = "1.0"

	DefaultInclude     = "**"
	DefaultKeyColumn   = "external_id"
	DefaultValueColumn = "report_id"
	DefaultPolicy      = "succeeded"
	DefaultRowPolicy   = "all"
	DefaultOutputDir   = "."

	// DefaultArchiveDir is relative to Output.Dir.
	DefaultArchiveDir = "demultiplexed_reports"

	DefaultDropDuplicates = true
)

// ApplyDefaults fills in default values for optional fields.
func (m *Manifest) ApplyDefaults() {
	if m.Version == "" {
		m.Version = DefaultVersion
	}
	if len(m.Reports.Includes) == 0 {
		m.Reports.Includes = []string{DefaultInclude}
	}

	if m.Identity.Strategy == "" {
		if m.Identity.MappingFile != "" {
			m.Identity.Strategy = StrategyMapping
		} else {
			m.Identity.Strategy = StrategyRemote
		}
	}
	if m.Identity.KeyColumn == "" {
		m.Identity.KeyColumn = DefaultKeyColumn
	}
	if m.Identity.ValueColumn == "" {
		m.Identity.ValueColumn = DefaultValueColumn
	}

	if m.Resume.Policy == "" {
		m.Resume.Policy = DefaultPolicy
	}
	if m.Normalize.DropDuplicates == nil {
		v := DefaultDropDuplicates
		m.Normalize.DropDuplicates = &v
	}
	if m.Demux.RowPolicy == "" {
		m.Demux.RowPolicy = DefaultRowPolicy
	}

	if m.Output.Dir == "" {
		m.Output.Dir = DefaultOutputDir
	}
}

// DropDuplicatesEnabled returns the configured value, or
// DefaultDropDuplicates when unset.
func (n *NormalizeConfig) DropDuplicatesEnabled() bool {
	if n.DropDuplicates == nil {
		return DefaultDropDuplicates
	}
	return *n.DropDuplicates
}
