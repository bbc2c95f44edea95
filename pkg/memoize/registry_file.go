package memoize

import (
	"fmt"
	"os"

	str2duration "github.com/xhit/go-str2duration/v2"
	yaml "go.yaml.in/yaml/v2"
)

// fileConfig is the on-disk shape LoadRegistryFile parses: spec.md
// §4.7's two parameter classes flattened into one YAML document, with
// duration fields accepted as human strings ("10m", "1h30m") instead
// of raw nanosecond integers.
type fileConfig struct {
	Backend          string `yaml:"backend"`
	FileRoot         string `yaml:"file_root"`
	FileSeparate     bool   `yaml:"file_separate"`
	FileWatch        *bool  `yaml:"file_watch"`
	SharedLease      string `yaml:"shared_lease"`
	CacheOn          *bool  `yaml:"cache_on"`
	StaleAfter       string `yaml:"stale_after"`
	ReturnOldOnStale bool   `yaml:"return_old_value_on_stale"`
	WaitTimeout      string `yaml:"wait_for_calc_timeout"`
	AllowNone        bool   `yaml:"allow_none"`
}

// LoadRegistryFile reads a YAML configuration file and returns the
// StaticParams/LiveParams pair it describes, for seeding a Registry (or
// a base Option set passed to Wrap) at process start. The result starts
// from defaultStaticParams()/defaultLiveParams(), so fields the file
// leaves unset keep those defaults (e.g. caching on, file watch on).
func LoadRegistryFile(path string) (StaticParams, LiveParams, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return StaticParams{}, LiveParams{}, fmt.Errorf("memoize: read registry file %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return StaticParams{}, LiveParams{}, fmt.Errorf("memoize: parse registry file %s: %w", path, err)
	}

	sp := defaultStaticParams()
	if fc.Backend != "" {
		sp.Backend = BackendType(fc.Backend)
	}
	sp.FileRoot = fc.FileRoot
	sp.FileSeparate = fc.FileSeparate
	if fc.FileWatch != nil {
		sp.FileWatch = *fc.FileWatch
	}
	if fc.SharedLease != "" {
		d, err := str2duration.ParseDuration(fc.SharedLease)
		if err != nil {
			return StaticParams{}, LiveParams{}, fmt.Errorf("memoize: registry file %s: shared_lease: %w", path, err)
		}
		sp.SharedLease = d
	}

	lp := defaultLiveParams()
	if fc.CacheOn != nil {
		lp.CacheOn = *fc.CacheOn
	}
	if fc.StaleAfter != "" {
		d, err := str2duration.ParseDuration(fc.StaleAfter)
		if err != nil {
			return StaticParams{}, LiveParams{}, fmt.Errorf("memoize: registry file %s: stale_after: %w", path, err)
		}
		lp.StaleAfter = d
	}
	if fc.WaitTimeout != "" {
		d, err := str2duration.ParseDuration(fc.WaitTimeout)
		if err != nil {
			return StaticParams{}, LiveParams{}, fmt.Errorf("memoize: registry file %s: wait_for_calc_timeout: %w", path, err)
		}
		lp.WaitTimeout = d
	}
	lp.AllowNone = fc.AllowNone
	lp.ReturnOldOnStale = fc.ReturnOldOnStale

	return sp, lp, nil
}

// ApplyFile loads path via LoadRegistryFile and stores the resulting
// LiveParams on r, seeding process-wide defaults at startup. The
// returned StaticParams is decorator-time-bound and must instead be
// threaded into Wrap as Options by the caller (e.g. via WithBackend,
// WithFileRoot) — a Registry only carries the live half.
func (r *Registry) ApplyFile(path string) (StaticParams, error) {
	sp, lp, err := LoadRegistryFile(path)
	if err != nil {
		return StaticParams{}, err
	}
	r.SetLiveParams(lp)
	return sp, nil
}
