package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"hpo-backend/internal/search"

	"gopkg.in/yaml.v2"
)

// ErrInvalidConfig marks a search configuration the loader rejected. It is
// fatal: no trial runs against a config that failed validation.
var ErrInvalidConfig = errors.New("invalid search config")

const defaultWalltime = "12:00:00"

// The document shape as written by users. Unknown keys are ignored so old
// orchestrators keep accepting newer configs.
type searchFile struct {
	Log      bool       `yaml:"log"`
	SavePath string     `yaml:"save_path"`
	Archive  string     `yaml:"archive"`
	PBS      *pbsConfig `yaml:"pbs"`
	Optuna   optunaCfg  `yaml:"optuna"`
}

type pbsConfig struct {
	Jobs         int        `yaml:"jobs"`
	TrialsPerJob int        `yaml:"trials_per_job"`
	Bash         []string   `yaml:"bash"`
	Batch        batchLines `yaml:"batch"`
}

type batchLines struct {
	L []string `yaml:"l"`
	A string   `yaml:"A"`
	Q string   `yaml:"q"`
	N string   `yaml:"N"`
	O string   `yaml:"o"`
	E string   `yaml:"e"`
}

type optunaCfg struct {
	StudyName   string                  `yaml:"study_name"`
	Storage     string                  `yaml:"storage"`
	StorageType string                  `yaml:"storage_type"`
	Objective   string                  `yaml:"objective"`
	Direction   string                  `yaml:"direction"`
	Metric      string                  `yaml:"metric"`
	NTrials     int                     `yaml:"n_trials"`
	GPU         bool                    `yaml:"gpu"`
	Sampler     samplerCfg              `yaml:"sampler"`
	Pruner      prunerCfg               `yaml:"pruner"`
	Parameters  map[string]parameterCfg `yaml:"parameters"`
}

type samplerCfg struct {
	Type           string `yaml:"type"`
	NStartupTrials int    `yaml:"n_startup_trials"`
	Seed           int64  `yaml:"seed"`
}

type prunerCfg struct {
	Type           string `yaml:"type"`
	NStartupTrials int    `yaml:"n_startup_trials"`
	NWarmupSteps   int    `yaml:"n_warmup_steps"`
	NMinTrials     int    `yaml:"n_min_trials"`
}

type parameterCfg struct {
	Type     string      `yaml:"type"`
	Settings settingsCfg `yaml:"settings"`
}

type settingsCfg struct {
	Name    string  `yaml:"name"`
	Low     float64 `yaml:"low"`
	High    float64 `yaml:"high"`
	Choices []any   `yaml:"choices"`
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// LoadSearchSpec parses and validates a YAML search config. Relative paths
// (objective, save_path, sqlite storage) are resolved against the config
// file's directory.
func LoadSearchSpec(path string) (*search.Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read search config %s: %w", path, err)
	}

	spec, err := ParseSearchSpec(data)
	if err != nil {
		return nil, err
	}

	baseDir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	resolvePaths(spec, baseDir)

	if _, err := os.Stat(spec.Objective); err != nil {
		return nil, invalidf("objective %s does not exist", spec.Objective)
	}

	return spec, nil
}

// ParseSearchSpec builds a validated spec from raw YAML without touching the
// filesystem. Callers that need path resolution use LoadSearchSpec.
func ParseSearchSpec(data []byte) (*search.Spec, error) {
	var file searchFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, invalidf("malformed yaml: %v", err)
	}

	spec := &search.Spec{
		StudyName:   file.Optuna.StudyName,
		Storage:     file.Optuna.Storage,
		StorageType: file.Optuna.StorageType,
		Objective:   file.Optuna.Objective,
		Direction:   search.Direction(strings.ToLower(file.Optuna.Direction)),
		Metric:      file.Optuna.Metric,
		NTrials:     file.Optuna.NTrials,
		GPU:         file.Optuna.GPU,
		SavePath:    file.SavePath,
		LogToFile:   file.Log,
		Archive:     file.Archive,
		Jobs:        1,
		Sampler: search.SamplerSpec{
			Type:           file.Optuna.Sampler.Type,
			NStartupTrials: file.Optuna.Sampler.NStartupTrials,
			Seed:           file.Optuna.Sampler.Seed,
		},
		Pruner: search.PrunerSpec{
			Type:           file.Optuna.Pruner.Type,
			NStartupTrials: file.Optuna.Pruner.NStartupTrials,
			NWarmupSteps:   file.Optuna.Pruner.NWarmupSteps,
			NMinTrials:     file.Optuna.Pruner.NMinTrials,
		},
	}

	if file.PBS != nil {
		spec.Jobs = file.PBS.Jobs
		spec.TrialsPerJob = file.PBS.TrialsPerJob
		spec.Bootstrap = file.PBS.Bash
		spec.Batch = search.BatchDirectives{
			Resources: file.PBS.Batch.L,
			Account:   file.PBS.Batch.A,
			Queue:     file.PBS.Batch.Q,
			Name:      file.PBS.Batch.N,
			Stdout:    file.PBS.Batch.O,
			Stderr:    file.PBS.Batch.E,
		}
		spec.Walltime = walltimeFromResources(file.PBS.Batch.L)
	}

	names := make([]string, 0, len(file.Optuna.Parameters))
	for name := range file.Optuna.Parameters {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		p := file.Optuna.Parameters[name]
		param := search.ParameterSpec{
			Key:     name,
			Name:    p.Settings.Name,
			Type:    p.Type,
			Low:     p.Settings.Low,
			High:    p.Settings.High,
			Choices: p.Settings.Choices,
		}
		if param.Name == "" {
			// The map key doubles as the name; "a:b:c" keys address nested
			// model-config fields and the last segment names the parameter.
			parts := strings.Split(name, ":")
			param.Name = parts[len(parts)-1]
		}
		spec.Parameters = append(spec.Parameters, param)
	}

	if err := validate(spec); err != nil {
		return nil, err
	}
	return spec, nil
}

func validate(spec *search.Spec) error {
	if spec.StudyName == "" {
		return invalidf("optuna.study_name is required")
	}
	if spec.Objective == "" {
		return invalidf("optuna.objective is required")
	}
	if spec.Metric == "" {
		return invalidf("optuna.metric is required")
	}
	if spec.NTrials <= 0 {
		return invalidf("optuna.n_trials must be positive, got %d", spec.NTrials)
	}
	if spec.Direction != search.Maximize && spec.Direction != search.Minimize {
		return invalidf("optuna.direction must be 'maximize' or 'minimize', got '%s'", spec.Direction)
	}
	if spec.Jobs <= 0 {
		return invalidf("pbs.jobs must be positive, got %d", spec.Jobs)
	}
	if len(spec.Parameters) == 0 {
		return invalidf("optuna.parameters must declare at least one parameter")
	}
	for _, p := range spec.Parameters {
		if err := p.Validate(); err != nil {
			return invalidf("%v", err)
		}
	}
	if _, err := search.NewSampler(spec.Sampler, spec.Direction); err != nil {
		return invalidf("%v", err)
	}
	if _, err := search.NewPruner(spec.Pruner); err != nil {
		return invalidf("%v", err)
	}
	return nil
}

func resolvePaths(spec *search.Spec, baseDir string) {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) || strings.Contains(p, "://") {
			return p
		}
		return filepath.Join(baseDir, p)
	}
	spec.Objective = resolve(spec.Objective)
	spec.SavePath = resolve(spec.SavePath)
	if spec.StorageType == "" || strings.ToLower(spec.StorageType) == "sqlite" {
		spec.Storage = resolve(spec.Storage)
	}
}

func walltimeFromResources(resources []string) string {
	for _, option := range resources {
		if idx := strings.Index(option, "walltime="); idx >= 0 {
			return option[idx+len("walltime="):]
		}
	}
	slog.Warn("could not find a walltime in pbs batch directives, assuming 12 hours")
	return defaultWalltime
}

// ParseWalltime converts an HH:MM:SS walltime string into a duration.
func ParseWalltime(walltime string) (time.Duration, error) {
	var h, m, s int
	if _, err := fmt.Sscanf(walltime, "%d:%d:%d", &h, &m, &s); err != nil {
		return 0, invalidf("malformed walltime '%s'", walltime)
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second, nil
}
