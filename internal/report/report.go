package report

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"hpo-backend/internal/database"
	"hpo-backend/internal/search"

	"github.com/google/uuid"
	"gopkg.in/yaml.v2"
	"gorm.io/gorm"
)

const (
	TrialsFile = "trials.csv"
	BestFile   = "best.yml"
)

// Summary aggregates everything a status report needs about one study.
type Summary struct {
	Name      string
	Status    string
	Direction string
	Metric    string
	NTrials   int

	TrialCounts map[string]int64

	BestTrialNumber int
	BestValue       float64
	BestParams      map[string]any
	HasBest         bool

	Errors []database.StudyError
}

func Summarize(ctx context.Context, db *gorm.DB, studyId uuid.UUID) (Summary, error) {
	study, err := database.GetStudy(ctx, db, studyId)
	if err != nil {
		return Summary{}, fmt.Errorf("error loading study %s: %w", studyId, err)
	}

	counts, err := database.TrialStatusCounts(ctx, db, studyId)
	if err != nil {
		return Summary{}, err
	}

	summary := Summary{
		Name:        study.Name,
		Status:      study.Status,
		Direction:   study.Direction,
		Metric:      study.Metric,
		NTrials:     study.NTrials,
		TrialCounts: counts,
	}

	if study.BestTrialNumber.Valid {
		var best database.Trial
		if err := db.WithContext(ctx).Where("study_id = ? AND number = ?", studyId, study.BestTrialNumber.Int64).First(&best).Error; err != nil {
			return Summary{}, fmt.Errorf("error loading best trial for study %s: %w", study.Name, err)
		}
		summary.HasBest = true
		summary.BestTrialNumber = best.Number
		summary.BestValue = study.BestValue.Float64
		if len(best.Params) > 0 {
			if err := json.Unmarshal(best.Params, &summary.BestParams); err != nil {
				return Summary{}, fmt.Errorf("error decoding best trial params for study %s: %w", study.Name, err)
			}
		}
	}

	if err := db.WithContext(ctx).Where("study_id = ?", studyId).Order("timestamp").Find(&summary.Errors).Error; err != nil {
		return Summary{}, err
	}

	return summary, nil
}

func (s Summary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "study %s [%s]\n", s.Name, s.Status)
	fmt.Fprintf(&b, "  %s %s over %d trials\n", s.Direction, s.Metric, s.NTrials)
	statuses := make([]string, 0, len(s.TrialCounts))
	for status := range s.TrialCounts {
		statuses = append(statuses, status)
	}
	sort.Strings(statuses)
	for _, status := range statuses {
		fmt.Fprintf(&b, "  %-9s %d\n", strings.ToLower(status), s.TrialCounts[status])
	}
	if s.HasBest {
		fmt.Fprintf(&b, "  best: trial %d with %s = %v\n", s.BestTrialNumber, s.Metric, s.BestValue)
		names := make([]string, 0, len(s.BestParams))
		for name := range s.BestParams {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(&b, "    %s: %v\n", name, s.BestParams[name])
		}
	} else {
		fmt.Fprintf(&b, "  best: no successful trials\n")
	}
	if len(s.Errors) > 0 {
		fmt.Fprintf(&b, "  errors: %d\n", len(s.Errors))
	}
	return b.String()
}

// WriteTrialsCSV dumps every trial as one row, with a column per declared
// parameter.
func WriteTrialsCSV(ctx context.Context, db *gorm.DB, studyId uuid.UUID, spec *search.Spec, w io.Writer) error {
	var trials []database.Trial
	if err := db.WithContext(ctx).Where("study_id = ?", studyId).Order("number").Find(&trials).Error; err != nil {
		return fmt.Errorf("error loading trials for study %s: %w", studyId, err)
	}

	paramNames := make([]string, 0, len(spec.Parameters))
	for _, p := range spec.Parameters {
		paramNames = append(paramNames, p.Name)
	}
	sort.Strings(paramNames)

	writer := csv.NewWriter(w)
	header := append([]string{"number", "status", "value", "start_time", "completion_time"}, paramNames...)
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, trial := range trials {
		var params map[string]any
		if len(trial.Params) > 0 {
			if err := json.Unmarshal(trial.Params, &params); err != nil {
				return fmt.Errorf("error decoding params for trial %d: %w", trial.Number, err)
			}
		}

		row := []string{
			fmt.Sprint(trial.Number),
			trial.Status,
			"",
			"",
			"",
		}
		if trial.Value.Valid {
			row[2] = fmt.Sprint(trial.Value.Float64)
		}
		if trial.StartTime.Valid {
			row[3] = trial.StartTime.Time.Format("2006-01-02 15:04:05")
		}
		if trial.CompletionTime.Valid {
			row[4] = trial.CompletionTime.Time.Format("2006-01-02 15:04:05")
		}
		for _, name := range paramNames {
			if v, ok := params[name]; ok {
				row = append(row, fmt.Sprint(v))
			} else {
				row = append(row, "")
			}
		}

		if err := writer.Write(row); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

type bestDocument struct {
	StudyName string         `yaml:"study_name"`
	Metric    string         `yaml:"metric"`
	Direction string         `yaml:"direction"`
	BestTrial int            `yaml:"best_trial"`
	BestValue float64        `yaml:"best_value"`
	Params    map[string]any `yaml:"params"`
}

// WriteBestYAML writes the winning assignment, with colon-joined parameter
// keys expanded back into nested maps so the document can be pasted into a
// model config.
func WriteBestYAML(summary Summary, spec *search.Spec, w io.Writer) error {
	if !summary.HasBest {
		return fmt.Errorf("study %s has no successful trials to report", summary.Name)
	}

	doc := bestDocument{
		StudyName: summary.Name,
		Metric:    summary.Metric,
		Direction: summary.Direction,
		BestTrial: summary.BestTrialNumber,
		BestValue: summary.BestValue,
		Params:    nestParams(summary.BestParams, spec.Parameters),
	}

	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("error marshalling best trial document: %w", err)
	}
	_, err = w.Write(data)
	return err
}

// nestParams rebuilds the nested shape the config keys describe: a value
// sampled for "model:optimizer:lr" lands at params["model"]["optimizer"]["lr"].
func nestParams(values map[string]any, specs []search.ParameterSpec) map[string]any {
	out := make(map[string]any)
	for _, p := range specs {
		value, ok := values[p.Name]
		if !ok {
			continue
		}
		key := p.Key
		if key == "" {
			key = p.Name
		}
		parts := strings.Split(key, ":")
		node := out
		for _, part := range parts[:len(parts)-1] {
			child, ok := node[part].(map[string]any)
			if !ok {
				child = make(map[string]any)
				node[part] = child
			}
			node = child
		}
		node[parts[len(parts)-1]] = value
	}
	return out
}

// Export writes trials.csv and best.yml for a study into dir.
func Export(ctx context.Context, db *gorm.DB, studyId uuid.UUID, spec *search.Spec, dir string) error {
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return fmt.Errorf("error creating report directory %s: %w", dir, err)
	}

	trialsFile, err := os.Create(filepath.Join(dir, TrialsFile))
	if err != nil {
		return err
	}
	defer trialsFile.Close()
	if err := WriteTrialsCSV(ctx, db, studyId, spec, trialsFile); err != nil {
		return err
	}

	summary, err := Summarize(ctx, db, studyId)
	if err != nil {
		return err
	}
	if !summary.HasBest {
		// No winner yet, so no best.yml. The CSV alone is still useful.
		return nil
	}

	bestFile, err := os.Create(filepath.Join(dir, BestFile))
	if err != nil {
		return err
	}
	defer bestFile.Close()
	return WriteBestYAML(summary, spec, bestFile)
}
