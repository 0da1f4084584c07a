package dispatch

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
)

const (
	paramsFileName  = "params.json"
	metricsFileName = "metrics.jsonl"
	stdoutFileName  = "stdout.log"
	stderrFileName  = "stderr.log"
)

var scriptTemplate = template.Must(template.New("job").Parse(`#!/bin/sh
{{- range .Directives}}
{{.}}
{{- end}}
{{- range .Bootstrap}}
{{.}}
{{- end}}
export HPO_STUDY="{{.StudyId}}"
export HPO_TRIAL_NUMBER="{{.TrialNumber}}"
export HPO_PARAMS_FILE="{{.ParamsFile}}"
export HPO_METRICS_FILE="{{.MetricsFile}}"
export HPO_DEVICE="{{.Device}}"
{{.Command}} "$HPO_PARAMS_FILE"
`))

type scriptData struct {
	Directives  []string
	Bootstrap   []string
	StudyId     string
	TrialNumber int
	ParamsFile  string
	MetricsFile string
	Device      string
	Command     string
}

// prepareWorkDir creates the trial directory and writes the parameter
// assignment the objective will read.
func prepareWorkDir(req JobRequest) error {
	if err := os.MkdirAll(req.WorkDir, os.ModePerm); err != nil {
		return fmt.Errorf("failed to create trial directory %s: %w", req.WorkDir, err)
	}

	params, err := json.Marshal(req.Params)
	if err != nil {
		return fmt.Errorf("could not marshal trial params: %w", err)
	}
	if err := os.WriteFile(filepath.Join(req.WorkDir, paramsFileName), params, 0o644); err != nil {
		return fmt.Errorf("failed to write params file: %w", err)
	}
	return nil
}

// renderScript writes the submission script for a trial and returns its path.
// With no directives this is the plain shell script the local backend runs;
// with PBS directives it is the qsub payload.
func renderScript(req JobRequest, directives []string, name string) (string, error) {
	device := "cpu"
	if req.GPU {
		device = "cuda:0"
	}

	data := scriptData{
		Directives:  directives,
		Bootstrap:   req.Bootstrap,
		StudyId:     req.StudyId.String(),
		TrialNumber: req.TrialNumber,
		ParamsFile:  filepath.Join(req.WorkDir, paramsFileName),
		MetricsFile: filepath.Join(req.WorkDir, metricsFileName),
		Device:      device,
		Command:     objectiveCommand(req.Objective),
	}

	var sb strings.Builder
	if err := scriptTemplate.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("failed to render job script: %w", err)
	}

	path := filepath.Join(req.WorkDir, name)
	if err := os.WriteFile(path, []byte(sb.String()), 0o755); err != nil {
		return "", fmt.Errorf("failed to write job script: %w", err)
	}
	return path, nil
}

func objectiveCommand(objective string) string {
	if strings.HasSuffix(objective, ".py") {
		return "python3 " + objective
	}
	return objective
}

// pbsDirectives expands the batch config into "#PBS" header lines.
func pbsDirectives(req JobRequest) []string {
	var lines []string
	add := func(flag, value string) {
		if value != "" {
			lines = append(lines, fmt.Sprintf("#PBS -%s %s", flag, value))
		}
	}

	name := req.Batch.Name
	if name == "" {
		name = fmt.Sprintf("trial-%d", req.TrialNumber)
	}
	add("N", name)
	add("A", req.Batch.Account)
	add("q", req.Batch.Queue)
	for _, resource := range req.Batch.Resources {
		add("l", resource)
	}
	stdout := req.Batch.Stdout
	if stdout == "" {
		stdout = filepath.Join(req.WorkDir, stdoutFileName)
	}
	stderr := req.Batch.Stderr
	if stderr == "" {
		stderr = filepath.Join(req.WorkDir, stderrFileName)
	}
	add("o", stdout)
	add("e", stderr)
	return lines
}
