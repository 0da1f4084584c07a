package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"path/filepath"

	"hpo-backend/cmd"
	"hpo-backend/internal/config"
	"hpo-backend/internal/database"
	"hpo-backend/internal/report"
)

func main() {
	var configPath, outDir string
	flag.StringVar(&configPath, "config", "", "path to the search config yaml")
	flag.StringVar(&outDir, "out", "", "directory to write report files to (defaults to the study save path)")

	cmd.LoadEnvFile()

	if configPath == "" {
		log.Fatal("missing required flag -config")
	}

	spec, err := config.LoadSearchSpec(configPath)
	if err != nil {
		log.Fatalf("Invalid search config: %v", err)
	}

	if outDir == "" {
		outDir = spec.SavePath
	}

	storageType, locator := spec.StorageType, spec.Storage
	if locator == "" {
		storageType = "sqlite"
		locator = filepath.Join(spec.SavePath, "study.db")
	}

	db, err := database.Open(storageType, locator)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	ctx := context.Background()

	study, err := database.GetStudyByName(ctx, db, spec.StudyName)
	if err != nil {
		log.Fatalf("Failed to load study '%s': %v", spec.StudyName, err)
	}

	summary, err := report.Summarize(ctx, db, study.Id)
	if err != nil {
		log.Fatalf("Failed to summarize study: %v", err)
	}

	fmt.Println(summary.String())

	if err := report.Export(ctx, db, study.Id, spec, outDir); err != nil {
		log.Fatalf("Failed to write report files: %v", err)
	}

	log.Printf("wrote %s and %s to %s", report.TrialsFile, report.BestFile, outDir)
}
