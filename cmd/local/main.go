package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"hpo-backend/cmd"
	"hpo-backend/internal/api"
	"hpo-backend/internal/config"
	"hpo-backend/internal/coordinator"
	"hpo-backend/internal/database"
	"hpo-backend/internal/messaging"
	"hpo-backend/internal/report"
	"hpo-backend/internal/search"
	"hpo-backend/internal/storage"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"gorm.io/gorm"
)

func createDatabase(spec *search.Spec) *gorm.DB {
	storageType := spec.StorageType
	locator := spec.Storage
	if locator == "" {
		storageType = "sqlite"
		locator = filepath.Join(spec.SavePath, "study.db")
	}

	if storageType == "sqlite" {
		if err := os.MkdirAll(filepath.Dir(locator), os.ModePerm); err != nil {
			log.Fatalf("Failed to create database directory: %v", err)
		}
	}

	db, err := database.Open(storageType, locator)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	return db
}

func createServer(db *gorm.DB, queue messaging.Publisher, port string) *http.Server {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	apiHandler := api.NewStudyService(db, queue)
	apiHandler.AddRoutes(r)

	return &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
}

func waitForStudy(ctx context.Context, db *gorm.DB, studyId uuid.UUID) database.Study {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		study, err := database.GetStudy(ctx, db, studyId)
		if err != nil {
			log.Fatalf("Failed to load study: %v", err)
		}

		switch study.Status {
		case database.StudyCompleted, database.StudyCancelled, database.StudyFailed:
			return study
		}

		select {
		case <-ctx.Done():
			return study
		case <-ticker.C:
		}
	}
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to the search config yaml")

	cmd.LoadEnvFile()

	if configPath == "" {
		log.Fatal("missing required flag -config")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	spec, err := config.LoadSearchSpec(configPath)
	if err != nil {
		log.Fatalf("Invalid search config: %v", err)
	}

	if err := os.MkdirAll(spec.SavePath, os.ModePerm); err != nil {
		log.Fatalf("error creating save directory: %v", err)
	}

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	if spec.LogToFile {
		f, err := os.OpenFile(filepath.Join(spec.SavePath, "search.log"), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			log.Fatalf("error opening log file: %v", err)
		}
		defer f.Close()

		log.SetOutput(io.MultiWriter(f, os.Stderr))
	}

	slog.Info("starting search", "study", spec.StudyName, "trials", spec.NTrials, "backend", cfg.Backend, "save_path", spec.SavePath)

	db := createDatabase(spec)

	queue := messaging.NewInMemoryQueue()
	defer queue.Close()

	bar := progressbar.NewOptions(spec.NTrials,
		progressbar.OptionSetDescription("trials"),
		progressbar.OptionSetWidth(30),
		progressbar.OptionClearOnFinish(),
	)

	worker := messaging.NewStudyWorker(
		db, queue, queue,
		cmd.NewBackendFactory(cfg),
		1,
		coordinator.WithPollInterval(time.Duration(cfg.PollIntervalMS)*time.Millisecond),
		coordinator.WithTrialCallback(func(status string) {
			// Pruned trials are replaced, so only budgeted outcomes advance the bar.
			if status == database.TrialComplete || status == database.TrialFailed {
				_ = bar.Add(1)
			}
		}),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	study, err := database.GetOrCreateStudy(ctx, db, spec)
	if err != nil {
		log.Fatalf("Failed to create study: %v", err)
	}

	if err := queue.PublishRunStudyTask(ctx, messaging.RunStudyPayload{StudyId: study.Id}); err != nil {
		log.Fatalf("Failed to queue study: %v", err)
	}

	server := createServer(db, queue, cfg.APIPort)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Could not listen on %s: %v\n", cfg.APIPort, err)
		}
	}()

	go worker.Start(ctx)

	study = waitForStudy(ctx, db, study.Id)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	if err := report.Export(context.Background(), db, study.Id, spec, spec.SavePath); err != nil {
		log.Fatalf("Failed to write report files: %v", err)
	}

	if spec.Archive != "" {
		target, err := storage.ParseArchiveTarget(spec.Archive, cmd.S3ConfigFromEnv())
		if err != nil {
			log.Fatalf("Invalid archive target %s: %v", spec.Archive, err)
		}
		if err := storage.ArchiveStudy(context.Background(), target, spec.StudyName, spec.SavePath); err != nil {
			log.Fatalf("Failed to archive study: %v", err)
		}
		slog.Info("archived study results", "target", spec.Archive)
	}

	summary, err := report.Summarize(context.Background(), db, study.Id)
	if err != nil {
		log.Fatalf("Failed to summarize study: %v", err)
	}

	fmt.Println(summary.String())
}
