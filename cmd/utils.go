package cmd

import (
	"flag"
	"fmt"
	"log"
	"os"

	"hpo-backend/internal/config"
	"hpo-backend/internal/dispatch"
	"hpo-backend/internal/messaging"
	"hpo-backend/internal/search"
	"hpo-backend/internal/storage"

	"github.com/joho/godotenv"
)

func LoadEnvFile() {
	var configPath string

	flag.StringVar(&configPath, "env", "", "path to load env from")
	flag.Parse()

	if configPath == "" {
		log.Printf("no env file specified, using os.Environ only")
		return
	}

	log.Printf("loading env from file %s", configPath)
	err := godotenv.Load(configPath)
	if err != nil {
		log.Fatalf("error loading .env file '%s': %v", configPath, err)
	}
}

// NewBackendFactory builds trial dispatch backends per the configured
// execution mode.
func NewBackendFactory(cfg *config.Config) messaging.BackendFactory {
	return func(spec *search.Spec) (dispatch.Backend, error) {
		switch cfg.Backend {
		case "pbs":
			return dispatch.NewPBSBackend(), nil
		case "local":
			return dispatch.NewLocalBackend(), nil
		default:
			return nil, fmt.Errorf("unknown dispatch backend '%s'", cfg.Backend)
		}
	}
}

// S3ConfigFromEnv picks up the standard AWS variables for archive uploads.
func S3ConfigFromEnv() storage.S3ClientConfig {
	return storage.S3ClientConfig{
		Endpoint:        os.Getenv("S3_ENDPOINT_URL"),
		Region:          os.Getenv("AWS_REGION"),
		AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
	}
}
