package main

import (
	"fmt"
	"os"

	"github.com/flakewatch/flakewatch/pkg/config"
	"github.com/flakewatch/flakewatch/pkg/ingest"
	"github.com/flakewatch/flakewatch/pkg/ingest/storage"
	"github.com/flakewatch/flakewatch/pkg/ingest/store"
	"github.com/flakewatch/flakewatch/pkg/metrics"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	ingestProject      string
	ingestEnvironment  string
	ingestTrigger      string
	ingestSuite        string
	ingestBranch       string
	ingestCommit       string
	ingestMetadataFile string
)

// ingestMetadata mirrors the upload form fields for file-based runs,
// typically written by a CI step next to the report archive.
type ingestMetadata struct {
	Environment string `yaml:"environment"`
	Trigger     string `yaml:"trigger"`
	Suite       string `yaml:"suite"`
	Branch      string `yaml:"branch"`
	Commit      string `yaml:"commit"`
}

var ingestCmd = &cobra.Command{
	Use:   "ingest <archive.zip>",
	Short: "Ingest a local report archive",
	Long: `Ingest a Playwright report archive from the local filesystem,
creating the project and suite if they do not exist yet. Run metadata
comes from flags or a YAML sidecar file; flags take precedence.`,
	Args: cobra.ExactArgs(1),
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)

	ingestCmd.Flags().StringVar(&ingestProject, "project", "",
		"project name (created if missing)")
	ingestCmd.Flags().StringVar(&ingestEnvironment, "environment", "",
		"environment name (must be seeded in config lookups)")
	ingestCmd.Flags().StringVar(&ingestTrigger, "trigger", "",
		"trigger name (must be seeded in config lookups)")
	ingestCmd.Flags().StringVar(&ingestSuite, "suite", "",
		"suite name (created if missing)")
	ingestCmd.Flags().StringVar(&ingestBranch, "branch", "",
		"branch name (resolved from CI metadata when empty)")
	ingestCmd.Flags().StringVar(&ingestCommit, "commit", "",
		"commit SHA (resolved from CI metadata when empty)")
	ingestCmd.Flags().StringVar(&ingestMetadataFile, "metadata", "",
		"YAML metadata sidecar file")

	_ = ingestCmd.MarkFlagRequired("project")
}

func runIngest(cmd *cobra.Command, args []string) error {
	if len(cfgFiles) == 0 {
		return fmt.Errorf("config file is required (use --config)")
	}

	cfg, err := config.Load(cfgFiles...)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	archivePath := args[0]

	archive, err := os.ReadFile(archivePath) //nolint:gosec // operator-supplied path
	if err != nil {
		return fmt.Errorf("reading archive %s: %w", archivePath, err)
	}

	if err := applyMetadataFile(); err != nil {
		return err
	}

	if ingestEnvironment == "" || ingestTrigger == "" || ingestSuite == "" {
		return fmt.Errorf("environment, trigger, and suite are required (flags or --metadata)")
	}

	ctx := cmd.Context()

	st := store.NewStore(log, &cfg.Database)
	if err := st.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	defer func() {
		if err := st.Stop(); err != nil {
			log.WithError(err).Warn("Stopping store failed")
		}
	}()

	if err := st.SeedLookups(
		ctx, cfg.Lookups.Environments, cfg.Lookups.Triggers,
	); err != nil {
		return fmt.Errorf("seeding lookups: %w", err)
	}

	project, err := st.EnsureProject(ctx, ingestProject)
	if err != nil {
		return fmt.Errorf("ensuring project %q: %w", ingestProject, err)
	}

	if _, err := st.EnsureSuite(ctx, project.ID, ingestSuite); err != nil {
		return fmt.Errorf("ensuring suite %q: %w", ingestSuite, err)
	}

	uploader, err := buildUploader(cfg)
	if err != nil {
		return err
	}

	if err := uploader.Preflight(ctx); err != nil {
		return fmt.Errorf("storage preflight: %w", err)
	}

	maxStepsBytes, err := cfg.Ingest.MaxInlineStepsBytes()
	if err != nil {
		return err
	}

	processor := ingest.NewAttachmentProcessor(log, uploader, ingest.ProcessorOptions{
		Concurrency:         cfg.Ingest.UploadConcurrency,
		MaxInlineStepsBytes: maxStepsBytes,
		MaxInlineStepsCount: cfg.Ingest.MaxInlineStepsCount,
	})

	// One-shot ingests skip webhook notification; the aggregator still
	// runs so daily metrics stay current.
	ingester := ingest.NewIngester(
		log, st, processor, metrics.NewAggregator(log, st), nil, "",
	)

	result, err := ingester.Ingest(ctx, archive, ingest.UploadOptions{
		ProjectID:   project.ID,
		Environment: ingestEnvironment,
		Trigger:     ingestTrigger,
		Suite:       ingestSuite,
		Branch:      ingestBranch,
		Commit:      ingestCommit,
		Filename:    archivePath,
	})
	if err != nil {
		return fmt.Errorf("ingesting %s: %w", archivePath, err)
	}

	if result.Duplicate {
		log.WithField("existing_run", result.ExistingRunID).
			Info("Report already ingested, skipping")

		return nil
	}

	log.WithField("run", result.Run.ID).
		WithField("tests", len(result.Tests)).
		WithField("failed", result.Run.Failed).
		Info("Report ingested")

	return nil
}

// applyMetadataFile fills unset metadata flags from the YAML sidecar.
func applyMetadataFile() error {
	if ingestMetadataFile == "" {
		return nil
	}

	data, err := os.ReadFile(ingestMetadataFile) //nolint:gosec // operator-supplied path
	if err != nil {
		return fmt.Errorf("reading metadata file %s: %w", ingestMetadataFile, err)
	}

	var md ingestMetadata
	if err := yaml.Unmarshal(data, &md); err != nil {
		return fmt.Errorf("parsing metadata file %s: %w", ingestMetadataFile, err)
	}

	if ingestEnvironment == "" {
		ingestEnvironment = md.Environment
	}

	if ingestTrigger == "" {
		ingestTrigger = md.Trigger
	}

	if ingestSuite == "" {
		ingestSuite = md.Suite
	}

	if ingestBranch == "" {
		ingestBranch = md.Branch
	}

	if ingestCommit == "" {
		ingestCommit = md.Commit
	}

	return nil
}

func buildUploader(cfg *config.Config) (storage.Uploader, error) {
	switch {
	case cfg.Storage.S3 != nil && cfg.Storage.S3.Enabled:
		return storage.NewS3Uploader(log, cfg.Storage.S3), nil
	case cfg.Storage.Local != nil && cfg.Storage.Local.Enabled:
		return storage.NewLocalUploader(cfg.Storage.Local), nil
	default:
		return nil, fmt.Errorf("no storage backend configured")
	}
}
