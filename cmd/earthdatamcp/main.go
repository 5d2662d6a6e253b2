package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nasa/earthdata-mcp/ai"
	"github.com/nasa/earthdata-mcp/catalog/cmr"
	"github.com/nasa/earthdata-mcp/catalog/kms"
	"github.com/nasa/earthdata-mcp/internal/metrics"
	"github.com/nasa/earthdata-mcp/internal/profile"
	"github.com/nasa/earthdata-mcp/internal/version"
	"github.com/nasa/earthdata-mcp/pipeline/bootstrap"
	"github.com/nasa/earthdata-mcp/pipeline/ingest"
	"github.com/nasa/earthdata-mcp/pipeline/queue"
	"github.com/nasa/earthdata-mcp/pipeline/worker"
	"github.com/nasa/earthdata-mcp/server"
	"github.com/nasa/earthdata-mcp/store"
	"github.com/nasa/earthdata-mcp/store/db"
)

var rootCmd = &cobra.Command{
	Use:   "earthdata-mcp",
	Short: `Semantic search over the NASA Earthdata catalog: an embedding pipeline, a pgvector store, and a search API.`,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		// .env is a developer convenience; process managers inject real env.
		_ = godotenv.Load()
		return nil
	},
	Run: func(_ *cobra.Command, _ []string) {
		instanceProfile := loadProfile()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		storeInstance, err := openStore(ctx, instanceProfile)
		if err != nil {
			slog.Error("failed to open store", "error", err)
			return
		}
		defer storeInstance.Close()

		embedder, err := newEmbedder(instanceProfile)
		if err != nil {
			slog.Error("failed to create embedding service", "error", err)
			return
		}

		exporter := metrics.NewExporter()
		broker := queue.NewBroker(queue.Options{
			MaxReceiveCount: instanceProfile.MaxReceiveCount,
		})
		normalizer := ingest.NewNormalizer(broker, slog.Default())

		pool := worker.NewPool(
			broker,
			storeInstance,
			embedder,
			cmr.NewClient(instanceProfile.CMRURL),
			kms.NewClient(instanceProfile.KMSURL),
			exporter,
			slog.Default(),
			worker.NewOptionsFromProfile(instanceProfile),
		)
		go pool.Run(ctx)

		searchService := server.NewSearchService(storeInstance, embedder, exporter, slog.Default())
		s, err := server.NewServer(ctx, instanceProfile, storeInstance, searchService, normalizer, exporter, slog.Default())
		if err != nil {
			slog.Error("failed to create server", "error", err)
			return
		}

		c := make(chan os.Signal, 1)
		// SIGTERM is what process managers send for graceful shutdown.
		signal.Notify(c, terminationSignals...)
		go func() {
			<-c
			s.Shutdown(ctx)
			cancel()
		}()

		printGreetings(instanceProfile)

		if err := s.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("failed to start server", "error", err)
			cancel()
		}

		<-ctx.Done()
	},
}

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Backfill the vector store by paging through the catalog and embedding every concept",
	RunE: func(cmd *cobra.Command, _ []string) error {
		instanceProfile := loadProfile()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		c := make(chan os.Signal, 1)
		signal.Notify(c, terminationSignals...)
		go func() {
			<-c
			slog.Info("interrupted, checkpoint preserved for resume")
			cancel()
		}()

		storeInstance, err := openStore(ctx, instanceProfile)
		if err != nil {
			return err
		}
		defer storeInstance.Close()

		embedder, err := newEmbedder(instanceProfile)
		if err != nil {
			return err
		}

		conceptType, _ := cmd.Flags().GetString("concept-type")
		provider, _ := cmd.Flags().GetString("provider")
		pageSize, _ := cmd.Flags().GetInt("page-size")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		checkpointDir, _ := cmd.Flags().GetString("checkpoint-dir")

		if !store.IsKnownConceptType(conceptType) {
			return fmt.Errorf("unknown concept type %q", conceptType)
		}

		checkpoints, err := bootstrap.NewFileCheckpointStore(checkpointDir)
		if err != nil {
			return err
		}

		exporter := metrics.NewExporter()
		broker := queue.NewBroker(queue.Options{
			MaxReceiveCount: instanceProfile.MaxReceiveCount,
		})
		catalogClient := cmr.NewClient(instanceProfile.CMRURL)
		pool := worker.NewPool(
			broker,
			storeInstance,
			embedder,
			catalogClient,
			kms.NewClient(instanceProfile.KMSURL),
			exporter,
			slog.Default(),
			worker.NewOptionsFromProfile(instanceProfile),
		)
		go pool.Run(ctx)

		loader := bootstrap.NewLoader(catalogClient, broker, checkpoints, slog.Default(), bootstrap.Options{
			PageSize: pageSize,
			DryRun:   dryRun,
		})

		searchParams := url.Values{}
		if provider != "" {
			searchParams.Set("provider", provider)
		}

		summary, err := loader.Run(ctx, conceptType, searchParams)
		if err != nil {
			return err
		}

		if !dryRun {
			drainQueue(ctx, broker)
		}
		cancel()

		fmt.Printf("Backfill of %s complete: %d pages, %d concepts, %d enqueued, %d skipped\n",
			summary.ConceptType, summary.Pages, summary.Concepts, summary.Enqueued, summary.Skipped)
		if dead := broker.DeadLetters(); len(dead) > 0 {
			fmt.Printf("%d jobs dead-lettered; first reason: %s\n", len(dead), dead[0].Reason)
		}
		return nil
	},
}

// drainQueue waits for the workers to finish the enqueued backlog.
func drainQueue(ctx context.Context, broker *queue.Broker) {
	quiet := 0
	for quiet < 3 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(500 * time.Millisecond):
		}
		if broker.Depth() == 0 {
			quiet++
		} else {
			quiet = 0
		}
	}
}

func loadProfile() *profile.Profile {
	instanceProfile := &profile.Profile{
		Mode:    viper.GetString("mode"),
		Addr:    viper.GetString("addr"),
		Port:    viper.GetInt("port"),
		Driver:  viper.GetString("driver"),
		DSN:     viper.GetString("dsn"),
		Version: version.GetCurrentVersion(viper.GetString("mode")),
	}
	instanceProfile.FromEnv()
	if err := instanceProfile.Validate(); err != nil {
		panic(err)
	}
	return instanceProfile
}

func openStore(ctx context.Context, instanceProfile *profile.Profile) (*store.Store, error) {
	dbDriver, err := db.NewDBDriver(instanceProfile)
	if err != nil {
		return nil, err
	}
	storeInstance := store.New(dbDriver, instanceProfile)
	if err := storeInstance.Migrate(ctx); err != nil {
		return nil, err
	}
	return storeInstance, nil
}

// newEmbedder returns the real provider client, or the deterministic
// stand-in when no API key is configured so demo setups work offline.
func newEmbedder(instanceProfile *profile.Profile) (ai.EmbeddingService, error) {
	if instanceProfile.EmbeddingAPIKey == "" {
		if instanceProfile.Mode == "prod" {
			return nil, errors.New("embedding api key is required in prod mode")
		}
		slog.Warn("no embedding api key configured, using the offline stand-in embedder")
		return ai.NewFakeEmbeddingService(instanceProfile.EmbeddingDimensions), nil
	}
	return ai.NewEmbeddingService(ai.NewEmbeddingConfigFromProfile(instanceProfile))
}

func printGreetings(instanceProfile *profile.Profile) {
	fmt.Printf("Earthdata MCP %s started\n", instanceProfile.Version)
	fmt.Printf("Mode: %s\n", instanceProfile.Mode)
	fmt.Printf("Database driver: %s\n", instanceProfile.Driver)
	fmt.Printf("Embedding dimensions: %d\n", instanceProfile.EmbeddingDimensions)
	if len(instanceProfile.Addr) == 0 {
		fmt.Printf("Search API at: http://localhost:%d/api/v1/search\n", instanceProfile.Port)
	} else {
		fmt.Printf("Search API at: http://%s:%d/api/v1/search\n", instanceProfile.Addr, instanceProfile.Port)
	}
}

func init() {
	viper.SetDefault("mode", "dev")
	viper.SetDefault("driver", "postgres")
	viper.SetDefault("port", 28080)

	rootCmd.PersistentFlags().String("mode", "dev", `mode of server, can be "prod" or "dev" or "demo"`)
	rootCmd.PersistentFlags().String("addr", "", "address of server")
	rootCmd.PersistentFlags().Int("port", 28080, "port of server")
	rootCmd.PersistentFlags().String("driver", "postgres", "database driver (postgres, memory)")
	rootCmd.PersistentFlags().String("dsn", "", "database source name (aka. DSN)")

	for _, flag := range []string{"mode", "addr", "port", "driver", "dsn"} {
		if err := viper.BindPFlag(flag, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			panic(err)
		}
	}

	bootstrapCmd.Flags().String("concept-type", "collection", "concept type to backfill (collection, variable, citation)")
	bootstrapCmd.Flags().String("provider", "", "restrict the backfill to one catalog provider")
	bootstrapCmd.Flags().Int("page-size", 100, "catalog search page size")
	bootstrapCmd.Flags().Bool("dry-run", false, "page through the catalog and count, enqueue nothing")
	bootstrapCmd.Flags().String("checkpoint-dir", ".earthdata-checkpoints", "directory for backfill checkpoints")
	rootCmd.AddCommand(bootstrapCmd)

	viper.SetEnvPrefix("earthdata")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		panic(err)
	}
}
