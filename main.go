package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Chocobozzz/PeerTube-sub005/activitypub"
	"github.com/Chocobozzz/PeerTube-sub005/db"
	"github.com/Chocobozzz/PeerTube-sub005/delivery"
	"github.com/Chocobozzz/PeerTube-sub005/domain"
	"github.com/Chocobozzz/PeerTube-sub005/follow"
	"github.com/Chocobozzz/PeerTube-sub005/reputation"
	"github.com/Chocobozzz/PeerTube-sub005/util"
	"github.com/Chocobozzz/PeerTube-sub005/web"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// applicationActor signs actor fetches on behalf of the instance.
const applicationActor = "peertube"

var (
	configFile string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:          util.Name,
		Short:        "ActivityPub federation core: signed inboxes, delivery queue and peer reputation",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(
		serveCmd(),
		keygenCmd(),
		createActorCmd(),
		followCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*util.AppConfig, error) {
	if configFile == "" {
		return util.ReadConf()
	}
	buf, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return util.ParseConf(buf)
}

func openDatabase(conf *util.AppConfig, logger *zap.Logger) (*db.DB, error) {
	database, err := db.Open(util.ResolveFilePath(conf.Conf.Database), logger)
	if err != nil {
		return nil, err
	}
	if err := database.MigrateUp(); err != nil {
		database.Close()
		return nil, err
	}
	return database, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the inbox endpoints and the delivery workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := loadConfig()
			if err != nil {
				return err
			}
			logger, err := util.NewLogger(verbose)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, conf, logger)
		},
	}
}

func serve(ctx context.Context, conf *util.AppConfig, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	fed := conf.Federation
	logger.Info("Starting", zap.String("version", util.GetVersion()), zap.String("domain", conf.Conf.Domain))
	logger.Debug("Configuration", zap.String("config", util.PrettyPrint(conf)))

	database, err := openDatabase(conf, logger)
	if err != nil {
		return err
	}
	defer database.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	resolver, err := activitypub.NewContextResolver(fed.Contexts, logger.Named("contexts"))
	if err != nil {
		return err
	}
	httpCodec := activitypub.NewHTTPSignatureCodec(fed.Signature)
	documents := activitypub.NewDocumentSignatureCodec(resolver)
	keys := activitypub.NewKeyManager(fed.Signature.KeySize)

	app, err := ensureActor(ctx, database, keys, conf.BaseURL(), applicationActor, domain.ActorApplication)
	if err != nil {
		return err
	}
	fetcher := activitypub.NewActorFetcher(database, fed.RequestTimeout, fed.ActorRefreshInterval, logger.Named("actors"))
	fetcher.SignFetchesAs(httpCodec, app)

	follows := follow.NewMachine(database, fed.Reputation.Base, logger.Named("follows"))
	scores := reputation.New(database, fed.Reputation, reputation.NewMetrics(registry), logger.Named("reputation"))

	queue := delivery.NewQueue(database, delivery.OptionsFromConfig(fed), delivery.NewMetrics(registry), logger.Named("delivery"))
	sender := delivery.NewSender(queue, database, delivery.SenderConfig{
		Transport:            delivery.NewTransport(httpCodec, fed.RequestTimeout),
		Documents:            documents,
		Follows:              follows,
		Actors:               fetcher,
		Outcomes:             scores,
		BroadcastConcurrency: fed.BroadcastConcurrency,
	}, logger.Named("sender"))

	verifier := activitypub.NewVerifier(httpCodec, documents, fetcher, logger.Named("verifier"))
	inbox := activitypub.NewInbox(verifier, fetcher, database, follows, sender, fed.AutoAcceptFollowers, logger.Named("inbox"))
	router := web.NewRouter(conf, inbox, database, registry, logger.Named("http"))

	if err := queue.Start(ctx); err != nil {
		return err
	}
	go scores.Run(ctx)

	err = router.Serve(ctx)
	if err != nil {
		logger.Error("HTTP server stopped", zap.Error(err))
	}

	// the workers stop with ctx, also when the server failed on its own
	cancel()
	queue.Wait()
	// reputation outcomes not yet drained are lost
	logger.Info("Stopped")
	return err
}

// ensureActor loads a local actor, creating it on first start.
func ensureActor(ctx context.Context, database *db.DB, keys *activitypub.KeyManager, baseURL, username string, actorType domain.ActorType) (*domain.Actor, error) {
	actor, err := database.LoadLocalActorByUsername(ctx, username)
	if err == nil {
		return actor, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	return activitypub.CreateLocalActor(ctx, database, keys, baseURL, username, actorType)
}

func keygenCmd() *cobra.Command {
	var (
		ed25519 bool
		size    int
	)

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an actor keypair and print it as PEM",
		RunE: func(cmd *cobra.Command, args []string) error {
			keys := activitypub.NewKeyManager(size)
			generate := keys.Generate
			if ed25519 {
				generate = keys.GenerateEd25519
			}

			pair, err := generate()
			if err != nil {
				return err
			}
			fingerprint, err := activitypub.Fingerprint(pair.Public)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprint(out, pair.Private)
			fmt.Fprint(out, pair.Public)
			fmt.Fprintln(out, fingerprint)
			return nil
		},
	}

	cmd.Flags().BoolVar(&ed25519, "ed25519", false, "generate an Ed25519 key instead of RSA")
	cmd.Flags().IntVar(&size, "size", 2048, "RSA key size in bits")
	return cmd
}

func createActorCmd() *cobra.Command {
	var actorType string

	cmd := &cobra.Command{
		Use:   "create-actor <username>",
		Short: "Create a local actor with a fresh keypair",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := loadConfig()
			if err != nil {
				return err
			}
			logger, err := util.NewLogger(verbose)
			if err != nil {
				return err
			}
			defer logger.Sync()

			database, err := openDatabase(conf, logger)
			if err != nil {
				return err
			}
			defer database.Close()

			keys := activitypub.NewKeyManager(conf.Federation.Signature.KeySize)
			actor, err := activitypub.CreateLocalActor(cmd.Context(), database, keys, conf.BaseURL(), args[0], domain.ActorType(actorType))
			if err != nil {
				return err
			}
			fingerprint, err := activitypub.Fingerprint(actor.PublicKey)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Created %s\n\tkey %s\n", actor.URL, fingerprint)
			return nil
		},
	}

	cmd.Flags().StringVar(&actorType, "type", string(domain.ActorPerson), "actor type (Person, Group, Application, Service, Organization)")
	return cmd
}

func followCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "follow <username> <actor-url>",
		Short: "Queue a follow of a remote actor by a local actor",
		Long:  `The follow job is stored and sent by the delivery workers of a running serve process.`,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := loadConfig()
			if err != nil {
				return err
			}
			logger, err := util.NewLogger(verbose)
			if err != nil {
				return err
			}
			defer logger.Sync()

			database, err := openDatabase(conf, logger)
			if err != nil {
				return err
			}
			defer database.Close()

			ctx := cmd.Context()
			local, err := database.LoadLocalActorByUsername(ctx, args[0])
			if err != nil {
				return fmt.Errorf("unknown local actor %q: %w", args[0], err)
			}

			queue := delivery.NewQueue(database, delivery.OptionsFromConfig(conf.Federation), nil, logger)
			sender := delivery.NewSender(queue, database, delivery.SenderConfig{}, logger)
			job, err := sender.Follow(ctx, local, args[1])
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Queued follow of %s (job %s)\n", args[1], job.Id)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), util.GetNameAndVersion())
		},
	}
}
