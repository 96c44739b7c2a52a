// entitystore gRPC server
// Serves snapshot-isolated entity collections with concurrent query execution
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"github.com/nainya/entitystore/internal/config"
	"github.com/nainya/entitystore/internal/logger"
	"github.com/nainya/entitystore/internal/metrics"
	"github.com/nainya/entitystore/internal/server"
	"github.com/nainya/entitystore/pkg/store"
	"github.com/nainya/entitystore/pkg/wal"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := config.New()
	var cfgFile string

	root := &cobra.Command{
		Use:          "entitystore",
		Short:        "Concurrent entity query server",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, toml or json)")
	if err := config.BindFlags(v, root.PersistentFlags()); err != nil {
		panic(err)
	}

	load := func() (*config.Config, error) {
		cfg, err := config.Load(v, cfgFile)
		if err != nil {
			return nil, err
		}
		logger.InitGlobalLogger(logger.Config{
			Level:      cfg.Log.Level,
			Pretty:     cfg.Log.Pretty,
			WithCaller: cfg.Log.Caller,
		})
		return cfg, nil
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Recover the journal and serve gRPC requests",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := load()
				if err != nil {
					return err
				}
				return serve(v, cfg, cfgFile != "")
			},
		},
		newRecoverCommand(load),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "entitystore %s\n", version)
			},
		},
	)
	return root
}

func newRecoverCommand(load func() (*config.Config, error)) *cobra.Command {
	var checkpoint bool
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Replay the journal, report what was recovered and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if cfg.WAL.Path == "" {
				return errors.New("recover requires a journal path (--wal or wal.path)")
			}
			log := logger.GetGlobalLogger()
			st, journal, err := openStore(cfg, log)
			if err != nil {
				return err
			}
			defer journal.Close()

			for _, c := range st.Stats() {
				fmt.Fprintf(cmd.OutOrStdout(), "%-20s live=%d archived=%d\n", c.Name, c.Live, c.Archived)
			}
			if checkpoint {
				if err := st.Checkpoint(); err != nil {
					return errors.Wrap(err, "checkpoint")
				}
				size, _ := journal.Size()
				fmt.Fprintf(cmd.OutOrStdout(), "checkpoint written, journal size %s\n", humanize.Bytes(uint64(size)))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&checkpoint, "checkpoint", false, "write a checkpoint after recovery")
	return cmd
}

// openStore defines the configured collections and replays the journal into them
func openStore(cfg *config.Config, log *logger.Logger) (*store.Store, *wal.WAL, error) {
	var opts []store.Option
	var journal *wal.WAL
	if cfg.WAL.Path != "" {
		journal = &wal.WAL{Path: cfg.WAL.Path, SyncOnCommit: cfg.WAL.Sync}
		if err := journal.Open(); err != nil {
			return nil, nil, errors.Wrap(err, "open journal")
		}
		opts = append(opts, store.WithJournal(journal))
	}

	st := store.New(opts...)
	for _, sch := range cfg.Schemas() {
		if err := st.DefineCollection(sch); err != nil {
			return nil, nil, errors.Wrapf(err, "define collection %s", sch.Name)
		}
	}
	if journal == nil {
		return st, nil, nil
	}

	stats, err := st.Recover()
	if err != nil {
		journal.Close()
		return nil, nil, err
	}
	size, _ := journal.Size()
	log.LogRecovery(stats, size)
	return st, journal, nil
}

func serve(v *viper.Viper, cfg *config.Config, watch bool) error {
	log := logger.GetGlobalLogger()
	log.LogServerStart(cfg.GRPC.Port, cfg.WAL.Path)

	m := metrics.NewMetrics()
	defer m.Close()

	obs := server.NewObservabilityServer(cfg.Metrics.Port, nil, log)
	go func() {
		if err := obs.Start(); err != nil {
			log.Error("Observability server stopped").Err(err).Send()
		}
	}()

	st, journal, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	if journal != nil {
		defer journal.Close()
		checkpointer := wal.NewCheckpointer(st.Checkpoint, func(err error) {
			log.Error("Checkpoint failed").Err(err).Send()
		})
		checkpointer.SetInterval(cfg.WAL.CheckpointInterval)
		checkpointer.Start()
		defer checkpointer.Stop()
	}

	srv := server.NewServer(st, server.Options{
		Journal:         journal,
		MaxInFlight:     cfg.Query.MaxInFlight,
		BatchTimeout:    cfg.Query.BatchTimeout,
		DefaultPageSize: cfg.Query.DefaultPageSize,
		Logger:          log,
		Metrics:         m,
	})

	if watch {
		config.Watch(v, func(c *config.Config) {
			logger.SetLevel(c.Log.Level)
			log.Info("Configuration reloaded").Str("level", c.Log.Level).Send()
		}, func(err error) {
			log.Warn("Ignoring invalid configuration").Err(err).Send()
		})
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPC.Port))
	if err != nil {
		return errors.Wrap(err, "listen")
	}

	maxMsg := cfg.GRPC.MaxMessageMB * 1024 * 1024
	grpcServer := grpc.NewServer(
		grpc.MaxRecvMsgSize(maxMsg),
		grpc.MaxSendMsgSize(maxMsg),
		grpc.UnaryInterceptor(server.GrpcMetricsInterceptor(m, log)),
	)
	server.RegisterEntityStoreServer(grpcServer, srv)

	// Register reflection service for grpcurl/grpcui
	reflection.Register(grpcServer)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.LogServerShutdown()
		obs.SetReady(false)
		grpcServer.GracefulStop()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := obs.Shutdown(ctx); err != nil {
			log.Warn("Observability shutdown failed").Err(err).Send()
		}
	}()

	obs.SetReady(true)
	log.LogServerReady(cfg.GRPC.Port)
	if err := grpcServer.Serve(lis); err != nil {
		return errors.Wrap(err, "serve")
	}
	return nil
}
