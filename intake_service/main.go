package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/niczy/gitreview/internal/config"
	"github.com/niczy/gitreview/internal/gitrepo"
	"github.com/niczy/gitreview/internal/logging"
	"github.com/niczy/gitreview/internal/metrics"
	"github.com/niczy/gitreview/internal/models"
	"github.com/niczy/gitreview/internal/notify"
	"github.com/niczy/gitreview/internal/receive"
	"github.com/niczy/gitreview/internal/replication"
	adminservice "github.com/niczy/gitreview/internal/services/admin"
	hookservice "github.com/niczy/gitreview/internal/services/hook"
	"github.com/niczy/gitreview/internal/storage"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:          "intake_service",
		Short:        "Serve the push intake hook and admin gRPC services",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Default()
			if configPath != "" {
				var err error
				if cfg, err = config.Load(configPath); err != nil {
					return err
				}
			}
			logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv, err := newServer(ctx, cfg, logger)
			if err != nil {
				return err
			}
			return srv.run(ctx)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the TOML configuration file")
	return cmd
}

// server owns every long-running piece of the process.
type server struct {
	cfg         *config.Config
	logger      *zap.Logger
	storage     storage.Storage
	repos       *gitrepo.Manager
	metrics     *metrics.Metrics
	notify      *notify.Queue
	replication *replication.Queue
	receiver    *receive.Receiver
	grpc        *grpc.Server
}

func newServer(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*server, error) {
	st, err := openStorage(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := seedAccounts(ctx, st, cfg.Accounts); err != nil {
		return nil, err
	}

	repos := gitrepo.NewManager(cfg.Repositories.Root)
	m := metrics.New()

	var sender notify.Sender = notify.Discard{}
	if cfg.SMTP.Host != "" {
		mailer, err := notify.NewMailSender(notify.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
		}, st, cfg.Server.BaseURL)
		if err != nil {
			return nil, err
		}
		sender = mailer
	}
	notifications := notify.NewQueue(sender, cfg.SMTP.QueueSize, logger.Named("notify"))
	replicas := replication.NewQueue(
		replication.NewGitPusher(repos, cfg.Replication.Remotes),
		cfg.Replication.Workers, cfg.Replication.QueueSize,
		logger.Named("replication"), m)

	receiver := receive.NewReceiver(st, repos, receive.Options{
		Projects:   cfg.Projects,
		Categories: cfg.Categories,
		Identity:   receive.Identity{Name: cfg.Identity.Name, Email: cfg.Identity.Email},
		Notifier:   notifications,
		Replicator: replicas,
		Metrics:    m,
		Logger:     logger.Named("receive"),
	})

	grpcServer := hookservice.NewGRPCServer(receiver, repos, logger.Named("hook"))
	adminservice.Register(grpcServer, st, logger.Named("admin"))

	return &server{
		cfg:         cfg,
		logger:      logger,
		storage:     st,
		repos:       repos,
		metrics:     m,
		notify:      notifications,
		replication: replicas,
		receiver:    receiver,
		grpc:        grpcServer,
	}, nil
}

func openStorage(ctx context.Context, cfg *config.Config) (storage.Storage, error) {
	if cfg.Redis.Addr == "" {
		return storage.NewInMemoryStorage(), nil
	}

	var objects storage.ObjectStore
	switch cfg.ObjectStore.Kind {
	case "s3":
		oc := cfg.ObjectStore
		objects = storage.NewS3ObjectStore(storage.NewS3Client(oc.Region, oc.Endpoint, oc.AccessKey, oc.SecretKey), oc.Bucket, oc.Prefix)
	default:
		objects = storage.NewInMemoryObjectStore()
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	st := storage.NewRedisStorage(rdb, objects, cfg.Redis.KeyPrefix)
	if err := st.Ping(ctx); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", cfg.Redis.Addr, err)
	}
	return st, nil
}

// seedAccounts registers the configured accounts. Accounts that already exist
// are left as they are.
func seedAccounts(ctx context.Context, st storage.Storage, accounts []models.Account) error {
	for i := range accounts {
		account := accounts[i]
		err := st.CreateAccount(ctx, &account)
		if errors.Is(err, storage.ErrEntryExists) {
			continue
		}
		if err != nil {
			return fmt.Errorf("seed account %q: %w", account.Username, err)
		}
	}
	return nil
}

func (s *server) run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Server.Listen, err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("intake service listening", zap.String("addr", lis.Addr().String()))
		return s.grpc.Serve(lis)
	})
	g.Go(func() error {
		return s.notify.Run(ctx)
	})
	g.Go(func() error {
		return s.replication.Run(ctx)
	})

	var metricsServer *http.Server
	if s.cfg.Server.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.metrics.Handler())
		metricsServer = &http.Server{Addr: s.cfg.Server.MetricsListen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			s.logger.Info("metrics listening", zap.String("addr", s.cfg.Server.MetricsListen))
			if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		s.logger.Info("shutting down")
		s.grpc.GracefulStop()
		s.notify.Close()
		s.replication.Close()
		if metricsServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
