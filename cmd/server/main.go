package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/npezzotti/go-chatfanout/internal/api"
	"github.com/npezzotti/go-chatfanout/internal/chat"
	"github.com/npezzotti/go-chatfanout/internal/config"
	"github.com/npezzotti/go-chatfanout/internal/database"
	"github.com/npezzotti/go-chatfanout/internal/pubsub"
	"github.com/npezzotti/go-chatfanout/internal/server"
	"github.com/npezzotti/go-chatfanout/internal/stats"
)

const (
	defaultSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="
	brokerBuffer      = 1024
)

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

var (
	addr           string
	dsn            string
	signingKey     string
	allowedOrigins stringSliceFlag
	store          string
	badgerPath     string
	broker         string
	envFile        string
)

func main() {
	flag.StringVar(&addr, "addr", "localhost:8000", "server address")
	flag.StringVar(&dsn, "dsn", "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable", "database connection string")
	flag.StringVar(&signingKey, "signing-key", defaultSigningKey, "base64 encoded signing key")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.StringVar(&store, "store", config.StorePostgres, "message store, postgres or badger")
	flag.StringVar(&badgerPath, "badger-path", "", "badger data directory, in memory when empty")
	flag.StringVar(&broker, "broker", config.BrokerLocal, "event broker, local or postgres")
	flag.StringVar(&envFile, "env-file", ".env", "file to load GOCHAT_* settings from")
	flag.Parse()

	logger := log.New(os.Stderr, "[go-chat] ", log.LstdFlags)

	if err := config.LoadDotEnv(envFile); err != nil {
		logger.Fatal("config:", err)
	}

	cfg, err := config.NewConfig(addr, dsn, signingKey, allowedOrigins)
	if err != nil {
		logger.Fatal("config:", err)
	}
	if err := cfg.SetStorage(store, badgerPath, broker); err != nil {
		logger.Fatal("config:", err)
	}
	if cfg.Chat, err = config.LoadChatConfig(); err != nil {
		logger.Fatal("config:", err)
	}

	repo, events, err := openStorage(logger, cfg)
	if err != nil {
		logger.Fatal("storage:", err)
	}
	defer func() {
		if err := events.Close(); err != nil {
			logger.Println("broker close:", err)
		}
		if err := repo.Close(); err != nil {
			logger.Fatal("db close:", err)
		}
	}()

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)
	statsUpdater.Run()
	defer statsUpdater.Stop()

	chatSvc := chat.New(logger, repo, events, statsUpdater, cfg.Chat.Service())

	ctx, cancel := context.WithCancel(context.Background())
	dispatcherDone := make(chan struct{})
	go func() {
		chatSvc.Run(ctx)
		close(dispatcherDone)
	}()

	chatServer := server.NewChatServer(logger, chatSvc, statsUpdater)
	go chatServer.Run()

	srv := api.NewGoChatApp(mux, logger, chatServer, repo, chatSvc, cfg)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}

	shutDownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer shutdownCancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Println("HTTP server shutdown:", err)
	}

	logger.Println("shutting down chat server...")
	if err := chatServer.Shutdown(shutDownCtx); err != nil {
		logger.Println("chat server shutdown:", err)
	}

	cancel()
	<-dispatcherDone

	logger.Println("shutdown complete")
}

// openStorage opens the configured message store and the broker that carries
// events between the dispatcher and the delivery side.
func openStorage(logger *log.Logger, cfg *config.Config) (database.ChatRepository, pubsub.Broker, error) {
	if cfg.Store == config.StoreBadger {
		repo, err := database.NewBadgerChatRepository(cfg.BadgerPath)
		if err != nil {
			return nil, nil, err
		}
		return repo, pubsub.NewLocal(brokerBuffer), nil
	}

	repo, err := database.NewPgChatRepository(cfg.DatabaseDSN)
	if err != nil {
		return nil, nil, err
	}

	if cfg.Broker != config.BrokerPostgres {
		return repo, pubsub.NewLocal(brokerBuffer), nil
	}

	events, err := pubsub.NewPostgres(logger, repo.DB(), cfg.DatabaseDSN, pubsub.DefaultChannel, repo.GetMessage, brokerBuffer)
	if err != nil {
		repo.Close()
		return nil, nil, err
	}
	return repo, events, nil
}
