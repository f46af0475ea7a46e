package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"zk_chat/internal/config"
	"zk_chat/internal/ledger"
	chatRepo "zk_chat/internal/repository/chat"
	"zk_chat/internal/service/app"
	"zk_chat/internal/utils/log"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

const usage = "Usage: client new | join <chat_id> | open <chat_id> | list"

func main() {
	// os.Args[0] is the program name, os.Args[1:] are arguments
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	mode := os.Args[1]
	var chatID string
	switch mode {
	case app.ModeJoin, app.ModeOpen:
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, usage)
			os.Exit(2)
		}
		chatID = os.Args[2]
	case app.ModeNew, "list":
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.Load(configPath())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	// the terminal belongs to the UI
	logFile := cfg.LogFile
	if logFile == "" {
		logFile = "zk_chat_client.log"
	}
	if err := log.Init(cfg.LogLevel, logFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	mongoDBClient, err := initMongo(cfg.Mongo.URI)
	if err != nil {
		log.Fatal("connect mongo failed", zap.Error(err))
	}
	defer mongoDBClient.Disconnect(context.Background())

	repo := chatRepo.NewChatRepo(mongoDBClient.Database(cfg.Mongo.Database))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if mode == "list" {
		if err := listChats(ctx, repo); err != nil {
			log.Fatal("list chats failed", zap.Error(err))
		}
		return
	}

	poller := ledger.NewPoller(
		ledger.NewStatusClient(cfg.Ledger.StatusURL, cfg.Ledger.APIKey),
		cfg.Ledger.PollInterval,
		cfg.Ledger.ActivationTimeout,
	)
	client := app.NewApp(cfg, repo, app.NewAPIClient(cfg.Server.Addr), ledger.NewHTTPWallet(cfg.Ledger.WalletURL), poller)

	go func() {
		<-ctx.Done()
		client.Stop()
	}()

	if err := client.Run(ctx, mode, chatID); err != nil {
		log.Error("client stopped", zap.Error(err))
		log.Sync()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func configPath() string {
	if p := os.Getenv("ZKCHAT_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

func listChats(ctx context.Context, repo *chatRepo.ChatRepo) error {
	chats, err := repo.List(ctx)
	if err != nil {
		return err
	}
	for _, c := range chats {
		fmt.Printf("%s  %-10s  %-9s  %s\n", c.ChatID, c.State, c.Settlement.Status, c.CreatedAt.Format(time.DateTime))
	}
	return nil
}

func initMongo(uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	return client, client.Ping(ctx, nil)
}
