// lockctl prints the shared lock and risk snapshot state of a user's bots as
// seen in Redis. It never takes or releases locks.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"bot-execution-core/config"
	"bot-execution-core/internal/database"
	"bot-execution-core/internal/lock"
	"bot-execution-core/internal/risk"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type botReport struct {
	BotID   string        `json:"bot_id"`
	BotLock *lock.Info    `json:"bot_lock,omitempty"`
	Risk    *risk.Metrics `json:"risk,omitempty"`
}

type report struct {
	UserID   string      `json:"user_id"`
	Mode     lock.Mode   `json:"mode"`
	UserLock *lock.Info  `json:"user_lock,omitempty"`
	Bots     []botReport `json:"bots"`
}

func main() {
	userID := flag.String("user", "", "user id to inspect")
	bots := flag.String("bots", "", "comma separated bot ids")
	timeout := flag.Duration("timeout", 5*time.Second, "overall timeout")
	flag.Parse()

	if *userID == "" {
		fmt.Fprintln(os.Stderr, "-user is required")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if !cfg.RedisConfig.Enabled {
		fmt.Fprintln(os.Stderr, "redis is disabled; locks only exist inside the running process")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	client := lock.NewRedisClient(cfg.RedisConfig)
	defer client.Close()

	locks := lock.NewManager(lock.NewRedisStore(client, nil), lock.OptionsFromConfig(cfg.InstanceConfig.ID+"-lockctl", cfg.LockConfig))
	if err := locks.CheckHealth(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "redis not reachable: %v\n", err)
		os.Exit(1)
	}
	snapshots := database.NewRedisMetricsStore(ctx, client, zerolog.Nop())

	r := report{UserID: *userID, Mode: locks.Mode()}
	if info, ok := locks.GetLockInfo(ctx, lock.UserKey(*userID)); ok {
		r.UserLock = info
	}
	for _, botID := range strings.Split(*bots, ",") {
		botID = strings.TrimSpace(botID)
		if botID == "" {
			continue
		}
		br := botReport{BotID: botID}
		if info, ok := locks.GetLockInfo(ctx, lock.BotKey(*userID, botID)); ok {
			br.BotLock = info
		}
		m, err := snapshots.Load(ctx, *userID, botID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "risk snapshot for %s: %v\n", botID, err)
		}
		br.Risk = m
		r.Bots = append(r.Bots, br)
	}

	out, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode report: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(out))
}
