package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/philornot/ai-reminder/internal/app"
	"github.com/philornot/ai-reminder/internal/config"
	"github.com/philornot/ai-reminder/internal/status"
)

func main() {
	var (
		cfgPath  = flag.String("config", "./config.yaml", "path to config (yaml or json)")
		envFiles = flag.String("env", ".env", "comma-separated .env files; missing files are skipped")
		once     = flag.Bool("once", false, "deliver one reminder now and exit")
		check    = flag.Bool("check", false, "validate the config and exit")
		tokenTTL = flag.Duration("token", 0, "print a status API token valid for this long and exit")
	)
	flag.Parse()

	if err := loadEnv(*envFiles); err != nil {
		fatal("env", err)
	}

	switch {
	case *check:
		summary, err := app.Check(*cfgPath)
		if err != nil {
			fatal("config", err)
		}
		fmt.Println("config ok:", summary)
		return
	case *tokenTTL > 0:
		tok, err := issueToken(*cfgPath, *tokenTTL)
		if err != nil {
			fatal("token", err)
		}
		fmt.Println(tok)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	signaled := make(chan app.StopReason, 1)
	go func() {
		sig := <-sigs
		if sig == syscall.SIGTERM {
			signaled <- app.StopSIGTERM
		} else {
			signaled <- app.StopSIGINT
		}
		cancel()
	}()

	a, err := app.New(ctx, *cfgPath)
	if err != nil {
		fatal("startup", err)
	}

	if *once {
		if err := a.RunOnce(ctx); err != nil {
			fatal("once", err)
		}
		return
	}

	if err := a.Start(ctx); err != nil {
		fatal("start", err)
	}

	<-a.Done()
	reason := app.StopUnknown
	select {
	case reason = <-signaled:
	default:
		if a.Err() != nil {
			reason = app.StopFatalError
		}
	}
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)

	if reason == app.StopFatalError {
		fmt.Fprintln(os.Stderr, "fatal:", a.Err())
		os.Exit(1)
	}
}

// loadEnv seeds the environment for ${VAR} expansion in the config.
// Variables already set in the process win over file values.
func loadEnv(list string) error {
	var files []string
	for _, f := range strings.Split(list, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if _, err := os.Stat(f); err != nil {
			continue
		}
		files = append(files, f)
	}
	if len(files) == 0 {
		return nil
	}
	return godotenv.Load(files...)
}

func issueToken(cfgPath string, ttl time.Duration) (string, error) {
	cfg, err := config.NewConfigManager(cfgPath).Parse()
	if err != nil {
		return "", err
	}
	if cfg.Status == nil || strings.TrimSpace(cfg.Status.JWTSecret) == "" {
		return "", errors.New("status.jwt_secret is not set")
	}
	return status.IssueToken(strings.TrimSpace(cfg.Status.JWTSecret), "cli", ttl)
}

func fatal(stage string, err error) {
	fmt.Fprintf(os.Stderr, "fatal %s: %v\n", stage, err)
	if config.IsConfigError(err) {
		os.Exit(2)
	}
	os.Exit(1)
}
