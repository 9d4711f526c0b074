package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/georgeji/record-observer/internal/models"
)

var (
	addr      = flag.String("addr", "http://localhost:8081", "observer http address")
	typeFlag  = flag.String("type", "", "comma separated change types to receive (update,delete); empty for all")
	accessKey = flag.String("access-key", os.Getenv("OBSERVER_ACCESS_KEY"), "access key for signed requests")
	secretKey = flag.String("secret-key", os.Getenv("OBSERVER_SECRET_KEY"), "secret key for signed requests")
	verbose   = flag.Bool("v", false, "debug logging to stderr")
)

func main() {
	flag.Parse()

	types, err := parseTypeFlag(*typeFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := newLogger(*verbose)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := newTailClient(*addr, types, os.Stdout, logger).withCredentials(*accessKey, *secretKey)
	if err := client.Run(ctx); err != nil {
		logger.Error("tail failed", zap.Error(err))
		os.Exit(1)
	}
}

func parseTypeFlag(s string) ([]models.ChangeType, error) {
	if s == "" {
		return nil, nil
	}
	var types []models.ChangeType
	for _, part := range strings.Split(s, ",") {
		t, err := models.ParseChangeType(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		types = append(types, t)
	}
	return types, nil
}

// logs go to stderr so stdout carries only events
func newLogger(verbose bool) (*zap.Logger, error) {
	config := zap.NewDevelopmentConfig()
	config.OutputPaths = []string{"stderr"}
	if !verbose {
		config.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}
	return config.Build()
}
