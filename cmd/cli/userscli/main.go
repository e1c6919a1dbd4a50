package main

import (
	"context"
	"fmt"
	"os"
	"time"

	flags "github.com/jessevdk/go-flags"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"

	coreControl "github.com/core-tools/hsu-core/pkg/control"
	coreDomain "github.com/core-tools/hsu-core/pkg/domain"
	sprintfLogging "github.com/core-tools/hsu-core/pkg/logging/sprintf"

	"github.com/core-tools/hsu-users/pkg/control"
	"github.com/core-tools/hsu-users/pkg/domain"
	"github.com/core-tools/hsu-users/pkg/logging"
)

type flagOptions struct {
	ServerPath string `long:"server" description:"path to the server executable"`
	AttachPort int    `long:"port" description:"control port of a running server"`
	Attempts   int    `long:"attempts" default:"10" description:"ping attempts before giving up"`
	JSON       bool   `long:"json" description:"print the grpc.health.v1 response as JSON"`
}

func main() {
	var opts flagOptions
	parser := flags.NewParser(&opts, flags.HelpFlag)
	if _, err := parser.ParseArgs(os.Args[1:]); err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	stdLogger := sprintfLogging.NewStdSprintfLogger()
	logger := logging.NewLogger("", logging.LogFuncs{
		Debugf: stdLogger.Debugf,
		Infof:  stdLogger.Infof,
		Warnf:  stdLogger.Warnf,
		Errorf: stdLogger.Errorf,
	})

	if opts.ServerPath == "" && opts.AttachPort == 0 {
		fmt.Println("Server path or attach port is required")
		os.Exit(1)
	}

	status, err := fetchStatus(opts, logger)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}

	if opts.JSON {
		data, err := protojson.Marshal(&healthpb.HealthCheckResponse{Status: control.ServingStatus(status)})
		if err != nil {
			logger.Errorf("Failed to encode status: %v", err)
			os.Exit(1)
		}
		fmt.Println(string(data))
	} else {
		fmt.Printf("%s: %s\n", control.ServiceName, status)
	}

	if status != domain.StatusServing {
		os.Exit(2)
	}
}

func fetchStatus(opts flagOptions, logger logging.Logger) (string, error) {
	coreLogger := control.NewCoreLogger(logging.ModulePrefix("hsu-core-client"), logger)
	usersLogger := logging.Named(logger, logging.ModulePrefix("users-client"))

	coreConnection, err := coreControl.NewConnection(coreControl.ConnectionOptions{
		ServerPath: opts.ServerPath,
		AttachPort: opts.AttachPort,
	}, coreLogger)
	if err != nil {
		return "", fmt.Errorf("failed to create core connection: %w", err)
	}

	coreClientGateway := coreControl.NewGRPCClientGateway(coreConnection.GRPC(), coreLogger)
	usersClientGateway := control.NewGRPCClientGateway(coreConnection.GRPC(), usersLogger)

	ctx := context.Background()

	retryPingOptions := coreDomain.RetryPingOptions{
		RetryAttempts: opts.Attempts,
		RetryInterval: 1 * time.Second,
	}
	if err := coreDomain.RetryPing(ctx, coreClientGateway, retryPingOptions, coreLogger); err != nil {
		return "", fmt.Errorf("failed to ping users server: %w", err)
	}

	status, err := usersClientGateway.Status(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get status: %w", err)
	}
	return status, nil
}
