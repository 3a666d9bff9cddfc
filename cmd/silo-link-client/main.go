package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	grpcclient "github.com/EternisAI/silo-link/internal/grpc/client"
)

var AppVersion string

func main() {
	InitConfig()

	if len(os.Args) > 1 {
		var err error
		switch os.Args[1] {
		case "pair":
			err = runPair(os.Args[2:])
		case "rotate-token":
			err = runRotateToken(os.Args[2:])
		case "version":
			fmt.Println(AppVersion)
			return
		default:
			err = fmt.Errorf("unknown command %q (expected pair, rotate-token or version)", os.Args[1])
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(1)
		}
		return
	}

	slog.Info("Silo Link Client", "version", AppVersion)

	client := grpcclient.NewClient(grpcclient.Config{
		ServerAddr: config.Server.GrpcAddress,
		DeviceID:   config.Device.ID,
		AuthToken:  config.Device.AuthToken,
		TLS: &grpcclient.TLSConfig{
			Enabled:            config.TLS.Enabled,
			CertFile:           config.TLS.CertFile,
			KeyFile:            config.TLS.KeyFile,
			CAFile:             config.TLS.CAFile,
			ServerNameOverride: config.Server.ServerNameOverride,
		},
		HeartbeatInterval: config.Heartbeat.Interval,
	})
	if err := client.Start(); err != nil {
		slog.Error("Failed to start gRPC client", "error", err)
		os.Exit(1)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	slog.Info("Received shutdown signal", "signal", sig)

	if err := client.Stop(); err != nil {
		slog.Error("gRPC client stop error", "error", err)
	}
	slog.Info("Shutdown complete")
}
