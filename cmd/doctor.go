package cmd

import (
	"context"
	"fmt"
	"os"
	goruntime "runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/renjiyun06/mosaic-sub001/internal/config"
	"github.com/renjiyun06/mosaic-sub001/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("mosaic doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", goruntime.GOOS, goruntime.GOARCH)
	fmt.Printf("  Go:       %s\n", goruntime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Database:")
	fmt.Printf("    %-12s %s\n", "Backend:", cfg.Database.Backend)
	db, dbErr := openDB(cfg)
	if dbErr != nil {
		fmt.Printf("    %-12s OPEN FAILED (%s)\n", "Status:", dbErr)
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if pingErr := db.Ping(ctx); pingErr != nil {
			fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", pingErr)
		} else {
			fmt.Printf("    %-12s OK\n", "Status:")
		}
		cancel()
		db.Close()
	}

	fmt.Println()
	fmt.Println("  Migrations:")
	dir := resolveMigrationsDir()
	if _, err := os.Stat(dir); err != nil {
		fmt.Printf("    %-12s %s (NOT FOUND)\n", "Dir:", dir)
	} else {
		fmt.Printf("    %-12s %s (OK)\n", "Dir:", dir)
	}

	fmt.Println()
	fmt.Println("  Runtime:")
	fmt.Printf("    %-12s %d\n", "Workers:", cfg.Runtime.Workers)
	ws := cfg.WorkspacePath()
	fmt.Printf("    %-12s %s", "Workspace:", ws)
	if err := os.MkdirAll(ws, 0755); err != nil {
		fmt.Printf(" (NOT WRITABLE: %s)\n", err)
	} else {
		fmt.Println(" (OK)")
	}

	fmt.Println()
	fmt.Println("  Gateway:")
	fmt.Printf("    %-12s %s:%d\n", "Listen:", cfg.Gateway.Host, cfg.Gateway.Port)
	if cfg.Gateway.Token == "" {
		fmt.Printf("    %-12s DISABLED (set MOSAIC_GATEWAY_TOKEN)\n", "Auth:")
	} else {
		fmt.Printf("    %-12s enabled\n", "Auth:")
	}
}
