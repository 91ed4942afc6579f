// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/anuraghashagile/stangersin--town/internal/app"
	"github.com/anuraghashagile/stangersin--town/internal/config"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("strangers-in-town v%s\n", appVersion)
		return
	}

	if *showHelp {
		showUsage()
		return
	}

	peerDir := "."
	if args := flag.Args(); len(args) > 0 {
		peerDir = args[0]
	}
	runPeer(peerDir)
}

func runPeer(peerDirArg string) {
	absDir, err := filepath.Abs(peerDirArg)
	if err != nil {
		log.Fatalf("Invalid peer directory: %v", err)
	}

	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		log.Fatalf("Peer directory does not exist: %s", absDir)
	}

	cfgPath := filepath.Join(absDir, "strangers.json")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	printBanner(absDir, cfgPath, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()

	if err := app.Run(ctx, app.Options{
		PeerDir: absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
	}); err != nil {
		log.Fatalf("Peer failed: %v", err)
	}
}

func showUsage() {
	fmt.Println("Strangers in Town - anonymous peer-to-peer chat")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  strangers [directory]    Run a peer from the given directory (default: .)")
	fmt.Println()
	fmt.Println("The directory may contain a strangers.json configuration file;")
	fmt.Println("missing settings fall back to defaults.")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Commands inside the chat:")
	fmt.Println("  /connect              start searching for a stranger")
	fmt.Println("  /disconnect           leave the current session")
	fmt.Println("  /town <text>          broadcast to the town square")
	fmt.Println("  /dm <peer> <text>     message a known peer directly")
	fmt.Println("  /befriend [peer]      send a friend request")
	fmt.Println("  /friends              list friends and pending requests")
	fmt.Println("  /who                  list waiting strangers")
	fmt.Println("  anything else         message your current partner")
}

func printBanner(peerDir, cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                  Strangers in Town                     ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Peer Directory: %s\n", peerDir)
	fmt.Printf("Config File:    %s\n", cfgPath)
	if cfg.Profile.Name != "" {
		fmt.Printf("Display Name:   %s\n", cfg.Profile.Name)
	}
	fmt.Println()
	fmt.Println("Starting peer... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
