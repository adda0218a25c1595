// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command relayd runs one Relay node.
//
// Usage:
//
//	relayd serve --config relay.yaml
//	relayd validate --config relay.yaml
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/relaymesh/relay/pkg/config"
	"github.com/relaymesh/relay/pkg/logger"
	"github.com/relaymesh/relay/pkg/server"
)

// Exit codes.
const (
	exitOK            = 0
	exitConfigError   = 1
	exitStorageError  = 2
	exitPeerUnreached = 3
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the Relay node."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`

	Config    string `short:"c" help:"Path to config file." type:"path" default:"relay.yaml"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple or verbose)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := server.Version
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("relayd version %s\n", version)
	return nil
}

// ValidateCmd loads and validates a configuration file.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
		os.Exit(exitConfigError)
	}
	fmt.Printf("configuration valid: node %q with %d collector(s), %d peer(s)\n",
		cfg.Node.Slug, len(cfg.Collectors), len(cfg.Federation.PeersOrEmpty()))
	return nil
}

// ServeCmd starts the node.
type ServeCmd struct {
	Port  int  `help:"Override the configured listen port."`
	Watch bool `help:"Watch the config file for changes and hot-reload."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, loader, err := loadConfigWithLoader(cli, c.Watch)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(exitConfigError)
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	srv, err := server.New(server.Options{Config: cfg, ConfigLoader: loader})
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup error: %v\n", err)
		os.Exit(startupExitCode(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
		cancel()
	}()

	if err := srv.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(startupExitCode(err))
	}
	return nil
}

// startupExitCode maps startup failures to documented exit codes.
func startupExitCode(err error) int {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "database"), strings.Contains(msg, "sessions"):
		return exitStorageError
	case strings.Contains(msg, "peer"), strings.Contains(msg, "consul"):
		return exitPeerUnreached
	default:
		return exitConfigError
	}
}

func loadConfig(cli *CLI, watch bool) (*config.Config, error) {
	cfg, _, err := loadConfigWithLoader(cli, watch)
	return cfg, err
}

func loadConfigWithLoader(cli *CLI, watch bool) (*config.Config, *config.Loader, error) {
	// .env overlay, if present; real environment wins.
	_ = godotenv.Load()

	loader, err := config.NewLoader(config.LoaderOptions{
		Type:  config.ConfigTypeFile,
		Path:  cli.Config,
		Watch: watch,
	})
	if err != nil {
		return nil, nil, err
	}

	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}
	return cfg, loader, nil
}

func main() {
	cli := &CLI{}
	kctx := kong.Parse(cli,
		kong.Name("relayd"),
		kong.Description("Federated AI-agent orchestration node."),
		kong.UsageOnError(),
	)

	level, err := logger.ParseLevel(cli.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level: %v\n", err)
		os.Exit(exitConfigError)
	}

	output := os.Stderr
	var closeLog func()
	if cli.LogFile != "" {
		f, closer, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "cannot open log file: %v\n", err)
			os.Exit(exitConfigError)
		}
		output, closeLog = f, closer
	}
	logger.Init(level, output, cli.LogFormat)
	if closeLog != nil {
		defer closeLog()
	}

	if err := kctx.Run(cli); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitConfigError)
	}
	os.Exit(exitOK)
}
