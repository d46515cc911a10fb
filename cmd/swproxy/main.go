package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"swproxy/internal/swproxy"
)

// Set at link time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "swproxy:", err)
		os.Exit(1)
	}
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "swproxy",
		Short:         "Offline caching proxy with versioned cache generations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.SetErr(errOut)
	root.PersistentFlags().StringVar(&configPath, "config", getenvDefault("SWPROXY_CONFIG", "/swproxy.yaml"), "path to swproxy.yaml")

	root.AddCommand(
		newServeCmd(&configPath),
		newGenerationsCmd(&configPath),
		newVersionCmd(),
	)
	return root
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy and the control API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := swproxy.LoadConfig(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg swproxy.Config) error {
	log := swproxy.NewLogger(cfg)

	svc, err := swproxy.NewService(cfg, swproxy.WithLogger(log))
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}
	defer svc.Close()

	// Without an active generation requests pass straight through, so a
	// failed first install is not fatal.
	if err := svc.Start(ctx); err != nil {
		log.Error("initial install failed, serving without cache", "version", cfg.App.Version, "error", err)
	}

	proxyAddr := fmt.Sprintf(":%d", cfg.Server.Port)
	controlAddr := fmt.Sprintf(":%d", cfg.Server.ControlPort)

	proxyLn, err := net.Listen("tcp", proxyAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", proxyAddr, err)
	}
	controlLn, err := net.Listen("tcp", controlAddr)
	if err != nil {
		_ = proxyLn.Close()
		return fmt.Errorf("listen %s: %w", controlAddr, err)
	}

	servers := []*http.Server{
		{Handler: svc.Handler(), ReadHeaderTimeout: 10 * time.Second},
		{Handler: svc.ControlHandler(), ReadHeaderTimeout: 10 * time.Second},
	}
	listeners := []net.Listener{proxyLn, controlLn}

	ctx, stop := context.WithCancel(ctx)
	defer stop()

	for i, srv := range servers {
		ln := listeners[i]
		go func() {
			err := srv.Serve(ln)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("server error", "addr", ln.Addr().String(), "error", err)
				stop()
			}
		}()
	}
	log.Info("swproxy listening", "proxy", proxyAddr, "control", controlAddr, "origin", cfg.App.Origin, "upstream", cfg.Server.Upstream)

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}
	return nil
}

func newGenerationsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "generations",
		Short: "List cache generations in the configured store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := swproxy.LoadConfig(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			st, err := swproxy.OpenStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			names, err := st.Names(cmd.Context())
			if err != nil {
				return err
			}
			for _, n := range names {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), n)
			}
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the application version",
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "swproxy version %s (commit: %s)\n", version, commit)
		},
	}
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
