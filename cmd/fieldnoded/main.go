// Command fieldnoded supervises a fleet of field nodes on the local
// network and serves the observer API.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alessio-palumbo/fieldnode-go/internal/config"
	"github.com/alessio-palumbo/fieldnode-go/internal/logutil"
	"github.com/alessio-palumbo/fieldnode-go/pkg/auth"
	"github.com/alessio-palumbo/fieldnode-go/pkg/controller"
	"github.com/alessio-palumbo/fieldnode-go/pkg/discovery"
	"github.com/alessio-palumbo/fieldnode-go/pkg/gateway"
	"github.com/alessio-palumbo/fieldnode-go/pkg/mdns"
	"github.com/alessio-palumbo/fieldnode-go/pkg/storage"
	"github.com/alessio-palumbo/fieldnode-go/pkg/store"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const nodeServiceType = "_fieldnode._tcp"

func main() {
	root := &cobra.Command{
		Use:           "fieldnoded",
		Short:         "Field node fleet server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}

	if err := root.Execute(); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			log.WithError(exit.cause).Error(exit.message)
			os.Exit(exit.code)
		}
		log.WithError(err).Error("Server failed")
		os.Exit(config.ExitConfigError)
	}
}

// exitError carries the process exit code for a fatal startup failure.
type exitError struct {
	code    int
	message string
	cause   error
}

func (e *exitError) Error() string { return e.message }
func (e *exitError) Unwrap() error { return e.cause }

func run() error {
	logutil.Init()

	cfg, err := config.Load()
	if err != nil {
		return &exitError{code: config.ExitConfigError, message: "Configuration error", cause: err}
	}

	// Bind the API listener first; a port conflict should fail fast
	// before any mDNS records go out.
	listenAddr := net.JoinHostPort(cfg.BindAddr.String(), fmt.Sprintf("%d", cfg.BindPort))
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return &exitError{code: config.ExitBindError, message: "API bind failed", cause: err}
	}

	advertiser, err := mdns.NewAdvertiser(cfg.BindPort)
	if err != nil {
		listener.Close()
		return &exitError{code: config.ExitMdnsError, message: "mDNS advertisement failed", cause: err}
	}
	defer advertiser.Close()

	st := store.New()
	defer st.Close()

	ctrl, err := controller.New(st, controller.WithBindIP(cfg.BindAddr))
	if err != nil {
		return &exitError{code: config.ExitConfigError, message: "Controller setup failed", cause: err}
	}
	defer ctrl.Close()

	disc := discovery.New(discovery.Config{
		BindIP:      cfg.BindAddr,
		Ports:       cfg.DiscoveryPorts,
		ServiceType: nodeServiceType,
	})
	disc.Start()
	defer disc.Close()
	go ctrl.Ingest(disc.Announcements())

	meta := storage.NewMemory()
	authn := auth.New(cfg.JWTSecret)
	gw := gateway.New(ctrl, st, meta, authn)

	server := &http.Server{Handler: gw.Router()}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(listener)
	}()

	log.WithField("addr", listenAddr).Info("Field node server started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case s := <-sig:
		log.WithField("signal", s).Info("Shutting down")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return &exitError{code: config.ExitBindError, message: "API server failed", cause: err}
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	return nil
}
