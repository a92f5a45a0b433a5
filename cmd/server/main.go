package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"kiosk-auth/internal/envdetect"
	"kiosk-auth/internal/factory"
	"kiosk-auth/internal/handler"
	"kiosk-auth/internal/util"
)

func main() {
	f, err := factory.NewFactory()
	if err != nil {
		util.Fatal("Failed to initialize service", util.ErrorField(err))
	}
	defer f.Close()

	cfg := f.Config()
	router := buildRouter(f)

	if cfg.Server.EnableTLS && cfg.Server.AutoCert && cfg.IsProduction() {
		serveWithAutoCert(f, router)
		return
	}

	addr := cfg.GetServerAddress()
	if cfg.Server.EnableTLS {
		addr = fmt.Sprintf(":%d", cfg.Server.TLSPort)
	}

	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		var err error
		if cfg.Server.EnableTLS {
			server.TLSConfig = f.TLSManager().GetTLSConfig()
			if cfg.Server.CertFile != "" && cfg.Server.KeyFile != "" {
				err = server.ListenAndServeTLS(cfg.Server.CertFile, cfg.Server.KeyFile)
			} else {
				err = server.ListenAndServeTLS("", "")
			}
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			util.Fatal("Server failed", util.ErrorField(err))
		}
	}()

	if cfg.Server.EnableTLS {
		util.Info("PIN authority listening",
			util.String("environment", cfg.Environment),
			util.String("address", addr),
			util.Bool("tls", true),
		)
	} else {
		util.Warn("PIN authority listening without TLS",
			util.String("environment", cfg.Environment),
			util.String("address", addr),
		)
	}

	waitForShutdown(f, server)
}

func buildRouter(f *factory.Factory) http.Handler {
	svc := f.ServiceFactory().PinService()
	pinHandler := handler.NewPinHandler(svc, util.Get())
	return handler.NewRouter(f.Config(), pinHandler, envdetect.NewDetector(), util.Get())
}

// serveWithAutoCert runs the production pair: port 80 answers ACME
// challenges, port 443 carries the API with certificates from autocert.
func serveWithAutoCert(f *factory.Factory, router http.Handler) {
	tlsManager := f.TLSManager()
	acme := tlsManager.GetAutocertManager()
	if acme == nil {
		util.Fatal("AutoCert requested but no autocert manager is configured")
	}

	challengeServer := &http.Server{
		Addr:    ":80",
		Handler: acme.HTTPHandler(nil),
	}
	apiServer := &http.Server{
		Addr:      ":443",
		Handler:   router,
		TLSConfig: tlsManager.GetTLSConfig(),
	}

	go func() {
		if err := challengeServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			util.Error("ACME challenge server failed", util.ErrorField(err))
		}
	}()
	go func() {
		util.Info("PIN authority listening with AutoCert",
			util.String("domain", f.Config().Server.Domain),
		)
		if err := apiServer.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
			util.Error("HTTPS server failed", util.ErrorField(err))
		}
	}()

	waitForShutdown(f, apiServer, challengeServer)
}

func waitForShutdown(f *factory.Factory, servers ...*http.Server) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	sig := <-sigCh
	util.Info("Shutting down", util.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, srv := range servers {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(ctx); err != nil {
			util.Error("Graceful shutdown failed", util.ErrorField(err))
		}
	}
	f.Close()
}
