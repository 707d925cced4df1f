// Package httpapi exposes the ceremony and mapping operations over a JSON
// HTTP surface.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-webauthn/webauthn/protocol"

	"github.com/permamap/permamap/internal/logging"
	"github.com/permamap/permamap/internal/server/models"
)

const shutdownTimeout = 5 * time.Second

// ceremonyService is the slice of ceremony.Service the handlers use.
type ceremonyService interface {
	BeginRegistration(ctx context.Context, identityID string) (*protocol.CredentialCreation, *models.UserIdentity, error)
	FinishRegistration(ctx context.Context, identityID string, responseJSON []byte) (*models.Credential, error)
	BeginAuthentication(ctx context.Context) (*protocol.CredentialAssertion, error)
	FinishAuthentication(ctx context.Context, responseJSON []byte) (*models.Credential, *models.UserIdentity, error)
}

// bindingService is the slice of binding.Service the handlers use.
type bindingService interface {
	Create(ctx context.Context, credentialID, walletAddress string) (string, error)
	Resolve(ctx context.Context, credentialID string) (*models.Binding, error)
}

type Server struct {
	address       string
	logger        logging.Logger
	ceremonies    ceremonyService
	bindings      bindingService
	jwtSecret     []byte
	tokenValidity time.Duration
}

func NewServer(address string, l logging.Logger, cs ceremonyService, bs bindingService, secretKey string, tokenValidity time.Duration) *Server {
	return &Server{
		address:       address,
		logger:        l.With("module", "http_server"),
		ceremonies:    cs,
		bindings:      bs,
		jwtSecret:     []byte(secretKey),
		tokenValidity: tokenValidity,
	}
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.address, Handler: s.routes()}

	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error(ctx, "error shutting down HTTP server", "error", err)
		}
	}()

	s.logger.Info(ctx, "Starting HTTP server", "address", s.address)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
