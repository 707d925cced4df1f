// Package ceremony implements the WebAuthn registration and authentication
// ceremonies: issuing single-use challenges, verifying authenticator
// responses against the exact issued challenge, relying-party id and origin,
// and enforcing the clone-detection counter on every authentication.
package ceremony

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/protocol/webauthncose"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"

	"github.com/permamap/permamap/internal/common"
	"github.com/permamap/permamap/internal/logging"
	"github.com/permamap/permamap/internal/server/config"
	"github.com/permamap/permamap/internal/server/models"
	"github.com/permamap/permamap/internal/server/repositories/credentials"
	"github.com/permamap/permamap/internal/server/repositories/repomanager"
)

// passkeyProvider is the slice of *webauthn.WebAuthn the service uses,
// extracted so tests can substitute a stub.
type passkeyProvider interface {
	BeginRegistration(user webauthn.User, opts ...webauthn.RegistrationOption) (*protocol.CredentialCreation, *webauthn.SessionData, error)
	CreateCredential(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialCreationData) (*webauthn.Credential, error)
	BeginDiscoverableLogin(opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error)
	ValidatePasskeyLogin(handler webauthn.DiscoverableUserHandler, session webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (webauthn.User, *webauthn.Credential, error)
}

type passkeyParser interface {
	ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error)
	ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error)
}

type defaultPasskeyParser struct{}

func (defaultPasskeyParser) ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error) {
	return protocol.ParseCredentialCreationResponseBytes(data)
}

func (defaultPasskeyParser) ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error) {
	return protocol.ParseCredentialRequestResponseBytes(data)
}

// Service runs the two ceremonies over the credential store. A pending
// challenge is consumed unconditionally by the first verification attempt,
// success or failure, so it can never be replayed.
type Service struct {
	db           *sql.DB
	repomanager  repomanager.RepositoryManager
	provider     passkeyProvider
	parser       passkeyParser
	challengeTTL time.Duration
	logger       logging.Logger
	now          func() time.Time
}

// NewService builds the service around a *webauthn.WebAuthn configured from
// the relying-party settings: attestation "none", platform attachment,
// resident key discouraged, user verification preferred.
func NewService(db *sql.DB, m repomanager.RepositoryManager, cfg *config.Config, logger logging.Logger) (*Service, error) {
	web, err := webauthn.New(&webauthn.Config{
		RPDisplayName:         cfg.RPDisplayName,
		RPID:                  cfg.RPID,
		RPOrigins:             cfg.RPOrigins,
		AttestationPreference: protocol.PreferNoAttestation,
		AuthenticatorSelection: protocol.AuthenticatorSelection{
			AuthenticatorAttachment: protocol.Platform,
			ResidentKey:             protocol.ResidentKeyRequirementDiscouraged,
			UserVerification:        protocol.VerificationPreferred,
		},
		Timeouts: webauthn.TimeoutsConfig{
			Registration: webauthn.TimeoutConfig{Enforce: true, Timeout: cfg.CeremonyTimeout, TimeoutUVD: cfg.CeremonyTimeout},
			Login:        webauthn.TimeoutConfig{Enforce: true, Timeout: cfg.CeremonyTimeout, TimeoutUVD: cfg.CeremonyTimeout},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("error configuring webauthn: %w", err)
	}

	return &Service{
		db:           db,
		repomanager:  m,
		provider:     web,
		parser:       defaultPasskeyParser{},
		challengeTTL: cfg.ChallengeTTL,
		logger:       logger,
		now:          time.Now,
	}, nil
}

var credentialParameters = []protocol.CredentialParameter{
	{Type: protocol.PublicKeyCredentialType, Algorithm: webauthncose.AlgES256},
	{Type: protocol.PublicKeyCredentialType, Algorithm: webauthncose.AlgRS256},
}

// BeginRegistration issues a registration challenge for the identity,
// creating the identity first when the id is empty or unknown. The challenge
// overwrites any live challenge for the same identity (last write wins).
func (s *Service) BeginRegistration(ctx context.Context, identityID string) (*protocol.CredentialCreation, *models.UserIdentity, error) {
	identityRepo := s.repomanager.Identities(s.db)

	var identity *models.UserIdentity
	if identityID != "" {
		existing, err := identityRepo.GetByID(ctx, identityID)
		if err != nil && !errors.Is(err, common.ErrorIdentityNotFound) {
			return nil, nil, err
		}
		identity = existing
	}
	if identity == nil {
		created, err := identityRepo.Create(ctx, &models.UserIdentity{
			ID:       uuid.NewString(),
			Username: generateUsername(),
		})
		if err != nil {
			return nil, nil, err
		}
		identity = created
	}

	registered, err := s.repomanager.Credentials(s.db).ListByIdentity(ctx, identity.ID)
	if err != nil {
		return nil, nil, err
	}
	user := newCeremonyUser(identity, registered)

	options := []webauthn.RegistrationOption{
		webauthn.WithCredentialParameters(credentialParameters),
	}
	if len(user.credentials) > 0 {
		exclusions := make([]protocol.CredentialDescriptor, 0, len(user.credentials))
		for _, c := range user.credentials {
			exclusions = append(exclusions, c.Descriptor())
		}
		options = append(options, webauthn.WithExclusions(exclusions))
	}

	creation, session, err := s.provider.BeginRegistration(user, options...)
	if err != nil {
		return nil, nil, fmt.Errorf("error beginning registration: %w", err)
	}

	if err := s.storeChallenge(ctx, identity.ID, models.CeremonyRegistration, identity.ID, session); err != nil {
		return nil, nil, err
	}

	return creation, identity, nil
}

// FinishRegistration verifies the authenticator's attestation response
// against the identity's pending challenge and registers the credential. The
// challenge is consumed before verification regardless of the outcome.
func (s *Service) FinishRegistration(ctx context.Context, identityID string, responseJSON []byte) (*models.Credential, error) {
	if identityID == "" || len(responseJSON) == 0 {
		return nil, fmt.Errorf("%w: identity id and ceremony response are required", common.ErrorValidation)
	}

	session, err := s.takeChallenge(ctx, identityID, models.CeremonyRegistration)
	if err != nil {
		return nil, err
	}

	identity, err := s.repomanager.Identities(s.db).GetByID(ctx, identityID)
	if err != nil {
		return nil, err
	}

	parsed, err := s.parser.ParseCredentialCreationResponseBytes(responseJSON)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing ceremony response: %v", common.ErrorValidation, err)
	}

	credentialRepo := s.repomanager.Credentials(s.db)
	registered, err := credentialRepo.ListByIdentity(ctx, identity.ID)
	if err != nil {
		return nil, err
	}

	verified, err := s.provider.CreateCredential(newCeremonyUser(identity, registered), *session, parsed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrorAttestationInvalid, err)
	}

	credential := credentialFromWebauthn(identity.ID, verified)
	if err := credentialRepo.Put(ctx, credential); err != nil {
		return nil, err
	}

	return credential, nil
}

// BeginAuthentication issues a discoverable-login challenge. No identity is
// known yet, so the challenge is keyed by its own value.
func (s *Service) BeginAuthentication(ctx context.Context) (*protocol.CredentialAssertion, error) {
	assertion, session, err := s.provider.BeginDiscoverableLogin()
	if err != nil {
		return nil, fmt.Errorf("error beginning authentication: %w", err)
	}

	if err := s.storeChallenge(ctx, session.Challenge, models.CeremonyAuthentication, "", session); err != nil {
		return nil, err
	}

	return assertion, nil
}

// FinishAuthentication verifies the assertion, enforces the strictly
// increasing signature counter and persists it. A counter at or below the
// stored value means a likely cloned authenticator: the credential is
// flagged for review and the call fails.
func (s *Service) FinishAuthentication(ctx context.Context, responseJSON []byte) (*models.Credential, *models.UserIdentity, error) {
	if len(responseJSON) == 0 {
		return nil, nil, fmt.Errorf("%w: ceremony response is required", common.ErrorValidation)
	}

	parsed, err := s.parser.ParseCredentialRequestResponseBytes(responseJSON)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: parsing ceremony response: %v", common.ErrorValidation, err)
	}

	// the response names the challenge it answers; consume exactly that one
	session, err := s.takeChallenge(ctx, parsed.Response.CollectedClientData.Challenge, models.CeremonyAuthentication)
	if err != nil {
		return nil, nil, err
	}

	credentialRepo := s.repomanager.Credentials(s.db)
	credentialID := encodeCredentialID(parsed.RawID)

	stored, err := credentialRepo.GetByCredentialID(ctx, credentialID)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil, nil, common.ErrorUnknownCredential
		}
		return nil, nil, err
	}

	identity, err := s.repomanager.Identities(s.db).GetByID(ctx, stored.IdentityID)
	if err != nil {
		return nil, nil, err
	}

	registered, err := credentialRepo.ListByIdentity(ctx, identity.ID)
	if err != nil {
		return nil, nil, err
	}
	user := newCeremonyUser(identity, registered)

	handler := func(_, _ []byte) (webauthn.User, error) { return user, nil }
	_, verified, err := s.provider.ValidatePasskeyLogin(handler, *session, parsed)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", common.ErrorAssertionInvalid, err)
	}

	newCounter := verified.Authenticator.SignCount
	if verified.Authenticator.CloneWarning || newCounter <= stored.SignCount {
		return nil, nil, s.rejectCounter(ctx, credentialRepo, stored, newCounter)
	}
	if err := credentialRepo.UpdateCounter(ctx, credentialID, newCounter); err != nil {
		if errors.Is(err, common.ErrorCounterRegression) {
			// lost the race to a concurrent authentication
			return nil, nil, s.rejectCounter(ctx, credentialRepo, stored, newCounter)
		}
		return nil, nil, err
	}

	now := s.now().UTC()
	stored.SignCount = newCounter
	stored.LastUsedAt = &now
	return stored, identity, nil
}

func (s *Service) rejectCounter(ctx context.Context, repo credentials.Repository, credential *models.Credential, reported uint32) error {
	s.logger.Error(ctx, "signature counter regression, possible cloned authenticator",
		"credentialID", credential.ID, "stored", credential.SignCount, "reported", reported)
	if err := repo.SetFlagged(ctx, credential.ID); err != nil {
		s.logger.Error(ctx, "error flagging credential", "credentialID", credential.ID, "error", err)
	}
	return common.ErrorCounterRegression
}

func (s *Service) storeChallenge(ctx context.Context, key, kind, identityID string, session *webauthn.SessionData) error {
	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("error encoding session data: %w", err)
	}

	now := s.now().UTC()
	return s.repomanager.Challenges(s.db).Put(ctx, &models.PendingChallenge{
		Key:         key,
		Kind:        kind,
		IdentityID:  identityID,
		SessionJSON: payload,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.challengeTTL),
	})
}

// takeChallenge consumes the pending challenge under key. Absent, expired or
// wrong-kind challenges all surface as ErrorNoPendingChallenge; the row is
// gone either way.
func (s *Service) takeChallenge(ctx context.Context, key, kind string) (*webauthn.SessionData, error) {
	challenge, err := s.repomanager.Challenges(s.db).Take(ctx, key)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil, common.ErrorNoPendingChallenge
		}
		return nil, err
	}
	if challenge.Kind != kind || challenge.Expired(s.now()) {
		return nil, common.ErrorNoPendingChallenge
	}

	session := &webauthn.SessionData{}
	if err := json.Unmarshal(challenge.SessionJSON, session); err != nil {
		return nil, fmt.Errorf("error decoding session data: %w", err)
	}
	return session, nil
}

// ceremonyUser adapts an identity and its stored credentials to the
// webauthn.User interface.
type ceremonyUser struct {
	identity    *models.UserIdentity
	credentials []webauthn.Credential
}

func newCeremonyUser(identity *models.UserIdentity, stored []models.Credential) *ceremonyUser {
	credentials := make([]webauthn.Credential, 0, len(stored))
	for i := range stored {
		credentials = append(credentials, webauthnCredential(&stored[i]))
	}
	return &ceremonyUser{identity: identity, credentials: credentials}
}

func (u *ceremonyUser) WebAuthnID() []byte                         { return []byte(u.identity.ID) }
func (u *ceremonyUser) WebAuthnName() string                       { return u.identity.Username }
func (u *ceremonyUser) WebAuthnDisplayName() string                { return u.identity.Username }
func (u *ceremonyUser) WebAuthnIcon() string                       { return "" }
func (u *ceremonyUser) WebAuthnCredentials() []webauthn.Credential { return u.credentials }

func webauthnCredential(c *models.Credential) webauthn.Credential {
	rawID, err := base64.RawURLEncoding.DecodeString(c.ID)
	if err != nil {
		// stored ids are produced by encodeCredentialID; fall back to raw bytes
		rawID = []byte(c.ID)
	}
	transports := make([]protocol.AuthenticatorTransport, 0, len(c.Transports))
	for _, t := range c.Transports {
		transports = append(transports, protocol.AuthenticatorTransport(t))
	}
	return webauthn.Credential{
		ID:              rawID,
		PublicKey:       c.PublicKey,
		AttestationType: c.AttestationType,
		Transport:       transports,
		Authenticator:   webauthn.Authenticator{SignCount: c.SignCount},
	}
}

func credentialFromWebauthn(identityID string, c *webauthn.Credential) *models.Credential {
	transports := make([]string, 0, len(c.Transport))
	for _, t := range c.Transport {
		transports = append(transports, string(t))
	}
	return &models.Credential{
		ID:              encodeCredentialID(c.ID),
		IdentityID:      identityID,
		PublicKey:       c.PublicKey,
		SignCount:       c.Authenticator.SignCount,
		Transports:      transports,
		AttestationType: c.AttestationType,
	}
}

func encodeCredentialID(raw []byte) string {
	return base64.RawURLEncoding.EncodeToString(raw)
}

func generateUsername() string {
	b := common.GenerateRandByteArray(2)
	return fmt.Sprintf("user_%04d", binary.BigEndian.Uint16(b)%10000)
}
