package ceremony

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/permamap/permamap/internal/common"
	"github.com/permamap/permamap/internal/logging"
	"github.com/permamap/permamap/internal/server/models"
	"github.com/permamap/permamap/internal/server/repositories/repomanager"
)

type stubProvider struct {
	beginRegistration      func(user webauthn.User, opts ...webauthn.RegistrationOption) (*protocol.CredentialCreation, *webauthn.SessionData, error)
	createCredential       func(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialCreationData) (*webauthn.Credential, error)
	beginDiscoverableLogin func(opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error)
	validatePasskeyLogin   func(handler webauthn.DiscoverableUserHandler, session webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (webauthn.User, *webauthn.Credential, error)
}

func (s *stubProvider) BeginRegistration(user webauthn.User, opts ...webauthn.RegistrationOption) (*protocol.CredentialCreation, *webauthn.SessionData, error) {
	return s.beginRegistration(user, opts...)
}

func (s *stubProvider) CreateCredential(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialCreationData) (*webauthn.Credential, error) {
	return s.createCredential(user, session, response)
}

func (s *stubProvider) BeginDiscoverableLogin(opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error) {
	return s.beginDiscoverableLogin(opts...)
}

func (s *stubProvider) ValidatePasskeyLogin(handler webauthn.DiscoverableUserHandler, session webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (webauthn.User, *webauthn.Credential, error) {
	return s.validatePasskeyLogin(handler, session, response)
}

type stubParser struct {
	creation  *protocol.ParsedCredentialCreationData
	assertion *protocol.ParsedCredentialAssertionData
	err       error
}

func (s *stubParser) ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error) {
	return s.creation, s.err
}

func (s *stubParser) ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error) {
	return s.assertion, s.err
}

func newTestService(provider *stubProvider, parser *stubParser) (*Service, *repomanager.MemoryRepositoryManager) {
	m := repomanager.NewMemoryRepositoryManager()
	svc := &Service{
		repomanager:  m,
		provider:     provider,
		parser:       parser,
		challengeTTL: 5 * time.Minute,
		logger:       logging.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		now:          time.Now,
	}
	return svc, m
}

func registrationProvider(challenge string) *stubProvider {
	return &stubProvider{
		beginRegistration: func(user webauthn.User, opts ...webauthn.RegistrationOption) (*protocol.CredentialCreation, *webauthn.SessionData, error) {
			return &protocol.CredentialCreation{}, &webauthn.SessionData{Challenge: challenge, UserID: user.WebAuthnID()}, nil
		},
	}
}

func TestBeginRegistration_CreatesIdentity(t *testing.T) {
	svc, m := newTestService(registrationProvider("chal-1"), &stubParser{})
	ctx := context.Background()

	_, identity, err := svc.BeginRegistration(ctx, "")
	if err != nil {
		t.Fatalf("BeginRegistration error: %v", err)
	}
	if identity.ID == "" || !strings.HasPrefix(identity.Username, "user_") {
		t.Fatalf("unexpected identity: %+v", identity)
	}

	// the challenge is stored under the identity id
	challenge, err := m.Challenges(nil).Take(ctx, identity.ID)
	if err != nil {
		t.Fatalf("expected a stored challenge: %v", err)
	}
	if challenge.Kind != models.CeremonyRegistration || challenge.IdentityID != identity.ID {
		t.Fatalf("unexpected challenge: %+v", challenge)
	}
}

func TestBeginRegistration_ReusesExistingIdentity(t *testing.T) {
	svc, m := newTestService(registrationProvider("chal-1"), &stubParser{})
	ctx := context.Background()

	_, first, err := svc.BeginRegistration(ctx, "")
	if err != nil {
		t.Fatalf("first BeginRegistration error: %v", err)
	}
	_, second, err := svc.BeginRegistration(ctx, first.ID)
	if err != nil {
		t.Fatalf("second BeginRegistration error: %v", err)
	}
	if second.ID != first.ID || second.Username != first.Username {
		t.Fatalf("expected the same identity, got %+v vs %+v", first, second)
	}

	// last write wins on the pending-challenge slot
	if _, err := m.Challenges(nil).Take(ctx, first.ID); err != nil {
		t.Fatalf("expected one live challenge: %v", err)
	}
	if _, err := m.Challenges(nil).Take(ctx, first.ID); !errors.Is(err, common.ErrorNotFound) {
		t.Fatalf("expected a single challenge slot, got %v", err)
	}
}

func TestBeginRegistration_ExcludesRegisteredCredentials(t *testing.T) {
	var seen webauthn.User
	provider := &stubProvider{
		beginRegistration: func(user webauthn.User, opts ...webauthn.RegistrationOption) (*protocol.CredentialCreation, *webauthn.SessionData, error) {
			seen = user
			return &protocol.CredentialCreation{}, &webauthn.SessionData{Challenge: "chal-1"}, nil
		},
	}
	svc, m := newTestService(provider, &stubParser{})
	ctx := context.Background()

	identity, err := m.Identities(nil).Create(ctx, &models.UserIdentity{ID: "id-1", Username: "user_0001"})
	if err != nil {
		t.Fatalf("create identity: %v", err)
	}
	if err := m.Credentials(nil).Put(ctx, &models.Credential{ID: encodeCredentialID([]byte("raw-1")), IdentityID: identity.ID}); err != nil {
		t.Fatalf("put credential: %v", err)
	}

	if _, _, err := svc.BeginRegistration(ctx, identity.ID); err != nil {
		t.Fatalf("BeginRegistration error: %v", err)
	}
	if got := len(seen.WebAuthnCredentials()); got != 1 {
		t.Fatalf("expected existing credential visible to the ceremony, got %d", got)
	}
}

func TestFinishRegistration_NoPendingChallenge(t *testing.T) {
	svc, _ := newTestService(&stubProvider{}, &stubParser{})

	_, err := svc.FinishRegistration(context.Background(), "id-1", []byte("{}"))
	if !errors.Is(err, common.ErrorNoPendingChallenge) {
		t.Fatalf("want common.ErrorNoPendingChallenge, got %v", err)
	}
}

func TestFinishRegistration_ExpiredChallenge(t *testing.T) {
	svc, m := newTestService(&stubProvider{}, &stubParser{})
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	if err := m.Challenges(nil).Put(ctx, &models.PendingChallenge{
		Key: "id-1", Kind: models.CeremonyRegistration, IdentityID: "id-1",
		SessionJSON: []byte("{}"), ExpiresAt: past,
	}); err != nil {
		t.Fatalf("put challenge: %v", err)
	}

	_, err := svc.FinishRegistration(ctx, "id-1", []byte("{}"))
	if !errors.Is(err, common.ErrorNoPendingChallenge) {
		t.Fatalf("want common.ErrorNoPendingChallenge, got %v", err)
	}

	// the expired row is consumed, not left behind
	if _, err := m.Challenges(nil).Take(ctx, "id-1"); !errors.Is(err, common.ErrorNotFound) {
		t.Fatalf("expected consumed challenge, got %v", err)
	}
}

func seedRegistration(t *testing.T, svc *Service, m *repomanager.MemoryRepositoryManager) *models.UserIdentity {
	t.Helper()
	_, identity, err := svc.BeginRegistration(context.Background(), "")
	if err != nil {
		t.Fatalf("BeginRegistration error: %v", err)
	}
	return identity
}

func TestFinishRegistration_ParseErrorConsumesChallenge(t *testing.T) {
	parser := &stubParser{err: errors.New("bad json")}
	svc, m := newTestService(registrationProvider("chal-1"), parser)
	identity := seedRegistration(t, svc, m)
	ctx := context.Background()

	_, err := svc.FinishRegistration(ctx, identity.ID, []byte("not-json"))
	if !errors.Is(err, common.ErrorValidation) {
		t.Fatalf("want common.ErrorValidation, got %v", err)
	}

	// a failed attempt still burns the challenge
	_, err = svc.FinishRegistration(ctx, identity.ID, []byte("not-json"))
	if !errors.Is(err, common.ErrorNoPendingChallenge) {
		t.Fatalf("want common.ErrorNoPendingChallenge on retry, got %v", err)
	}
}

func TestFinishRegistration_AttestationInvalid(t *testing.T) {
	provider := registrationProvider("chal-1")
	provider.createCredential = func(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialCreationData) (*webauthn.Credential, error) {
		return nil, errors.New("challenge mismatch")
	}
	svc, m := newTestService(provider, &stubParser{creation: &protocol.ParsedCredentialCreationData{}})
	identity := seedRegistration(t, svc, m)

	_, err := svc.FinishRegistration(context.Background(), identity.ID, []byte("{}"))
	if !errors.Is(err, common.ErrorAttestationInvalid) {
		t.Fatalf("want common.ErrorAttestationInvalid, got %v", err)
	}
}

func TestFinishRegistration_Success(t *testing.T) {
	provider := registrationProvider("chal-1")
	provider.createCredential = func(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialCreationData) (*webauthn.Credential, error) {
		return &webauthn.Credential{
			ID:              []byte("raw-cred"),
			PublicKey:       []byte("cose-key"),
			AttestationType: "none",
			Transport:       []protocol.AuthenticatorTransport{protocol.Internal},
		}, nil
	}
	svc, m := newTestService(provider, &stubParser{creation: &protocol.ParsedCredentialCreationData{}})
	identity := seedRegistration(t, svc, m)
	ctx := context.Background()

	credential, err := svc.FinishRegistration(ctx, identity.ID, []byte("{}"))
	if err != nil {
		t.Fatalf("FinishRegistration error: %v", err)
	}
	if credential.ID != encodeCredentialID([]byte("raw-cred")) {
		t.Fatalf("unexpected credential id: %s", credential.ID)
	}
	if credential.SignCount != 0 {
		t.Fatalf("fresh credential must start at counter 0, got %d", credential.SignCount)
	}

	stored, err := m.Credentials(nil).GetByCredentialID(ctx, credential.ID)
	if err != nil {
		t.Fatalf("credential not persisted: %v", err)
	}
	if stored.IdentityID != identity.ID {
		t.Fatalf("credential bound to wrong identity: %s", stored.IdentityID)
	}
}

func authenticationProvider(counter uint32, cloneWarning bool) *stubProvider {
	return &stubProvider{
		beginDiscoverableLogin: func(opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error) {
			return &protocol.CredentialAssertion{}, &webauthn.SessionData{Challenge: "chal-auth"}, nil
		},
		validatePasskeyLogin: func(handler webauthn.DiscoverableUserHandler, session webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (webauthn.User, *webauthn.Credential, error) {
			user, err := handler(response.RawID, nil)
			if err != nil {
				return nil, nil, err
			}
			return user, &webauthn.Credential{
				ID:            response.RawID,
				Authenticator: webauthn.Authenticator{SignCount: counter, CloneWarning: cloneWarning},
			}, nil
		},
	}
}

func assertionFor(rawID []byte, challenge string) *protocol.ParsedCredentialAssertionData {
	parsed := &protocol.ParsedCredentialAssertionData{}
	parsed.RawID = rawID
	parsed.Response.CollectedClientData.Challenge = challenge
	return parsed
}

func seedAuthentication(t *testing.T, svc *Service, m *repomanager.MemoryRepositoryManager, counter uint32) *models.Credential {
	t.Helper()
	ctx := context.Background()

	identity, err := m.Identities(nil).Create(ctx, &models.UserIdentity{ID: "id-1", Username: "user_0001"})
	if err != nil {
		t.Fatalf("create identity: %v", err)
	}
	credential := &models.Credential{
		ID:         encodeCredentialID([]byte("raw-cred")),
		IdentityID: identity.ID,
		PublicKey:  []byte("cose-key"),
		SignCount:  counter,
	}
	if err := m.Credentials(nil).Put(ctx, credential); err != nil {
		t.Fatalf("put credential: %v", err)
	}
	if _, err := svc.BeginAuthentication(ctx); err != nil {
		t.Fatalf("BeginAuthentication error: %v", err)
	}
	return credential
}

func TestBeginAuthentication_ChallengeKeyedByValue(t *testing.T) {
	svc, m := newTestService(authenticationProvider(1, false), &stubParser{})
	ctx := context.Background()

	if _, err := svc.BeginAuthentication(ctx); err != nil {
		t.Fatalf("BeginAuthentication error: %v", err)
	}

	challenge, err := m.Challenges(nil).Take(ctx, "chal-auth")
	if err != nil {
		t.Fatalf("expected challenge keyed by its value: %v", err)
	}
	if challenge.Kind != models.CeremonyAuthentication || challenge.IdentityID != "" {
		t.Fatalf("unexpected challenge: %+v", challenge)
	}
}

func TestFinishAuthentication_NoPendingChallenge(t *testing.T) {
	parser := &stubParser{assertion: assertionFor([]byte("raw-cred"), "ghost")}
	svc, _ := newTestService(authenticationProvider(1, false), parser)

	_, _, err := svc.FinishAuthentication(context.Background(), []byte("{}"))
	if !errors.Is(err, common.ErrorNoPendingChallenge) {
		t.Fatalf("want common.ErrorNoPendingChallenge, got %v", err)
	}
}

func TestFinishAuthentication_UnknownCredential(t *testing.T) {
	parser := &stubParser{assertion: assertionFor([]byte("nobody"), "chal-auth")}
	svc, _ := newTestService(authenticationProvider(1, false), parser)

	if _, err := svc.BeginAuthentication(context.Background()); err != nil {
		t.Fatalf("BeginAuthentication error: %v", err)
	}

	_, _, err := svc.FinishAuthentication(context.Background(), []byte("{}"))
	if !errors.Is(err, common.ErrorUnknownCredential) {
		t.Fatalf("want common.ErrorUnknownCredential, got %v", err)
	}
}

func TestFinishAuthentication_AssertionInvalid(t *testing.T) {
	provider := authenticationProvider(1, false)
	provider.validatePasskeyLogin = func(handler webauthn.DiscoverableUserHandler, session webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (webauthn.User, *webauthn.Credential, error) {
		return nil, nil, errors.New("signature verification failed")
	}
	parser := &stubParser{assertion: assertionFor([]byte("raw-cred"), "chal-auth")}
	svc, m := newTestService(provider, parser)
	seedAuthentication(t, svc, m, 0)

	_, _, err := svc.FinishAuthentication(context.Background(), []byte("{}"))
	if !errors.Is(err, common.ErrorAssertionInvalid) {
		t.Fatalf("want common.ErrorAssertionInvalid, got %v", err)
	}
}

func TestFinishAuthentication_Success(t *testing.T) {
	parser := &stubParser{assertion: assertionFor([]byte("raw-cred"), "chal-auth")}
	svc, m := newTestService(authenticationProvider(1, false), parser)
	seeded := seedAuthentication(t, svc, m, 0)
	ctx := context.Background()

	credential, identity, err := svc.FinishAuthentication(ctx, []byte("{}"))
	if err != nil {
		t.Fatalf("FinishAuthentication error: %v", err)
	}
	if credential.ID != seeded.ID || identity.ID != seeded.IdentityID {
		t.Fatalf("unexpected result: credential %s identity %s", credential.ID, identity.ID)
	}
	if credential.SignCount != 1 || credential.LastUsedAt == nil {
		t.Fatalf("unexpected credential state: %+v", credential)
	}

	stored, err := m.Credentials(nil).GetByCredentialID(ctx, seeded.ID)
	if err != nil {
		t.Fatalf("get credential: %v", err)
	}
	if stored.SignCount != 1 {
		t.Fatalf("counter not persisted, got %d", stored.SignCount)
	}
}

func TestFinishAuthentication_CounterRegression(t *testing.T) {
	parser := &stubParser{assertion: assertionFor([]byte("raw-cred"), "chal-auth")}
	svc, m := newTestService(authenticationProvider(3, false), parser)
	seeded := seedAuthentication(t, svc, m, 3)
	ctx := context.Background()

	_, _, err := svc.FinishAuthentication(ctx, []byte("{}"))
	if !errors.Is(err, common.ErrorCounterRegression) {
		t.Fatalf("want common.ErrorCounterRegression, got %v", err)
	}

	stored, err := m.Credentials(nil).GetByCredentialID(ctx, seeded.ID)
	if err != nil {
		t.Fatalf("get credential: %v", err)
	}
	if !stored.Flagged {
		t.Fatal("expected credential flagged for review")
	}
	if stored.SignCount != 3 {
		t.Fatalf("stored counter must be untouched, got %d", stored.SignCount)
	}
}

func TestFinishAuthentication_CloneWarning(t *testing.T) {
	parser := &stubParser{assertion: assertionFor([]byte("raw-cred"), "chal-auth")}
	svc, m := newTestService(authenticationProvider(5, true), parser)
	seeded := seedAuthentication(t, svc, m, 2)

	_, _, err := svc.FinishAuthentication(context.Background(), []byte("{}"))
	if !errors.Is(err, common.ErrorCounterRegression) {
		t.Fatalf("want common.ErrorCounterRegression, got %v", err)
	}

	stored, _ := m.Credentials(nil).GetByCredentialID(context.Background(), seeded.ID)
	if !stored.Flagged {
		t.Fatal("expected credential flagged for review")
	}
}

func TestFinishAuthentication_ChallengeSingleUse(t *testing.T) {
	parser := &stubParser{assertion: assertionFor([]byte("raw-cred"), "chal-auth")}
	svc, m := newTestService(authenticationProvider(1, false), parser)
	seedAuthentication(t, svc, m, 0)
	ctx := context.Background()

	if _, _, err := svc.FinishAuthentication(ctx, []byte("{}")); err != nil {
		t.Fatalf("first FinishAuthentication error: %v", err)
	}

	// replaying the same assertion finds no challenge
	_, _, err := svc.FinishAuthentication(ctx, []byte("{}"))
	if !errors.Is(err, common.ErrorNoPendingChallenge) {
		t.Fatalf("want common.ErrorNoPendingChallenge on replay, got %v", err)
	}
}
