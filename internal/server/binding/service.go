// Package binding orchestrates the credential → wallet-address mapping:
// encrypting bindings into records, writing them to the ledger and resolving
// the latest one back.
package binding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/permamap/permamap/internal/common"
	"github.com/permamap/permamap/internal/cryptox"
	"github.com/permamap/permamap/internal/ledger"
	"github.com/permamap/permamap/internal/logging"
	"github.com/permamap/permamap/internal/server/models"
)

const (
	resolveRetries = 3
	resolveBackoff = 200 * time.Millisecond
)

// Service writes encrypted bindings to the ledger and resolves them. Writes
// are never retried here: a timed-out submission may already have been
// accepted, so retrying is the caller's decision. Reads are side-effect free
// and retried on transient ledger failures.
type Service struct {
	codec   *cryptox.Codec
	gateway ledger.Gateway
	logger  logging.Logger
	now     func() time.Time
}

func NewService(codec *cryptox.Codec, gateway ledger.Gateway, logger logging.Logger) *Service {
	return &Service{
		codec:   codec,
		gateway: gateway,
		logger:  logger,
		now:     time.Now,
	}
}

func bindingTags(credentialID string) map[string]string {
	return map[string]string{
		common.AppTagName:        common.AppTagValue,
		common.CredentialTagName: credentialID,
	}
}

// Create encrypts a fresh binding for the credential and appends it to the
// ledger, returning the entry id. An existing binding for the same
// credential is superseded, not overwritten: the old entry stays fetchable
// but Resolve stops returning it.
func (s *Service) Create(ctx context.Context, credentialID, walletAddress string) (string, error) {
	if credentialID == "" || walletAddress == "" {
		return "", fmt.Errorf("%w: credential id and wallet address are required", common.ErrorValidation)
	}

	binding := &models.Binding{
		CredentialID:  credentialID,
		WalletAddress: walletAddress,
		Timestamp:     s.now().UnixMilli(),
	}

	record, err := s.codec.Encode(binding)
	if err != nil {
		return "", err
	}
	payload, err := cryptox.MarshalRecord(record)
	if err != nil {
		return "", err
	}

	entryID, err := s.gateway.Write(ctx, payload, bindingTags(credentialID))
	if err != nil {
		return "", err
	}

	s.logger.Info(ctx, "binding written", "credentialID", credentialID, "entryID", entryID)
	return entryID, nil
}

// Resolve returns the latest binding for the credential. Absence surfaces as
// ErrorNoBindingFound; a record that exists but cannot be authenticated or
// parsed surfaces as the codec's integrity or malformed-payload error, never
// as absence.
func (s *Service) Resolve(ctx context.Context, credentialID string) (*models.Binding, error) {
	if credentialID == "" {
		return nil, fmt.Errorf("%w: credential id is required", common.ErrorValidation)
	}

	entryID, err := s.queryLatest(ctx, credentialID)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil, common.ErrorNoBindingFound
		}
		return nil, err
	}

	payload, err := s.fetch(ctx, entryID)
	if err != nil {
		return nil, err
	}

	record, err := cryptox.UnmarshalRecord(payload)
	if err != nil {
		s.logger.Error(ctx, "binding record unreadable", "credentialID", credentialID, "entryID", entryID, "error", err)
		return nil, err
	}
	binding, err := s.codec.Decode(record)
	if err != nil {
		s.logger.Error(ctx, "binding record failed decryption", "credentialID", credentialID, "entryID", entryID, "error", err)
		return nil, err
	}

	return binding, nil
}

func (s *Service) queryLatest(ctx context.Context, credentialID string) (string, error) {
	var entryID string
	backoff := retry.WithMaxRetries(resolveRetries, retry.NewConstant(resolveBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		entryID, err = s.gateway.QueryLatest(ctx, bindingTags(credentialID))
		if errors.Is(err, common.ErrorLedgerUnavailable) {
			return retry.RetryableError(err)
		}
		return err
	})
	return entryID, err
}

func (s *Service) fetch(ctx context.Context, entryID string) ([]byte, error) {
	var payload []byte
	backoff := retry.WithMaxRetries(resolveRetries, retry.NewConstant(resolveBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		payload, err = s.gateway.Fetch(ctx, entryID)
		if errors.Is(err, common.ErrorLedgerUnavailable) {
			return retry.RetryableError(err)
		}
		return err
	})
	return payload, err
}
