package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/parsascontentcorner/towerbot/internal/metrics"
	"github.com/parsascontentcorner/towerbot/pkg/logger"
)

var (
	// ErrLinkingNotConfigured is returned by Begin when no OAuth client is set up
	ErrLinkingNotConfigured = errors.New("identity linking is not configured")
	// ErrVerifierNotStored is returned by Begin when the verifier could not be saved
	ErrVerifierNotStored = errors.New("could not store PKCE verifier")
)

// LinkFailure is the reason a callback did not produce a session
type LinkFailure string

// Link failure reasons
const (
	FailureProviderError  LinkFailure = "provider error"
	FailureInvalidState   LinkFailure = "invalid state"
	FailureSessionExpired LinkFailure = "session expired"
	FailureTokenExchange  LinkFailure = "token exchange failed"
	FailureProfileFetch   LinkFailure = "profile fetch failed"
	FailureSessionSave    LinkFailure = "session save failed"
)

// LinkError reports a failed callback. Err holds diagnostics that must not
// reach the end user.
type LinkError struct {
	Reason     LinkFailure
	TelegramID int64
	Err        error
}

func (e *LinkError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("authentication failed: %s", e.Reason)
}

func (e *LinkError) Unwrap() error {
	return e.Err
}

// UserMessage is the plain-language explanation shown to the user
func (e *LinkError) UserMessage() string {
	switch e.Reason {
	case FailureProviderError:
		return "The login was cancelled or refused. Send /login to try again."
	case FailureInvalidState:
		return "This login link is not valid. Send /login in the bot chat to get a new one."
	case FailureSessionExpired:
		return "This login link has expired or was already used. Send /login to get a new one."
	case FailureTokenExchange:
		return "We could not complete the login with the community platform. Please try again later."
	case FailureProfileFetch:
		return "We could not read your community profile. Please try again later."
	default:
		return "Something went wrong while saving your login. Please try again later."
	}
}

// LinkResult describes a completed link
type LinkResult struct {
	TelegramID     int64
	ExternalUserID string
	ExpiresAt      time.Time
}

// Provider is the OAuth side of the flow. *CommunityClient implements it.
type Provider interface {
	AuthURL(state, verifier string) string
	ExchangeCode(ctx context.Context, code, verifier string) (*oauth2.Token, error)
	FetchProfile(ctx context.Context, token *oauth2.Token) (*Profile, error)
}

// LinkFlow runs the PKCE authorization-code exchange that links a Telegram
// identity to a community account.
type LinkFlow struct {
	provider Provider
	sessions *SessionStore
	logger   *zap.Logger
	metrics  *metrics.Metrics
	redact   bool
}

// NewLinkFlow creates the flow. A nil provider leaves linking unconfigured.
func NewLinkFlow(provider Provider, sessions *SessionStore, log *zap.Logger, m *metrics.Metrics, redact bool) *LinkFlow {
	return &LinkFlow{
		provider: provider,
		sessions: sessions,
		logger:   log,
		metrics:  m,
		redact:   redact,
	}
}

// Configured reports whether linking is available
func (lf *LinkFlow) Configured() bool {
	return lf != nil && lf.provider != nil
}

// Begin stores a fresh verifier and returns the authorization URL
func (lf *LinkFlow) Begin(ctx context.Context, telegramID int64) (string, error) {
	if !lf.Configured() {
		return "", ErrLinkingNotConfigured
	}

	pair := NewPKCEPair()
	if !lf.sessions.StorePKCEVerifier(ctx, telegramID, pair.Verifier) {
		lf.metrics.ObserveLink("begin", "verifier_not_stored")
		return "", ErrVerifierNotStored
	}

	lf.metrics.ObserveLink("begin", "ok")
	lf.logger.Info("login flow started", logger.UserID(telegramID, lf.redact))
	return lf.provider.AuthURL(strconv.FormatInt(telegramID, 10), pair.Verifier), nil
}

// Complete handles the provider's redirect. It never persists a session
// without a resolved profile.
func (lf *LinkFlow) Complete(ctx context.Context, state, code, providerErr string) (*LinkResult, error) {
	if !lf.Configured() {
		return nil, ErrLinkingNotConfigured
	}

	telegramID, stateErr := strconv.ParseInt(strings.TrimSpace(state), 10, 64)
	if stateErr == nil && telegramID <= 0 {
		stateErr = fmt.Errorf("identity must be positive")
	}

	// 1. Provider refused or the user cancelled
	if providerErr != "" {
		if stateErr == nil {
			lf.sessions.ClearPKCEVerifier(ctx, telegramID)
		}
		lf.logger.Warn("provider returned an error on callback", zap.String("error", providerErr))
		return nil, lf.fail(telegramID, FailureProviderError, fmt.Errorf("provider error: %s", providerErr))
	}

	// 2. Recover the identity from state
	if stateErr != nil {
		lf.logger.Warn("callback state is not a valid identity", zap.Error(stateErr))
		return nil, lf.fail(0, FailureInvalidState, stateErr)
	}
	if code == "" {
		lf.sessions.ClearPKCEVerifier(ctx, telegramID)
		return nil, lf.fail(telegramID, FailureInvalidState, errors.New("missing authorization code"))
	}

	// 3. Consume the verifier
	verifier, ok := lf.sessions.GetPKCEVerifier(ctx, telegramID)
	if !ok {
		return nil, lf.fail(telegramID, FailureSessionExpired, nil)
	}

	// 4. Exchange code for token
	lf.logger.Debug("exchanging code for token", logger.UserID(telegramID, lf.redact))
	token, err := lf.provider.ExchangeCode(ctx, code, verifier)
	if err != nil {
		fields := []zap.Field{logger.UserID(telegramID, lf.redact), zap.Error(err)}
		var perr *ProviderError
		if errors.As(err, &perr) {
			fields = append(fields, zap.Int("status", perr.Status), zap.String("body", perr.Body))
		}
		lf.logger.Error("failed to exchange code", fields...)
		return nil, lf.fail(telegramID, FailureTokenExchange, err)
	}

	// 5. Resolve the community account
	profile, err := lf.provider.FetchProfile(ctx, token)
	if err != nil || profile == nil || profile.ID == "" {
		if err == nil {
			err = errors.New("profile has no id")
		}
		fields := []zap.Field{logger.UserID(telegramID, lf.redact), zap.Error(err)}
		var perr *ProviderError
		if errors.As(err, &perr) {
			fields = append(fields, zap.Int("status", perr.Status), zap.String("body", perr.Body))
		}
		lf.logger.Error("failed to fetch profile", fields...)
		return nil, lf.fail(telegramID, FailureProfileFetch, err)
	}

	// 6. Persist the link
	if !lf.sessions.SaveSession(ctx, telegramID, profile.ID, token.AccessToken, token.Expiry) {
		return nil, lf.fail(telegramID, FailureSessionSave, nil)
	}

	lf.metrics.ObserveLink("complete", "ok")
	lf.logger.Info("identity linked",
		logger.UserID(telegramID, lf.redact),
		zap.String("external_user_id", profile.ID),
	)

	return &LinkResult{
		TelegramID:     telegramID,
		ExternalUserID: profile.ID,
		ExpiresAt:      token.Expiry,
	}, nil
}

func (lf *LinkFlow) fail(telegramID int64, reason LinkFailure, err error) *LinkError {
	lf.metrics.ObserveLink("complete", strings.ReplaceAll(string(reason), " ", "_"))
	return &LinkError{Reason: reason, TelegramID: telegramID, Err: err}
}
