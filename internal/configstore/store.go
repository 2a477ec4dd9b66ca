package configstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"cuenly-ingest/internal/model"
	"cuenly-ingest/internal/store"
)

// Store is the encrypted front door to EmailConfig rows. Every plaintext
// secret passes through here exactly once on its way in or out of the
// document warehouse.
type Store struct {
	repo    *store.EmailConfigRepository
	cipher  *cipherSuite
	log     *zap.Logger
	oauth   OAuth2Provider
}

// OAuth2Provider resolves a refreshed access token for an EmailConfig whose
// AuthKind is oauth2. Swappable per-provider (Gmail, Outlook, …); the
// concrete implementation lives in oauth2.go.
type OAuth2Provider interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

func New(repo *store.EmailConfigRepository, passphrase string, provider OAuth2Provider, log *zap.Logger) *Store {
	return &Store{repo: repo, cipher: newCipherSuite(passphrase), oauth: provider, log: log}
}

// Credentials is the decrypted view handed to internal/mail.
type Credentials struct {
	Host     string
	Port     int
	SSL      bool
	Username string
	AuthKind model.AuthKind
	Password string // set when AuthKind == password
	Token    string // XOAUTH2 access token, set when AuthKind == oauth2
}

// Resolve decrypts cfg's stored secret, refreshing an OAuth2 access token
// first if it is expired or about to expire. Legacy plaintext rows are
// re-encrypted on read, per spec.md §6.
func (s *Store) Resolve(ctx context.Context, cfg *model.EmailConfig) (*Credentials, error) {
	creds := &Credentials{
		Host: cfg.Host, Port: cfg.Port, SSL: cfg.SSL,
		Username: cfg.Username, AuthKind: cfg.AuthKind,
	}

	switch cfg.AuthKind {
	case model.AuthPassword:
		pw, needsReenc, err := s.cipher.DecryptOrPlaintext(cfg.EncPassword)
		if err != nil {
			return nil, fmt.Errorf("decrypt password: %w", err)
		}
		creds.Password = pw
		if needsReenc {
			s.reencryptPassword(cfg, pw)
		}
		return creds, nil

	case model.AuthOAuth2:
		if cfg.TokenExpiry == nil || time.Until(*cfg.TokenExpiry) < 2*time.Minute {
			refreshTok, needsReenc, err := s.cipher.DecryptOrPlaintext(cfg.EncRefreshToken)
			if err != nil {
				return nil, fmt.Errorf("decrypt refresh token: %w", err)
			}
			if needsReenc {
				s.reencryptRefreshToken(cfg, refreshTok)
			}
			tok, err := s.oauth.Refresh(ctx, refreshTok)
			if err != nil {
				return nil, fmt.Errorf("refresh oauth2 token: %w", err)
			}
			if err := s.persistAccessToken(cfg, tok); err != nil {
				return nil, err
			}
			creds.Token = tok.AccessToken
			return creds, nil
		}
		tok, _, err := s.cipher.DecryptOrPlaintext(cfg.EncAccessToken)
		if err != nil {
			return nil, fmt.Errorf("decrypt access token: %w", err)
		}
		creds.Token = tok
		return creds, nil

	default:
		return nil, fmt.Errorf("unknown auth kind %q", cfg.AuthKind)
	}
}

func (s *Store) reencryptPassword(cfg *model.EmailConfig, plaintext string) {
	enc, err := s.cipher.Encrypt(plaintext)
	if err != nil {
		s.log.Warn("re-encrypt password failed", zap.String("config_id", cfg.ID), zap.Error(err))
		return
	}
	cfg.EncPassword = enc
	if err := s.repo.Save(cfg); err != nil {
		s.log.Warn("persist re-encrypted password failed", zap.String("config_id", cfg.ID), zap.Error(err))
	}
}

func (s *Store) reencryptRefreshToken(cfg *model.EmailConfig, plaintext string) {
	enc, err := s.cipher.Encrypt(plaintext)
	if err != nil {
		s.log.Warn("re-encrypt refresh token failed", zap.String("config_id", cfg.ID), zap.Error(err))
		return
	}
	cfg.EncRefreshToken = enc
	if err := s.repo.Save(cfg); err != nil {
		s.log.Warn("persist re-encrypted refresh token failed", zap.String("config_id", cfg.ID), zap.Error(err))
	}
}

// applyToken encrypts tok's access token (and refresh token, if rotated)
// into cfg's fields without persisting.
func (s *Store) applyToken(cfg *model.EmailConfig, tok *oauth2.Token) error {
	enc, err := s.cipher.Encrypt(tok.AccessToken)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	cfg.EncAccessToken = enc
	exp := tok.Expiry
	cfg.TokenExpiry = &exp
	if tok.RefreshToken != "" {
		encRefresh, err := s.cipher.Encrypt(tok.RefreshToken)
		if err != nil {
			return fmt.Errorf("encrypt rotated refresh token: %w", err)
		}
		cfg.EncRefreshToken = encRefresh
	}
	return nil
}

func (s *Store) persistAccessToken(cfg *model.EmailConfig, tok *oauth2.Token) error {
	if err := s.applyToken(cfg, tok); err != nil {
		return err
	}
	return s.repo.Save(cfg)
}

// CreatePassword creates a new password-auth EmailConfig, encrypting the
// supplied secret before it ever reaches the repository.
func (s *Store) CreatePassword(ownerEmail, host string, port int, ssl bool, username, password string) (*model.EmailConfig, error) {
	enc, err := s.cipher.Encrypt(password)
	if err != nil {
		return nil, fmt.Errorf("encrypt password: %w", err)
	}
	cfg := &model.EmailConfig{
		ID:          uuid.NewString(),
		OwnerEmail:  ownerEmail,
		Host:        host,
		Port:        port,
		SSL:         ssl,
		Username:    username,
		AuthKind:    model.AuthPassword,
		EncPassword: enc,
		Enabled:     true,
	}
	if err := s.repo.Create(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// CreateOAuth2 creates a new oauth2-auth EmailConfig from an initial token
// pair obtained out-of-band (e.g. an OAuth consent flow).
func (s *Store) CreateOAuth2(ownerEmail, host string, port int, ssl bool, username string, tok *oauth2.Token) (*model.EmailConfig, error) {
	cfg := &model.EmailConfig{
		ID:         uuid.NewString(),
		OwnerEmail: ownerEmail,
		Host:       host,
		Port:       port,
		SSL:        ssl,
		Username:   username,
		AuthKind:   model.AuthOAuth2,
		Enabled:    true,
	}
	if err := s.applyToken(cfg, tok); err != nil {
		return nil, err
	}
	if err := s.repo.Create(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (s *Store) ListEnabled() ([]model.EmailConfig, error) {
	return s.repo.ListEnabled()
}

func (s *Store) ListByOwner(ownerEmail string) ([]model.EmailConfig, error) {
	return s.repo.ListByOwner(ownerEmail)
}
