// Package mail implements the email-account pool, subject scanner, and
// attachment/link resolver (C4/C5/C6 in SPEC_FULL.md). Connection handling
// follows the teacher's EmailService (internal/services/email_monitor.go):
// client.DialTLS + a per-config login, generalized into a bounded
// idle/active pool per spec.md §4.4, with XOAUTH2 added for oauth2-auth
// accounts and cenkalti/backoff retry around the dial.
package mail

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-sasl"
	"go.uber.org/zap"

	"cuenly-ingest/internal/configstore"
	"cuenly-ingest/internal/ingesterr"
	"cuenly-ingest/internal/model"
)

const (
	defaultMaxIdle     = 5
	defaultMaxActive   = 5
	defaultIdleTTL     = 300 * time.Second
	dialBackoffBase    = 2 * time.Second
	dialMaxRetries     = 3
)

type poolKey struct {
	host     string
	port     int
	username string
}

func keyFor(creds *configstore.Credentials) poolKey {
	return poolKey{host: creds.Host, port: creds.Port, username: creds.Username}
}

type idleSession struct {
	c        *client.Client
	lastUsed time.Time
}

type keyState struct {
	mu        sync.Mutex
	idle      []*idleSession
	active    int
	lastError string
}

// Pool manages bounded idle/active IMAP sessions per (host, port,
// username), per spec.md §4.4.
type Pool struct {
	store *configstore.Store
	log   *zap.Logger

	maxIdle   int
	maxActive int
	idleTTL   time.Duration

	mu    sync.Mutex
	state map[poolKey]*keyState
}

func NewPool(store *configstore.Store, log *zap.Logger) *Pool {
	return &Pool{
		store:     store,
		log:       log,
		maxIdle:   defaultMaxIdle,
		maxActive: defaultMaxActive,
		idleTTL:   defaultIdleTTL,
		state:     make(map[poolKey]*keyState),
	}
}

// ErrPoolExhausted is returned when a key's active-session cap is reached.
var ErrPoolExhausted = fmt.Errorf("IMAP_POOL_EXHAUSTED")

// Connection is a logged-in IMAP client plus the cleanup its caller must
// run when done (Release returns it to the idle pool; Discard closes it).
type Connection struct {
	pool    *Pool
	key     poolKey
	Client  *client.Client
	release sync.Once
}

// Release re-tests liveness with a short NOOP and returns the session to
// the idle pool, or closes it if the check fails.
func (c *Connection) Release() {
	c.release.Do(func() {
		c.pool.returnConnection(c.key, c.Client)
	})
}

// Discard closes the underlying connection without returning it to the
// pool, used when the caller knows the session is unhealthy.
func (c *Connection) Discard() {
	c.release.Do(func() {
		c.pool.closeAndRelease(c.key, c.Client)
	})
}

func (p *Pool) stateFor(key poolKey) *keyState {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.state[key]
	if !ok {
		st = &keyState{}
		p.state[key] = st
	}
	return st
}

// Get drains the idle queue for cfg's key, testing each via NOOP and
// returning the first healthy one; otherwise dials a new session unless
// the active cap is reached.
func (p *Pool) Get(ctx context.Context, cfg *model.EmailConfig) (*Connection, error) {
	creds, err := p.store.Resolve(ctx, cfg)
	if err != nil {
		return nil, ingesterr.EmailAuth(err)
	}
	key := keyFor(creds)
	st := p.stateFor(key)

	st.mu.Lock()
	for len(st.idle) > 0 {
		sess := st.idle[len(st.idle)-1]
		st.idle = st.idle[:len(st.idle)-1]
		if sess.c.Noop() == nil {
			st.active++
			st.mu.Unlock()
			return &Connection{pool: p, key: key, Client: sess.c}, nil
		}
		_ = sess.c.Logout()
	}
	if st.active >= p.maxActive {
		lastErr := st.lastError
		st.mu.Unlock()
		if lastErr != "" {
			return nil, fmt.Errorf("%w: %s", ErrPoolExhausted, lastErr)
		}
		return nil, ErrPoolExhausted
	}
	st.active++
	st.mu.Unlock()

	c, dialErr := p.dialAndAuthenticate(ctx, creds)
	if dialErr != nil {
		st.mu.Lock()
		st.active--
		st.lastError = dialErr.Error()
		st.mu.Unlock()
		return nil, dialErr
	}
	return &Connection{pool: p, key: key, Client: c}, nil
}

func (p *Pool) returnConnection(key poolKey, c *client.Client) {
	st := p.stateFor(key)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.active--
	if c.Noop() != nil {
		_ = c.Logout()
		return
	}
	if len(st.idle) >= p.maxIdle {
		oldest := st.idle[0]
		st.idle = st.idle[1:]
		_ = oldest.c.Logout()
	}
	st.idle = append(st.idle, &idleSession{c: c, lastUsed: time.Now()})
}

func (p *Pool) closeAndRelease(key poolKey, c *client.Client) {
	st := p.stateFor(key)
	st.mu.Lock()
	st.active--
	st.mu.Unlock()
	_ = c.Logout()
}

func (p *Pool) dialAndAuthenticate(ctx context.Context, creds *configstore.Credentials) (*client.Client, error) {
	addr := fmt.Sprintf("%s:%d", creds.Host, creds.Port)

	c, err := backoff.Retry(ctx, func() (*client.Client, error) {
		// SSL for port 993, STARTTLS otherwise, per spec.md §4.4.
		if creds.Port == 993 || creds.SSL {
			// #nosec G402 - some self-hosted IMAP servers present self-signed certs.
			return client.DialTLS(addr, &tls.Config{InsecureSkipVerify: true})
		}
		c, dialErr := client.Dial(addr)
		if dialErr != nil {
			return nil, dialErr
		}
		if ok, _ := c.SupportStartTLS(); ok {
			// #nosec G402 - see above.
			if err := c.StartTLS(&tls.Config{InsecureSkipVerify: true}); err != nil {
				c.Logout()
				return nil, err
			}
		}
		return c, nil
	}, backoff.WithMaxTries(dialMaxRetries), backoff.WithBackOff(backoff.NewExponentialBackOff()))
	if err != nil {
		return nil, ingesterr.EmailConnection(err)
	}

	if authErr := p.authenticate(c, creds); authErr != nil {
		c.Logout()
		// AUTHENTICATIONFAILED is not retried, per spec.md §4.4.
		return nil, ingesterr.EmailAuth(authErr)
	}
	return c, nil
}

func (p *Pool) authenticate(c *client.Client, creds *configstore.Credentials) error {
	switch creds.AuthKind {
	case model.AuthPassword:
		return c.Login(creds.Username, creds.Password)
	case model.AuthOAuth2:
		authClient := sasl.NewXoauth2Client(creds.Username, creds.Token)
		return c.Authenticate(authClient)
	default:
		return fmt.Errorf("unsupported auth kind %q", creds.AuthKind)
	}
}

// StartSweeper launches the idle-session-reaper in the background,
// removing sessions idle longer than the pool's TTL.
func (p *Pool) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.sweep()
			}
		}
	}()
}

func (p *Pool) sweep() {
	p.mu.Lock()
	keys := make([]poolKey, 0, len(p.state))
	for k := range p.state {
		keys = append(keys, k)
	}
	p.mu.Unlock()

	now := time.Now()
	for _, key := range keys {
		st := p.stateFor(key)
		st.mu.Lock()
		kept := st.idle[:0]
		for _, sess := range st.idle {
			if now.Sub(sess.lastUsed) > p.idleTTL {
				_ = sess.c.Logout()
				p.log.Debug("swept idle imap session", zap.String("host", key.host), zap.String("username", key.username))
				continue
			}
			kept = append(kept, sess)
		}
		st.idle = kept
		st.mu.Unlock()
	}
}

// CloseAll drains every idle and tracked session, called on shutdown.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	keys := make([]poolKey, 0, len(p.state))
	for k := range p.state {
		keys = append(keys, k)
	}
	p.mu.Unlock()

	for _, key := range keys {
		st := p.stateFor(key)
		st.mu.Lock()
		for _, sess := range st.idle {
			_ = sess.c.Logout()
		}
		st.idle = nil
		st.mu.Unlock()
	}
}
