// Package session manages one authenticated connection to the request
// mailbox and exposes the open/search/fetch/mark/close lifecycle the
// dispatch pipeline drives.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// ErrConnection marks mailbox connect/auth failures. Fatal for the current
// run; retry policy belongs to the scheduler.
var ErrConnection = errors.New("mailbox connection failed")

// Handle identifies one message within an open session.
type Handle uint32

// Config carries the mailbox settings.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	UseTLS   bool
	Folder   string
}

type imapClient interface {
	Login(username, password string) commandWaiter
	Logout() commandWaiter
	Close() error
	Select(mailbox string, options *imap.SelectOptions) selectWaiter
	UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter
	Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter
	Store(numSet imap.NumSet, store *imap.StoreFlags, options *imap.StoreOptions) fetchWaiter
}

type commandWaiter interface{ Wait() error }
type selectWaiter interface {
	Wait() (*imap.SelectData, error)
}
type searchWaiter interface {
	Wait() (*imap.SearchData, error)
}
type fetchWaiter interface {
	Collect() ([]*imapclient.FetchMessageBuffer, error)
	Close() error
}

// Session is a single-run mailbox connection. Not safe for concurrent
// protocol commands; callers serialize access.
type Session struct {
	cfg         Config
	dialTimeout time.Duration
	now         func() time.Time
	logger      *log.Logger
	newClient   func(Config) (imapClient, error)

	client  imapClient
	fetched map[Handle]bool
}

// SessionOption customizes session behavior.
type SessionOption func(*Session)

// WithDialTimeout overrides the socket dial timeout.
func WithDialTimeout(timeout time.Duration) SessionOption {
	return func(s *Session) {
		if timeout > 0 {
			s.dialTimeout = timeout
		}
	}
}

// WithLogger overrides the logger used for session diagnostics.
func WithLogger(logger *log.Logger) SessionOption {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the wall clock, primarily for tests.
func WithClock(now func() time.Time) SessionOption {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}

func withClientFactory(factory func(Config) (imapClient, error)) SessionOption {
	return func(s *Session) {
		s.newClient = factory
	}
}

// New returns an unopened session for the configured mailbox.
func New(cfg Config, opts ...SessionOption) *Session {
	if cfg.Folder == "" {
		cfg.Folder = "INBOX"
	}
	s := &Session{
		cfg:         cfg,
		dialTimeout: 5 * time.Second,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      log.Default(),
		fetched:     map[Handle]bool{},
	}
	s.newClient = s.defaultClientFactory
	for _, opt := range opts {
		opt(s)
	}
	if s.newClient == nil {
		s.newClient = s.defaultClientFactory
	}
	return s
}

// Open dials, authenticates, and selects the request folder. Any failure is
// a connection error; the session holds no resources afterwards.
func (s *Session) Open(ctx context.Context) error {
	if s.client != nil {
		return errors.New("session already open")
	}
	if err := s.validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	client, err := s.newClient(s.cfg)
	if err != nil {
		return fmt.Errorf("%w: imap connect: %v", ErrConnection, err)
	}
	if err := client.Login(s.cfg.Username, s.cfg.Password).Wait(); err != nil {
		s.safeClose(client)
		return fmt.Errorf("%w: imap auth: %v", ErrConnection, err)
	}
	if _, err := client.Select(s.cfg.Folder, nil).Wait(); err != nil {
		s.safeClose(client)
		return fmt.Errorf("%w: imap select %s: %v", ErrConnection, s.cfg.Folder, err)
	}
	s.client = client
	s.fetched = map[Handle]bool{}
	return nil
}

// SearchUnseen lists the handles of messages not yet marked consumed. A
// zero window searches the whole mailbox; otherwise only messages received
// since now-window are considered. An empty result is the normal case.
func (s *Session) SearchUnseen(window time.Duration) ([]Handle, error) {
	if s.client == nil {
		return nil, errors.New("session not open")
	}
	criteria := &imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
	}
	if window > 0 {
		criteria.Since = s.now().Add(-window)
	}
	data, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("imap search: %w", err)
	}
	uids := data.AllUIDs()
	handles := make([]Handle, 0, len(uids))
	for _, uid := range uids {
		handles = append(handles, Handle(uid))
	}
	return handles, nil
}

// Fetch downloads the raw message for a handle. At most one fetch per
// handle per session; whatever the protocol delivered is returned even if
// it later turns out unparsable.
func (s *Session) Fetch(h Handle) ([]byte, error) {
	if s.client == nil {
		return nil, errors.New("session not open")
	}
	if s.fetched[h] {
		return nil, fmt.Errorf("message %d already fetched this session", h)
	}
	s.fetched[h] = true

	opts := &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{{}},
	}
	bufs, err := s.client.Fetch(imap.UIDSetNum(imap.UID(h)), opts).Collect()
	if err != nil {
		return nil, fmt.Errorf("imap fetch %d: %w", h, err)
	}
	for _, buf := range bufs {
		if buf.UID != imap.UID(h) {
			continue
		}
		if body := buf.FindBodySection(&imap.FetchItemBodySection{}); body != nil {
			return append([]byte(nil), body...), nil
		}
	}
	return nil, fmt.Errorf("imap fetch %d: no body returned", h)
}

// MarkConsumed flags a message seen so later runs skip it. Only called
// after a terminal dispatch outcome.
func (s *Session) MarkConsumed(h Handle) error {
	if s.client == nil {
		return errors.New("session not open")
	}
	store := &imap.StoreFlags{Op: imap.StoreFlagsAdd, Flags: []imap.Flag{imap.FlagSeen}}
	if err := s.client.Store(imap.UIDSetNum(imap.UID(h)), store, nil).Close(); err != nil {
		return fmt.Errorf("imap store seen %d: %w", h, err)
	}
	return nil
}

// Close logs out and releases the connection. Safe to call on every exit
// path, including when Open failed.
func (s *Session) Close() error {
	if s.client == nil {
		return nil
	}
	client := s.client
	s.client = nil
	if err := client.Logout().Wait(); err != nil {
		s.logger.Printf("imap logout error: %v", err)
	}
	return client.Close()
}

func (s *Session) validate() error {
	if s.cfg.Host == "" {
		return fmt.Errorf("%w: mailbox account missing host", ErrConnection)
	}
	if s.cfg.Username == "" {
		return fmt.Errorf("%w: mailbox account missing username", ErrConnection)
	}
	if s.cfg.Password == "" {
		return fmt.Errorf("%w: mailbox account missing password", ErrConnection)
	}
	return nil
}

func (s *Session) safeClose(client imapClient) {
	if client == nil {
		return
	}
	if err := client.Close(); err != nil && s.logger != nil {
		s.logger.Printf("imap close error: %v", err)
	}
}

func (s *Session) defaultClientFactory(cfg Config) (imapClient, error) {
	port := cfg.Port
	if port == 0 {
		if cfg.UseTLS {
			port = 993
		} else {
			port = 143
		}
	}
	opts := &imapclient.Options{Dialer: &net.Dialer{Timeout: s.dialTimeout}}
	addr := fmt.Sprintf("%s:%d", cfg.Host, port)
	var client *imapclient.Client
	var err error
	if cfg.UseTLS {
		client, err = imapclient.DialTLS(addr, opts)
	} else {
		client, err = imapclient.DialInsecure(addr, opts)
	}
	if err != nil {
		return nil, err
	}
	return &imapClientWrapper{Client: client}, nil
}

type imapClientWrapper struct{ *imapclient.Client }

func (w *imapClientWrapper) Login(username, password string) commandWaiter {
	return w.Client.Login(username, password)
}
func (w *imapClientWrapper) Logout() commandWaiter { return w.Client.Logout() }
func (w *imapClientWrapper) Select(mailbox string, options *imap.SelectOptions) selectWaiter {
	return w.Client.Select(mailbox, options)
}
func (w *imapClientWrapper) UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter {
	return w.Client.UIDSearch(criteria, options)
}
func (w *imapClientWrapper) Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter {
	return w.Client.Fetch(numSet, options)
}
func (w *imapClientWrapper) Store(numSet imap.NumSet, store *imap.StoreFlags, options *imap.StoreOptions) fetchWaiter {
	return w.Client.Store(numSet, store, options)
}
