package ldap

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// Session owns the single connection used for a batch run and tracks its
// lifecycle. A mutex guards the state, but a Session is meant to serve one
// batch at a time.
type Session struct {
	mu sync.Mutex

	config    *ServerConfig
	dialer    Dialer
	discovery *SRVDiscovery

	conn         Conn
	server       *ServerInfo
	state        ConnectionState
	bindAttempts int
}

// SessionOption customises a Session.
type SessionOption func(*Session)

// WithDialer replaces the network dialer.
func WithDialer(d Dialer) SessionOption {
	return func(s *Session) {
		s.dialer = d
	}
}

// WithResolver replaces the DNS resolver used for SRV discovery.
func WithResolver(r SRVResolver) SessionOption {
	return func(s *Session) {
		s.discovery = NewSRVDiscovery(r)
	}
}

// NewSession validates cfg and returns a disconnected Session.
func NewSession(cfg *ServerConfig, opts ...SessionOption) (*Session, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	if err := validateConfig(cfg); err != nil {
		return nil, newError(KindValidation, "configure", err.Error(), err)
	}

	s := &Session{
		config:    cfg,
		dialer:    NetworkDialer,
		discovery: NewSRVDiscovery(nil),
		state:     StateDisconnected,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

func validateConfig(config *ServerConfig) error {
	if config.Host == "" && config.Domain == "" {
		return errors.New("either host or domain must be set")
	}

	if config.Port < 0 || config.Port > 65535 {
		return fmt.Errorf("invalid port number: %d", config.Port)
	}

	switch config.TLSMode {
	case TLSModeNone, TLSModeLDAPS, TLSModeStartTLS:
	default:
		return fmt.Errorf("unsupported TLS mode %q", config.TLSMode)
	}

	if config.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}

	if config.MaxPages < 1 {
		return errors.New("max pages must be at least 1")
	}

	return nil
}

// State returns the current connection state.
func (s *Session) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// BindAttempts returns how many binds the Session has issued.
func (s *Session) BindAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bindAttempts
}

// Server returns the server of the current connection, or nil.
func (s *Session) Server() *ServerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.server
}

// Connect opens the transport. It is a no-op while a live connection exists.
func (s *Session) Connect(ctx context.Context) (ConnectionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.connect(ctx)
	return s.state, err
}

func (s *Session) connect(ctx context.Context) error {
	if s.live() && (s.state == StateConnected || s.state == StateBound) {
		return nil
	}
	s.release()

	resolveCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	servers, err := s.resolveServers(resolveCtx)
	cancel()
	if err != nil {
		s.state = StateFailed
		return newError(KindConnect, "connect", err.Error(), err)
	}

	var lastErr error
	for _, server := range servers {
		fields := map[string]any{
			"server":   ServerInfoToURL(server),
			"tls_mode": string(s.config.TLSMode),
			"source":   server.Source,
		}
		LogConnectionEvent(ctx, "connection_attempt", fields)

		var conn Conn
		err := LogOperation(ctx, "dial", fields, func() error {
			var dialErr error
			conn, dialErr = s.dial(ctx, server)
			return dialErr
		})
		if err != nil {
			fields["error"] = err.Error()
			LogConnectionEvent(ctx, "connection_failed", fields)
			lastErr = err
			continue
		}

		s.conn = conn
		s.server = server
		s.state = StateConnected
		LogConnectionEvent(ctx, "connection_established", fields)
		return nil
	}

	s.state = StateFailed
	if lastErr == nil {
		lastErr = newError(KindConnect, "connect", "no directory servers available", nil)
	}
	return lastErr
}

func (s *Session) resolveServers(ctx context.Context) ([]*ServerInfo, error) {
	if s.config.Host != "" {
		server := &ServerInfo{
			Host:   s.config.Host,
			Port:   s.config.EffectivePort(),
			UseTLS: s.config.TLSMode == TLSModeLDAPS,
			Weight: 100,
			Source: "config",
		}
		return []*ServerInfo{server}, ValidateServerInfo(server)
	}

	return s.discovery.DiscoverServers(ctx, s.config.Domain, s.config.TLSMode)
}

func (s *Session) dial(ctx context.Context, server *ServerInfo) (Conn, error) {
	tlsConfig, err := s.config.TLSConfigFor(server.Host)
	if err != nil {
		return nil, newError(KindConnect, "connect", "invalid TLS configuration", err)
	}

	conn, err := runWithTimeout(ctx, s.config, "connect", nil, func(dialCtx context.Context) (Conn, error) {
		return s.dialer.Dial(dialCtx, server, tlsConfig, s.config.Timeout)
	})
	if err != nil {
		return nil, NewError("connect", err)
	}

	conn.SetTimeout(s.config.Timeout)

	if s.config.TLSMode == TLSModeStartTLS {
		_, err := runWithTimeout(ctx, s.config, "starttls", conn, func(context.Context) (struct{}, error) {
			return struct{}{}, conn.StartTLS(tlsConfig)
		})
		if err != nil {
			_ = conn.Close()
			return nil, NewError("starttls", err)
		}
	}

	return conn, nil
}

// Bind authenticates the open connection. An empty BindDN performs an
// anonymous bind; a BindDN with an empty password is refused locally.
// A failed bind leaves the Session Failed and is never retried here.
func (s *Session) Bind(ctx context.Context, creds Credentials) (ConnectionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.bind(ctx, creds)
	return s.state, err
}

func (s *Session) bind(ctx context.Context, creds Credentials) error {
	if !s.live() || (s.state != StateConnected && s.state != StateBound) {
		return newError(KindConnect, "bind", "session is not connected", nil)
	}

	s.bindAttempts++

	fields := map[string]any{
		"bind_dn":   creds.BindDN,
		"anonymous": creds.Anonymous(),
		"server":    ServerInfoToURL(s.server),
	}
	LogConnectionEvent(ctx, "authentication_attempt", fields)

	if !creds.Anonymous() && creds.Password == "" {
		s.fail()
		err := newError(KindAuth, "bind", "empty password for bind DN, refusing unauthenticated bind", nil)
		err.DN = creds.BindDN
		LogLDAPError(ctx, "bind", err, fields)
		return err
	}

	conn := s.conn
	err := LogOperation(ctx, "bind", fields, func() error {
		_, err := runWithTimeout(ctx, s.config, "bind", conn, func(context.Context) (struct{}, error) {
			if creds.Anonymous() {
				return struct{}{}, conn.UnauthenticatedBind("")
			}
			return struct{}{}, conn.Bind(creds.BindDN, creds.Password)
		})
		return err
	})
	if err != nil {
		s.fail()
		bindErr := NewError("bind", err)
		if bindErr.DN == "" {
			bindErr.DN = creds.BindDN
		}
		LogLDAPError(ctx, "bind", bindErr, fields)
		return bindErr
	}

	s.state = StateBound
	LogConnectionEvent(ctx, "authentication_success", fields)
	return nil
}

// EnsureBound is a no-op when the Session is Bound on a live connection.
// Otherwise it makes one Connect and Bind attempt with the configured
// credentials.
func (s *Session) EnsureBound(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateBound && s.live() {
		return nil
	}

	if s.state == StateBound {
		LogConnectionEvent(ctx, "connection_lost", map[string]any{
			"server": ServerInfoToURL(s.server),
		})
		s.release()
		s.state = StateDisconnected
	}

	if err := s.connect(ctx); err != nil {
		return err
	}

	return s.bind(ctx, s.config.Credentials())
}

// Search performs one protocol round-trip. It is refused unless the Session
// is Bound. A transport failure or timeout leaves the Session Failed.
func (s *Session) Search(ctx context.Context, req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateBound {
		return nil, newError(KindSearch, "search", "session not bound", nil)
	}
	if !s.live() {
		LogConnectionEvent(ctx, "connection_lost", map[string]any{
			"server": ServerInfoToURL(s.server),
		})
		s.fail()
		return nil, newError(KindConnect, "search", "connection lost", nil)
	}

	conn := s.conn
	result, err := runWithTimeout(ctx, s.config, "search", conn, func(context.Context) (*ldap.SearchResult, error) {
		return conn.Search(req)
	})
	if err != nil {
		searchErr := NewError("search", err)
		if searchErr.DN == "" {
			searchErr.DN = req.BaseDN
		}
		if IsConnectionLevel(searchErr) {
			tflog.SubsystemWarn(ctx, LogSubsystem, "Dropping connection after transport failure", map[string]any{
				"error_kind": string(searchErr.Kind),
			})
			s.fail()
		}
		return nil, searchErr
	}

	return result, nil
}

// Reset drops the transport and returns the Session to Disconnected so a
// caller can request a fresh bind.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.release()
	s.state = StateDisconnected
}

// Close unbinds (best effort) and releases the transport. It is safe to call
// on every path and more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.live() {
		_ = s.conn.Unbind()
	}
	s.release()
	s.state = StateDisconnected
	return nil
}

func (s *Session) live() bool {
	return s.conn != nil && !s.conn.IsClosing()
}

func (s *Session) fail() {
	s.release()
	s.state = StateFailed
}

func (s *Session) release() {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

type timedResult[T any] struct {
	value T
	err   error
}

// runWithTimeout bounds fn by the configured timeout. On expiry conn (when
// set) is closed to unblock fn and a timeout error is returned. Cancellation
// of ctx does not interrupt fn; only the timeout does.
func runWithTimeout[T any](ctx context.Context, cfg *ServerConfig, op string, conn Conn, fn func(context.Context) (T, error)) (T, error) {
	timeoutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Timeout)
	defer cancel()

	done := make(chan timedResult[T], 1)
	go func() {
		value, err := fn(timeoutCtx)
		done <- timedResult[T]{value: value, err: err}
	}()

	select {
	case res := <-done:
		return res.value, res.err
	case <-timeoutCtx.Done():
		if conn != nil {
			_ = conn.Close()
		} else {
			go closeLateConn[T](done)
		}
		var zero T
		return zero, &Error{
			Kind:    KindTimeout,
			Op:      op,
			Message: fmt.Sprintf("no response within %s", cfg.Timeout),
			Cause:   timeoutCtx.Err(),
		}
	}
}

// closeLateConn closes a connection that was dialed after its timeout fired.
func closeLateConn[T any](done <-chan timedResult[T]) {
	res := <-done
	if c, ok := any(res.value).(Conn); ok && c != nil {
		_ = c.Close()
	}
}
