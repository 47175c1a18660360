package ldap

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// Conn is the slice of a directory connection the Session drives.
type Conn interface {
	Bind(username, password string) error
	UnauthenticatedBind(username string) error
	StartTLS(config *tls.Config) error
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	SetTimeout(timeout time.Duration)
	Unbind() error
	Close() error
	IsClosing() bool
}

// Dialer opens a transport to one server. LDAPS servers are dialed with
// tlsConfig; StartTLS is negotiated by the Session afterwards.
type Dialer interface {
	Dial(ctx context.Context, server *ServerInfo, tlsConfig *tls.Config, timeout time.Duration) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, server *ServerInfo, tlsConfig *tls.Config, timeout time.Duration) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, server *ServerInfo, tlsConfig *tls.Config, timeout time.Duration) (Conn, error) {
	return f(ctx, server, tlsConfig, timeout)
}

// NetworkDialer dials real servers with go-ldap.
var NetworkDialer Dialer = DialerFunc(dialNetwork)

func dialNetwork(_ context.Context, server *ServerInfo, tlsConfig *tls.Config, timeout time.Duration) (Conn, error) {
	url := ServerInfoToURL(server)

	opts := []ldap.DialOpt{ldap.DialWithDialer(&net.Dialer{Timeout: timeout})}
	if server.UseTLS {
		opts = append(opts, ldap.DialWithTLSConfig(tlsConfig))
	}

	conn, err := ldap.DialURL(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}

	return &goLDAPConn{conn: conn}, nil
}

// goLDAPConn adapts *ldap.Conn to Conn.
type goLDAPConn struct {
	conn *ldap.Conn
}

func (c *goLDAPConn) Bind(username, password string) error {
	return c.conn.Bind(username, password)
}

func (c *goLDAPConn) UnauthenticatedBind(username string) error {
	return c.conn.UnauthenticatedBind(username)
}

func (c *goLDAPConn) StartTLS(config *tls.Config) error {
	return c.conn.StartTLS(config)
}

func (c *goLDAPConn) Search(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	return c.conn.Search(req)
}

func (c *goLDAPConn) SetTimeout(timeout time.Duration) {
	c.conn.SetTimeout(timeout)
}

func (c *goLDAPConn) Unbind() error {
	return c.conn.Unbind()
}

func (c *goLDAPConn) Close() error {
	c.conn.Close()
	return nil
}

func (c *goLDAPConn) IsClosing() bool {
	return c.conn.IsClosing()
}
