package ldap

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// fakePage is one scripted search response.
type fakePage struct {
	entries   []*ldap.Entry
	cookie    string
	noControl bool
	err       error
}

// searchCall records what a search round-trip carried.
type searchCall struct {
	base       string
	filter     string
	attributes []string
	paged      bool
	cookie     string
}

// fakeConn is a scripted Conn. Once the script is exhausted the last page is
// repeated.
type fakeConn struct {
	mu sync.Mutex

	bindErr     error
	startTLSErr error
	pages       []fakePage
	blockSearch bool

	binds          []string
	anonymousBinds int
	startTLSCalls  int
	searches       []searchCall
	unbinds        int
	timeout        time.Duration

	closeOnce sync.Once
	closedCh  chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{closedCh: make(chan struct{})}
}

func (c *fakeConn) Bind(username, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.binds = append(c.binds, username)
	return c.bindErr
}

func (c *fakeConn) UnauthenticatedBind(_ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.anonymousBinds++
	return c.bindErr
}

func (c *fakeConn) StartTLS(_ *tls.Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startTLSCalls++
	return c.startTLSErr
}

func (c *fakeConn) Search(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	call := searchCall{
		base:       req.BaseDN,
		filter:     req.Filter,
		attributes: append([]string(nil), req.Attributes...),
	}
	if paging, ok := ldap.FindControl(req.Controls, ldap.ControlTypePaging).(*ldap.ControlPaging); ok {
		call.paged = true
		call.cookie = string(paging.Cookie)
	}

	c.mu.Lock()
	c.searches = append(c.searches, call)
	index := len(c.searches) - 1
	block := c.blockSearch
	c.mu.Unlock()

	if block {
		<-c.closedCh
		return nil, ldap.NewError(ldap.ErrorNetwork, errors.New("ldap: connection closed"))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.pages) == 0 {
		return &ldap.SearchResult{}, nil
	}
	page := c.pages[min(index, len(c.pages)-1)]
	if page.err != nil {
		return nil, page.err
	}

	result := &ldap.SearchResult{Entries: page.entries}
	if call.paged && !page.noControl {
		control := ldap.NewControlPaging(0)
		control.SetCookie([]byte(page.cookie))
		result.Controls = []ldap.Control{control}
	}
	return result, nil
}

func (c *fakeConn) SetTimeout(timeout time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeout = timeout
}

func (c *fakeConn) Unbind() error {
	c.mu.Lock()
	c.unbinds++
	c.mu.Unlock()
	return c.Close()
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closedCh) })
	return nil
}

func (c *fakeConn) IsClosing() bool {
	select {
	case <-c.closedCh:
		return true
	default:
		return false
	}
}

func (c *fakeConn) searchCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.searches)
}

// fakeDialer hands out scripted connections in order.
type fakeDialer struct {
	mu      sync.Mutex
	conns   []*fakeConn
	err     error
	dials   int
	servers []*ServerInfo
	tls     []*tls.Config
}

func (d *fakeDialer) Dial(_ context.Context, server *ServerInfo, tlsConfig *tls.Config, _ time.Duration) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials++
	d.servers = append(d.servers, server)
	d.tls = append(d.tls, tlsConfig)

	if d.err != nil {
		return nil, d.err
	}
	if len(d.conns) == 0 {
		return newFakeConn(), nil
	}
	conn := d.conns[0]
	if len(d.conns) > 1 {
		d.conns = d.conns[1:]
	}
	return conn, nil
}

// fakeResolver answers SRV lookups from a fixed table.
type fakeResolver struct {
	records map[string][]*net.SRV
	lookups []string
}

func (r *fakeResolver) LookupSRV(_ context.Context, _, _, name string) (string, []*net.SRV, error) {
	r.lookups = append(r.lookups, name)
	records, ok := r.records[name]
	if !ok {
		return "", nil, &net.DNSError{Err: "no such host", Name: name, IsNotFound: true}
	}
	return name, records, nil
}

// fakeSearcher serves scripted pages without a Session.
type fakeSearcher struct {
	conn *fakeConn
}

func (s *fakeSearcher) Search(_ context.Context, req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	return s.conn.Search(req)
}

func testConfig() *ServerConfig {
	cfg := DefaultConfig()
	cfg.Host = "ldap.example.com"
	cfg.TLSMode = TLSModeNone
	cfg.BindDN = "cn=reader,dc=example,dc=com"
	cfg.BindPassword = "secret"
	cfg.Timeout = 2 * time.Second
	return cfg
}

func newTestSession(cfg *ServerConfig, dialer *fakeDialer) (*Session, error) {
	return NewSession(cfg, WithDialer(dialer))
}

func entry(dn string, attrs ...*ldap.EntryAttribute) *ldap.Entry {
	return &ldap.Entry{DN: dn, Attributes: attrs}
}

func attr(name string, values ...string) *ldap.EntryAttribute {
	byteValues := make([][]byte, 0, len(values))
	for _, v := range values {
		byteValues = append(byteValues, []byte(v))
	}
	return &ldap.EntryAttribute{Name: name, Values: values, ByteValues: byteValues}
}

func binaryAttr(name string, value []byte) *ldap.EntryAttribute {
	return &ldap.EntryAttribute{Name: name, Values: []string{string(value)}, ByteValues: [][]byte{value}}
}
