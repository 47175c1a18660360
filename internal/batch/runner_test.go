package batch

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/isometry/ldap-searcher/internal/ldap"
)

type MockSession struct {
	mock.Mock
}

func (m *MockSession) EnsureBound(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockSession) Reset() {
	m.Called()
}

type MockExecutor struct {
	mock.Mock
}

func (m *MockExecutor) Execute(ctx context.Context, req *ldap.SearchRequest) ([]*ldap.DirectoryEntry, error) {
	args := m.Called(ctx, req)
	entries, _ := args.Get(0).([]*ldap.DirectoryEntry)
	return entries, args.Error(1)
}

func withFilter(filter string) any {
	return mock.MatchedBy(func(req *ldap.SearchRequest) bool {
		return req.Filter() == filter
	})
}

func person(dn, cn, mail string) *ldap.DirectoryEntry {
	return &ldap.DirectoryEntry{
		DN: dn,
		Attributes: []ldap.EntryAttribute{
			{Name: "cn", Values: []string{cn}},
			{Name: "mail", Values: []string{mail}},
		},
	}
}

func testRows(filters ...string) []Row {
	rows := make([]Row, 0, len(filters))
	for i, f := range filters {
		rows = append(rows, Row{
			Index:      i + 1,
			Base:       "dc=example,dc=com",
			Filter:     f,
			Attributes: "cn,mail",
		})
	}
	return rows
}

func newTestRunner(session Session, executor Executor) *Runner {
	return NewRunner(session, ldap.NewBuilder(), executor, ldap.NewNormalizer(""), Options{})
}

var (
	connectionLost = &ldap.Error{Kind: ldap.KindConnect, Op: "search", Message: "connection closed"}
	badCredentials = &ldap.Error{Kind: ldap.KindAuth, Op: "bind", Code: 49, Message: "Invalid credentials"}
)

func TestRunner_Run_AllRowsSucceed(t *testing.T) {
	session := &MockSession{}
	executor := &MockExecutor{}
	session.On("EnsureBound", mock.Anything).Return(nil).Once()
	executor.On("Execute", mock.Anything, withFilter("(cn=alice)")).
		Return([]*ldap.DirectoryEntry{person("cn=alice,dc=example,dc=com", "alice", "alice@example.com")}, nil)
	executor.On("Execute", mock.Anything, withFilter("(cn=b*)")).
		Return([]*ldap.DirectoryEntry{
			person("cn=bob,dc=example,dc=com", "bob", "bob@example.com"),
			person("cn=bea,dc=example,dc=com", "bea", ""),
		}, nil)

	outcomes, err := newTestRunner(session, executor).Run(t.Context(), testRows("(cn=alice)", "(cn=b*)"))
	require.NoError(t, err)
	require.Len(t, outcomes, 2)

	assert.Equal(t, 1, outcomes[0].RowIndex)
	assert.Equal(t, StatusSuccess, outcomes[0].Status)
	assert.Equal(t, []string{"cn", "mail"}, outcomes[0].Columns)
	require.Len(t, outcomes[0].Records, 1)
	assert.Equal(t, "alice@example.com", outcomes[0].Records[0].Values["mail"])

	assert.Equal(t, 2, outcomes[1].RowIndex)
	require.Len(t, outcomes[1].Records, 2)
	assert.Equal(t, "", outcomes[1].Records[1].Values["mail"])
	assert.Empty(t, outcomes[1].ErrorKind())
	assert.Empty(t, outcomes[1].Message())

	session.AssertExpectations(t)
	session.AssertNotCalled(t, "Reset")
	executor.AssertExpectations(t)
}

func TestRunner_Run_InitialBindFailure(t *testing.T) {
	session := &MockSession{}
	executor := &MockExecutor{}
	session.On("EnsureBound", mock.Anything).Return(badCredentials).Once()

	outcomes, err := newTestRunner(session, executor).Run(t.Context(), testRows("(cn=a)", "(cn=b)", "(cn=c)"))
	assert.Same(t, badCredentials, err)
	require.Len(t, outcomes, 3)

	for i, outcome := range outcomes {
		assert.Equal(t, i+1, outcome.RowIndex)
		assert.Equal(t, StatusError, outcome.Status)
		assert.ErrorIs(t, outcome.Err, ErrConnectionUnavailable)
		assert.Equal(t, ldap.KindAuth, outcome.ErrorKind())
		assert.Contains(t, outcome.Message(), "connection unavailable")
	}

	executor.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)
	session.AssertExpectations(t)
}

func TestRunner_Run_RowFailuresAreIsolated(t *testing.T) {
	session := &MockSession{}
	executor := &MockExecutor{}
	session.On("EnsureBound", mock.Anything).Return(nil).Once()
	executor.On("Execute", mock.Anything, withFilter("(cn=a)")).Return([]*ldap.DirectoryEntry{}, nil)
	executor.On("Execute", mock.Anything, withFilter("(cn=c)")).
		Return(nil, &ldap.Error{Kind: ldap.KindSearch, Op: "search", Code: 32, Message: "Requested object does not exist"})
	executor.On("Execute", mock.Anything, withFilter("(cn=d)")).
		Return([]*ldap.DirectoryEntry{person("cn=d,dc=example,dc=com", "d", "d@example.com")}, nil)

	outcomes, err := newTestRunner(session, executor).Run(t.Context(), testRows("(cn=a)", "(cn=b", "(cn=c)", "(cn=d)"))
	require.NoError(t, err)
	require.Len(t, outcomes, 4)

	assert.Equal(t, StatusSuccess, outcomes[0].Status)
	assert.Empty(t, outcomes[0].Records)

	assert.Equal(t, StatusError, outcomes[1].Status)
	assert.Equal(t, ldap.KindFilterSyntax, outcomes[1].ErrorKind())

	assert.Equal(t, StatusError, outcomes[2].Status)
	assert.Equal(t, ldap.KindSearch, outcomes[2].ErrorKind())

	assert.Equal(t, StatusSuccess, outcomes[3].Status)
	assert.Len(t, outcomes[3].Records, 1)

	session.AssertNotCalled(t, "Reset")
	executor.AssertNumberOfCalls(t, "Execute", 3)
}

func TestRunner_Run_RebindsAfterConnectionLoss(t *testing.T) {
	session := &MockSession{}
	executor := &MockExecutor{}
	session.On("EnsureBound", mock.Anything).Return(nil).Twice()
	session.On("Reset").Return().Once()
	executor.On("Execute", mock.Anything, withFilter("(cn=a)")).Return(nil, connectionLost).Once()
	executor.On("Execute", mock.Anything, withFilter("(cn=b)")).
		Return([]*ldap.DirectoryEntry{person("cn=b,dc=example,dc=com", "b", "b@example.com")}, nil).Once()

	outcomes, err := newTestRunner(session, executor).Run(t.Context(), testRows("(cn=a)", "(cn=b)"))
	require.NoError(t, err)
	require.Len(t, outcomes, 2)

	assert.Equal(t, ldap.KindConnect, outcomes[0].ErrorKind())
	assert.Equal(t, StatusSuccess, outcomes[1].Status)

	session.AssertExpectations(t)
	executor.AssertExpectations(t)
}

func TestRunner_Run_RebindFailureShortCircuits(t *testing.T) {
	session := &MockSession{}
	executor := &MockExecutor{}
	rebindErr := &ldap.Error{Kind: ldap.KindConnect, Op: "connect", Message: "connection refused"}
	session.On("EnsureBound", mock.Anything).Return(nil).Once()
	session.On("EnsureBound", mock.Anything).Return(rebindErr).Once()
	session.On("Reset").Return().Once()
	executor.On("Execute", mock.Anything, withFilter("(cn=a)")).Return(nil, connectionLost).Once()

	outcomes, err := newTestRunner(session, executor).Run(t.Context(), testRows("(cn=a)", "(cn=b)", "(cn=c)"))
	require.NoError(t, err)
	require.Len(t, outcomes, 3)

	assert.Equal(t, ldap.KindConnect, outcomes[0].ErrorKind())
	assert.NotErrorIs(t, outcomes[0].Err, ErrConnectionUnavailable)
	for _, outcome := range outcomes[1:] {
		assert.Equal(t, StatusError, outcome.Status)
		assert.ErrorIs(t, outcome.Err, ErrConnectionUnavailable)
		assert.ErrorIs(t, outcome.Err, rebindErr)
	}

	session.AssertExpectations(t)
	executor.AssertNumberOfCalls(t, "Execute", 1)
}

func TestRunner_Run_TimeoutTriggersRebind(t *testing.T) {
	session := &MockSession{}
	executor := &MockExecutor{}
	session.On("EnsureBound", mock.Anything).Return(nil).Twice()
	session.On("Reset").Return().Once()
	executor.On("Execute", mock.Anything, withFilter("(cn=a)")).
		Return(nil, &ldap.Error{Kind: ldap.KindTimeout, Op: "search", Message: "no response within 2s"}).Once()
	executor.On("Execute", mock.Anything, withFilter("(cn=b)")).Return([]*ldap.DirectoryEntry{}, nil).Once()

	outcomes, err := newTestRunner(session, executor).Run(t.Context(), testRows("(cn=a)", "(cn=b)"))
	require.NoError(t, err)

	assert.Equal(t, ldap.KindTimeout, outcomes[0].ErrorKind())
	assert.Equal(t, StatusSuccess, outcomes[1].Status)
	session.AssertExpectations(t)
}

func TestRunner_Run_NoRebindAfterLastRow(t *testing.T) {
	session := &MockSession{}
	executor := &MockExecutor{}
	session.On("EnsureBound", mock.Anything).Return(nil).Once()
	executor.On("Execute", mock.Anything, mock.Anything).Return(nil, connectionLost).Once()

	outcomes, err := newTestRunner(session, executor).Run(t.Context(), testRows("(cn=a)"))
	require.NoError(t, err)
	require.Len(t, outcomes, 1)

	session.AssertNotCalled(t, "Reset")
	session.AssertNumberOfCalls(t, "EnsureBound", 1)
}

func TestRunner_Run_CancellationBetweenRows(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	session := &MockSession{}
	executor := &MockExecutor{}
	session.On("EnsureBound", mock.Anything).Return(nil).Once()
	executor.On("Execute", mock.Anything, withFilter("(cn=a)")).
		Run(func(mock.Arguments) { cancel() }).
		Return([]*ldap.DirectoryEntry{}, nil).Once()

	outcomes, err := newTestRunner(session, executor).Run(ctx, testRows("(cn=a)", "(cn=b)", "(cn=c)"))
	require.NoError(t, err)
	require.Len(t, outcomes, 3)

	assert.Equal(t, StatusSuccess, outcomes[0].Status)
	for i, outcome := range outcomes[1:] {
		assert.Equal(t, i+2, outcome.RowIndex)
		assert.Equal(t, ldap.KindCancelled, outcome.ErrorKind())
		assert.ErrorIs(t, outcome.Err, context.Canceled)
	}
	executor.AssertNumberOfCalls(t, "Execute", 1)
}

func TestRunner_Run_RecoversPanics(t *testing.T) {
	session := &MockSession{}
	executor := &MockExecutor{}
	session.On("EnsureBound", mock.Anything).Return(nil).Once()
	executor.On("Execute", mock.Anything, withFilter("(cn=a)")).
		Run(func(mock.Arguments) { panic("unexpected response") }).Once()
	executor.On("Execute", mock.Anything, withFilter("(cn=b)")).Return([]*ldap.DirectoryEntry{}, nil).Once()

	outcomes, err := newTestRunner(session, executor).Run(t.Context(), testRows("(cn=a)", "(cn=b)"))
	require.NoError(t, err)
	require.Len(t, outcomes, 2)

	assert.Equal(t, StatusError, outcomes[0].Status)
	assert.Equal(t, ldap.KindInternal, outcomes[0].ErrorKind())
	assert.Contains(t, outcomes[0].Message(), "unexpected response")
	assert.Equal(t, StatusSuccess, outcomes[1].Status)
}

func TestRunner_Run_Paced(t *testing.T) {
	session := &MockSession{}
	executor := &MockExecutor{}
	session.On("EnsureBound", mock.Anything).Return(nil).Once()
	executor.On("Execute", mock.Anything, mock.Anything).Return([]*ldap.DirectoryEntry{}, nil)

	runner := NewRunner(session, ldap.NewBuilder(), executor, nil, Options{RowsPerSecond: 1000})
	outcomes, err := runner.Run(t.Context(), testRows("(cn=a)", "(cn=b)", "(cn=c)"))
	require.NoError(t, err)

	assert.Equal(t, Summary{Rows: 3, Succeeded: 3}, Summarize(outcomes))
}

func TestSummarize(t *testing.T) {
	outcomes := []RowOutcome{
		{RowIndex: 1, Status: StatusSuccess, Records: make([]ldap.ResultRecord, 3)},
		{RowIndex: 2, Status: StatusError, Err: errors.New("boom")},
		{RowIndex: 3, Status: StatusSuccess},
	}

	summary := Summarize(outcomes)

	assert.Equal(t, Summary{Rows: 3, Succeeded: 2, Failed: 1, Records: 3}, summary)
	assert.True(t, summary.HasFailures())
	assert.False(t, Summarize(nil).HasFailures())
}
