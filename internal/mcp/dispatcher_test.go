package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/driftsec/dshield-mcp/internal/auth"
	"github.com/driftsec/dshield-mcp/internal/config"
	"github.com/driftsec/dshield-mcp/internal/errs"
)

const echoSchema = `{
	"type": "object",
	"properties": {
		"message": {"type": "string", "minLength": 1},
		"count":   {"type": "integer", "minimum": 1}
	},
	"required": ["message"],
	"additionalProperties": false
}`

// fakeFeatures marks selected features unavailable with a missing dep.
type fakeFeatures struct {
	down map[string]string
}

func (f *fakeFeatures) IsAvailable(feature string) (bool, []string) {
	if dep, ok := f.down[feature]; ok {
		return false, []string{dep}
	}
	return true, nil
}

func (f *fakeFeatures) Guard(feature string) error {
	if dep, ok := f.down[feature]; ok {
		return errs.FeatureUnavailable(feature, dep)
	}
	return nil
}

// recordingObserver captures per-call outcomes.
type recordingObserver struct {
	tools []string
	codes []int
}

func (o *recordingObserver) ObserveCall(tool string, code int, _ time.Duration) {
	o.tools = append(o.tools, tool)
	o.codes = append(o.codes, code)
}

func testDefinitions() []ToolDefinition {
	return []ToolDefinition{
		{
			Name:               "echo_tool",
			Category:           CategoryQuery,
			Description:        "echoes its arguments back",
			InputSchema:        json.RawMessage(echoSchema),
			RequiredFeatures:   []string{"elasticsearch_queries"},
			RequiredPermission: "read_tools",
			Handler: func(_ context.Context, _ *auth.Session, args json.RawMessage) (interface{}, error) {
				return map[string]string{"echoed": string(args)}, nil
			},
		},
		{
			Name:               "waiting_tool",
			Category:           CategoryQuery,
			Description:        "blocks until its context ends",
			RequiredPermission: "read_tools",
			Timeout:            20 * time.Millisecond,
			Handler: func(ctx context.Context, _ *auth.Session, _ json.RawMessage) (interface{}, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
		},
		{
			Name:               "failing_tool",
			Category:           CategoryQuery,
			Description:        "always returns a backend error",
			RequiredPermission: "read_tools",
			Handler: func(_ context.Context, _ *auth.Session, _ json.RawMessage) (interface{}, error) {
				return nil, errs.External("elasticsearch", errors.New("connection refused"))
			},
		},
		{
			Name:               "admin_tool",
			Category:           CategoryUtility,
			Description:        "needs the admin grant",
			RequiredPermission: "admin",
			Handler: func(_ context.Context, _ *auth.Session, _ json.RawMessage) (interface{}, error) {
				return "ok", nil
			},
		},
		{
			Name:               "get_health_status",
			Category:           CategoryMonitoring,
			Description:        "reports feature availability",
			RequiredPermission: "read_tools",
			Handler: func(_ context.Context, _ *auth.Session, _ json.RawMessage) (interface{}, error) {
				return "healthy", nil
			},
		},
	}
}

func newTestDispatcher(t *testing.T, features *fakeFeatures) *Dispatcher {
	t.Helper()
	reg, err := NewRegistry(testDefinitions())
	require.NoError(t, err)
	if features == nil {
		features = &fakeFeatures{}
	}
	return NewDispatcher(reg, features, errs.NewAnalytics(16, time.Minute), 0, zerolog.Nop())
}

func newTestSession(t *testing.T, perms config.PermissionSet) *auth.Session {
	t.Helper()
	store := auth.NewStore()
	t.Cleanup(store.Shutdown)
	return store.Create(&config.APIKeyRecord{
		ID:          "key-1",
		Name:        "analyst",
		Hash:        "x",
		Permissions: &perms,
	}, "conn-1")
}

func readerSession(t *testing.T) *auth.Session {
	return newTestSession(t, config.PermissionSet{ReadTools: true})
}

func TestNewRegistryRejectsDuplicates(t *testing.T) {
	defs := testDefinitions()
	defs = append(defs, defs[0])

	_, err := NewRegistry(defs)
	require.Error(t, err)
	require.Contains(t, err.Error(), "registered twice")
}

func TestNewRegistryRejectsBadSchema(t *testing.T) {
	_, err := NewRegistry([]ToolDefinition{{
		Name:        "broken",
		InputSchema: json.RawMessage(`{"type": 12}`),
		Handler: func(_ context.Context, _ *auth.Session, _ json.RawMessage) (interface{}, error) {
			return nil, nil
		},
	}})
	require.Error(t, err)
}

func TestDispatchUnknownTool(t *testing.T) {
	d := newTestDispatcher(t, nil)

	result, derr := d.Dispatch(context.Background(), readerSession(t), ToolCallParams{Name: "no_such_tool"}, "1")
	require.Nil(t, result)
	require.Equal(t, errs.CodeMethodNotFound, derr.Code)
}

func TestDispatchRequiresSession(t *testing.T) {
	d := newTestDispatcher(t, nil)

	_, derr := d.Dispatch(context.Background(), nil, ToolCallParams{Name: "echo_tool"}, "1")
	require.Equal(t, errs.CodeAuthRequired, derr.Code)
	require.Equal(t, errs.KindAuthRequired, derr.Kind)
}

func TestDispatchPermissionDenied(t *testing.T) {
	d := newTestDispatcher(t, nil)

	_, derr := d.Dispatch(context.Background(), readerSession(t), ToolCallParams{Name: "admin_tool"}, "1")
	require.Equal(t, errs.CodeAccessDenied, derr.Code)
	require.Equal(t, `missing permission "admin"`, derr.Message)
}

func TestDispatchAdminImpliesAll(t *testing.T) {
	d := newTestDispatcher(t, nil)
	sess := newTestSession(t, config.PermissionSet{Admin: true})

	result, derr := d.Dispatch(context.Background(), sess, ToolCallParams{Name: "admin_tool"}, "1")
	require.Nil(t, derr)
	require.Equal(t, "ok", result)
}

func TestDispatchFeatureUnavailable(t *testing.T) {
	features := &fakeFeatures{down: map[string]string{"elasticsearch_queries": "elasticsearch"}}
	d := newTestDispatcher(t, features)

	_, derr := d.Dispatch(context.Background(), readerSession(t),
		ToolCallParams{Name: "echo_tool", Arguments: json.RawMessage(`{"message":"hi"}`)}, "1")
	require.Equal(t, errs.CodeFeatureUnavailable, derr.Code)
	require.Equal(t, "elasticsearch", derr.Service)
}

func TestDispatchValidatesArguments(t *testing.T) {
	d := newTestDispatcher(t, nil)
	sess := readerSession(t)

	// Missing required property.
	_, derr := d.Dispatch(context.Background(), sess,
		ToolCallParams{Name: "echo_tool", Arguments: json.RawMessage(`{}`)}, "1")
	require.Equal(t, errs.CodeValidation, derr.Code)
	require.NotEmpty(t, derr.Fields)

	// Wrong type lands on the offending field.
	_, derr = d.Dispatch(context.Background(), sess,
		ToolCallParams{Name: "echo_tool", Arguments: json.RawMessage(`{"message": 7}`)}, "2")
	require.Equal(t, errs.CodeValidation, derr.Code)
	require.Contains(t, derr.Fields, "/message")

	// Several violations are all reported.
	_, derr = d.Dispatch(context.Background(), sess,
		ToolCallParams{Name: "echo_tool", Arguments: json.RawMessage(`{"message":"", "count": 0}`)}, "3")
	require.Equal(t, errs.CodeValidation, derr.Code)
	require.Contains(t, derr.Fields, "/message")
	require.Contains(t, derr.Fields, "/count")
}

func TestDispatchMissingArgumentsValidateAsEmptyObject(t *testing.T) {
	d := newTestDispatcher(t, nil)

	_, derr := d.Dispatch(context.Background(), readerSession(t), ToolCallParams{Name: "echo_tool"}, "1")
	require.Equal(t, errs.CodeValidation, derr.Code)
}

func TestDispatchRunsHandler(t *testing.T) {
	d := newTestDispatcher(t, nil)

	result, derr := d.Dispatch(context.Background(), readerSession(t),
		ToolCallParams{Name: "echo_tool", Arguments: json.RawMessage(`{"message":"hi"}`)}, "1")
	require.Nil(t, derr)
	require.Equal(t, map[string]string{"echoed": `{"message":"hi"}`}, result)
}

func TestDispatchTimeout(t *testing.T) {
	d := newTestDispatcher(t, nil)

	_, derr := d.Dispatch(context.Background(), readerSession(t), ToolCallParams{Name: "waiting_tool"}, "1")
	require.Equal(t, errs.CodeTimeout, derr.Code)
	require.Equal(t, errs.KindTimeout, derr.Kind)
	require.Equal(t, 0.02, derr.Data["timeout_seconds"])
}

func TestDispatchRevokedSessionReportsRevocation(t *testing.T) {
	d := newTestDispatcher(t, nil)
	store := auth.NewStore()
	t.Cleanup(store.Shutdown)
	sess := store.Create(&config.APIKeyRecord{
		ID:          "key-1",
		Hash:        "x",
		Permissions: &config.PermissionSet{ReadTools: true},
	}, "conn-1")
	store.RevokeKey("key-1")

	_, derr := d.Dispatch(sess.Context(), sess, ToolCallParams{Name: "waiting_tool"}, "1")
	require.Equal(t, errs.CodeAuthRequired, derr.Code)
	require.Equal(t, errs.KindAuthRevoked, derr.Kind)
}

func TestDispatchClassifiesHandlerErrors(t *testing.T) {
	d := newTestDispatcher(t, nil)

	_, derr := d.Dispatch(context.Background(), readerSession(t), ToolCallParams{Name: "failing_tool"}, "1")
	require.Equal(t, errs.CodeExternalService, derr.Code)
	require.Equal(t, "elasticsearch", derr.Service)
	require.True(t, derr.Retryable)
}

func TestDispatchRecordsUsageAndAnalytics(t *testing.T) {
	analytics := errs.NewAnalytics(16, time.Minute)
	reg, err := NewRegistry(testDefinitions())
	require.NoError(t, err)
	d := NewDispatcher(reg, &fakeFeatures{}, analytics, 0, zerolog.Nop())
	sess := readerSession(t)

	_, derr := d.Dispatch(context.Background(), sess,
		ToolCallParams{Name: "echo_tool", Arguments: json.RawMessage(`{"message":"hi"}`)}, "1")
	require.Nil(t, derr)
	_, derr = d.Dispatch(context.Background(), sess, ToolCallParams{Name: "failing_tool"}, "2")
	require.NotNil(t, derr)
	_, derr = d.Dispatch(context.Background(), sess, ToolCallParams{Name: "no_such_tool"}, "3")
	require.NotNil(t, derr)

	usage := d.UsageSnapshot()
	require.Equal(t, int64(1), usage["echo_tool"].Calls)
	require.Equal(t, int64(0), usage["echo_tool"].Errors)
	require.Equal(t, int64(1), usage["failing_tool"].Calls)
	require.Equal(t, int64(1), usage["failing_tool"].Errors)
	require.NotContains(t, usage, "no_such_tool")

	snap := analytics.Snapshot()
	require.Equal(t, uint64(2), snap.TotalObserved)
	require.Equal(t, 1, snap.ByTool["failing_tool"])
}

func TestDispatchNotifiesObserver(t *testing.T) {
	d := newTestDispatcher(t, nil)
	obs := &recordingObserver{}
	d.SetObserver(obs)
	sess := readerSession(t)

	_, _ = d.Dispatch(context.Background(), sess,
		ToolCallParams{Name: "echo_tool", Arguments: json.RawMessage(`{"message":"hi"}`)}, "1")
	_, _ = d.Dispatch(context.Background(), sess,
		ToolCallParams{Name: "echo_tool", Arguments: json.RawMessage(`{}`)}, "2")

	require.Equal(t, []string{"echo_tool", "echo_tool"}, obs.tools)
	require.Equal(t, []int{0, errs.CodeValidation}, obs.codes)
}

func TestListToolsVisibility(t *testing.T) {
	features := &fakeFeatures{down: map[string]string{"elasticsearch_queries": "elasticsearch"}}
	d := newTestDispatcher(t, features)

	list := d.ListTools(readerSession(t))
	names := make([]string, 0, len(list.Tools))
	for _, tool := range list.Tools {
		require.NotEmpty(t, tool.Description)
		names = append(names, tool.Name)
	}
	// echo_tool hides while its feature is down; admin_tool needs a grant
	// the session lacks.
	require.NotContains(t, names, "echo_tool")
	require.NotContains(t, names, "admin_tool")
	require.Contains(t, names, "waiting_tool")
	require.Contains(t, names, "get_health_status")
}

func TestListToolsPublishesSchemaAndTimeout(t *testing.T) {
	d := newTestDispatcher(t, nil)

	list := d.ListTools(readerSession(t))
	byName := make(map[string]ToolDescriptor, len(list.Tools))
	for _, tool := range list.Tools {
		byName[tool.Name] = tool
	}

	echo := byName["echo_tool"]
	require.JSONEq(t, echoSchema, string(echo.InputSchema))
	require.Equal(t, int(DefaultToolTimeout.Seconds()), echo.TimeoutSeconds)

	waiting := byName["waiting_tool"]
	require.Equal(t, 0, waiting.TimeoutSeconds) // rounds below one second
}

func TestListToolsUnauthenticatedSketch(t *testing.T) {
	d := newTestDispatcher(t, nil)

	list := d.ListTools(nil)
	require.Len(t, list.Tools, 1)
	require.Equal(t, "get_health_status", list.Tools[0].Name)
	require.Empty(t, list.Tools[0].InputSchema)
	require.Zero(t, list.Tools[0].TimeoutSeconds)
}
