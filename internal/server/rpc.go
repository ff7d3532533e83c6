package server

import (
	"context"
	"encoding/json"
	"time"

	"github.com/driftsec/dshield-mcp/internal/auth"
	"github.com/driftsec/dshield-mcp/internal/errs"
	"github.com/driftsec/dshield-mcp/internal/logging"
	"github.com/driftsec/dshield-mcp/internal/mcp"
	"github.com/driftsec/dshield-mcp/internal/transport"
)

// AuthenticateParams are the params of the vendor authenticate method.
type AuthenticateParams struct {
	APIKey string `json:"api_key"`
}

// AuthenticateResult answers a successful authenticate call.
type AuthenticateResult struct {
	SessionID   string      `json:"session_id"`
	Permissions interface{} `json:"permissions"`
	ExpiresAt   *time.Time  `json:"expires_at,omitempty"`
}

// handleFrame processes one inbound frame end to end: parse, rate limit,
// route, respond. Exactly one response frame leaves per request id; parse
// failures without a recoverable id close the connection instead.
func (s *Server) handleFrame(ctx context.Context, in transport.Inbound) {
	started := time.Now()

	req, perr := mcp.ParseRequest(in.Frame)
	if perr != nil {
		s.observe("(invalid)", "", perr, started)
		if id := mcp.RecoverID(in.Frame); id != nil {
			s.send(in.ConnID, mcp.NewError(id, perr))
			return
		}
		if perr.Code == errs.CodeParse {
			// Line or length framing held but the JSON did not, and there
			// is no id to bind an answer to. Tell the peer once and close.
			s.send(in.ConnID, mcp.NewError(nil, perr))
			s.trans.CloseConn(in.ConnID, "unparseable frame")
			return
		}
		s.send(in.ConnID, mcp.NewError(nil, perr))
		return
	}

	sess := s.authn.Sessions().ByConn(in.ConnID)
	keyID := ""
	if sess != nil {
		keyID = sess.KeyID
	}
	if ok, retryAfter := s.limiter.Allow(keyID, in.ConnID); !ok {
		e := errs.RateLimited(retryAfter)
		s.observe(req.Method, "", e, started)
		s.respond(in.ConnID, req, nil, e)
		return
	}

	// Session-bound requests derive from the session context so revocation
	// and connection close cancel them; pre-auth work hangs off baseCtx.
	reqCtx := s.baseCtx
	if sess != nil {
		reqCtx = sess.Context()
	}
	reqCtx, reqID := logging.WithRequestID(reqCtx, "")

	result, rerr := s.route(reqCtx, sess, req, in.ConnID, reqID)
	s.observe(req.Method, reqID, rerr, started)

	if rerr != nil && errs.IsCanceled(rerr) && reqCtx.Err() != nil {
		// The peer is gone or the server is stopping; nobody is listening
		// for a response frame.
		return
	}
	s.respond(in.ConnID, req, result, rerr)
}

// route dispatches one parsed request to its method handler.
func (s *Server) route(ctx context.Context, sess *auth.Session, req *mcp.Request, connID, reqID string) (interface{}, *errs.Error) {
	switch req.Method {
	case "initialize":
		return s.initializeResult(sess), nil

	case "notifications/initialized", "initialized":
		// Acknowledgement notification; nothing to do.
		return nil, nil

	case "authenticate":
		return s.authenticate(ctx, req.Params, connID)

	case "tools/list":
		return s.dispatcher.ListTools(sess), nil

	case "tools/call":
		if sess == nil {
			return nil, errs.AuthRequired("")
		}
		var call mcp.ToolCallParams
		if err := json.Unmarshal(req.Params, &call); err != nil {
			return nil, errs.InvalidParams("params must carry name and arguments").WithCause(err)
		}
		if call.Name == "" {
			return nil, errs.InvalidParams("tool name is required")
		}
		s.authn.Sessions().Touch(sess.ID)
		result, terr := s.dispatcher.Dispatch(ctx, sess, call, reqID)
		if terr != nil {
			return nil, terr
		}
		return result, nil

	case "resources/list":
		if sess == nil {
			return nil, errs.AuthRequired("")
		}
		return s.resources.List(), nil

	case "resources/read":
		if sess == nil {
			return nil, errs.AuthRequired("")
		}
		var params mcp.ResourceReadParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, errs.InvalidParams("params must carry uri").WithCause(err)
		}
		return s.resources.Read(ctx, params.URI)

	default:
		return nil, errs.MethodNotFound(req.Method)
	}
}

func (s *Server) initializeResult(sess *auth.Session) mcp.InitializeResult {
	instructions := ""
	if sess == nil {
		instructions = "call authenticate with an api_key before using tools"
	}
	return mcp.InitializeResult{
		ProtocolVersion: mcp.Version,
		Server:          mcp.ServerInfo{Name: ServerName, Version: s.version},
		Capabilities:    mcp.Capabilities{Tools: true, Resources: true, Streaming: true},
		Authenticated:   sess != nil,
		Instructions:    instructions,
	}
}

func (s *Server) authenticate(ctx context.Context, params json.RawMessage, connID string) (interface{}, *errs.Error) {
	var p AuthenticateParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, errs.InvalidParams("params must carry api_key").WithCause(err)
	}
	if p.APIKey == "" {
		return nil, errs.InvalidParams("api_key is required")
	}

	sess, err := s.authn.Authenticate(ctx, p.APIKey, connID)
	if err != nil {
		return nil, errs.Classify("", err)
	}
	return AuthenticateResult{
		SessionID:   sess.ID,
		Permissions: sess.Permissions,
		ExpiresAt:   sess.ExpiresAt,
	}, nil
}

// respond sends the single response frame for a request. Notifications
// never get one, success or failure.
func (s *Server) respond(connID string, req *mcp.Request, result interface{}, rerr *errs.Error) {
	if req.IsNotification() {
		return
	}
	var resp *mcp.Response
	if rerr != nil {
		resp = mcp.NewError(req.ID, rerr)
	} else {
		resp = mcp.NewResult(req.ID, result)
	}
	s.send(connID, resp)
}

func (s *Server) send(connID string, resp *mcp.Response) {
	frame, err := json.Marshal(resp)
	if err != nil {
		// Result failed to serialize; the request id is still answerable.
		s.logger.Error().Err(err).Str("conn_id", connID).Msg("response marshal failed")
		frame, _ = json.Marshal(mcp.NewError(resp.ID, errs.Internal(err)))
	}
	if err := s.trans.Send(connID, frame); err != nil {
		s.logger.Debug().Err(err).Str("conn_id", connID).Msg("response dropped, connection gone")
	}
}

// observe emits the per-request structured log line and feeds the ops
// counters and, for protocol-level failures, the error analytics ring.
// Tool-level failures are already counted by the dispatcher.
func (s *Server) observe(method, reqID string, rerr *errs.Error, started time.Time) {
	elapsed := time.Since(started)
	code := 0
	if rerr != nil {
		code = rerr.Code
		if method != "tools/call" && s.analytics != nil {
			s.analytics.Observe(rerr, method, reqID)
		}
	}
	if s.ops != nil {
		s.ops.ObserveRequest(method, code, elapsed)
	}

	evt := s.logger.Info()
	if rerr != nil && !errs.IsCanceled(rerr) {
		evt = s.logger.Warn()
	}
	evt.
		Str("request_id", reqID).
		Str("method", method).
		Int("code", code).
		Dur("duration_ms", elapsed).
		Msg("request completed")
}

// resourceCatalog builds the read-only resource set over live state.
func (s *Server) resourceCatalog() []mcp.Resource {
	return []mcp.Resource{
		{
			URI:         "dshield://field-mappings",
			Name:        "Field mappings",
			Description: "User-facing field names and their storage candidates, in fallback order.",
			Fetch: func(ctx context.Context) (interface{}, error) {
				return s.es.Fields().Candidates(), nil
			},
		},
		{
			URI:         "dshield://config",
			Name:        "Effective configuration",
			Description: "The running configuration with secrets redacted.",
			Fetch: func(ctx context.Context) (interface{}, error) {
				return s.cfg.Redacted(), nil
			},
		},
		{
			URI:         "dshield://health",
			Name:        "Health snapshot",
			Description: "Backend dependency health and feature availability.",
			Fetch: func(ctx context.Context) (interface{}, error) {
				return s.health.Snapshot(ctx), nil
			},
		},
		{
			URI:         "dshield://tools/usage",
			Name:        "Tool usage",
			Description: "Per-tool call counts, error counts, and last-called timestamps.",
			Fetch: func(ctx context.Context) (interface{}, error) {
				return s.dispatcher.UsageSnapshot(), nil
			},
		},
	}
}
