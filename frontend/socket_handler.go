package frontend

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/collabmesh/gateway/entity"
	internalerrors "github.com/collabmesh/gateway/internal/errors"
	"github.com/collabmesh/gateway/internal/metrics"
	"github.com/collabmesh/gateway/sessionops"
	"github.com/collabmesh/gateway/socket"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

// handleSocket is the connection-upgrade endpoint at "/:token". The token
// travels as a URL path parameter; sessionId is an optional query
// parameter used to reattach to an existing session across a reconnect.
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	rawToken := ps.ByName("token")
	sessionIDHint := r.URL.Query().Get("sessionId")
	ctx := metrics.WithScope(r.Context(), s.scope)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debugw("websocket upgrade failed", "error", err)
		return
	}

	token, verr := s.verifyHandshake(ctx, rawToken)
	if verr != nil {
		// The handshake completes anyway: clients must see a protocol-level
		// UNAUTHORIZED frame, not a raw TCP reset.
		s.rejectAndClose(conn, verr)
		return
	}

	ws := socket.New(conn, socket.Metadata{
		RemoteAddress:  r.RemoteAddr,
		UserAgent:      r.UserAgent(),
		AcceptLanguage: r.Header.Get("Accept-Language"),
		AccountEmail:   token.AccountEmail,
		Mode:           modeOf(token),
		Model:          modelOf(token),
	})

	result, err := s.manager.AddSession(ctx, token, ws, sessionIDHint)
	if err != nil {
		s.logger.Errorw("add session failed", "error", err)
		_ = ws.Close()
		return
	}
	if result.Upgrade {
		s.sendStatusAndClose(ws, "upgrading", nil)
		return
	}

	session := result.Session
	ops := result.Ops

	socket.Listen(ctx, ws, conn, func(data []byte, binary bool) {
		session.Mu.Lock()
		session.BinaryMode = binary
		useCompression := session.UseCompression
		session.Mu.Unlock()

		s.dispatchFrame(ctx, ws, session, ops, data, binary, useCompression, ops.IsWorkspaceUpgrading())
	})

	s.manager.Close(context.Background(), session.ID)
}

// dispatchFrame decodes and routes a single inbound frame per §4.E.
func (s *Server) dispatchFrame(ctx context.Context, ws socket.ConnectionSocket, session *entity.Session, ops *sessionops.Ops, data []byte, binary, compress, workspaceUpgrading bool) {
	var req entity.Request
	if err := json.Unmarshal(data, &req); err != nil {
		s.writeResponse(ctx, ws, internalerrors.ToWireError(nil, &internalerrors.TransportError{Cause: err}), binary, compress)
		return
	}

	if workspaceUpgrading {
		s.sendStatusAndClose(ws, "upgrading", nil)
		return
	}

	session.Mu.Lock()
	workspaceClosed := session.WorkspaceClosed
	workspaceKey := session.Workspace.Canonical()
	session.Mu.Unlock()
	if workspaceClosed {
		s.writeResponse(ctx, ws, internalerrors.ToWireError(req.ID, &internalerrors.ShuttingDownError{Workspace: workspaceKey}), binary, compress)
		return
	}

	resp, err := dispatchMethod(ctx, ops, req)
	if err != nil {
		s.writeResponse(ctx, ws, internalerrors.ToWireError(req.ID, err), binary, compress)
		return
	}
	s.writeResponse(ctx, ws, resp, binary, compress)
}

// dispatchMethod routes a decoded request to the matching sessionops
// operation. Unknown methods produce UnknownMethodError per §7.
func dispatchMethod(ctx context.Context, ops *sessionops.Ops, req entity.Request) (entity.Response, error) {
	switch req.Method {
	case "ping":
		token, err := ops.Ping(ctx)
		if err != nil {
			return entity.Response{}, err
		}
		payload, _ := json.Marshal(token)
		return entity.Response{ID: req.ID, Result: payload}, nil

	case "findAll":
		var params struct {
			Class   string          `json:"class"`
			Query   json.RawMessage `json:"query"`
			Options json.RawMessage `json:"options"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return entity.Response{}, &internalerrors.TransportError{Cause: err}
		}
		result, err := ops.FindAll(ctx, req.ID, params.Class, params.Query, params.Options)
		if err != nil {
			return entity.Response{}, err
		}
		return entity.Response{ID: req.ID, Result: result}, nil

	case "tx":
		result, err := ops.Tx(ctx, req.ID, req.Params)
		if err != nil {
			return entity.Response{}, err
		}
		return entity.Response{ID: req.ID, Result: result}, nil

	default:
		return entity.Response{}, &internalerrors.UnknownMethodError{Method: req.Method}
	}
}

func (s *Server) writeResponse(ctx context.Context, ws socket.ConnectionSocket, resp entity.Response, binary, compress bool) {
	payload, err := json.Marshal(resp)
	if err != nil {
		s.logger.Errorw("marshaling response", "error", err)
		return
	}
	if _, err := ws.Send(ctx, payload, binary, compress); err != nil {
		s.logger.Debugw("send failed, closing socket", "error", err)
		_ = ws.Close()
	}
}

// verifyHandshake verifies the token and enforces the product id match from
// §4.E's handshake rule.
func (s *Server) verifyHandshake(ctx context.Context, rawToken string) (*entity.Token, error) {
	if rawToken == "" {
		return nil, &internalerrors.UnauthorizedError{Reason: "missing token"}
	}
	token, err := s.verifier.Verify(ctx, rawToken)
	if err != nil {
		return nil, &internalerrors.UnauthorizedError{Reason: err.Error()}
	}
	if s.productID != "" && token.Workspace.ProductID != s.productID {
		return nil, &internalerrors.UnauthorizedError{Reason: "product id mismatch"}
	}
	return token, nil
}

// rejectAndClose completes the handshake (the websocket upgrade has already
// succeeded) and sends a single UNAUTHORIZED frame before closing.
func (s *Server) rejectAndClose(conn *websocket.Conn, verr error) {
	ws := socket.New(conn, socket.Metadata{})
	resp := internalerrors.ToWireError(nil, verr)
	payload, err := json.Marshal(resp)
	if err == nil {
		_, _ = ws.Send(context.Background(), payload, false, false)
	}
	_ = ws.Close()
}

func (s *Server) sendStatusAndClose(ws socket.ConnectionSocket, state string, extra map[string]any) {
	resp := entity.StatusResponse(state, extra)
	payload, err := json.Marshal(resp)
	if err == nil {
		_, _ = ws.Send(context.Background(), payload, false, false)
	}
	_ = ws.Close()
}

func modeOf(t *entity.Token) string {
	if t.Extra == nil {
		return ""
	}
	return t.Extra.Mode
}

func modelOf(t *entity.Token) string {
	if t.Extra == nil {
		return ""
	}
	return t.Extra.Model
}
