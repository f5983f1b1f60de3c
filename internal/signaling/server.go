// Package signaling terminates client websocket connections and routes
// their messages to presence, calls and the negotiation relay.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"voice-signaling/internal/auth"
	"voice-signaling/internal/calls"
	"voice-signaling/internal/config"
	"voice-signaling/internal/presence"
	"voice-signaling/internal/registry"
	"voice-signaling/internal/relay"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

type Server struct {
	reg      *registry.Registry
	pres     *presence.Broadcaster
	engine   *calls.Engine
	relay    *relay.Relay
	tokens   *auth.Manager
	log      *slog.Logger
	cfg      config.WSConfig
	clock    func() time.Time
	upgrader websocket.Upgrader
}

func NewServer(reg *registry.Registry, pres *presence.Broadcaster, engine *calls.Engine, rly *relay.Relay, tokens *auth.Manager, log *slog.Logger, cfg config.WSConfig) *Server {
	return &Server{
		reg:    reg,
		pres:   pres,
		engine: engine,
		relay:  rly,
		tokens: tokens,
		log:    log,
		cfg:    cfg,
		clock:  time.Now,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browsers connect from arbitrary origins; auth is the JWT, not
			// the Origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handle upgrades the request and runs the connection to completion. Auth
// failures are reported over a policy-violation close frame after the
// upgrade, so browser clients can read the reason.
func (s *Server) Handle(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "err", err)
		return
	}

	tok := auth.TokenFromRequest(c.Request.Header, c.Request.URL.Query())
	claims, err := s.tokens.Verify(tok, auth.TokenTypeAccess, s.clock())
	if err != nil {
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication required")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.cfg.WriteTimeout))
		_ = conn.Close()
		return
	}

	s.run(c.Request.Context(), conn, claims.UserID, claims.DisplayName)
}

func (s *Server) run(ctx context.Context, conn *websocket.Conn, userID, displayName string) {
	client := newWSClient(userID, conn, s.log, s.cfg.SendBuffer, s.cfg.WriteTimeout, s.cfg.PongTimeout)
	go client.writePump()

	conn.SetReadLimit(s.cfg.MaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	if prev, displaced := s.reg.Register(userID, client); displaced {
		s.log.Info("session replaced", "user_id", userID)
		prev.Close(websocket.ClosePolicyViolation, "session replaced")
	}

	log := s.log.With("user_id", userID)
	log.Info("client connected")

	// Cleanup steps are isolated: a newer registration must survive this
	// connection's teardown, so presence retraction and the call sweep only
	// run when the registry still pointed at us.
	defer func() {
		if s.reg.Remove(userID, client) {
			s.pres.OnDisconnect(context.Background(), userID)
			s.engine.DisconnectSweep(context.Background(), userID)
			log.Info("client disconnected")
		}
		client.Close(websocket.CloseNormalClosure, "")
	}()

	online := s.pres.OnConnect(ctx, userID, displayName)
	s.sendRegistered(client, userID, displayName, online)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("read loop ended", "err", err)
			}
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.reply(client, errorEvent(CodeBadRequest, "malformed message", ""))
			continue
		}
		s.dispatch(ctx, client, userID, displayName, msg)
	}
}

func (s *Server) dispatch(ctx context.Context, client *wsClient, userID, displayName string, msg ClientMessage) {
	switch msg.Type {
	case MsgRegister:
		// Registration already happened on the handshake; an explicit
		// register just replays the snapshot.
		s.sendRegistered(client, userID, displayName, s.pres.Snapshot(userID))
	case MsgCallInit:
		s.handleCallInit(ctx, client, userID, msg)
	case MsgCallAccept:
		s.handleTransition(ctx, client, userID, msg, s.engine.Accept)
	case MsgCallReject:
		s.handleTransition(ctx, client, userID, msg, s.engine.Reject)
	case MsgHangup:
		s.handleTransition(ctx, client, userID, msg, s.engine.Hangup)
	case MsgPresenceUpdate:
		status := presence.Status(msg.Status)
		if !status.Valid() {
			s.reply(client, errorEvent(CodeBadRequest, "unknown presence status", ""))
			return
		}
		s.pres.OnStatusChange(ctx, userID, status)
	case MsgOffer, MsgAnswer, MsgICE:
		if err := s.relay.Forward(userID, msg.To, msg.Type, msg.CallID, msg.Payload); err != nil {
			s.reply(client, s.relayError(err, msg.To))
		}
	case MsgPing:
		s.reply(client, PongEvent{Type: "pong", Timestamp: s.clock().UTC()})
	default:
		s.reply(client, errorEvent(CodeBadRequest, "unknown message type", ""))
	}
}

func (s *Server) sendRegistered(client *wsClient, userID, displayName string, online []presence.Record) {
	if online == nil {
		online = []presence.Record{}
	}
	s.reply(client, RegisteredEvent{Type: "registered", UserID: userID, DisplayName: displayName})
	s.reply(client, PresenceListEvent{Type: "presence-list", Users: online})
}

func (s *Server) handleCallInit(ctx context.Context, client *wsClient, userID string, msg ClientMessage) {
	call, err := s.engine.Initiate(ctx, userID, msg.To, msg.Meta)
	switch {
	case err == nil:
		s.reply(client, CallInitAckEvent{Type: "call-init-ack", CallID: call.CallID, To: call.To})
	case errors.Is(err, calls.ErrPeerBusy):
		s.reply(client, CallInitDeniedEvent{Type: "call-init-denied", Reason: DeniedReasonBusy, CallID: call.CallID})
	case errors.Is(err, calls.ErrPeerOffline):
		s.reply(client, UserOfflineEvent{Type: "user-offline", To: msg.To})
	case errors.Is(err, calls.ErrInvalidArgument):
		s.reply(client, errorEvent(CodeBadRequest, "invalid call target", ""))
	default:
		s.reply(client, errorEvent(CodeInternal, "call setup failed", ""))
	}
}

// handleTransition runs accept/reject/hangup. Success is silent toward the
// requester; the counterparty hears about it from the engine.
func (s *Server) handleTransition(ctx context.Context, client *wsClient, userID string, msg ClientMessage, op func(context.Context, string, string) (calls.Call, error)) {
	call, err := op(ctx, msg.CallID, userID)
	switch {
	case err == nil:
	case errors.Is(err, calls.ErrPeerOffline):
		other, _ := call.Other(userID)
		s.reply(client, PeerOfflineEvent{Type: "peer-offline", To: other})
	case errors.Is(err, calls.ErrNotFound):
		s.reply(client, errorEvent(CodeNotFound, "no such call", msg.CallID))
	case errors.Is(err, calls.ErrInvalidArgument):
		s.reply(client, errorEvent(CodeBadRequest, "invalid call operation", msg.CallID))
	default:
		s.reply(client, errorEvent(CodeInternal, "call operation failed", msg.CallID))
	}
}

func (s *Server) relayError(err error, to string) any {
	switch {
	case errors.Is(err, relay.ErrPeerOffline):
		return PeerOfflineEvent{Type: "peer-offline", To: to}
	case errors.Is(err, relay.ErrBadSignal):
		return errorEvent(CodeBadRequest, "invalid signal", "")
	default:
		return errorEvent(CodeInternal, "signal delivery failed", "")
	}
}

func (s *Server) reply(client *wsClient, event any) {
	if err := client.Send(event); err != nil {
		s.log.Debug("reply dropped", "user_id", client.userID, "err", err)
	}
}
