package server

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/bardlex/roundproxy/internal/mining"
	"github.com/bardlex/roundproxy/internal/stratum"
	"github.com/bardlex/roundproxy/pkg/errors"
	"github.com/bardlex/roundproxy/pkg/log"
)

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()

	s.mu.Lock()
	s.nextID++
	id := fmt.Sprintf("line_%d", s.nextID)
	s.mu.Unlock()

	session := stratum.NewSession(id, conn, s.logger, s.readTimeout, s.writeTimeout)
	handler := &lineHandler{server: s, logger: s.logger.WithFields("session_id", id)}

	defer func() {
		handler.detach(session)
		session.Close()
	}()

	if err := session.Start(ctx, handler); err != nil && !errors.Is(err, context.Canceled) {
		handler.logger.WithError(err).Debug("session ended")
	}
}

// lineHandler serves one line-JSON miner connection.
type lineHandler struct {
	server *Server
	logger *log.Logger

	mu    sync.Mutex
	proxy Proxy
}

// HandleMessage implements stratum.MessageHandler.
func (h *lineHandler) HandleMessage(ctx context.Context, session *stratum.Session, msg *stratum.Message) error {
	if !msg.IsRequest() {
		h.logger.Debug("ignoring non-request message", "method", msg.Method)
		return nil
	}

	switch msg.Method {
	case stratum.MethodLogin:
		return h.handleLogin(session, msg)
	case stratum.MethodGetMiningInfo:
		return h.handleGetMiningInfo(session, msg)
	case stratum.MethodSubmitNonce:
		return h.handleSubmit(ctx, session, msg)
	default:
		h.logger.Warn("unknown method", "method", msg.Method)
		return session.SendError(msg.ID, stratum.ErrorMethodNotFound, "Method not found")
	}
}

func (h *lineHandler) handleLogin(session *stratum.Session, msg *stratum.Message) error {
	var p stratum.LoginParams
	if err := msg.DecodeParams(&p); err != nil {
		return session.SendError(msg.ID, stratum.ErrorInvalidParams, "Invalid parameters")
	}
	px, ok := h.server.proxy(p.Proxy)
	if !ok {
		return session.SendError(msg.ID, mining.CodeWrongFormat, "unknown proxy")
	}

	session.Login(p)
	h.attach(session, px)
	px.TouchMiner(h.meta(session))

	h.logger.Info("miner logged in", "miner_name", p.MinerName, "proxy", px.Name())
	return session.SendResponse(msg.ID, true)
}

func (h *lineHandler) handleGetMiningInfo(session *stratum.Session, msg *stratum.Message) error {
	px := h.current(session)
	if px == nil {
		return session.SendError(msg.ID, mining.CodeWrongFormat, "no proxy configured")
	}
	px.TouchMiner(h.meta(session))

	info := px.GetMiningInfo()
	if info == nil {
		return session.SendError(msg.ID, mining.CodeUpstream, "no mining info available yet")
	}
	return session.SendResponse(msg.ID, info)
}

func (h *lineHandler) handleSubmit(ctx context.Context, session *stratum.Session, msg *stratum.Message) error {
	var p stratum.SubmitParams
	if err := msg.DecodeParams(&p); err != nil {
		return session.SendError(msg.ID, mining.CodeWrongFormat, err.Error())
	}
	px := h.current(session)
	if px == nil {
		return session.SendError(msg.ID, mining.CodeWrongFormat, "no proxy configured")
	}

	res := px.SubmitNonce(ctx, p.Raw(), h.meta(session))
	if res.Error != nil {
		return session.SendError(msg.ID, res.Error.Code, res.Error.Message)
	}
	return session.SendResponse(msg.ID, stratum.SubmitReply{
		Result:   "success",
		Deadline: mining.FlexInt{Int: res.Deadline},
	})
}

// current returns the session's proxy, attaching the default one to
// sessions that never logged in.
func (h *lineHandler) current(session *stratum.Session) Proxy {
	h.mu.Lock()
	px := h.proxy
	h.mu.Unlock()
	if px != nil {
		return px
	}

	px, ok := h.server.proxy("")
	if !ok {
		return nil
	}
	h.attach(session, px)
	return px
}

func (h *lineHandler) meta(session *stratum.Session) mining.MinerMeta {
	meta := session.Miner()
	if host, _, err := net.SplitHostPort(session.RemoteAddr()); err == nil {
		meta.ID = host
	} else {
		meta.ID = session.RemoteAddr()
	}
	return meta
}

// attach subscribes session to round notifications of px.
func (h *lineHandler) attach(session *stratum.Session, px Proxy) {
	h.mu.Lock()
	prev := h.proxy
	h.proxy = px
	h.mu.Unlock()

	s := h.server
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev != nil {
		delete(s.sessions[prev.Name()], session.ID())
	}
	s.sessions[px.Name()][session.ID()] = session
}

func (h *lineHandler) detach(session *stratum.Session) {
	h.mu.Lock()
	px := h.proxy
	h.mu.Unlock()
	if px == nil {
		return
	}

	s := h.server
	s.mu.Lock()
	delete(s.sessions[px.Name()], session.ID())
	s.mu.Unlock()
}

// broadcast pushes the newly activated round to every session of a proxy.
func (s *Server) broadcast(proxyName string, info *mining.MiningInfo) {
	s.mu.RLock()
	targets := make([]*stratum.Session, 0, len(s.sessions[proxyName]))
	for _, session := range s.sessions[proxyName] {
		targets = append(targets, session)
	}
	s.mu.RUnlock()

	for _, session := range targets {
		if err := session.SendNotification(stratum.MethodMiningInfo, info); err != nil {
			s.logger.WithError(err).Debug("failed to notify miner", "session_id", session.ID())
		}
	}
	if len(targets) > 0 {
		s.logger.Debug("round pushed to line miners", "proxy", proxyName, "block_height", info.Height, "sessions", len(targets))
	}
}
