package hub

import (
	"strings"

	"github.com/kvhub/kvhub/pkg/types"
	"github.com/kvhub/kvhub/server/internal/session"
)

func (h *Hub) onCall(s *session.Session, ev session.CallEvent) {
	call, provider, err := h.rpc.DispatchCall(ev.Call, s, s.Options().RPCTimeout)
	if err != nil {
		s.SendRPCResult(call)
		h.log.Debug("hub: call failed", "session", s.ID(), "procedure", call.Procedure, "code", call.Code, "err", err)
		h.observe(ClientError{SessionID: s.ID(), Err: err, Call: call})
		return
	}
	provider.SendRPC(call)
}

func (h *Hub) onResult(s *session.Session, ev session.ResultEvent) {
	call, caller, ok := h.rpc.DispatchResult(ev.MaskedTag, ev.Code, ev.Result)
	if !ok {
		h.log.Debug("hub: result for unknown call", "session", s.ID(), "tag", ev.MaskedTag)
		return
	}
	caller.SendRPCResult(call)
}

func (h *Hub) onRegisterRPC(s *session.Session, name string) {
	if !procedureNameRE.MatchString(name) || !h.rpc.RegisterProcedure(name, s) {
		s.Send("#regrpc", types.ErrorToken)
		return
	}
	s.AddProcedure(name)
	h.log.Debug("hub: procedure registered", "session", s.ID(), "procedure", name)
	h.observe(RPCRegistered{SessionID: s.ID(), Name: name})
}

// onUnregisterRPC removes name only when s is its provider.
func (h *Hub) onUnregisterRPC(s *session.Session, name string) {
	p, ok := h.rpc.Provider(name)
	if !ok || p.ID() != s.ID() {
		return
	}
	h.rpc.UnregisterProcedure(name)
	s.RemoveProcedure(name)
	h.log.Debug("hub: procedure unregistered", "session", s.ID(), "procedure", name)
	h.observe(RPCUnregistered{SessionID: s.ID(), Name: name})
}

func (h *Hub) onListRPCs(s *session.Session, mask string) {
	m := h.matchers.Compile(mask)
	var names []string
	for _, name := range h.rpc.ListRegistered() {
		if m.Test(name) {
			names = append(names, name)
		}
	}
	s.Send("#listrpc", strings.Join(names, " "))
}

func (h *Hub) onDisconnect(s *session.Session) {
	removed := h.dict.RemoveSubscriber(s.ID())
	for _, name := range h.rpc.UnregisterProcedureOfProvider(s) {
		h.observe(RPCUnregistered{SessionID: s.ID(), Name: name})
	}
	h.conns.Remove(s)
	h.metrics.ConnectionClosed()
	h.log.Debug("hub: connection closed", "session", s.ID(), "remote", s.RemoteAddr(), "subscriptions", removed)
	h.observe(ConnectionClosed{SessionID: s.ID(), RemoteAddr: s.RemoteAddr()})
}
