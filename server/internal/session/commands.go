package session

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/kvhub/kvhub/pkg/types"
	"github.com/kvhub/kvhub/server/internal/protocol"
	"github.com/kvhub/kvhub/server/internal/render"
	"github.com/kvhub/kvhub/server/internal/rpc"
)

// Feature names a hub can disable. Commands without a feature are always
// available.
const (
	FeatureFetch    = "fetch"
	FeatureDump     = "dump"
	FeatureDelete   = "delete"
	FeatureRPC      = "rpc"
	FeatureIdentify = "identify"
	FeatureOnline   = "online"
	FeatureEcho     = "echo"
	FeatureOptions  = "options"
	FeatureInfo     = "info"
)

// Features lists every feature name, for configuration validation.
var Features = []string{
	FeatureFetch, FeatureDump, FeatureDelete, FeatureRPC, FeatureIdentify,
	FeatureOnline, FeatureEcho, FeatureOptions, FeatureInfo,
}

var clientNameRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

type command struct {
	feature string
	run     func(s *Session, p protocol.Packet)
}

var commands = map[string]command{
	"list":        {"", (*Session).cmdList},
	"fetch":       {FeatureFetch, (*Session).cmdFetch},
	"dump":        {FeatureDump, (*Session).cmdDump},
	"delete":      {FeatureDelete, (*Session).cmdDelete},
	"call":        {FeatureRPC, (*Session).cmdCall},
	"result":      {FeatureRPC, (*Session).cmdResult},
	"regrpc":      {FeatureRPC, (*Session).cmdRegRPC},
	"unregrpc":    {FeatureRPC, (*Session).cmdUnregRPC},
	"listrpc":     {FeatureRPC, (*Session).cmdListRPC},
	"mask":        {"", (*Session).cmdMask},
	"subscribe":   {"", (*Session).cmdSubscribe},
	"unsubscribe": {"", (*Session).cmdUnsubscribe},
	"timestamp":   {"", (*Session).cmdTimestamp},
	"identify":    {FeatureIdentify, (*Session).cmdIdentify},
	"online":      {FeatureOnline, (*Session).cmdOnline},
	"echo":        {FeatureEcho, (*Session).cmdEcho},
	"set":         {FeatureOptions, (*Session).cmdSet},
	"info":        {FeatureInfo, (*Session).cmdInfo},
}

// aliases are resolved before the command table lookup.
var aliases = map[string]string{
	"rpc":      "call",
	"id":       "identify",
	"nick":     "identify",
	"nickname": "identify",
	"notify":   "mask",
	"ts":       "timestamp",
	"sub":      "subscribe",
	"unsub":    "unsubscribe",
}

// Canonical resolves a command name or alias. ok is false for unknown
// names.
func Canonical(name string) (string, bool) {
	if c, ok := aliases[name]; ok {
		name = c
	}
	_, ok := commands[name]
	return name, ok
}

func (s *Session) handle(p protocol.Packet) {
	kind := p.Kind()
	if s.onPacket != nil {
		s.onPacket(kind)
	}
	switch kind {
	case protocol.KindCommand:
		s.command(p)
	case protocol.KindRetrieve:
		s.emit(RetrieveEvent{Key: p.Key, Default: p.Value, HasDefault: p.HasValue})
	case protocol.KindPublish:
		s.emit(PublishEvent{Key: p.ID, Value: p.Value, Timestamp: p.EventTime(s.now())})
	case protocol.KindStore:
		s.emit(StoreEvent{Key: p.Key, Value: p.Value, Timestamp: p.EventTime(s.now())})
	}
}

func (s *Session) command(p protocol.Packet) {
	name, ok := Canonical(p.ID)
	if !ok {
		s.log.Debug("session: unknown command", "command", p.ID)
		return
	}
	cmd := commands[name]
	if cmd.feature != "" && !s.srv.IsFeatureEnabled(cmd.feature) {
		return
	}
	cmd.run(s, p)
}

func trimmed(p protocol.Packet) string { return strings.TrimSpace(p.Value) }

func (s *Session) cmdList(p protocol.Packet) {
	mask := trimmed(p)
	if mask == "" {
		mask = "*"
	}
	s.emit(ListEvent{Mask: mask})
}

func (s *Session) cmdFetch(p protocol.Packet) { s.emit(FetchEvent{Mask: trimmed(p)}) }

func (s *Session) cmdDump(p protocol.Packet) { s.emit(DumpEvent{Mask: trimmed(p)}) }

func (s *Session) cmdDelete(p protocol.Packet) {
	if key := trimmed(p); key != "" {
		s.emit(DeleteEvent{Key: key})
	}
}

func (s *Session) cmdCall(p protocol.Packet) {
	param := strings.TrimLeft(p.Value, " \t")
	if param == "" {
		return
	}
	c, ok := rpc.ParseCall(param)
	if !ok {
		s.Send("#call", types.ErrorToken)
		return
	}
	c.Owner = s.owner
	s.emit(CallEvent{Call: c})
}

func (s *Session) cmdResult(p protocol.Packet) {
	tag, code, result, ok := rpc.ParseResult(p.Value)
	if !ok {
		s.Send("#result", types.ErrorToken)
		return
	}
	s.mu.Lock()
	_, issued := s.whitelist[tag]
	delete(s.whitelist, tag)
	s.mu.Unlock()
	if !issued {
		return
	}
	masked, err := strconv.ParseUint(tag, 10, 64)
	if err != nil {
		return
	}
	s.emit(ResultEvent{MaskedTag: masked, Code: code, Result: result})
}

func (s *Session) cmdRegRPC(p protocol.Packet) {
	s.emit(RegisterRPCEvent{Name: trimmed(p)})
}

func (s *Session) cmdUnregRPC(p protocol.Packet) {
	s.emit(UnregisterRPCEvent{Name: trimmed(p)})
}

func (s *Session) cmdListRPC(p protocol.Packet) {
	mask := trimmed(p)
	if mask == "" {
		mask = "*"
	}
	s.emit(ListRPCsEvent{Mask: mask})
}

func (s *Session) cmdMask(p protocol.Packet) {
	if err := s.SetMask(p.Value, true); err != nil {
		s.Send("#mask", types.ErrorToken)
	}
}

func (s *Session) cmdSubscribe(p protocol.Packet) {
	if s.Options().RegexMode {
		s.Send("#subscribe", types.ErrorToken)
		return
	}
	tokens := strings.Fields(s.MaskText())
	seen := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		seen[t] = true
	}
	for _, t := range strings.Fields(p.Value) {
		if !seen[t] {
			seen[t] = true
			tokens = append(tokens, t)
		}
	}
	_ = s.SetMask(strings.Join(tokens, " "), true)
}

func (s *Session) cmdUnsubscribe(p protocol.Packet) {
	if s.Options().RegexMode {
		s.Send("#unsubscribe", types.ErrorToken)
		return
	}
	drop := make(map[string]bool)
	for _, t := range strings.Fields(p.Value) {
		drop[t] = true
	}
	var keep []string
	for _, t := range strings.Fields(s.MaskText()) {
		if !drop[t] {
			keep = append(keep, t)
		}
	}
	_ = s.SetMask(strings.Join(keep, " "), true)
}

func (s *Session) cmdTimestamp(p protocol.Packet) {
	f, ok := render.ParseFormat(p.Value)
	if !ok {
		f = render.None
	}
	s.mu.Lock()
	changed := s.tsFormat != f
	s.tsFormat = f
	s.mu.Unlock()
	if changed {
		s.emit(TimestampFormatEvent{Format: f})
	}
}

func (s *Session) cmdIdentify(p protocol.Packet) {
	param := trimmed(p)
	if param == "?" || (p.Qualifier && param == "") {
		s.Send(p.Key, s.Name())
		return
	}
	s.mu.Lock()
	if param == s.name {
		s.mu.Unlock()
		return
	}
	if !clientNameRE.MatchString(param) {
		s.mu.Unlock()
		s.Send(p.Key, types.ErrorToken)
		return
	}
	s.name = param
	s.mu.Unlock()
	s.emit(IdentifyEvent{Name: param})
}

func (s *Session) cmdOnline(p protocol.Packet) {
	s.emit(ListOnlineEvent{Format: trimmed(p)})
}

// cmdEcho answers "#echo=<key> <value>" with "<key>=<value>".
func (s *Session) cmdEcho(p protocol.Packet) {
	key, value, _ := strings.Cut(trimmed(p), " ")
	key = strings.TrimSpace(key)
	if key == "" || strings.Contains(key, "=") {
		return
	}
	s.Send(key, value)
}

// cmdSet handles "#set=<option> <value>". Every attempt is answered, with
// the resulting value or with ERROR.
func (s *Session) cmdSet(p protocol.Packet) {
	name, value, _ := strings.Cut(trimmed(p), " ")
	name = strings.TrimSpace(name)
	value = strings.TrimSpace(value)

	s.mu.Lock()
	before := s.opts
	o := s.opts
	valid := true
	switch name {
	case "retrieveNonExisting":
		o.RetrieveNonExisting, valid = parseBool(value)
	case "regexMode":
		o.RegexMode, valid = parseBool(value)
	case "lineEnding":
		_, valid = lineEndings[value]
		if valid {
			o.LineEnding = value
		}
	case "encoding":
		valid = value == EncodingUTF8 || value == EncodingASCII
		if valid {
			o.Encoding = value
		}
	case "rpcTimeout":
		var ms int64
		var err error
		if ms, err = strconv.ParseInt(value, 10, 64); err != nil {
			valid = false
			break
		}
		o.RPCTimeout, valid = s.srv.ClampRPCTimeout(ms)
	default:
		valid = false
	}
	if valid {
		s.opts = o
	}
	s.mu.Unlock()

	if !valid {
		s.Send("#set", types.ErrorToken)
		return
	}
	current := o.optionValue(name)
	if before.optionValue(name) != current {
		s.emit(OptionSetEvent{Name: name, Value: current})
	}
	s.Send("#set", name+" "+current)
}

func (s *Session) cmdInfo(protocol.Packet) {
	s.emit(InfoRequestEvent{Respond: func(v any) { s.SendObject("#info", v) }})
}
