package types

// ErrorToken is the literal value sent back on the same channel when a
// client command cannot be honoured, such as an invalid name or option value.
const ErrorToken = "ERROR"

// RPC result codes generated by the hub. Any other code is supplied by the
// provider and relayed untouched.
const (
	CodeNotRegistered  = "404" // no provider registered for the procedure
	CodeGatewayTimeout = "502" // provider did not answer before the deadline
)

// DefaultPort is the TCP port the hub listens on when none is configured.
const DefaultPort = 7778
