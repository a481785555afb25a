package bootstrap

// State is one stage of the bootstrap protocol. A run traverses the states
// strictly in order; Failed is terminal and reachable from anywhere before
// Attached.
type State string

const (
	StateCreated            State = "CREATED"
	StateNetworkReady       State = "NETWORK_READY"
	StateChannelConnected   State = "CHANNEL_CONNECTED"
	StateAuthenticated      State = "AUTHENTICATED"
	StateRuntimeVerified    State = "RUNTIME_VERIFIED"
	StatePayloadTransferred State = "PAYLOAD_TRANSFERRED"
	StateAttached           State = "ATTACHED"
	StateFailed             State = "FAILED"
)
