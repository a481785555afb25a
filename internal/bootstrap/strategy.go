package bootstrap

import (
	"context"

	"computeswarm/internal/remote"
)

// DialFunc opens one connection attempt to the instance
type DialFunc func(ctx context.Context) (remote.Conn, error)

// Strategy captures what differs between remote OS families: how
// authentication is retried, and the commands used to verify the runtime and
// start the agent. The surrounding state machine is shared.
type Strategy interface {
	OSName() string

	// Authenticate turns the connected transport into an authenticated one.
	// conn is the already-open connection; dial lets variants that need
	// fresh connections per attempt open more. The returned connection is
	// the one the rest of the bootstrap runs on.
	Authenticate(ctx context.Context, conn remote.Conn, dial DialFunc, cred remote.Credential) (remote.Conn, error)

	// VerifyCommand must exit zero on a usable runtime
	VerifyCommand() string

	// AgentCommand starts the agent out of the given working directory
	AgentCommand(remoteFS string) string
}
