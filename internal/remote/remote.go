package remote

import (
	"context"
	"io"
	"time"
)

// Credential carries the material used to authenticate a remote-control
// connection. PrivateKeyPEM takes priority over Password when both are set.
type Credential struct {
	User          string
	PrivateKeyPEM string
	Password      string
}

// HasKey reports whether a private-key credential is configured
func (c Credential) HasKey() bool {
	return c.PrivateKeyPEM != ""
}

// Dialer opens remote-control connections
type Dialer interface {
	// Dial establishes the transport to host:port within timeout. The
	// returned connection is not yet authenticated.
	Dial(ctx context.Context, host string, port int, timeout time.Duration) (Conn, error)
}

// Conn is one remote-control connection to an instance
type Conn interface {
	// Authenticate performs the handshake with the given credential.
	// It must be called before Exec, Put or StartAgent.
	Authenticate(cred Credential) error

	// Exec runs a command and returns its exit code. A non-nil error means
	// the command could not be run at all.
	Exec(command string) (int, error)

	// Put writes data as a file named name into destDir on the remote host
	Put(data []byte, name, destDir string) error

	// StartAgent launches the agent process and returns its control session.
	// Closing the session tears the whole connection down with it.
	StartAgent(command string) (Session, error)

	Close() error
}

// Session is the bidirectional control channel of a running agent process
type Session interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader

	// Close terminates the session and the connection it runs on
	Close() error
}
