package bootstrap

import (
	"context"
	"fmt"
	"path"

	"computeswarm/internal/remote"
)

// LinuxStrategy bootstraps POSIX-like instances. The SSH daemon and
// credentials are ready as soon as the port answers, so a single
// authentication attempt is definitive.
type LinuxStrategy struct{}

// NewLinuxStrategy creates the POSIX bootstrap strategy
func NewLinuxStrategy() *LinuxStrategy {
	return &LinuxStrategy{}
}

func (s *LinuxStrategy) OSName() string {
	return "linux"
}

// Authenticate performs one authentication attempt on the given connection
func (s *LinuxStrategy) Authenticate(ctx context.Context, conn remote.Conn, dial DialFunc, cred remote.Credential) (remote.Conn, error) {
	if err := conn.Authenticate(cred); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			err = fmt.Errorf("%w (also failed to close connection: %v)", err, closeErr)
		}
		return nil, err
	}
	return conn, nil
}

func (s *LinuxStrategy) VerifyCommand() string {
	return "java -fullversion"
}

func (s *LinuxStrategy) AgentCommand(remoteFS string) string {
	return "java -jar " + path.Join(remoteFS, "agent.jar")
}
