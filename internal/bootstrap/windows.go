package bootstrap

import (
	"context"
	"fmt"
	"time"

	"computeswarm/internal/logging"
	"computeswarm/internal/remote"

	"go.uber.org/zap"
)

const (
	windowsAuthTries         = 30
	windowsAuthRetryInterval = 15 * time.Second
)

// WindowsStrategy bootstraps instances whose credential-injection service is
// slow on first boot: the account may not accept logins for minutes after
// the SSH port answers, so authentication is retried on fresh connections
// before the attempt is declared failed.
type WindowsStrategy struct {
	AuthTries         int
	AuthRetryInterval time.Duration
}

// NewWindowsStrategy creates the slow-boot strategy with its standard retry
// policy (30 attempts, 15s apart).
func NewWindowsStrategy() *WindowsStrategy {
	return &WindowsStrategy{
		AuthTries:         windowsAuthTries,
		AuthRetryInterval: windowsAuthRetryInterval,
	}
}

func (s *WindowsStrategy) OSName() string {
	return "windows"
}

// Authenticate retries authentication on throwaway bootstrap connections
// until it succeeds or the attempt budget is spent, then reconnects fresh
// for the connection the rest of the bootstrap runs on.
func (s *WindowsStrategy) Authenticate(ctx context.Context, conn remote.Conn, dial DialFunc, cred remote.Credential) (remote.Conn, error) {
	authenticated := false
	for try := 0; try < s.AuthTries; try++ {
		if try > 0 {
			select {
			case <-ctx.Done():
				closeQuietly(conn)
				return nil, ctx.Err()
			case <-time.After(s.AuthRetryInterval):
			}

			var err error
			conn, err = dial(ctx)
			if err != nil {
				logging.Logger().Warn("Reconnect for authentication retry failed",
					zap.Int("try", try+1),
					zap.Error(err))
				continue
			}
		}

		err := conn.Authenticate(cred)
		closeQuietly(conn)
		if err == nil {
			authenticated = true
			break
		}
		logging.Logger().Warn("Authentication failed, trying again",
			zap.String("user", cred.User),
			zap.Int("try", try+1),
			zap.Int("tries_max", s.AuthTries),
			zap.Error(err))
	}

	if !authenticated {
		return nil, fmt.Errorf("authentication failed after %d attempts", s.AuthTries)
	}

	// The bootstrap connection is spent; connect fresh for the real session
	fresh, err := dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to reconnect after bootstrap: %w", err)
	}
	if err := fresh.Authenticate(cred); err != nil {
		closeQuietly(fresh)
		return nil, err
	}
	return fresh, nil
}

func (s *WindowsStrategy) VerifyCommand() string {
	return "java -fullversion"
}

func (s *WindowsStrategy) AgentCommand(remoteFS string) string {
	return "java -jar " + remoteFS + "\\agent.jar"
}

func closeQuietly(conn remote.Conn) {
	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil {
		logging.Logger().Debug("failed to close bootstrap connection", zap.Error(err))
	}
}
