package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"path"
	"strconv"
	"strings"
	"time"

	"computeswarm/internal/logging"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// SSHDialer implements Dialer over TCP+SSH
type SSHDialer struct{}

// NewSSHDialer creates an SSH dialer
func NewSSHDialer() *SSHDialer {
	return &SSHDialer{}
}

// Dial opens the TCP transport to the instance. The SSH handshake itself
// happens in Authenticate, so a successful Dial only proves the port is
// reachable.
func (d *SSHDialer) Dial(ctx context.Context, host string, port int, timeout time.Duration) (Conn, error) {
	dialer := &net.Dialer{Timeout: timeout}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	tcp, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	return &SSHConn{
		tcp:     tcp,
		addr:    addr,
		host:    host,
		timeout: timeout,
	}, nil
}

// SSHConn is one SSH remote-control connection
type SSHConn struct {
	tcp     net.Conn
	addr    string
	host    string
	timeout time.Duration

	client *ssh.Client
	sftpc  *sftp.Client
}

// escapeNewlines escapes newline characters for proper log formatting
func escapeNewlines(s string) string {
	return strings.ReplaceAll(s, "\n", "\\n")
}

// safeClose safely closes a resource and logs any errors
func safeClose(name string, closer func() error) {
	if err := closer(); err != nil {
		logging.Logger().Warn("failed to close resource",
			zap.String("resource", name),
			zap.Error(err))
	}
}

// Authenticate runs the SSH handshake over the established transport using
// key auth when a key is present, otherwise password auth. Host keys are not
// verified: instances are freshly created and their keys unknown.
func (s *SSHConn) Authenticate(cred Credential) error {
	if s.client != nil {
		return nil
	}

	var methods []ssh.AuthMethod
	if cred.HasKey() {
		signer, err := ssh.ParsePrivateKey([]byte(cred.PrivateKeyPEM))
		if err != nil {
			return fmt.Errorf("failed to parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	} else {
		methods = append(methods, ssh.Password(cred.Password))
	}

	clientConfig := &ssh.ClientConfig{
		User:            cred.User,
		Auth:            methods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         s.timeout,
	}

	conn, chans, reqs, err := ssh.NewClientConn(s.tcp, s.addr, clientConfig)
	if err != nil {
		return fmt.Errorf("authentication failed for %s@%s: %w", cred.User, s.host, err)
	}
	s.client = ssh.NewClient(conn, chans, reqs)

	logging.Logger().Info("SSH connection authenticated",
		zap.String("user", cred.User),
		zap.String("host", s.host))
	return nil
}

// Exec runs a command on the remote host and returns its exit code
func (s *SSHConn) Exec(command string) (int, error) {
	if s.client == nil {
		return -1, fmt.Errorf("connection to %s is not authenticated", s.host)
	}

	session, err := s.client.NewSession()
	if err != nil {
		return -1, fmt.Errorf("failed to create session: %w", err)
	}
	defer safeClose("SSH session", session.Close)

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	err = session.Run(command)
	exitCode := 0
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitStatus()
		} else {
			return -1, fmt.Errorf("failed to run command: %w", err)
		}
	}

	logging.Logger().Info("Command executed",
		zap.String("command", logging.Truncate(command)),
		zap.String("host", s.host),
		zap.String("stdout", escapeNewlines(logging.Truncate(stdout.String()))),
		zap.String("stderr", escapeNewlines(logging.Truncate(stderr.String()))),
		zap.Int("exit_code", exitCode))

	return exitCode, nil
}

// Put writes data into destDir/name on the remote host via SFTP
func (s *SSHConn) Put(data []byte, name, destDir string) error {
	sftpc, err := s.sftpClient()
	if err != nil {
		return err
	}

	if err := sftpc.MkdirAll(destDir); err != nil {
		return fmt.Errorf("failed to create remote directory %s: %w", destDir, err)
	}

	remotePath := path.Join(destDir, name)
	f, err := sftpc.Create(remotePath)
	if err != nil {
		return fmt.Errorf("failed to create remote file %s: %w", remotePath, err)
	}
	defer safeClose("remote file", f.Close)

	n, err := f.Write(data)
	if err != nil {
		return fmt.Errorf("failed to write remote file %s: %w", remotePath, err)
	}

	logging.Logger().Info("File transferred",
		zap.String("remote_path", remotePath),
		zap.String("host", s.host),
		zap.Int("size_bytes", n))
	return nil
}

// StartAgent launches the agent command and returns its control session.
// The session and connection are co-terminated: closing the session closes
// this connection, so neither can leak without the other.
func (s *SSHConn) StartAgent(command string) (Session, error) {
	if s.client == nil {
		return nil, fmt.Errorf("connection to %s is not authenticated", s.host)
	}

	session, err := s.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		safeClose("SSH session", session.Close)
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		safeClose("SSH session", session.Close)
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}

	if err := session.Start(command); err != nil {
		safeClose("SSH session", session.Close)
		return nil, fmt.Errorf("failed to start agent: %w", err)
	}

	logging.Logger().Info("Agent process started",
		zap.String("command", logging.Truncate(command)),
		zap.String("host", s.host))

	return &sshSession{
		session: session,
		conn:    s,
		stdin:   stdin,
		stdout:  stdout,
	}, nil
}

// Close closes the SFTP, SSH and TCP layers
func (s *SSHConn) Close() error {
	if s.sftpc != nil {
		safeClose("SFTP client", s.sftpc.Close)
		s.sftpc = nil
	}
	if s.client != nil {
		err := s.client.Close()
		s.client = nil
		s.tcp = nil // owned by the ssh client once the handshake ran
		return err
	}
	if s.tcp != nil {
		err := s.tcp.Close()
		s.tcp = nil
		return err
	}
	return nil
}

func (s *SSHConn) sftpClient() (*sftp.Client, error) {
	if s.client == nil {
		return nil, fmt.Errorf("connection to %s is not authenticated", s.host)
	}
	if s.sftpc == nil {
		sftpc, err := sftp.NewClient(s.client)
		if err != nil {
			return nil, fmt.Errorf("failed to create SFTP client: %w", err)
		}
		s.sftpc = sftpc
	}
	return s.sftpc, nil
}

type sshSession struct {
	session *ssh.Session
	conn    *SSHConn
	stdin   io.WriteCloser
	stdout  io.Reader
}

func (s *sshSession) Stdin() io.WriteCloser { return s.stdin }
func (s *sshSession) Stdout() io.Reader     { return s.stdout }

// Close tears down the session and the underlying connection together
func (s *sshSession) Close() error {
	safeClose("SSH session", s.session.Close)
	return s.conn.Close()
}

var _ Dialer = (*SSHDialer)(nil)
