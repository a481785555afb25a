package bootstrap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"computeswarm/internal/agent"
	"computeswarm/internal/gce"
	"computeswarm/internal/remote"

	"google.golang.org/api/compute/v1"
)

type fakeSession struct{}

func (s *fakeSession) Stdin() io.WriteCloser { return nil }
func (s *fakeSession) Stdout() io.Reader     { return bytes.NewReader(nil) }
func (s *fakeSession) Close() error          { return nil }

// scriptedConn fails authentication a configured number of times and records
// what was executed and transferred.
type scriptedConn struct {
	mu        sync.Mutex
	authFails *int // shared across reconnects
	execCode  int
	execErr   error
	executed  []string
	putFiles  []string
	closed    bool
}

func (c *scriptedConn) Authenticate(cred remote.Credential) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.authFails != nil && *c.authFails > 0 {
		*c.authFails--
		return errors.New("permission denied")
	}
	return nil
}

func (c *scriptedConn) Exec(command string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.executed = append(c.executed, command)
	return c.execCode, c.execErr
}

func (c *scriptedConn) Put(data []byte, name, destDir string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putFiles = append(c.putFiles, destDir+"/"+name)
	return nil
}

func (c *scriptedConn) StartAgent(command string) (remote.Session, error) {
	return &fakeSession{}, nil
}

func (c *scriptedConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type scriptedDialer struct {
	mu       sync.Mutex
	dials    int
	dialErrs int // first N dials fail
	conn     func() *scriptedConn
	last     *scriptedConn
}

func (d *scriptedDialer) Dial(ctx context.Context, host string, port int, timeout time.Duration) (remote.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.dialErrs > 0 {
		d.dialErrs--
		return nil, errors.New("connection refused")
	}
	d.last = d.conn()
	return d.last, nil
}

// fakeInstanceClient serves one instance, optionally without an address for
// the first N gets.
type fakeInstanceClient struct {
	gce.Client

	mu        sync.Mutex
	gets      int
	noAddr    int
	natIP     string
	networkIP string
}

func (f *fakeInstanceClient) GetInstance(ctx context.Context, zone, name string) (*compute.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	inst := &compute.Instance{Name: name, Status: "RUNNING"}
	if f.noAddr > 0 {
		f.noAddr--
		return inst, nil
	}
	nic := &compute.NetworkInterface{NetworkIP: f.networkIP}
	if f.natIP != "" {
		nic.AccessConfigs = []*compute.AccessConfig{{Type: gce.NATType, NatIP: f.natIP}}
	}
	inst.NetworkInterfaces = []*compute.NetworkInterface{nic}
	return inst, nil
}

type staticPayload struct{ data []byte }

func (s *staticPayload) Fetch(ctx context.Context) ([]byte, error) {
	return s.data, nil
}

func newTestLauncher(client gce.Client, dialer remote.Dialer, opts Options) *Launcher {
	if opts.InstanceName == "" {
		opts.InstanceName = "worker-1"
	}
	if opts.Zone == "" {
		opts.Zone = "us-central1-a"
	}
	if opts.Strategy == nil {
		opts.Strategy = NewLinuxStrategy()
	}
	opts.RetryInterval = time.Millisecond
	opts.ConnectTimeout = 10 * time.Millisecond
	return NewLauncher(client, dialer, &staticPayload{data: []byte("jar")}, opts)
}

func TestLaunchTraversesStatesInOrder(t *testing.T) {
	dialer := &scriptedDialer{conn: func() *scriptedConn { return &scriptedConn{} }}
	client := &fakeInstanceClient{natIP: "203.0.113.7", networkIP: "10.0.0.2"}
	l := newTestLauncher(client, dialer, Options{RemoteFS: "/opt/agent"})

	node := agent.NewNode("worker-1", "us-central1-a", 1, false, 0)
	if err := l.Launch(context.Background(), node); err != nil {
		t.Fatalf("Launch: %v", err)
	}

	want := []State{
		StateCreated,
		StateNetworkReady,
		StateChannelConnected,
		StateAuthenticated,
		StateRuntimeVerified,
		StatePayloadTransferred,
		StateAttached,
	}
	got := l.States()
	if len(got) != len(want) {
		t.Fatalf("states = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("state[%d] = %s, want %s", i, got[i], want[i])
		}
	}
	if !node.Attached() {
		t.Error("node did not attach")
	}
	if got := dialer.last.executed; len(got) != 1 || got[0] != "java -fullversion" {
		t.Errorf("executed = %v, want the runtime check", got)
	}
	if got := dialer.last.putFiles; len(got) != 1 || got[0] != "/opt/agent/agent.jar" {
		t.Errorf("transferred = %v, want /opt/agent/agent.jar", got)
	}
}

func TestLaunchWaitsForAddress(t *testing.T) {
	dialer := &scriptedDialer{conn: func() *scriptedConn { return &scriptedConn{} }}
	client := &fakeInstanceClient{natIP: "203.0.113.7", noAddr: 3}
	l := newTestLauncher(client, dialer, Options{})

	node := agent.NewNode("worker-1", "us-central1-a", 1, false, 0)
	if err := l.Launch(context.Background(), node); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if client.gets < 4 {
		t.Errorf("gets = %d, want at least 4 polls", client.gets)
	}
}

func TestLaunchRetriesConnect(t *testing.T) {
	dialer := &scriptedDialer{
		dialErrs: 2,
		conn:     func() *scriptedConn { return &scriptedConn{} },
	}
	client := &fakeInstanceClient{natIP: "203.0.113.7"}
	l := newTestLauncher(client, dialer, Options{})

	node := agent.NewNode("worker-1", "us-central1-a", 1, false, 0)
	if err := l.Launch(context.Background(), node); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if dialer.dials != 3 {
		t.Errorf("dials = %d, want 3", dialer.dials)
	}
}

func TestLaunchTimeout(t *testing.T) {
	dialer := &scriptedDialer{conn: func() *scriptedConn { return &scriptedConn{} }}
	client := &fakeInstanceClient{noAddr: 1 << 30} // never ready
	l := newTestLauncher(client, dialer, Options{LaunchTimeout: 30 * time.Millisecond})

	node := agent.NewNode("worker-1", "us-central1-a", 1, false, 0)
	err := l.Launch(context.Background(), node)

	var timeout *LaunchTimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("expected LaunchTimeoutError, got %v", err)
	}
	if l.Current() != StateFailed {
		t.Errorf("final state = %s, want %s", l.Current(), StateFailed)
	}
}

func TestLaunchVerifyFailureIsFatal(t *testing.T) {
	dialer := &scriptedDialer{conn: func() *scriptedConn { return &scriptedConn{execCode: 127} }}
	client := &fakeInstanceClient{natIP: "203.0.113.7"}
	l := newTestLauncher(client, dialer, Options{})

	node := agent.NewNode("worker-1", "us-central1-a", 1, false, 0)
	if err := l.Launch(context.Background(), node); err == nil {
		t.Fatal("expected failure when the runtime check exits non-zero")
	}
	if l.Current() != StateFailed {
		t.Errorf("final state = %s, want %s", l.Current(), StateFailed)
	}
	if !dialer.last.closed {
		t.Error("connection was left open after a fatal failure")
	}
	if node.Attached() {
		t.Error("node must not attach after a failed bootstrap")
	}
}

func TestSelectAddress(t *testing.T) {
	inst := func(networkIP, natIP string) *compute.Instance {
		nic := &compute.NetworkInterface{NetworkIP: networkIP}
		if natIP != "" {
			nic.AccessConfigs = []*compute.AccessConfig{{Type: gce.NATType, NatIP: natIP}}
		}
		return &compute.Instance{NetworkInterfaces: []*compute.NetworkInterface{nic}}
	}

	tests := []struct {
		name        string
		useInternal bool
		inst        *compute.Instance
		want        string
	}{
		{"NAT preferred", false, inst("10.0.0.2", "203.0.113.7"), "203.0.113.7"},
		{"fallback to internal without NAT", false, inst("10.0.0.2", ""), "10.0.0.2"},
		{"internal forced", true, inst("10.0.0.2", "203.0.113.7"), "10.0.0.2"},
		{"no interfaces", false, &compute.Instance{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLauncher(nil, nil, nil, Options{UseInternalAddress: tt.useInternal})
			if got := l.selectAddress(tt.inst); got != tt.want {
				t.Errorf("selectAddress = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWindowsStrategyDefaults(t *testing.T) {
	s := NewWindowsStrategy()
	if s.AuthTries != 30 {
		t.Errorf("AuthTries = %d, want 30", s.AuthTries)
	}
	if s.AuthRetryInterval != 15*time.Second {
		t.Errorf("AuthRetryInterval = %s, want 15s", s.AuthRetryInterval)
	}
}

func TestWindowsStrategyRetriesAuthentication(t *testing.T) {
	fails := 4
	dialer := &scriptedDialer{conn: func() *scriptedConn { return &scriptedConn{authFails: &fails} }}
	s := &WindowsStrategy{AuthTries: 10, AuthRetryInterval: time.Millisecond}

	first, err := dialer.Dial(context.Background(), "203.0.113.7", 22, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	dial := func(ctx context.Context) (remote.Conn, error) {
		return dialer.Dial(ctx, "203.0.113.7", 22, time.Second)
	}

	conn, err := s.Authenticate(context.Background(), first, dial, remote.Credential{User: "agent", Password: "x"})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if conn == nil {
		t.Fatal("expected an authenticated connection")
	}
	// 1 initial + 4 retries + 1 fresh post-auth connection
	if dialer.dials != 6 {
		t.Errorf("dials = %d, want 6", dialer.dials)
	}
}

func TestWindowsStrategyGivesUpAfterBudget(t *testing.T) {
	fails := 1 << 30
	dialer := &scriptedDialer{conn: func() *scriptedConn { return &scriptedConn{authFails: &fails} }}
	s := &WindowsStrategy{AuthTries: 3, AuthRetryInterval: time.Millisecond}

	first, _ := dialer.Dial(context.Background(), "203.0.113.7", 22, time.Second)
	dial := func(ctx context.Context) (remote.Conn, error) {
		return dialer.Dial(ctx, "203.0.113.7", 22, time.Second)
	}

	_, err := s.Authenticate(context.Background(), first, dial, remote.Credential{User: "agent", Password: "x"})
	if err == nil {
		t.Fatal("expected authentication to give up")
	}
	if want := fmt.Sprintf("authentication failed after %d attempts", 3); err.Error() != want {
		t.Errorf("error = %q, want %q", err.Error(), want)
	}
}

func TestAgentCommands(t *testing.T) {
	linux := NewLinuxStrategy()
	if got, want := linux.AgentCommand("/opt/agent"), "java -jar /opt/agent/agent.jar"; got != want {
		t.Errorf("linux agent command = %q, want %q", got, want)
	}

	windows := NewWindowsStrategy()
	if got, want := windows.AgentCommand("C:\\agent"), "java -jar C:\\agent\\agent.jar"; got != want {
		t.Errorf("windows agent command = %q, want %q", got, want)
	}
}
