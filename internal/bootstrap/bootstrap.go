package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"computeswarm/internal/agent"
	"computeswarm/internal/gce"
	"computeswarm/internal/logging"
	"computeswarm/internal/payload"
	"computeswarm/internal/remote"

	"go.uber.org/zap"
	"google.golang.org/api/compute/v1"
)

const (
	defaultPort           = 22
	defaultConnectTimeout = 10 * time.Second
	defaultRetryInterval  = 5 * time.Second

	// PayloadName is the file name the agent payload lands under remotely
	PayloadName = "agent.jar"
)

// LaunchTimeoutError reports that a bootstrap ran out of its overall launch
// timeout before reaching the attached state.
type LaunchTimeoutError struct {
	Instance string
	Elapsed  time.Duration
}

func (e *LaunchTimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s waiting for instance %s to bootstrap", e.Elapsed, e.Instance)
}

// Options parameterizes one bootstrap run
type Options struct {
	CloudName    string
	InstanceName string
	Zone         string

	// UseInternalAddress forces the instance's internal address even when a
	// NAT address exists.
	UseInternalAddress bool

	Port           int           // remote-control port, default 22
	ConnectTimeout time.Duration // per connection attempt, default 10s
	RetryInterval  time.Duration // backoff between poll/connect attempts, default 5s

	// LaunchTimeout bounds the whole run from start to attach.
	// Zero means no timeout.
	LaunchTimeout time.Duration

	Credential remote.Credential
	RemoteFS   string
	Strategy   Strategy
}

// Launcher drives one instance through the bootstrap protocol:
// poll for a usable address, connect the remote-control transport,
// authenticate, verify the runtime, transfer the agent payload, and attach
// the agent's control channel to its node.
type Launcher struct {
	client  gce.Client
	dialer  remote.Dialer
	payload payload.Source
	opts    Options

	start time.Time

	mu     sync.Mutex
	states []State
}

// NewLauncher creates a launcher for one instance
func NewLauncher(client gce.Client, dialer remote.Dialer, payloadSrc payload.Source, opts Options) *Launcher {
	if opts.Port == 0 {
		opts.Port = defaultPort
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.RetryInterval == 0 {
		opts.RetryInterval = defaultRetryInterval
	}
	return &Launcher{
		client:  client,
		dialer:  dialer,
		payload: payloadSrc,
		opts:    opts,
		states:  []State{StateCreated},
	}
}

// States returns the states traversed so far, in order
func (l *Launcher) States() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]State, len(l.states))
	copy(out, l.states)
	return out
}

// Current returns the most recent state
func (l *Launcher) Current() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.states[len(l.states)-1]
}

// Launch runs the protocol to completion, binding the control channel to
// node on success. A failed run leaves the instance behind for cloud-side
// cleanup; the protocol itself never retries a whole attempt.
func (l *Launcher) Launch(ctx context.Context, node *agent.Node) error {
	l.start = time.Now()
	if l.opts.LaunchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.opts.LaunchTimeout)
		defer cancel()
	}

	logging.Logger().Info("Launching instance",
		zap.String("cloud", l.opts.CloudName),
		zap.String("instance", l.opts.InstanceName),
		zap.String("os", l.opts.Strategy.OSName()),
		zap.Duration("launch_timeout", l.opts.LaunchTimeout))

	host, err := l.waitForNetwork(ctx)
	if err != nil {
		return l.fail("network wait", err)
	}

	dial := func(ctx context.Context) (remote.Conn, error) {
		return l.dialer.Dial(ctx, host, l.opts.Port, l.opts.ConnectTimeout)
	}

	conn, err := l.connect(ctx, dial)
	if err != nil {
		return l.fail("connect", err)
	}

	conn, err = l.opts.Strategy.Authenticate(ctx, conn, dial, l.opts.Credential)
	if err != nil {
		return l.fail("authenticate", err)
	}
	l.transition(StateAuthenticated)

	if err := l.verifyRuntime(conn); err != nil {
		closeQuietly(conn)
		return l.fail("verify runtime", err)
	}
	l.transition(StateRuntimeVerified)

	if err := l.transferPayload(ctx, conn); err != nil {
		closeQuietly(conn)
		return l.fail("transfer payload", err)
	}
	l.transition(StatePayloadTransferred)

	session, err := conn.StartAgent(l.opts.Strategy.AgentCommand(l.opts.RemoteFS))
	if err != nil {
		closeQuietly(conn)
		return l.fail("start agent", err)
	}
	if err := node.BindChannel(session); err != nil {
		if closeErr := session.Close(); closeErr != nil {
			logging.Logger().Warn("failed to close orphaned session", zap.Error(closeErr))
		}
		return l.fail("attach", err)
	}
	l.transition(StateAttached)

	logging.Logger().Info("Instance attached",
		zap.String("cloud", l.opts.CloudName),
		zap.String("instance", l.opts.InstanceName),
		zap.Duration("elapsed", time.Since(l.start)))
	return nil
}

// waitForNetwork polls the instance until it exposes a usable address
func (l *Launcher) waitForNetwork(ctx context.Context) (string, error) {
	for {
		inst, err := l.client.GetInstance(ctx, l.opts.Zone, l.opts.InstanceName)
		if err == nil {
			if host := l.selectAddress(inst); host != "" {
				l.transition(StateNetworkReady, zap.String("host", host))
				return host, nil
			}
			logging.Logger().Debug("Instance has no usable address yet",
				zap.String("instance", l.opts.InstanceName),
				zap.String("status", inst.Status))
		} else {
			logging.Logger().Debug("Failed to refresh instance, will retry",
				zap.String("instance", l.opts.InstanceName),
				zap.Error(err))
		}

		if err := l.pause(ctx); err != nil {
			return "", err
		}
	}
}

// connect retries the transport until one attempt succeeds
func (l *Launcher) connect(ctx context.Context, dial DialFunc) (remote.Conn, error) {
	for {
		conn, err := dial(ctx)
		if err == nil {
			l.transition(StateChannelConnected)
			return conn, nil
		}
		logging.Logger().Debug("Remote control port not reachable yet, will retry",
			zap.String("instance", l.opts.InstanceName),
			zap.Error(err))

		if err := l.pause(ctx); err != nil {
			return nil, err
		}
	}
}

// selectAddress picks the address per policy: internal when configured so,
// otherwise the first NAT address on the first interface, falling back to
// the internal address when none exists.
func (l *Launcher) selectAddress(inst *compute.Instance) string {
	if len(inst.NetworkInterfaces) == 0 {
		return ""
	}
	nic := inst.NetworkInterfaces[0]

	if l.opts.UseInternalAddress {
		return nic.NetworkIP
	}
	for _, ac := range nic.AccessConfigs {
		if ac.Type == gce.NATType && ac.NatIP != "" {
			return ac.NatIP
		}
	}
	return nic.NetworkIP
}

func (l *Launcher) verifyRuntime(conn remote.Conn) error {
	command := l.opts.Strategy.VerifyCommand()
	exitCode, err := conn.Exec(command)
	if err != nil {
		return err
	}
	if exitCode != 0 {
		return fmt.Errorf("runtime verification %q exited %d", command, exitCode)
	}
	return nil
}

func (l *Launcher) transferPayload(ctx context.Context, conn remote.Conn) error {
	data, err := l.payload.Fetch(ctx)
	if err != nil {
		return err
	}
	return conn.Put(data, PayloadName, l.opts.RemoteFS)
}

// pause waits one retry interval, preempted by cancellation. An expired
// launch deadline becomes a LaunchTimeoutError.
func (l *Launcher) pause(ctx context.Context) error {
	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &LaunchTimeoutError{
				Instance: l.opts.InstanceName,
				Elapsed:  time.Since(l.start),
			}
		}
		return ctx.Err()
	case <-time.After(l.opts.RetryInterval):
		return nil
	}
}

func (l *Launcher) transition(s State, fields ...zap.Field) {
	l.mu.Lock()
	l.states = append(l.states, s)
	l.mu.Unlock()

	fields = append([]zap.Field{
		zap.String("cloud", l.opts.CloudName),
		zap.String("instance", l.opts.InstanceName),
		zap.String("state", string(s)),
	}, fields...)
	logging.Logger().Info("Bootstrap state", fields...)
}

func (l *Launcher) fail(step string, err error) error {
	l.mu.Lock()
	l.states = append(l.states, StateFailed)
	l.mu.Unlock()

	logging.Logger().Warn("Bootstrap failed",
		zap.String("cloud", l.opts.CloudName),
		zap.String("instance", l.opts.InstanceName),
		zap.String("step", step),
		zap.Error(err))
	return fmt.Errorf("bootstrap of %s failed at %s: %w", l.opts.InstanceName, step, err)
}
