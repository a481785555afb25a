package e2e_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"computeswarm/internal/agent"
	"computeswarm/internal/cloud"
	"computeswarm/internal/config"
	"computeswarm/internal/gce"
	"computeswarm/internal/remote"
	"computeswarm/internal/sshkeys"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"google.golang.org/api/compute/v1"
)

// MockComputeClient implements gce.Client over an in-memory instance table
type MockComputeClient struct {
	gce.Client

	mu        sync.Mutex
	instances map[string]*compute.Instance
	deleted   []string
}

func NewMockComputeClient() *MockComputeClient {
	return &MockComputeClient{instances: make(map[string]*compute.Instance)}
}

func (m *MockComputeClient) InsertInstance(ctx context.Context, zone string, inst *compute.Instance) (*compute.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst.Zone = zone
	inst.Status = "RUNNING"
	inst.NetworkInterfaces = []*compute.NetworkInterface{
		{
			NetworkIP: "10.0.0.10",
			AccessConfigs: []*compute.AccessConfig{
				{Type: gce.NATType, NatIP: "203.0.113.10"},
			},
		},
	}
	m.instances[inst.Name] = inst
	return &compute.Operation{}, nil
}

func (m *MockComputeClient) GetInstance(ctx context.Context, zone, name string) (*compute.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[name]
	if !ok {
		return nil, fmt.Errorf("instance %s not found", name)
	}
	return inst, nil
}

func (m *MockComputeClient) DeleteInstance(ctx context.Context, zone, name string) (*compute.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.instances, name)
	m.deleted = append(m.deleted, name)
	return &compute.Operation{}, nil
}

func (m *MockComputeClient) ListInstancesWithLabel(ctx context.Context, labels map[string]string) ([]*compute.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*compute.Instance
	for _, inst := range m.instances {
		matches := true
		for k, v := range labels {
			if inst.Labels[k] != v {
				matches = false
				break
			}
		}
		if matches {
			out = append(out, inst)
		}
	}
	return out, nil
}

func (m *MockComputeClient) Deleted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deleted...)
}

// MockSession implements remote.Session
type MockSession struct{}

func (s *MockSession) Stdin() io.WriteCloser { return nil }
func (s *MockSession) Stdout() io.Reader     { return bytes.NewReader(nil) }
func (s *MockSession) Close() error          { return nil }

// MockConn implements remote.Conn and records remote activity
type MockConn struct {
	mu           sync.Mutex
	authFailures *int
	executed     []string
	transferred  []string
}

func (c *MockConn) Authenticate(cred remote.Credential) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.authFailures != nil && *c.authFailures > 0 {
		*c.authFailures--
		return fmt.Errorf("account not ready")
	}
	return nil
}

func (c *MockConn) Exec(command string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.executed = append(c.executed, command)
	return 0, nil
}

func (c *MockConn) Put(data []byte, name, destDir string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transferred = append(c.transferred, destDir+"/"+name)
	return nil
}

func (c *MockConn) StartAgent(command string) (remote.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.executed = append(c.executed, command)
	return &MockSession{}, nil
}

func (c *MockConn) Close() error { return nil }

// MockDialer hands every dial the same shared auth-failure budget
type MockDialer struct {
	mu           sync.Mutex
	authFailures int
	conns        []*MockConn
}

func (d *MockDialer) Dial(ctx context.Context, host string, port int, timeout time.Duration) (remote.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	conn := &MockConn{authFailures: &d.authFailures}
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *MockDialer) LastConn() *MockConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// MockPayload serves a static agent archive
type MockPayload struct{}

func (p *MockPayload) Fetch(ctx context.Context) ([]byte, error) {
	return []byte("mock-agent-jar"), nil
}

func cloudConfig(instanceCap int) config.CloudConfig {
	return config.CloudConfig{
		Name:        "e2e-cloud",
		ProjectID:   "e2e-project",
		InstanceID:  "e2e-cloud-id",
		InstanceCap: instanceCap,
		Configurations: []config.InstanceConfig{
			{
				NamePrefix:  "swarm",
				Region:      "us-central1",
				Zone:        "us-central1-a",
				MachineType: "e2-standard-2",
				Mode:        "normal",
				Labels:      "linux",
				BootDisk: config.BootDiskConfig{
					Type:               "pd-balanced",
					SourceImageName:    "debian-12",
					SourceImageProject: "debian-cloud",
					SizeGb:             10,
					AutoDelete:         true,
				},
				NumExecutors:         1,
				RetentionTimeMinutes: 1,
				OneShot:              true,
				OS: config.OSConfig{
					Family:   "linux",
					User:     "agent",
					RemoteFS: "/opt/agent",
				},
			},
		},
	}
}

var _ = Describe("Provisioning flow", func() {
	var (
		client *MockComputeClient
		dialer *MockDialer
		swarm  *cloud.Cloud
		ctx    context.Context
	)

	newCloud := func(instanceCap int) *cloud.Cloud {
		c, err := cloud.New(cloudConfig(instanceCap), cloud.Deps{
			NewClient: func(ctx context.Context) (gce.Client, error) { return client, nil },
			Dialer:    dialer,
			Registry:  agent.NewRegistry(),
			Keys:      sshkeys.NewInMemoryKeyProvider(),
			Payload:   &MockPayload{},
		})
		Expect(err).NotTo(HaveOccurred())
		return c
	}

	BeforeEach(func() {
		ctx = context.Background()
		client = NewMockComputeClient()
		dialer = &MockDialer{}
		swarm = newCloud(3)
	})

	It("provisions, bootstraps and attaches an agent", func() {
		planned, err := swarm.Provision(ctx, "linux", 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(planned).To(HaveLen(1))

		Expect(planned[0].Wait()).To(Succeed())
		Eventually(planned[0].Node.Attached).Should(BeTrue())

		conn := dialer.LastConn()
		Expect(conn).NotTo(BeNil())
		Expect(conn.executed).To(ContainElement("java -fullversion"))
		Expect(conn.executed).To(ContainElement("java -jar /opt/agent/agent.jar"))
		Expect(conn.transferred).To(ContainElement("/opt/agent/agent.jar"))

		inst, err := client.GetInstance(ctx, "us-central1-a", planned[0].Name)
		Expect(err).NotTo(HaveOccurred())
		Expect(inst.Labels).To(HaveKeyWithValue(cloud.CloudIDLabelKey, "e2e-cloud-id"))
		Expect(inst.Labels).To(HaveKeyWithValue(cloud.ConfigLabelKey, "swarm"))
	})

	It("never exceeds the instance cap", func() {
		planned, err := swarm.Provision(ctx, "", 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(planned).To(HaveLen(3))

		headroom, err := swarm.Headroom(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(headroom).To(BeZero())

		more, err := swarm.Provision(ctx, "", 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(more).To(BeEmpty())
	})

	It("keeps a cap of one under concurrent demand", func() {
		swarm = newCloud(1)

		var wg sync.WaitGroup
		created := make([]int, 8)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				planned, err := swarm.Provision(ctx, "", 1)
				Expect(err).NotTo(HaveOccurred())
				created[i] = len(planned)
			}(i)
		}
		wg.Wait()

		total := 0
		for _, n := range created {
			total += n
		}
		Expect(total).To(Equal(1))
	})

	It("rejects demand no configuration serves", func() {
		_, err := swarm.Provision(ctx, "gpu", 1)
		Expect(err).To(MatchError(&cloud.NoConfigurationError{Label: "gpu"}))
	})

	It("retires a one-shot agent after its first job and deletes the instance", func() {
		planned, err := swarm.Provision(ctx, "linux", 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(planned[0].Wait()).To(Succeed())

		node := planned[0].Node
		node.StartJob()
		node.FinishJob()

		swarm.NewReaper(time.Minute).ReapOnce(ctx, time.Now())

		_, registered := swarm.Registry().Get(node.Name)
		Expect(registered).To(BeFalse())
		Expect(client.Deleted()).To(ContainElement(node.Name))
	})

	It("abandons the instance when bootstrap fails", func() {
		dialer.authFailures = 2

		planned, err := swarm.Provision(ctx, "linux", 1)
		Expect(err).NotTo(HaveOccurred())

		// The POSIX strategy treats one failed attempt as definitive
		Expect(planned[0].Wait()).NotTo(Succeed())
		Expect(planned[0].Node.Attached()).To(BeFalse())

		// The instance is left behind for external cleanup, never deleted here
		Expect(client.Deleted()).To(BeEmpty())
		_, err = client.GetInstance(ctx, "us-central1-a", planned[0].Name)
		Expect(err).NotTo(HaveOccurred())
	})
})
