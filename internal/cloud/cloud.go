package cloud

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"computeswarm/internal/agent"
	"computeswarm/internal/bootstrap"
	"computeswarm/internal/config"
	"computeswarm/internal/gce"
	"computeswarm/internal/logging"
	"computeswarm/internal/payload"
	"computeswarm/internal/remote"
	"computeswarm/internal/sshkeys"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/api/compute/v1"
)

// launchWorkers bounds how many instances bootstrap concurrently
const launchWorkers = 8

// NoConfigurationError reports that no instance configuration can serve
// demand for the given label.
type NoConfigurationError struct {
	Label string
}

func (e *NoConfigurationError) Error() string {
	if e.Label == "" {
		return "no configuration accepts unlabeled demand"
	}
	return fmt.Sprintf("no configuration matches label %q", e.Label)
}

// PlannedNode is one accepted provisioning decision: the node exists in the
// registry immediately, the instance bootstraps in the background.
type PlannedNode struct {
	Name         string
	NumExecutors int
	Node         *agent.Node

	task pond.Task
}

// Wait blocks until the background bootstrap finishes
func (p *PlannedNode) Wait() error {
	return p.task.Wait()
}

// Deps are the collaborators a Cloud needs. Tests substitute fakes; the real
// wiring lives in the command layer.
type Deps struct {
	// NewClient creates the compute API client on first use, so a cloud can
	// be constructed and validated without credentials.
	NewClient func(ctx context.Context) (gce.Client, error)

	Dialer   remote.Dialer
	Registry *agent.Registry
	Keys     sshkeys.KeyProvider
	Payload  payload.Source
}

// Cloud owns one Compute Engine project's worth of agent instances: it
// decides when to create them, bootstraps them into attached nodes, and
// deletes them when they retire.
type Cloud struct {
	name        string
	instanceID  string
	instanceCap int

	configurations []*InstanceConfiguration
	deps           Deps

	clientOnce sync.Once
	client     gce.Client
	clientErr  error

	reconciler *CapacityReconciler
	pool       pond.Pool

	// mu serializes the headroom check with the instance create that follows
	// it. Without this two concurrent Provision calls both see the last free
	// slot and the cap is exceeded.
	mu sync.Mutex
}

// New builds a Cloud from its persisted configuration
func New(cfg config.CloudConfig, deps Deps) (*Cloud, error) {
	if deps.NewClient == nil {
		return nil, fmt.Errorf("cloud %s: a client constructor is required", cfg.Name)
	}

	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
		logging.Logger().Warn("Cloud has no persistent instance ID, generated one for this process",
			zap.String("cloud", cfg.Name),
			zap.String("instance_id", instanceID))
	}

	c := &Cloud{
		name:        cfg.Name,
		instanceID:  instanceID,
		instanceCap: cfg.InstanceCap,
		deps:        deps,
		pool:        pond.NewPool(launchWorkers),
	}

	for i := range cfg.Configurations {
		ic, err := NewInstanceConfiguration(cfg.Configurations[i])
		if err != nil {
			return nil, fmt.Errorf("cloud %s: %w", cfg.Name, err)
		}
		ic.appendLabel(CloudIDLabelKey, c.instanceID)
		ic.appendLabel(ConfigLabelKey, ic.NamePrefix)
		c.configurations = append(c.configurations, ic)
	}

	return c, nil
}

// Name returns the cloud's display name
func (c *Cloud) Name() string {
	return c.name
}

// InstanceID returns the cloud's persistent identity label value
func (c *Cloud) InstanceID() string {
	return c.instanceID
}

// Registry returns the node registry this cloud populates
func (c *Cloud) Registry() *agent.Registry {
	return c.deps.Registry
}

// Configurations returns the runtime instance configurations
func (c *Cloud) Configurations() []*InstanceConfiguration {
	return c.configurations
}

func (c *Cloud) computeClient(ctx context.Context) (gce.Client, error) {
	c.clientOnce.Do(func() {
		c.client, c.clientErr = c.deps.NewClient(ctx)
		if c.clientErr == nil {
			c.reconciler = NewCapacityReconciler(c.client, c.name, c.instanceID, c.instanceCap)
		}
	})
	return c.client, c.clientErr
}

// configurationFor returns the first configuration that may serve label
func (c *Cloud) configurationFor(label string) *InstanceConfiguration {
	for _, ic := range c.configurations {
		if ic.Matches(label) {
			return ic
		}
	}
	return nil
}

// CanProvision reports whether any configuration serves the given label
func (c *Cloud) CanProvision(label string) bool {
	return c.configurationFor(label) != nil
}

// Provision creates instances toward covering excess demand for label,
// measured in executors. It returns the accepted plans; fewer executors than
// asked for means the cap was reached. No matching configuration is an error.
func (c *Cloud) Provision(ctx context.Context, label string, excess int) ([]*PlannedNode, error) {
	ic := c.configurationFor(label)
	if ic == nil {
		return nil, &NoConfigurationError{Label: label}
	}

	client, err := c.computeClient(ctx)
	if err != nil {
		return nil, err
	}

	logging.Logger().Info("Provisioning",
		zap.String("cloud", c.name),
		zap.String("label", label),
		zap.Int("excess_executors", excess),
		zap.String("configuration", ic.NamePrefix))

	var planned []*PlannedNode
	for excess > 0 {
		node, err := c.provisionOne(ctx, client, ic)
		if err != nil {
			if len(planned) > 0 {
				logging.Logger().Warn("Provisioning stopped early",
					zap.String("cloud", c.name),
					zap.Int("planned", len(planned)),
					zap.Error(err))
				return planned, nil
			}
			return nil, err
		}
		if node == nil {
			// Cap reached; serve what we could
			break
		}
		planned = append(planned, node)
		excess -= node.NumExecutors
	}
	return planned, nil
}

// provisionOne creates a single instance and schedules its bootstrap. A nil
// node with nil error means the cap left no headroom.
func (c *Cloud) provisionOne(ctx context.Context, client gce.Client, ic *InstanceConfiguration) (*PlannedNode, error) {
	keyPair, err := c.deps.Keys.GetOrCreate(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain SSH keys: %w", err)
	}

	name := instanceName(ic.NamePrefix)

	c.mu.Lock()
	headroom, err := c.reconciler.Headroom(ctx)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if headroom <= 0 {
		c.mu.Unlock()
		logging.Logger().Info("Instance cap reached, not provisioning",
			zap.String("cloud", c.name),
			zap.Int("instance_cap", c.instanceCap))
		return nil, nil
	}
	_, err = client.InsertInstance(ctx, ic.Zone, ic.BuildInstance(name, keyPair.PublicKey))
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	node := agent.NewNode(name, ic.Zone, ic.NumExecutors, ic.OneShot, ic.RetentionTime)
	if err := c.deps.Registry.AddNode(node); err != nil {
		// Name collision after a create is unrecoverable for this plan
		c.cleanupInstance(ctx, client, ic.Zone, name)
		return nil, err
	}

	launcher := bootstrap.NewLauncher(client, c.deps.Dialer, c.deps.Payload, bootstrap.Options{
		CloudName:          c.name,
		InstanceName:       name,
		Zone:               ic.Zone,
		UseInternalAddress: ic.Network.UseInternalAddress,
		LaunchTimeout:      ic.LaunchTimeout,
		Credential:         ic.Credential(keyPair.PrivateKey),
		RemoteFS:           ic.RemoteFS,
		Strategy:           strategyFor(ic.OSFamily),
	})

	// A failed or timed-out bootstrap abandons the instance: it is never
	// deleted here, reaping unattached instances is external cleanup's job.
	task := c.pool.SubmitErr(func() error {
		if err := launcher.Launch(ctx, node); err != nil {
			logging.Logger().Warn("Abandoning instance after failed bootstrap",
				zap.String("cloud", c.name),
				zap.String("instance", name),
				zap.Error(err))
			return err
		}
		return nil
	})

	return &PlannedNode{
		Name:         name,
		NumExecutors: ic.NumExecutors,
		Node:         node,
		task:         task,
	}, nil
}

// ListInstances returns every instance carrying this cloud's identity label
func (c *Cloud) ListInstances(ctx context.Context) ([]*compute.Instance, error) {
	client, err := c.computeClient(ctx)
	if err != nil {
		return nil, err
	}
	return client.ListInstancesWithLabel(ctx, map[string]string{
		CloudIDLabelKey: c.instanceID,
	})
}

// Headroom returns the remaining instance capacity
func (c *Cloud) Headroom(ctx context.Context) (int, error) {
	if _, err := c.computeClient(ctx); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconciler.Headroom(ctx)
}

// DeleteInstance removes an instance owned by this cloud
func (c *Cloud) DeleteInstance(ctx context.Context, zone, name string) error {
	client, err := c.computeClient(ctx)
	if err != nil {
		return err
	}
	_, err = client.DeleteInstance(ctx, zone, name)
	return err
}

func (c *Cloud) cleanupInstance(ctx context.Context, client gce.Client, zone, name string) {
	if _, err := client.DeleteInstance(ctx, zone, name); err != nil {
		logging.Logger().Error("failed to delete instance after aborted provisioning",
			zap.String("cloud", c.name),
			zap.String("instance", name),
			zap.Error(err))
	}
}

// NewReaper builds a retirement reaper over this cloud's registry, deleting
// the backing instance of every retired node.
func (c *Cloud) NewReaper(interval time.Duration) *agent.Reaper {
	return agent.NewReaper(c.deps.Registry, c.DeleteInstance, interval)
}

func strategyFor(family OSFamily) bootstrap.Strategy {
	if family == OSWindows {
		return bootstrap.NewWindowsStrategy()
	}
	return bootstrap.NewLinuxStrategy()
}

// instanceName derives a unique instance name from the configuration prefix
func instanceName(prefix string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return prefix + "-" + suffix
}

// ValidateConfigurations checks every configuration against the project's
// actual regions, zones, machine types, disk types, images and networks.
// All findings are collected so one run surfaces every problem.
func (c *Cloud) ValidateConfigurations(ctx context.Context) []error {
	client, err := c.computeClient(ctx)
	if err != nil {
		return []error{err}
	}

	var errs []error
	for _, ic := range c.configurations {
		errs = append(errs, c.validateConfiguration(ctx, client, ic)...)
	}
	if len(errs) > 0 {
		problems := make([]string, len(errs))
		for i, err := range errs {
			problems[i] = err.Error()
		}
		logging.Logger().Warn("Configuration validation found problems",
			zap.String("cloud", c.name),
			zap.Strings("problems", logging.TruncateSlice(problems, 10)))
	}
	return errs
}

func (c *Cloud) validateConfiguration(ctx context.Context, client gce.Client, ic *InstanceConfiguration) []error {
	var errs []error
	report := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf("configuration %s: "+format, append([]interface{}{ic.NamePrefix}, args...)...))
	}

	regions, err := client.GetRegions(ctx)
	if err != nil {
		return []error{fmt.Errorf("configuration %s: %w", ic.NamePrefix, err)}
	}
	if !containsName(regions, func(r *compute.Region) string { return r.Name }, ic.Region) {
		report("region %s not found", ic.Region)
		return errs
	}

	zones, err := client.GetZones(ctx, ic.Region)
	if err != nil {
		return []error{fmt.Errorf("configuration %s: %w", ic.NamePrefix, err)}
	}
	zoneOK := false
	for _, z := range zones {
		if z.Name == ic.Zone {
			zoneOK = true
			break
		}
	}
	if !zoneOK {
		report("zone %s not found in region %s", ic.Zone, ic.Region)
		return errs
	}

	if types, err := client.GetMachineTypes(ctx, ic.Zone); err != nil {
		report("%v", err)
	} else if !containsName(types, func(t *compute.MachineType) string { return t.Name }, ic.MachineType) {
		report("machine type %s not available in zone %s", ic.MachineType, ic.Zone)
	}

	if diskTypes, err := client.GetDiskTypes(ctx, ic.Zone); err != nil {
		report("%v", err)
	} else if !containsName(diskTypes, func(t *compute.DiskType) string { return t.Name }, ic.BootDisk.Type) {
		report("disk type %s not available in zone %s", ic.BootDisk.Type, ic.Zone)
	}

	if images, err := client.GetImages(ctx, ic.BootDisk.SourceImageProject); err != nil {
		report("%v", err)
	} else if !containsName(images, func(i *compute.Image) string { return i.Name }, ic.BootDisk.SourceImageName) {
		report("image %s not found in project %s", ic.BootDisk.SourceImageName, ic.BootDisk.SourceImageProject)
	}

	network := ic.Network.Network
	if network == "" {
		network = "default"
	}
	if networks, err := client.GetNetworks(ctx); err != nil {
		report("%v", err)
	} else if !containsName(networks, func(n *compute.Network) string { return n.Name }, network) {
		report("network %s not found", network)
	}

	if ic.Network.Subnetwork != "" {
		if subnets, err := client.GetSubnetworks(ctx, ic.Region); err != nil {
			report("%v", err)
		} else if !containsName(subnets, func(s *compute.Subnetwork) string { return s.Name }, ic.Network.Subnetwork) {
			report("subnetwork %s not found in region %s", ic.Network.Subnetwork, ic.Region)
		}
	}

	if ic.Accelerator != nil && ic.Accelerator.Count > 0 {
		if accels, err := client.GetAcceleratorTypes(ctx, ic.Zone); err != nil {
			report("%v", err)
		} else if !containsName(accels, func(a *compute.AcceleratorType) string { return a.Name }, ic.Accelerator.Type) {
			report("accelerator type %s not available in zone %s", ic.Accelerator.Type, ic.Zone)
		}
	}

	return errs
}

func containsName[T any](items []T, name func(T) string, want string) bool {
	for _, item := range items {
		if name(item) == want {
			return true
		}
	}
	return false
}
