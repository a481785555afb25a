package gce

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"google.golang.org/api/compute/v1"
	"google.golang.org/api/option"
)

// NATType is the access config type carrying an external NAT address
const NATType = "ONE_TO_ONE_NAT"

// Client is the surface of the Compute Engine API consumed by the
// provisioning core. The real implementation is APIClient; tests substitute
// fakes.
type Client interface {
	InsertInstance(ctx context.Context, zone string, inst *compute.Instance) (*compute.Operation, error)
	GetInstance(ctx context.Context, zone, name string) (*compute.Instance, error)
	DeleteInstance(ctx context.Context, zone, name string) (*compute.Operation, error)

	// ListInstancesWithLabel returns all instances in the project carrying
	// every label in the given set, across all zones.
	ListInstancesWithLabel(ctx context.Context, labels map[string]string) ([]*compute.Instance, error)

	// Read-only listings used for configuration-time validation.
	GetRegions(ctx context.Context) ([]*compute.Region, error)
	GetZones(ctx context.Context, region string) ([]*compute.Zone, error)
	GetMachineTypes(ctx context.Context, zone string) ([]*compute.MachineType, error)
	GetDiskTypes(ctx context.Context, zone string) ([]*compute.DiskType, error)
	GetImages(ctx context.Context, project string) ([]*compute.Image, error)
	GetAcceleratorTypes(ctx context.Context, zone string) ([]*compute.AcceleratorType, error)
	GetNetworks(ctx context.Context) ([]*compute.Network, error)
	GetSubnetworks(ctx context.Context, region string) ([]*compute.Subnetwork, error)
}

// APIClient implements Client on top of the Compute Engine v1 API
type APIClient struct {
	service   *compute.Service
	projectID string
}

// NewAPIClient creates a Compute Engine API client for the given project
func NewAPIClient(ctx context.Context, projectID string, credentialsFile string) (*APIClient, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithAuthCredentialsFile(option.ServiceAccount, credentialsFile))
	}

	service, err := compute.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create compute service: %w", err)
	}

	return &APIClient{
		service:   service,
		projectID: projectID,
	}, nil
}

// ProjectID returns the project this client operates on
func (c *APIClient) ProjectID() string {
	return c.projectID
}

// InsertInstance creates an instance and returns the pending operation
func (c *APIClient) InsertInstance(ctx context.Context, zone string, inst *compute.Instance) (*compute.Operation, error) {
	op, err := c.service.Instances.Insert(c.projectID, zone, inst).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to insert instance %s: %w", inst.Name, err)
	}
	return op, nil
}

// GetInstance fetches the current state of an instance
func (c *APIClient) GetInstance(ctx context.Context, zone, name string) (*compute.Instance, error) {
	inst, err := c.service.Instances.Get(c.projectID, zone, name).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to get instance %s: %w", name, err)
	}
	return inst, nil
}

// DeleteInstance deletes an instance by zone and name
func (c *APIClient) DeleteInstance(ctx context.Context, zone, name string) (*compute.Operation, error) {
	op, err := c.service.Instances.Delete(c.projectID, zone, name).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to delete instance %s: %w", name, err)
	}
	return op, nil
}

// ListInstancesWithLabel lists instances across all zones filtered by labels
func (c *APIClient) ListInstancesWithLabel(ctx context.Context, labels map[string]string) ([]*compute.Instance, error) {
	call := c.service.Instances.AggregatedList(c.projectID).Filter(labelFilter(labels))

	var instances []*compute.Instance
	err := call.Pages(ctx, func(page *compute.InstanceAggregatedList) error {
		for _, scoped := range page.Items {
			instances = append(instances, scoped.Instances...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list instances by label: %w", err)
	}
	return instances, nil
}

// labelFilter builds a compute API filter expression matching all given labels.
// Keys are sorted so the expression is deterministic.
func labelFilter(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	terms := make([]string, 0, len(keys))
	for _, k := range keys {
		terms = append(terms, fmt.Sprintf("(labels.%s = %q)", k, labels[k]))
	}
	return strings.Join(terms, " AND ")
}

// GetRegions lists regions in the project
func (c *APIClient) GetRegions(ctx context.Context) ([]*compute.Region, error) {
	list, err := c.service.Regions.List(c.projectID).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to list regions: %w", err)
	}
	return list.Items, nil
}

// GetZones lists zones belonging to the given region
func (c *APIClient) GetZones(ctx context.Context, region string) ([]*compute.Zone, error) {
	list, err := c.service.Zones.List(c.projectID).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to list zones: %w", err)
	}
	var zones []*compute.Zone
	for _, z := range list.Items {
		if region == "" || strings.HasSuffix(z.Region, region) {
			zones = append(zones, z)
		}
	}
	return zones, nil
}

// GetMachineTypes lists machine types available in the given zone
func (c *APIClient) GetMachineTypes(ctx context.Context, zone string) ([]*compute.MachineType, error) {
	list, err := c.service.MachineTypes.List(c.projectID, zone).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to list machine types: %w", err)
	}
	return list.Items, nil
}

// GetDiskTypes lists disk types available in the given zone
func (c *APIClient) GetDiskTypes(ctx context.Context, zone string) ([]*compute.DiskType, error) {
	list, err := c.service.DiskTypes.List(c.projectID, zone).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to list disk types: %w", err)
	}
	return list.Items, nil
}

// GetImages lists images in the given project (which may be a public image
// project different from the instance project)
func (c *APIClient) GetImages(ctx context.Context, project string) ([]*compute.Image, error) {
	if project == "" {
		project = c.projectID
	}
	list, err := c.service.Images.List(project).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to list images in project %s: %w", project, err)
	}
	return list.Items, nil
}

// GetAcceleratorTypes lists accelerator types available in the given zone
func (c *APIClient) GetAcceleratorTypes(ctx context.Context, zone string) ([]*compute.AcceleratorType, error) {
	list, err := c.service.AcceleratorTypes.List(c.projectID, zone).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to list accelerator types: %w", err)
	}
	return list.Items, nil
}

// GetNetworks lists networks in the project
func (c *APIClient) GetNetworks(ctx context.Context) ([]*compute.Network, error) {
	list, err := c.service.Networks.List(c.projectID).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to list networks: %w", err)
	}
	return list.Items, nil
}

// GetSubnetworks lists subnetworks in the given region
func (c *APIClient) GetSubnetworks(ctx context.Context, region string) ([]*compute.Subnetwork, error) {
	list, err := c.service.Subnetworks.List(c.projectID, region).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to list subnetworks: %w", err)
	}
	return list.Items, nil
}
