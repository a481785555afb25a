package cloud

import (
	"fmt"
	"os"
	"strings"
	"time"

	"computeswarm/internal/config"
	"computeswarm/internal/gce"
	"computeswarm/internal/remote"

	"google.golang.org/api/compute/v1"
)

const (
	// CloudIDLabelKey tags every instance with the owning cloud's persistent
	// ID so instances can be found again after a controller restart.
	CloudIDLabelKey = "computeswarm_cloud_id"

	// ConfigLabelKey tags every instance with the name of the configuration
	// that created it.
	ConfigLabelKey = "computeswarm_config_name"

	// NATType is the access config type that carries an external address
	NATType = gce.NATType
)

// Mode controls which demand a configuration may serve
type Mode string

const (
	// ModeNormal serves unlabeled demand and any matching label
	ModeNormal Mode = "normal"
	// ModeExclusive serves only demand that names one of its labels
	ModeExclusive Mode = "exclusive"
)

// OSFamily selects the bootstrap variant for instances of a configuration
type OSFamily string

const (
	OSLinux   OSFamily = "linux"
	OSWindows OSFamily = "windows"
)

// InstanceConfiguration is an immutable template describing how to build one
// kind of agent instance.
type InstanceConfiguration struct {
	NamePrefix  string
	Description string

	Region      string
	Zone        string
	MachineType string

	BootDisk    config.BootDiskConfig
	Accelerator *config.AcceleratorConfig
	Network     config.NetworkConfig

	Mode     Mode
	OSFamily OSFamily

	User          string
	Password      string
	PrivateKeyPEM string
	RemoteFS      string

	StartupScript string
	LaunchTimeout time.Duration
	RetentionTime time.Duration
	NumExecutors  int
	OneShot       bool

	labelAtoms map[string]struct{}
	labels     map[string]string
}

// NewInstanceConfiguration builds the runtime form of a persisted
// configuration. A configured private key file is read here so a bad path is
// a configuration-time error, not a bootstrap-time one.
func NewInstanceConfiguration(cfg config.InstanceConfig) (*InstanceConfiguration, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ic := &InstanceConfiguration{
		NamePrefix:    cfg.NamePrefix,
		Description:   cfg.Description,
		Region:        cfg.Region,
		Zone:          cfg.Zone,
		MachineType:   cfg.MachineType,
		BootDisk:      cfg.BootDisk,
		Accelerator:   cfg.Accelerator,
		Network:       cfg.Network,
		Mode:          Mode(cfg.Mode),
		OSFamily:      OSFamily(cfg.OS.Family),
		User:          cfg.OS.User,
		Password:      cfg.OS.Password,
		RemoteFS:      cfg.OS.RemoteFS,
		StartupScript: cfg.StartupScript,
		LaunchTimeout: time.Duration(cfg.LaunchTimeoutSeconds) * time.Second,
		RetentionTime: time.Duration(cfg.RetentionTimeMinutes) * time.Minute,
		NumExecutors:  cfg.NumExecutors,
		OneShot:       cfg.OneShot,
		labelAtoms:    make(map[string]struct{}),
		labels:        make(map[string]string),
	}

	for _, atom := range strings.Fields(cfg.Labels) {
		atom = strings.ToLower(atom)
		ic.labelAtoms[atom] = struct{}{}
		ic.labels[atom] = ""
	}

	if cfg.OS.PrivateKeyPath != "" {
		pem, err := os.ReadFile(cfg.OS.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key for configuration %s: %w", cfg.NamePrefix, err)
		}
		ic.PrivateKeyPEM = string(pem)
	}

	return ic, nil
}

// appendLabel adds a label applied to every instance of this configuration
func (ic *InstanceConfiguration) appendLabel(key, value string) {
	ic.labels[key] = value
}

// Labels returns the full label set applied to instances, including the
// injected cloud-id and config-name labels once attached to a cloud.
func (ic *InstanceConfiguration) Labels() map[string]string {
	out := make(map[string]string, len(ic.labels))
	for k, v := range ic.labels {
		out[k] = v
	}
	return out
}

// HasLabel reports whether the configuration declares the given label atom
func (ic *InstanceConfiguration) HasLabel(label string) bool {
	_, ok := ic.labelAtoms[strings.ToLower(label)]
	return ok
}

// Matches reports whether this configuration may serve demand for label.
// Normal-mode configurations accept unlabeled demand; exclusive ones only
// accept demand that explicitly names one of their labels.
func (ic *InstanceConfiguration) Matches(label string) bool {
	switch ic.Mode {
	case ModeNormal:
		return label == "" || ic.HasLabel(label)
	case ModeExclusive:
		return label != "" && ic.HasLabel(label)
	}
	return false
}

// Credential returns the bootstrap credential for instances of this
// configuration. generatedKey is the cloud-owned key pair used for linux
// configurations that do not carry their own key.
func (ic *InstanceConfiguration) Credential(generatedKeyPEM string) remote.Credential {
	cred := remote.Credential{
		User:          ic.User,
		PrivateKeyPEM: ic.PrivateKeyPEM,
		Password:      ic.Password,
	}
	if cred.PrivateKeyPEM == "" && cred.Password == "" {
		cred.PrivateKeyPEM = generatedKeyPEM
	}
	return cred
}

// BuildInstance assembles the creation request for one instance, resolving
// the named machine type, disk type, image and network references to
// canonical resource paths.
func (ic *InstanceConfiguration) BuildInstance(name, publicKey string) *compute.Instance {
	inst := &compute.Instance{
		Name:        name,
		Description: ic.Description,
		MachineType: fmt.Sprintf("zones/%s/machineTypes/%s", ic.Zone, ic.MachineType),
		Labels:      ic.Labels(),
		Disks: []*compute.AttachedDisk{
			{
				AutoDelete: ic.BootDisk.AutoDelete,
				Boot:       true,
				Type:       "PERSISTENT",
				InitializeParams: &compute.AttachedDiskInitializeParams{
					SourceImage: fmt.Sprintf("projects/%s/global/images/%s",
						ic.BootDisk.SourceImageProject, ic.BootDisk.SourceImageName),
					DiskSizeGb: ic.BootDisk.SizeGb,
					DiskType:   fmt.Sprintf("zones/%s/diskTypes/%s", ic.Zone, ic.BootDisk.Type),
				},
			},
		},
		NetworkInterfaces: []*compute.NetworkInterface{ic.networkInterface()},
	}

	if len(ic.Network.Tags) > 0 {
		inst.Tags = &compute.Tags{Items: ic.Network.Tags}
	}

	if ic.Accelerator != nil && ic.Accelerator.Count > 0 {
		inst.GuestAccelerators = []*compute.AcceleratorConfig{
			{
				AcceleratorType:  fmt.Sprintf("zones/%s/acceleratorTypes/%s", ic.Zone, ic.Accelerator.Type),
				AcceleratorCount: ic.Accelerator.Count,
			},
		}
		// Accelerator-backed instances cannot live-migrate
		inst.Scheduling = &compute.Scheduling{OnHostMaintenance: "TERMINATE"}
	}

	inst.Metadata = ic.metadata(publicKey)
	return inst
}

func (ic *InstanceConfiguration) networkInterface() *compute.NetworkInterface {
	network := ic.Network.Network
	if network == "" {
		network = "default"
	}
	nic := &compute.NetworkInterface{
		Network: fmt.Sprintf("global/networks/%s", network),
	}
	if ic.Network.Subnetwork != "" {
		nic.Subnetwork = fmt.Sprintf("regions/%s/subnetworks/%s", ic.Region, ic.Network.Subnetwork)
	}
	if ic.Network.ExternalAddress {
		nic.AccessConfigs = []*compute.AccessConfig{
			{
				Type: NATType,
				Name: "External NAT",
			},
		}
	}
	return nic
}

func (ic *InstanceConfiguration) metadata(publicKey string) *compute.Metadata {
	var items []*compute.MetadataItems

	if ic.StartupScript != "" {
		key := "startup-script"
		if ic.OSFamily == OSWindows {
			key = "windows-startup-script-ps1"
		}
		script := ic.StartupScript
		items = append(items, &compute.MetadataItems{Key: key, Value: &script})
	}

	if publicKey != "" && ic.OSFamily == OSLinux {
		entry := fmt.Sprintf("%s:%s", ic.User, strings.TrimSpace(publicKey))
		items = append(items, &compute.MetadataItems{Key: "ssh-keys", Value: &entry})
	}

	if len(items) == 0 {
		return nil
	}
	return &compute.Metadata{Items: items}
}
