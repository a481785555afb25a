package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Config is the root of the declarative configuration document
type Config struct {
	Cloud CloudConfig `yaml:"cloud"`
}

// CloudConfig describes one cloud and its instance configurations
type CloudConfig struct {
	Name            string `yaml:"name"`
	ProjectID       string `yaml:"project_id"`
	CredentialsFile string `yaml:"credentials_file,omitempty"`

	// InstanceID uniquely and persistently identifies this cloud. Instances
	// are tagged with it so they can be found again after a restart. It must
	// not change across reconfiguration or live instances become orphaned.
	InstanceID string `yaml:"instance_id"`

	InstanceCap int `yaml:"instance_cap"`

	// AgentPayload is a local path or HTTP(S) URL of the agent archive
	// transferred to every instance during bootstrap.
	AgentPayload string `yaml:"agent_payload"`

	// EtcdEndpoints enable the etcd-backed SSH key store. Empty means keys
	// are generated in memory per process.
	EtcdEndpoints []string `yaml:"etcd_endpoints,omitempty"`

	Configurations []InstanceConfig `yaml:"configurations"`
}

// InstanceConfig is the persisted form of one instance configuration
type InstanceConfig struct {
	NamePrefix  string `yaml:"name_prefix"`
	Description string `yaml:"description,omitempty"`

	Region      string `yaml:"region"`
	Zone        string `yaml:"zone"`
	MachineType string `yaml:"machine_type"`

	// Labels is a whitespace-separated list of label atoms
	Labels string `yaml:"labels,omitempty"`

	// Mode is "normal" (accepts unlabeled demand) or "exclusive"
	Mode string `yaml:"mode"`

	BootDisk    BootDiskConfig     `yaml:"boot_disk"`
	Accelerator *AcceleratorConfig `yaml:"accelerator,omitempty"`
	Network     NetworkConfig      `yaml:"network"`

	StartupScript string `yaml:"startup_script,omitempty"`

	// LaunchTimeoutSeconds bounds the whole bootstrap of one instance.
	// Zero means wait forever.
	LaunchTimeoutSeconds int64 `yaml:"launch_timeout_seconds"`

	// RetentionTimeMinutes is how long an attached agent may sit idle
	// before it is retired. Zero disables idle retirement.
	RetentionTimeMinutes int64 `yaml:"retention_time_minutes"`

	NumExecutors int  `yaml:"num_executors"`
	OneShot      bool `yaml:"one_shot,omitempty"`

	OS OSConfig `yaml:"os"`
}

// BootDiskConfig describes the boot disk of an instance
type BootDiskConfig struct {
	Type               string `yaml:"type"`
	SourceImageName    string `yaml:"source_image_name"`
	SourceImageProject string `yaml:"source_image_project"`
	SizeGb             int64  `yaml:"size_gb"`
	AutoDelete         bool   `yaml:"autodelete"`
}

// AcceleratorConfig describes attached accelerators
type AcceleratorConfig struct {
	Type  string `yaml:"type"`
	Count int64  `yaml:"count"`
}

// NetworkConfig describes instance networking
type NetworkConfig struct {
	Network            string   `yaml:"network,omitempty"`
	Subnetwork         string   `yaml:"subnetwork,omitempty"`
	Tags               []string `yaml:"tags,omitempty"`
	ExternalAddress    bool     `yaml:"external_address"`
	UseInternalAddress bool     `yaml:"use_internal_address"`
}

// OSConfig selects the remote OS family and its credential material
type OSConfig struct {
	// Family is "linux" or "windows"
	Family string `yaml:"family"`
	User   string `yaml:"user"`

	// PrivateKeyPath is preferred over Password when both are set. For linux
	// configurations with neither set, a generated key pair is used.
	PrivateKeyPath string `yaml:"private_key_path,omitempty"`
	Password       string `yaml:"password,omitempty"`

	// RemoteFS is the working directory the agent payload lands in
	RemoteFS string `yaml:"remote_fs,omitempty"`
}

// DefaultPath is used when CONFIG_PATH is not set
const DefaultPath = "computeswarm.yaml"

// Load loads configuration from the YAML file at path. An empty path falls
// back to CONFIG_PATH and then DefaultPath, matching how the daemon is
// usually started.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Expand environment variables in credential-bearing fields
	config.Cloud.ProjectID = os.ExpandEnv(config.Cloud.ProjectID)
	config.Cloud.CredentialsFile = os.ExpandEnv(config.Cloud.CredentialsFile)
	config.Cloud.AgentPayload = os.ExpandEnv(config.Cloud.AgentPayload)
	for i := range config.Cloud.Configurations {
		osCfg := &config.Cloud.Configurations[i].OS
		osCfg.PrivateKeyPath = os.ExpandEnv(osCfg.PrivateKeyPath)
		osCfg.Password = os.ExpandEnv(osCfg.Password)
	}

	applyDefaults(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Save writes the configuration back to disk. Every field written here is
// recovered identically by the next Load.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

func applyDefaults(c *Config) {
	if c.Cloud.InstanceCap == 0 {
		c.Cloud.InstanceCap = 10
	}
	for i := range c.Cloud.Configurations {
		ic := &c.Cloud.Configurations[i]
		if ic.Mode == "" {
			ic.Mode = "normal"
		}
		if ic.NumExecutors == 0 {
			ic.NumExecutors = 1
		}
		if ic.OS.Family == "" {
			ic.OS.Family = "linux"
		}
		if ic.OS.RemoteFS == "" {
			if ic.OS.Family == "windows" {
				ic.OS.RemoteFS = "C:\\agent"
			} else {
				ic.OS.RemoteFS = "/opt/agent"
			}
		}
	}
}

// Validate surfaces configuration errors synchronously, before any
// provisioning is attempted.
func (c *Config) Validate() error {
	if c.Cloud.Name == "" {
		return fmt.Errorf("cloud name is required")
	}
	if c.Cloud.ProjectID == "" {
		return fmt.Errorf("project ID is required")
	}
	if c.Cloud.InstanceCap < 1 {
		return fmt.Errorf("instance cap must be at least 1")
	}
	if len(c.Cloud.Configurations) == 0 {
		return fmt.Errorf("at least one instance configuration is required")
	}
	for i := range c.Cloud.Configurations {
		if err := c.Cloud.Configurations[i].Validate(); err != nil {
			return fmt.Errorf("configuration %d: %w", i, err)
		}
	}
	return nil
}

// Validate checks a single instance configuration
func (ic *InstanceConfig) Validate() error {
	if ic.NamePrefix == "" {
		return fmt.Errorf("name prefix is required")
	}
	if ic.Region == "" || ic.Zone == "" {
		return fmt.Errorf("region and zone are required")
	}
	if ic.MachineType == "" {
		return fmt.Errorf("machine type is required")
	}
	switch ic.Mode {
	case "normal", "exclusive":
	default:
		return fmt.Errorf("invalid mode %q (want normal or exclusive)", ic.Mode)
	}
	switch ic.OS.Family {
	case "linux":
	case "windows":
		if ic.OS.Password == "" && ic.OS.PrivateKeyPath == "" {
			return fmt.Errorf("windows configuration requires a password or private key")
		}
	default:
		return fmt.Errorf("invalid os family %q (want linux or windows)", ic.OS.Family)
	}
	if ic.OS.User == "" {
		return fmt.Errorf("os user is required")
	}
	if ic.Mode == "exclusive" && ic.Labels == "" {
		return fmt.Errorf("exclusive configurations must declare labels")
	}
	if ic.NumExecutors < 1 {
		return fmt.Errorf("num executors must be at least 1")
	}
	if ic.BootDisk.SizeGb < 0 || ic.LaunchTimeoutSeconds < 0 || ic.RetentionTimeMinutes < 0 {
		return fmt.Errorf("negative sizes and timeouts are not allowed")
	}
	return nil
}
