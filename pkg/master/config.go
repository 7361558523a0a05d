package master

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/core-tools/hsu-powerguard/pkg/errors"
	"github.com/core-tools/hsu-powerguard/pkg/logging"
	"github.com/core-tools/hsu-powerguard/pkg/monitoring"
	"github.com/core-tools/hsu-powerguard/pkg/pdu"
	"github.com/core-tools/hsu-powerguard/pkg/remoteshell"
	"github.com/core-tools/hsu-powerguard/pkg/workers"
)

const (
	DefaultConfigFile    = "config.yaml"
	DefaultCheckInterval = 60 * time.Second

	EnvSSHUser       = "POWERGUARD_SSH_USER"
	EnvSSHPassphrase = "POWERGUARD_SSH_PASSPHRASE"
)

// PowerguardConfig represents the top-level configuration file structure
type PowerguardConfig struct {
	Master  MasterConfigOptions `yaml:"master"`
	Logging logging.Config      `yaml:"logging"`
	SSH     SSHConfig           `yaml:"ssh"`
	SNMP    SNMPConfig          `yaml:"snmp"`
	Servers []ServerConfig      `yaml:"servers"`
}

// MasterConfigOptions represents fleet-wide settings
type MasterConfigOptions struct {
	CheckInterval        time.Duration `yaml:"check_interval"`
	MaxParallelChecks    int           `yaml:"max_parallel_checks,omitempty"`
	SNMPQueriesPerSecond float64       `yaml:"snmp_queries_per_second,omitempty"`
	PrintStatusEachTick  bool          `yaml:"print_status_each_tick,omitempty"`
	NormalWait           time.Duration `yaml:"normal_wait,omitempty"`
	ExtendedWait         time.Duration `yaml:"extended_wait,omitempty"`
	// Listen enables the HTTP control API, e.g. ":8080"
	Listen string `yaml:"listen,omitempty"`
}

// SSHConfig holds the credentials shared by every server
type SSHConfig struct {
	User string `yaml:"user,omitempty"`
	// Passphrase is the SSH password, or the key passphrase for servers with a key file
	Passphrase     string        `yaml:"passphrase,omitempty"`
	Port           int           `yaml:"port,omitempty"`
	ConnectTimeout time.Duration `yaml:"connect_timeout,omitempty"`
}

type SNMPConfig struct {
	Port           int           `yaml:"port,omitempty"`
	ReadCommunity  string        `yaml:"read_community,omitempty"`
	WriteCommunity string        `yaml:"write_community,omitempty"`
	Timeout        time.Duration `yaml:"timeout,omitempty"`
	// Retries of an unanswered GET, 0 disables retransmission
	Retries        *int          `yaml:"retries,omitempty"`
}

// ServerConfig represents a single watched server
type ServerConfig struct {
	ID         string `yaml:"id"`
	Host       string `yaml:"host"`
	PDUAddress string `yaml:"pdu_address"`
	PDUIndex   int    `yaml:"pdu_index"`
	PDUOutlet  int    `yaml:"pdu_outlet"`
	MinPower   int    `yaml:"min_power"`
	SSHKeyFile string `yaml:"ssh_key_file,omitempty"`
	// Pointer to distinguish unset from false
	ControlEnabled *bool `yaml:"control_enabled,omitempty"`
}

// LoadConfigFromFile loads configuration from a YAML file. The JSON layout of config.txt
// files is recognized as well.
func LoadConfigFromFile(filename string) (*PowerguardConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.NewIOError("failed to read configuration file", err).WithContext("filename", filename)
	}

	config, err := parseConfig(data)
	if err != nil {
		return nil, errors.NewValidationError("failed to parse YAML configuration", err).WithContext("filename", filename)
	}

	if err := setConfigDefaults(config); err != nil {
		return nil, errors.NewValidationError("failed to apply configuration defaults", err)
	}

	return config, nil
}

func parseConfig(data []byte) (*PowerguardConfig, error) {
	var probe struct {
		CheckIntervalInSeconds *int `yaml:"checkIntervalInSeconds"`
	}
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return nil, err
	}
	if probe.CheckIntervalInSeconds != nil {
		return parseLegacyConfig(data)
	}

	var config PowerguardConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, err
	}
	return &config, nil
}

// legacyConfig is the JSON layout with camel case keys
type legacyConfig struct {
	CheckIntervalInSeconds int            `yaml:"checkIntervalInSeconds"`
	Servers                []legacyServer `yaml:"servers"`
}

type legacyServer struct {
	ID                  string `yaml:"id"`
	IP                  string `yaml:"ip"`
	SSHKeyFilePath      string `yaml:"sshKeyFilePath"`
	PDUAddress          string `yaml:"pduAddress"`
	PDUIndex            int    `yaml:"pduIndex"`
	PDUOutletNumber     int    `yaml:"pduOutletNumber"`
	TriggerMinimumPower int    `yaml:"triggerMinimumPower"`
	ControlActive       *bool  `yaml:"controlActive"`
	Maintenance         *bool  `yaml:"maintenance"`
}

func parseLegacyConfig(data []byte) (*PowerguardConfig, error) {
	var legacy legacyConfig
	if err := yaml.Unmarshal(data, &legacy); err != nil {
		return nil, err
	}

	config := &PowerguardConfig{
		Master: MasterConfigOptions{
			CheckInterval: time.Duration(legacy.CheckIntervalInSeconds) * time.Second,
		},
	}
	for _, server := range legacy.Servers {
		var controlEnabled *bool
		switch {
		case server.ControlActive != nil:
			controlEnabled = server.ControlActive
		case server.Maintenance != nil:
			enabled := !*server.Maintenance
			controlEnabled = &enabled
		}

		config.Servers = append(config.Servers, ServerConfig{
			ID:             server.ID,
			Host:           server.IP,
			PDUAddress:     server.PDUAddress,
			PDUIndex:       server.PDUIndex,
			PDUOutlet:      server.PDUOutletNumber,
			MinPower:       server.TriggerMinimumPower,
			SSHKeyFile:     server.SSHKeyFilePath,
			ControlEnabled: controlEnabled,
		})
	}
	return config, nil
}

// ValidateConfig validates the entire configuration structure
func ValidateConfig(config *PowerguardConfig) error {
	if config == nil {
		return errors.NewValidationError("configuration cannot be nil", nil)
	}

	if err := validateMasterConfig(&config.Master); err != nil {
		return errors.NewValidationError("invalid master configuration", err)
	}

	if err := validateSSHConfig(&config.SSH); err != nil {
		return errors.NewValidationError("invalid ssh configuration", err)
	}

	if err := validateSNMPConfig(&config.SNMP); err != nil {
		return errors.NewValidationError("invalid snmp configuration", err)
	}

	if err := validateServersConfig(config.Servers); err != nil {
		return errors.NewValidationError("invalid servers configuration", err)
	}

	return nil
}

// setConfigDefaults applies default values to configuration
func setConfigDefaults(config *PowerguardConfig) error {
	if config.Master.CheckInterval == 0 {
		config.Master.CheckInterval = DefaultCheckInterval
	}
	if config.Master.MaxParallelChecks == 0 {
		config.Master.MaxParallelChecks = 1
	}
	if config.Master.NormalWait == 0 {
		config.Master.NormalWait = workers.NormalWait
	}
	if config.Master.ExtendedWait == 0 {
		config.Master.ExtendedWait = workers.ExtendedWait
	}

	logDefaults := logging.DefaultConfig()
	if config.Logging.Level == "" {
		config.Logging.Level = logDefaults.Level
	}
	if config.Logging.Format == "" {
		config.Logging.Format = logDefaults.Format
	}
	if config.Logging.Output == "" {
		config.Logging.Output = logDefaults.Output
	}

	if config.SSH.Port == 0 {
		config.SSH.Port = remoteshell.DefaultPort
	}
	if config.SSH.ConnectTimeout == 0 {
		config.SSH.ConnectTimeout = remoteshell.DefaultConnectTimeout
	}

	if config.SNMP.Port == 0 {
		config.SNMP.Port = int(pdu.DefaultPort)
	}
	if config.SNMP.ReadCommunity == "" {
		config.SNMP.ReadCommunity = pdu.DefaultReadCommunity
	}
	if config.SNMP.WriteCommunity == "" {
		config.SNMP.WriteCommunity = pdu.DefaultWriteCommunity
	}
	if config.SNMP.Timeout == 0 {
		config.SNMP.Timeout = pdu.DefaultTimeout
	}
	if config.SNMP.Retries == nil {
		retries := pdu.DefaultRetries
		config.SNMP.Retries = &retries
	}

	for i := range config.Servers {
		server := &config.Servers[i]

		// Default control to enabled if not specified
		if server.ControlEnabled == nil {
			enabled := true
			server.ControlEnabled = &enabled
		}
	}

	return nil
}

// ApplyCredentials fills missing SSH credentials from the environment, then from envFile.
// A missing envFile is not an error.
func ApplyCredentials(config *SSHConfig, envFile string) error {
	fileEnv := map[string]string{}
	if envFile != "" {
		values, err := godotenv.Read(envFile)
		switch {
		case err == nil:
			fileEnv = values
		case os.IsNotExist(err):
		default:
			return errors.NewIOError("failed to read env file", err).WithContext("env_file", envFile)
		}
	}

	lookup := func(key string) string {
		if value := os.Getenv(key); value != "" {
			return value
		}
		return fileEnv[key]
	}

	if config.User == "" {
		config.User = lookup(EnvSSHUser)
	}
	if config.Passphrase == "" {
		config.Passphrase = lookup(EnvSSHPassphrase)
	}
	return nil
}

// CreateUnitsFromConfig builds one server unit per configured server. A server whose SSH key cannot
// be loaded is logged and left out so the rest of the fleet is still watched.
func CreateUnitsFromConfig(config *PowerguardConfig, observer monitoring.Observer, logger logging.Logger) ([]*workers.ServerUnit, error) {
	if config == nil {
		return nil, errors.NewValidationError("configuration cannot be nil", nil)
	}

	snmpOptions := snmpOptionsFromConfig(config.SNMP)
	sshOptions := remoteshell.Options{
		Port:           config.SSH.Port,
		ConnectTimeout: config.SSH.ConnectTimeout,
	}
	unitOptions := workers.UnitOptions{
		NormalWait:   config.Master.NormalWait,
		ExtendedWait: config.Master.ExtendedWait,
		Observer:     observer,
	}

	units := make([]*workers.ServerUnit, 0, len(config.Servers))
	for _, server := range config.Servers {
		unitLogger := logging.WithPrefix(logger, "server: "+server.ID+" , ")

		shell, err := remoteshell.NewSSHShell(server.Host, remoteshell.Credentials{
			User:       config.SSH.User,
			Passphrase: config.SSH.Passphrase,
			KeyFile:    server.SSHKeyFile,
		}, sshOptions, unitLogger)
		if err != nil {
			logger.Errorf("Invalid key file or passphrase for server %s, skipping, error: %v", server.ID, err)
			continue
		}

		outlet := pdu.Outlet{
			Address: server.PDUAddress,
			Index:   server.PDUIndex,
			Number:  server.PDUOutlet,
		}
		unitConfig := workers.UnitConfig{
			ID:             server.ID,
			Host:           server.Host,
			PDUAddress:     server.PDUAddress,
			PDUIndex:       server.PDUIndex,
			PDUOutlet:      server.PDUOutlet,
			MinPower:       server.MinPower,
			ControlEnabled: server.ControlEnabled == nil || *server.ControlEnabled,
		}

		units = append(units, workers.NewServerUnit(unitConfig, pdu.NewSNMPClient(outlet, snmpOptions), shell, unitOptions, unitLogger))
	}

	return units, nil
}

// Validation functions

func snmpOptionsFromConfig(config SNMPConfig) pdu.Options {
	options := pdu.Options{
		Port:           uint16(config.Port),
		ReadCommunity:  config.ReadCommunity,
		WriteCommunity: config.WriteCommunity,
		Timeout:        config.Timeout,
	}
	if config.Retries != nil {
		options.Retries = *config.Retries
		if options.Retries == 0 {
			options.Retries = pdu.NoRetries
		}
	}
	return options
}

func validateMasterConfig(config *MasterConfigOptions) error {
	if err := monitoring.ValidateCheckInterval(config.CheckInterval); err != nil {
		return err
	}

	if config.MaxParallelChecks < 0 {
		return errors.NewValidationError("max parallel checks cannot be negative", nil)
	}

	if config.SNMPQueriesPerSecond < 0 {
		return errors.NewValidationError("snmp queries per second cannot be negative", nil)
	}

	if err := monitoring.ValidateRestartWaits(config.NormalWait, config.ExtendedWait); err != nil {
		return err
	}

	if config.Listen != "" {
		if err := ValidateListenAddress(config.Listen); err != nil {
			return err
		}
	}

	return nil
}

func validateSSHConfig(config *SSHConfig) error {
	if err := ValidatePort(config.Port); err != nil {
		return err
	}
	return ValidateTimeout(config.ConnectTimeout, "ssh connect")
}

func validateSNMPConfig(config *SNMPConfig) error {
	if err := ValidatePort(config.Port); err != nil {
		return err
	}

	if config.ReadCommunity == "" || config.WriteCommunity == "" {
		return errors.NewValidationError("snmp communities cannot be empty", nil)
	}

	if config.Retries != nil && *config.Retries < 0 {
		return errors.NewValidationError("snmp retries cannot be negative", nil)
	}

	return ValidateTimeout(config.Timeout, "snmp")
}

func validateServersConfig(servers []ServerConfig) error {
	// Check for duplicate server IDs
	seenIDs := make(map[string]int)
	for i, server := range servers {
		if err := ValidateServerID(server.ID); err != nil {
			return errors.NewValidationError(
				fmt.Sprintf("invalid server ID at index %d", i),
				err,
			).WithContext("server_id", server.ID)
		}

		if prevIndex, exists := seenIDs[server.ID]; exists {
			return errors.NewValidationError(
				fmt.Sprintf("duplicate server ID '%s' found at indices %d and %d", server.ID, prevIndex, i),
				nil,
			)
		}
		seenIDs[server.ID] = i

		unitConfig := workers.UnitConfig{
			ID:         server.ID,
			Host:       server.Host,
			PDUAddress: server.PDUAddress,
			PDUIndex:   server.PDUIndex,
			PDUOutlet:  server.PDUOutlet,
			MinPower:   server.MinPower,
		}
		if err := workers.ValidateUnitConfig(unitConfig); err != nil {
			return errors.NewValidationError(
				fmt.Sprintf("invalid server configuration at index %d", i),
				err,
			).WithContext("server_id", server.ID)
		}
	}

	return nil
}

const defaultConfigTemplate = `# powerguard configuration
master:
  check_interval: 60s
  # listen: ":8080"

logging:
  level: info
  file: warnings.log

ssh:
  # user and passphrase may also come from POWERGUARD_SSH_USER / POWERGUARD_SSH_PASSPHRASE
  user: ""

servers:
  - id: "<ID>"
    host: "<IPV4>"
    pdu_address: "<IPV4>"
    pdu_index: 1
    pdu_outlet: 1
    min_power: 100
    control_enabled: false
`

// WriteDefaultConfig creates a template configuration file. An existing file is left alone.
func WriteDefaultConfig(filename string) error {
	file, err := os.OpenFile(filename, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return errors.NewConflictError("configuration file already exists", err).WithContext("filename", filename)
		}
		return errors.NewIOError("cannot create configuration file", err).WithContext("filename", filename)
	}
	defer file.Close()

	if _, err := file.WriteString(defaultConfigTemplate); err != nil {
		return errors.NewIOError("cannot write configuration file", err).WithContext("filename", filename)
	}
	return nil
}

// ValidateConfigFile validates a configuration file without running it
func ValidateConfigFile(configFile string) error {
	config, err := LoadConfigFromFile(configFile)
	if err != nil {
		return errors.NewIOError("failed to load configuration", err).WithContext("config_file", configFile)
	}

	if err := ValidateConfig(config); err != nil {
		return errors.NewValidationError("configuration validation failed", err).WithContext("config_file", configFile)
	}

	return nil
}

// ConfigSummary provides a brief overview of the configuration
type ConfigSummary struct {
	CheckInterval  time.Duration
	Listen         string
	TotalServers   int
	ControlEnabled int
	Servers        []ServerSummary
}

type ServerSummary struct {
	ID             string
	Host           string
	PDUAddress     string
	MinPower       int
	ControlEnabled bool
	KeyAuth        bool
}

// GetConfigSummary returns a summary of the configuration
func GetConfigSummary(config *PowerguardConfig) ConfigSummary {
	summary := ConfigSummary{
		CheckInterval: config.Master.CheckInterval,
		Listen:        config.Master.Listen,
		TotalServers:  len(config.Servers),
		Servers:       make([]ServerSummary, 0, len(config.Servers)),
	}

	for _, server := range config.Servers {
		enabled := server.ControlEnabled == nil || *server.ControlEnabled
		if enabled {
			summary.ControlEnabled++
		}

		summary.Servers = append(summary.Servers, ServerSummary{
			ID:             server.ID,
			Host:           server.Host,
			PDUAddress:     server.PDUAddress,
			MinPower:       server.MinPower,
			ControlEnabled: enabled,
			KeyAuth:        server.SSHKeyFile != "",
		})
	}

	return summary
}
