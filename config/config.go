package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Structs

// Config holds all information parsed from
// supplied config file.
type Config struct {
	Loglevel       string
	PrometheusAddr string
	Params         Params
	Ports          Ports
	Nodes          []Node
}

// Node lists one engine node's identity and the addresses
// of its three services.
type Node struct {
	ID   int32
	GMS  string
	SST  string
	RDMC string
}

// Params bundles the protocol parameters of one
// engine instance. They have to agree across all
// members of a group.
type Params struct {
	WindowSize      uint32
	BlockSize       uint64
	MaxPayloadSize  uint64
	SlotPayloadSize uint64
	HeartbeatMS     uint32
	ChangeCapacity  uint32
	PersistenceFile string
}

// Ports lists the three TCP ports one node uses:
// the group-management service, the SST bootstrap
// exchange, and the bulk-transfer bootstrap.
type Ports struct {
	GMS  uint16
	SST  uint16
	RDMC uint16
}

// Functions

// LoadConfig takes in the path to the main config
// file in TOML syntax and places the values from
// the file in the corresponding struct.
func LoadConfig(configFile string) (*Config, error) {

	conf := new(Config)

	// Parse values from TOML file into struct.
	_, err := toml.DecodeFile(configFile, conf)
	if err != nil {
		return nil, fmt.Errorf("failed to read in TOML config file at '%s' with: %v", configFile, err)
	}

	if err := conf.Validate(); err != nil {
		return nil, err
	}

	return conf, nil
}

// Validate checks the loaded values for consistency.
// It is called by LoadConfig but exported so that tests
// and embedders constructing a Config by hand can reuse it.
func (conf *Config) Validate() error {

	if conf.Params.WindowSize < 1 {
		return fmt.Errorf("window size has to be at least 1 but found: %d", conf.Params.WindowSize)
	}

	if conf.Params.BlockSize < 1 {
		return fmt.Errorf("block size has to be at least 1 but found: %d", conf.Params.BlockSize)
	}

	if conf.Params.SlotPayloadSize > conf.Params.MaxPayloadSize {
		return fmt.Errorf("slot payload size %d exceeds maximum payload size %d", conf.Params.SlotPayloadSize, conf.Params.MaxPayloadSize)
	}

	if conf.Params.ChangeCapacity < 1 {
		return fmt.Errorf("change capacity has to be at least 1 but found: %d", conf.Params.ChangeCapacity)
	}

	// The three service ports must not collide.
	if (conf.Ports.GMS == conf.Ports.SST) || (conf.Ports.GMS == conf.Ports.RDMC) || (conf.Ports.SST == conf.Ports.RDMC) {
		return fmt.Errorf("GMS, SST, and RDMC ports have to be pairwise distinct but found: %d, %d, %d", conf.Ports.GMS, conf.Ports.SST, conf.Ports.RDMC)
	}

	return nil
}

// DefaultParams returns the protocol parameters used
// when a config file does not override them.
func DefaultParams() Params {

	return Params{
		WindowSize:      3,
		BlockSize:       1048576,
		MaxPayloadSize:  10240,
		SlotPayloadSize: 256,
		HeartbeatMS:     1,
		ChangeCapacity:  10,
	}
}

// DefaultPorts returns the default port assignment.
func DefaultPorts() Ports {

	return Ports{
		GMS:  12345,
		SST:  12346,
		RDMC: 12347,
	}
}
