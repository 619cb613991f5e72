package config

import (
	"os"
	"testing"

	"path/filepath"

	"github.com/stretchr/testify/assert"
)

// Functions

// TestLoadConfig executes a white-box unit test
// on implemented LoadConfig() function.
func TestLoadConfig(t *testing.T) {

	// Create temporary directory.
	dir, err := os.MkdirTemp("", "TestLoadConfig-")
	assert.Nilf(t, err, "failed to create temporary directory: %v", err)
	defer os.RemoveAll(dir)

	tmpConfigFile := filepath.Join(dir, "config.toml")

	configContents := `Loglevel = "debug"
PrometheusAddr = ""

[Params]
WindowSize = 3
BlockSize = 1048576
MaxPayloadSize = 10240
SlotPayloadSize = 256
HeartbeatMS = 1
ChangeCapacity = 10
PersistenceFile = ""

[Ports]
GMS = 12345
SST = 12346
RDMC = 12347
`

	err = os.WriteFile(tmpConfigFile, []byte(configContents), 0600)
	assert.Nilf(t, err, "failed to write temporary config file: %v", err)

	conf, err := LoadConfig(tmpConfigFile)
	assert.Nilf(t, err, "expected nil error for LoadConfig() but received: %v", err)

	assert.Equalf(t, uint32(3), conf.Params.WindowSize, "expected window size 3 but found: %d", conf.Params.WindowSize)
	assert.Equalf(t, uint64(256), conf.Params.SlotPayloadSize, "expected slot payload size 256 but found: %d", conf.Params.SlotPayloadSize)
	assert.Equalf(t, uint16(12345), conf.Ports.GMS, "expected GMS port 12345 but found: %d", conf.Ports.GMS)
}

// TestValidateRejectsCollidingPorts checks that a config
// with non-distinct service ports does not validate.
func TestValidateRejectsCollidingPorts(t *testing.T) {

	conf := &Config{
		Params: DefaultParams(),
		Ports: Ports{
			GMS:  12345,
			SST:  12345,
			RDMC: 12347,
		},
	}

	err := conf.Validate()
	assert.NotNilf(t, err, "expected validation error for colliding ports but received nil")
}

// TestValidateRejectsOversizedSlotPayload checks that the
// slot payload threshold cannot exceed the maximum payload.
func TestValidateRejectsOversizedSlotPayload(t *testing.T) {

	params := DefaultParams()
	params.SlotPayloadSize = params.MaxPayloadSize + 1

	conf := &Config{
		Params: params,
		Ports:  DefaultPorts(),
	}

	err := conf.Validate()
	assert.NotNilf(t, err, "expected validation error for oversized slot payload but received nil")
}
