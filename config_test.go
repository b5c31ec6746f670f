package moler

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var registerTestIOTypes = sync.OnceFunc(func() {
	for _, ioType := range []string{"tcp", "telnet", "ssh"} {
		_ = RegisterTransportType(ioType, func(cfg DeviceConfig) (Transport, error) {
			return newFakeTransport(), nil
		})
	}
})

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const yamlConfig = `
devices:
  MyMachine1:
    io_type: ssh
    host: lab-7.example.net
    username: moler
    password: moler
    initial_state: CONNECTED
  MyMachine2:
    io_type: tcp
    host: 10.0.0.7
    port: 2023
    receive_buffer_size: 4096
`

const tomlConfig = `
[devices.MyMachine1]
io_type = "ssh"
host = "lab-7.example.net"
username = "moler"
password = "moler"
initial_state = "CONNECTED"

[devices.MyMachine2]
io_type = "tcp"
host = "10.0.0.7"
port = 2023
receive_buffer_size = 4096
`

func TestLoadConfigYAMLAndTOMLAgree(t *testing.T) {
	registerTestIOTypes()

	fromYAML, err := LoadConfig(writeConfig(t, "devices.yml", yamlConfig))
	require.NoError(t, err)
	fromTOML, err := LoadConfig(writeConfig(t, "devices.toml", tomlConfig))
	require.NoError(t, err)

	assert.Equal(t, fromYAML, fromTOML)

	machine1 := fromYAML.Devices["MyMachine1"]
	assert.Equal(t, "ssh", machine1.IOType)
	assert.Equal(t, "lab-7.example.net", machine1.Host)
	assert.Equal(t, 22, machine1.EffectivePort())
	assert.Equal(t, defaultReceiveBufferSize, machine1.EffectiveReceiveBufferSize())

	machine2 := fromYAML.Devices["MyMachine2"]
	assert.Equal(t, 2023, machine2.EffectivePort())
	assert.Equal(t, 4096, machine2.EffectiveReceiveBufferSize())
}

func TestLoadConfigUnknownFormat(t *testing.T) {
	registerTestIOTypes()
	_, err := LoadConfig(writeConfig(t, "devices.ini", "[devices]"))
	assert.ErrorIs(t, err, ErrConfigUnknownFormat)
}

func TestLoadConfigUnknownIOType(t *testing.T) {
	registerTestIOTypes()
	_, err := LoadConfig(writeConfig(t, "devices.yml", `
devices:
  MyMachine1:
    io_type: carrier-pigeon
    host: lab-7.example.net
`))
	assert.ErrorIs(t, err, ErrConfigUnknownIOType)
}

func TestLoadConfigMissingHost(t *testing.T) {
	registerTestIOTypes()
	_, err := LoadConfig(writeConfig(t, "devices.yml", `
devices:
  MyMachine1:
    io_type: ssh
`))
	assert.ErrorIs(t, err, ErrConfigHostMissing)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yml"))
	assert.Error(t, err)
}

func TestDeviceFactoryBuildsAndCaches(t *testing.T) {
	registerTestIOTypes()
	cfg, err := LoadConfig(writeConfig(t, "devices.yml", yamlConfig))
	require.NoError(t, err)

	factory := NewDeviceFactory(cfg, nil)
	defer factory.Close()

	dev, err := factory.GetDevice("MyMachine1")
	require.NoError(t, err)
	assert.Equal(t, StateConnected, dev.CurrentState())

	again, err := factory.GetDevice("MyMachine1")
	require.NoError(t, err)
	assert.Same(t, dev, again)

	_, err = factory.GetDevice("NoSuchMachine")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestDeviceFactoryRegisteredType(t *testing.T) {
	registerTestIOTypes()
	require.NoError(t, RegisterDeviceType("unix_remote", func(name string, cfg DeviceConfig, tr Transport) (*Device, error) {
		return NewDevice(name, tr,
			WithCommand(StateConnected, "echo", echoCommandFactory),
			WithInitialState(cfg.InitialState),
		)
	}))
	err := RegisterDeviceType("unix_remote", func(name string, cfg DeviceConfig, tr Transport) (*Device, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrWrongUsage)

	cfg, err := LoadConfig(writeConfig(t, "devices.yml", `
devices:
  MyMachine1:
    type: unix_remote
    io_type: tcp
    host: 10.0.0.7
    port: 2023
`))
	require.NoError(t, err)

	factory := NewDeviceFactory(cfg, nil)
	defer factory.Close()

	dev, err := factory.GetDevice("MyMachine1")
	require.NoError(t, err)
	_, err = dev.GetCmd("echo", Params{"text": "hi"}, true)
	assert.NoError(t, err)
}
