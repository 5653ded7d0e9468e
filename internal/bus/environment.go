package bus

import (
	"strings"

	"example.com/busmaster/internal/common"
)

type EnvironmentType int

const (
	EnvironmentDummy EnvironmentType = iota
	EnvironmentSuperviseMaster
	EnvironmentBroker
)

var environmentTypeNames = []string{"Dummy", "Supervise Master", "Broker Rx Main"}

func (t EnvironmentType) String() string {
	if t >= 0 && int(t) < len(environmentTypeNames) {
		return environmentTypeNames[t]
	}
	return environmentTypeNames[0]
}

func EnvironmentTypeFromString(name string) EnvironmentType {
	for i, typeName := range environmentTypeNames {
		if strings.EqualFold(typeName, name) {
			return EnvironmentType(i)
		}
	}
	return EnvironmentDummy
}

const (
	DefaultHostName = "127.0.0.1"
	DefaultPort     = 43611
)

// Environment groups the sources and destinations sharing one message bus.
// The bus itself is identified by a shared memory name or a host and port.
type Environment struct {
	OperableStatus

	Name             string
	Description      string
	ConfigFile       string
	SharedMemoryName string
	HostName         string
	Port             uint16

	typ     EnvironmentType
	started bool
	logger  common.Logger
}

func NewEnvironment(typ EnvironmentType, logger common.Logger) *Environment {
	if logger == nil {
		logger = common.Discard
	}
	env := &Environment{typ: typ, HostName: DefaultHostName, Port: DefaultPort, logger: logger}
	env.enabled = true
	return env
}

func (e *Environment) Type() EnvironmentType {
	return e.typ
}

func (e *Environment) Enable(enable bool) {
	e.enabled = enable
	if !enable {
		e.Stop()
	}
}

// Start marks the environment running. A broker environment needs a shared
// memory name to attach to.
func (e *Environment) Start() {
	if e.started {
		return
	}
	e.operable = false
	if !e.enabled {
		return
	}
	if e.typ == EnvironmentBroker && e.SharedMemoryName == "" {
		e.logger.Printf("environment %s: no shared memory name specified", e.Name)
		return
	}
	e.started = true
	e.operable = true
}

func (e *Environment) Stop() {
	e.started = false
	e.operable = false
}

func (e *Environment) IsStarted() bool {
	return e.started
}

// UsesTCP reports whether the broker connects by host and port rather than
// shared memory.
func (e *Environment) UsesTCP() bool {
	return e.HostName != "" && e.Port > 0
}

func (e *Environment) Properties() []BusProperty {
	props := appendSection(nil, "Environment")
	props = append(props,
		NewProperty("Type", e.typ.String()),
		NewProperty("Name", e.Name),
		NewProperty("Description", e.Description),
		NewProperty("Configuration File", e.ConfigFile),
		NewProperty("Enabled", yesNo(e.enabled)),
		NewProperty("Shared Memory Name", e.SharedMemoryName),
		NewProperty("Host Name", e.HostName),
		NewProperty("TCP/IP Port", itoa(int(e.Port))),
	)
	props = appendSection(props, "Status")
	return append(props,
		NewProperty("State", e.StateText(e.started)),
		NewProperty("Operable", yesNo(e.operable)),
	)
}
