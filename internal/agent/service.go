package agent

import (
	"fmt"

	"github.com/kardianos/service"
)

// ServiceName is the name the agent registers itself under
const ServiceName = "svcwatch"

// program adapts the Agent to the service manager's start/stop callbacks
type program struct {
	configPath string
	version    string
	agent      *Agent
}

func (p *program) Start(s service.Service) error {
	a, err := New(p.configPath, p.version)
	if err != nil {
		return err
	}
	p.agent = a
	a.Start()
	return nil
}

func (p *program) Stop(s service.Service) error {
	if p.agent == nil {
		return nil
	}
	return p.agent.Shutdown()
}

// serviceConfig describes the agent to the OS service manager. The service
// runs the binary's run command against configPath.
func serviceConfig(configPath string) *service.Config {
	return &service.Config{
		Name:        ServiceName,
		DisplayName: "svcwatch service watcher",
		Description: "Watches and controls OS services, reporting state changes over NATS.",
		Arguments:   []string{"run", "--config", configPath},
	}
}

// NewService returns the OS service wrapping the agent
func NewService(configPath, version string) (service.Service, error) {
	s, err := service.New(&program{configPath: configPath, version: version}, serviceConfig(configPath))
	if err != nil {
		return nil, fmt.Errorf("failed to create service: %w", err)
	}
	return s, nil
}

// Run runs the agent until the service manager or a signal stops it
func Run(configPath, version string) error {
	s, err := NewService(configPath, version)
	if err != nil {
		return err
	}
	return s.Run()
}

// Control performs install, uninstall, start, stop or restart on the agent's
// own service registration
func Control(configPath, version, action string) error {
	s, err := NewService(configPath, version)
	if err != nil {
		return err
	}
	if err := service.Control(s, action); err != nil {
		return fmt.Errorf("service %s failed: %w", action, err)
	}
	return nil
}

// ControlActions lists the actions Control accepts
func ControlActions() []string {
	return service.ControlAction[:]
}
