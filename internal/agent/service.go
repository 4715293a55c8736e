package agent

import (
	"os"

	"github.com/kardianos/service"
	"github.com/sirupsen/logrus"

	"github.com/northpolesec/santa-sub002/internal/config"
)

// ServiceProgram implements the service.Interface
type ServiceProgram struct {
	exit   chan struct{}
	config *config.Config
	agent  *Agent
}

func (p *ServiceProgram) Start(s service.Service) error {
	logrus.Infoln("Santa sync service starting")
	go p.run()
	return nil
}

func (p *ServiceProgram) run() {
	agent, err := New(p.config, DevelopmentPeers())
	if err != nil {
		logrus.WithError(err).Errorf("Failed to build sync service")
		return
	}
	p.agent = agent
	agent.Start()
	<-p.exit
}

func (p *ServiceProgram) Stop(s service.Service) error {
	logrus.Infoln("Santa sync service stopping")
	if p.agent != nil {
		p.agent.Stop()
	}
	close(p.exit)
	return nil
}

// CreateService creates a new service instance
func CreateService(cfg *config.Config) (service.Service, error) {
	svcConfig := getServiceConfig()

	prg := &ServiceProgram{
		exit:   make(chan struct{}),
		config: cfg,
	}

	return service.New(prg, svcConfig)
}

// getServiceConfig returns the service configuration
func getServiceConfig() *service.Config {
	exePath, err := os.Executable()

	if err != nil {
		logrus.Fatal(err)
	}

	return &service.Config{
		Name:        "santasyncd",
		DisplayName: "Santa Sync Service",
		Description: "Santa Sync Service - keeps execution rules and event telemetry in sync with the management server",
		Executable:  exePath,
		Arguments: []string{
			"run",
		},
	}
}
