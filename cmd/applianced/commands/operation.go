package commands

import (
	"context"

	"git.home.luguber.info/inful/applianced/internal/host"
	"git.home.luguber.info/inful/applianced/internal/metrics"
	"git.home.luguber.info/inful/applianced/internal/supervisor"
)

// OperationCmd groups the upgrade operation subcommands.
type OperationCmd struct {
	Status OperationStatusCmd `cmd:"" help:"Print the state of the host upgrade operation"`
	Ack    OperationAckCmd    `cmd:"" help:"Acknowledge a finished upgrade and clear its artifacts"`
}

// OperationStatusCmd reads the operation artifacts.
type OperationStatusCmd struct{}

func (o *OperationStatusCmd) Run(g *Global, root *CLI) error {
	sup, err := operationSupervisor(root)
	if err != nil {
		return err
	}
	status, err := sup.Probe(context.Background())
	if err != nil {
		return err
	}
	return g.printJSON(status)
}

// OperationAckCmd clears the artifacts of a finished operation.
type OperationAckCmd struct{}

func (o *OperationAckCmd) Run(g *Global, root *CLI) error {
	sup, err := operationSupervisor(root)
	if err != nil {
		return err
	}
	if err := sup.Acknowledge(context.Background()); err != nil {
		return err
	}
	return g.printJSON(sup.Status())
}

func operationSupervisor(root *CLI) (*supervisor.Supervisor, error) {
	cfg, err := root.LoadConfig()
	if err != nil {
		return nil, err
	}
	return host.NewSupervisor(cfg.Modules.Host, nil, metrics.NoopRecorder{}), nil
}
