package cmd

import (
	"context"
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"go.uber.org/zap"

	"github.com/3leaps/gostratus/internal/config"
	"github.com/3leaps/gostratus/internal/observability"
	"github.com/3leaps/gostratus/pkg/archive"
	"github.com/3leaps/gostratus/pkg/bundle"
	"github.com/3leaps/gostratus/pkg/pool"
	"github.com/3leaps/gostratus/pkg/provision"
	"github.com/3leaps/gostratus/pkg/remote"
	"github.com/3leaps/gostratus/pkg/scheduler"
	"github.com/3leaps/gostratus/pkg/sshconn"
	"github.com/3leaps/gostratus/pkg/transport"
)

// app bundles the wired components commands operate on.
type app struct {
	cfg   *config.Config
	store *pool.Store
	sched *scheduler.Scheduler
}

// newApp loads configuration and wires the scheduler stack. Commands that
// only read local state get the same wiring; the remote pieces are lazy
// enough that this stays cheap.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	if rootLogLevel == "" {
		observability.Init(cfg.Logging.Level)
	}
	log := observability.CLILogger

	store, err := pool.Open(cfg.StoreDir())
	if err != nil {
		return nil, exitError(foundry.ExitFileReadError, "Failed to open record store", err)
	}

	dialer, err := sshconn.NewDialer(sshconn.Config{
		User:           cfg.SSH.User,
		KeyPath:        cfg.SSH.KeyPath,
		Port:           cfg.SSH.Port,
		ConnectTimeout: cfg.SSH.ConnectTimeout,
	})
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid SSH configuration", err)
	}

	packer, err := bundle.NewPacker(bundle.Config{
		MaxBytes:      cfg.Bundle.MaxBytes,
		Includes:      cfg.Bundle.Includes,
		Excludes:      cfg.Bundle.Excludes,
		IncludeHidden: cfg.Bundle.IncludeHidden,
	})
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid bundle configuration", err)
	}

	// Provisioning config is only needed once the pool must grow, so a
	// missing AMI or key pair degrades to a scheduler that can place onto
	// existing nodes but not create new ones.
	var prov scheduler.Provisioner
	prov, err = provision.New(provision.Config{
		Owner:        cfg.Owner,
		AMI:          cfg.Provision.AMI,
		KeyName:      cfg.Provision.KeyName,
		Timeout:      cfg.Provision.Timeout,
		ReadyTimeout: cfg.Provision.ReadyTimeout,
		SSHPort:      cfg.SSH.Port,
	}, provision.DefaultClientFactory(cfg.Provision.Profile), log)
	if err != nil {
		prov = unconfiguredProvisioner{reason: err}
	}

	trans := transport.New(dialer, transport.Config{
		MaxAttempts: cfg.Transfer.MaxAttempts,
		Timeout:     cfg.Transfer.Timeout,
	}, log)

	exec := remote.New(dialer, remote.Config{
		AgentCommand:      cfg.Agent.Command,
		MaxTurns:          cfg.Agent.MaxTurns,
		PollTimeout:       cfg.Poll.Timeout,
		PollRatePerSecond: cfg.Poll.RatePerSecond,
	}, log)

	var archiver scheduler.Archiver
	if cfg.Archive.Bucket != "" {
		a, err := archive.New(ctx, archive.Config{
			Bucket:  cfg.Archive.Bucket,
			Prefix:  cfg.Archive.Prefix,
			Region:  cfg.Archive.Region,
			Profile: cfg.Provision.Profile,
		}, log)
		if err != nil {
			log.Warn("Result archival disabled", zap.Error(err))
		} else {
			archiver = a
		}
	}

	size, err := pool.ParseSize(cfg.DefaultSize)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid default size", err)
	}

	sched := scheduler.New(scheduler.Deps{
		Store:       store,
		Packer:      packer,
		Provisioner: prov,
		Transporter: trans,
		Executor:    exec,
		Archiver:    archiver,
	}, scheduler.Config{
		Regions:     cfg.Regions,
		DefaultSize: size,
		ResultsDir:  cfg.ResultsDir(),
	}, log)

	return &app{cfg: cfg, store: store, sched: sched}, nil
}

// unconfiguredProvisioner refuses pool growth with the configuration error
// that prevented building a real provisioner.
type unconfiguredProvisioner struct{ reason error }

func (u unconfiguredProvisioner) Provision(context.Context, pool.Size, []string) (pool.Node, error) {
	return pool.Node{}, fmt.Errorf("pool is full and provisioning is not configured: %w", u.reason)
}

func (u unconfiguredProvisioner) Terminate(context.Context, pool.Node) error {
	return fmt.Errorf("provisioning is not configured: %w", u.reason)
}
