// Package provision creates pool nodes on EC2 with automatic region
// fallback.
//
// Provisioning is not idempotent: every successful call creates exactly one
// billable instance. Quota and capacity rejections advance to the next
// candidate region; any other provider error is fatal for the call.
package provision

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"go.uber.org/zap"

	"github.com/3leaps/gostratus/pkg/pool"
)

// API is the EC2 surface the provisioner depends on.
type API interface {
	RunInstances(ctx context.Context, in *ec2.RunInstancesInput, opts ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, opts ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, opts ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
}

// ClientFactory builds a region-scoped EC2 client.
type ClientFactory func(ctx context.Context, region string) (API, error)

// Probe checks that an address accepts connections. The default probe
// dials TCP port 22.
type Probe func(ctx context.Context, address string) error

// Config configures a Provisioner.
type Config struct {
	// Owner is embedded in node names and ownership tags.
	Owner string

	// AMI is the image id for new nodes (required).
	AMI string

	// KeyName is the EC2 key pair installed on new nodes (required).
	KeyName string

	// Timeout bounds one region's RunInstances call.
	Timeout time.Duration

	// ReadyTimeout bounds the wait for running state + reachability.
	// Nodes take minutes, not seconds, to accept connections.
	ReadyTimeout time.Duration

	// SSHPort is the port probed for reachability (default 22).
	SSHPort int
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.AMI == "" {
		return fmt.Errorf("provision: AMI is required")
	}
	if c.KeyName == "" {
		return fmt.Errorf("provision: key name is required")
	}
	return nil
}

// Provisioner creates and tears down pool nodes.
type Provisioner struct {
	cfg     Config
	factory ClientFactory
	probe   Probe
	log     *zap.Logger
	now     func() time.Time

	// pollInterval is how often the ready wait re-checks instance state.
	pollInterval time.Duration
}

// New creates a Provisioner. A nil factory uses the AWS default credential
// chain; a nil probe uses a TCP dial of the SSH port.
func New(cfg Config, factory ClientFactory, log *zap.Logger) (*Provisioner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if factory == nil {
		factory = DefaultClientFactory("")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Minute
	}
	if cfg.ReadyTimeout == 0 {
		cfg.ReadyTimeout = 5 * time.Minute
	}
	if cfg.SSHPort == 0 {
		cfg.SSHPort = 22
	}
	p := &Provisioner{
		cfg:          cfg,
		factory:      factory,
		log:          log,
		now:          time.Now,
		pollInterval: 5 * time.Second,
	}
	p.probe = p.tcpProbe
	return p, nil
}

// DefaultClientFactory builds EC2 clients from the SDK default credential
// chain, optionally pinned to a shared config profile.
func DefaultClientFactory(profile string) ClientFactory {
	return func(ctx context.Context, region string) (API, error) {
		opts := []func(*awsconfig.LoadOptions) error{
			awsconfig.WithRegion(region),
		}
		if profile != "" {
			opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return ec2.NewFromConfig(awsCfg), nil
	}
}

// Provision creates one node of the given size, trying regions in order.
// Quota/capacity rejections record the region's failure and move on; any
// other error is fatal for the call (not retried across regions, to avoid
// orphaned instances behind ambiguous failures). If every region is
// rejected, the returned error aggregates all reasons.
func (p *Provisioner) Provision(ctx context.Context, size pool.Size, regions []string) (pool.Node, error) {
	if len(regions) == 0 {
		return pool.Node{}, fmt.Errorf("provision: no candidate regions")
	}

	name := pool.NodeName(p.cfg.Owner, p.now())
	var failures []RegionFailure

	for i, region := range regions {
		p.log.Info("Attempting region",
			zap.String("region", region),
			zap.Int("attempt", i+1),
			zap.Int("candidates", len(regions)),
			zap.String("node", name),
			zap.String("size", size.String()))

		node, err := p.provisionIn(ctx, region, name, size)
		if err == nil {
			p.log.Info("Node provisioned",
				zap.String("region", region),
				zap.String("node", node.Name),
				zap.String("instance_id", node.ID),
				zap.String("address", node.PublicAddress))
			return node, nil
		}
		if IsQuota(err) {
			p.log.Warn("Region quota exhausted, trying next region",
				zap.String("region", region),
				zap.Error(err))
			failures = append(failures, RegionFailure{Region: region, Err: err})
			continue
		}
		return pool.Node{}, err
	}

	return pool.Node{}, &AllRegionsError{Failures: failures}
}

func (p *Provisioner) provisionIn(ctx context.Context, region, name string, size pool.Size) (pool.Node, error) {
	client, err := p.factory(ctx, region)
	if err != nil {
		return pool.Node{}, &Error{Op: "Client", Region: region, Err: err}
	}

	tags := map[string]string{
		pool.TagPool:      "true",
		pool.TagCreatedBy: "gostratus",
		pool.TagOwner:     p.cfg.Owner,
		"Name":            name,
	}

	runCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	out, err := client.RunInstances(runCtx, &ec2.RunInstancesInput{
		ImageId:      aws.String(p.cfg.AMI),
		InstanceType: ec2types.InstanceType(size.InstanceType()),
		KeyName:      aws.String(p.cfg.KeyName),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		TagSpecifications: []ec2types.TagSpecification{{
			ResourceType: ec2types.ResourceTypeInstance,
			Tags:         ec2Tags(tags),
		}},
	})
	if err != nil {
		return pool.Node{}, &Error{Op: "RunInstances", Region: region, Err: err}
	}
	if len(out.Instances) == 0 || out.Instances[0].InstanceId == nil {
		return pool.Node{}, &Error{Op: "RunInstances", Region: region, Err: fmt.Errorf("no instance in response")}
	}
	instanceID := *out.Instances[0].InstanceId

	address, err := p.waitReady(ctx, client, region, instanceID)
	if err != nil {
		// The instance exists and bills from here on; surface that
		// clearly rather than falling through to another region.
		return pool.Node{}, &Error{Op: "Wait", Region: region,
			Err: fmt.Errorf("%w: instance %s: %v", ErrNotReady, instanceID, err)}
	}

	return pool.Node{
		ID:            instanceID,
		Name:          name,
		Size:          size,
		Region:        region,
		Tags:          tags,
		CreatedAt:     p.now(),
		PublicAddress: address,
	}, nil
}

// waitReady polls until the instance is running with a public address, then
// probes connectivity. Bounded by ReadyTimeout.
func (p *Provisioner) waitReady(ctx context.Context, client API, region, instanceID string) (string, error) {
	deadline := p.now().Add(p.cfg.ReadyTimeout)
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	var address string
	for {
		if p.now().After(deadline) {
			return "", fmt.Errorf("not ready after %s", p.cfg.ReadyTimeout)
		}

		inst, err := describeOne(ctx, client, instanceID)
		if err == nil && inst.State != nil && inst.State.Name == ec2types.InstanceStateNameRunning && inst.PublicIpAddress != nil {
			address = *inst.PublicIpAddress
			if probeErr := p.probe(ctx, address); probeErr == nil {
				return address, nil
			}
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func describeOne(ctx context.Context, client API, instanceID string) (ec2types.Instance, error) {
	out, err := client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return ec2types.Instance{}, err
	}
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			if inst.InstanceId != nil && *inst.InstanceId == instanceID {
				return inst, nil
			}
		}
	}
	return ec2types.Instance{}, fmt.Errorf("instance %s not in response", instanceID)
}

func (p *Provisioner) tcpProbe(ctx context.Context, address string) error {
	d := &net.Dialer{Timeout: 5 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(address, fmt.Sprintf("%d", p.cfg.SSHPort)))
	if err != nil {
		return err
	}
	return conn.Close()
}

// Terminate destroys a pool node. Callers are responsible for refusing
// teardown while sessions are active; Terminate itself only talks to the
// provider.
func (p *Provisioner) Terminate(ctx context.Context, node pool.Node) error {
	client, err := p.factory(ctx, node.Region)
	if err != nil {
		return &Error{Op: "Client", Region: node.Region, Err: err}
	}
	_, err = client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{node.ID},
	})
	if err != nil {
		return &Error{Op: "TerminateInstances", Region: node.Region, Err: err}
	}
	p.log.Info("Node terminated",
		zap.String("node", node.Name),
		zap.String("instance_id", node.ID),
		zap.String("region", node.Region))
	return nil
}

func ec2Tags(tags map[string]string) []ec2types.Tag {
	out := make([]ec2types.Tag, 0, len(tags))
	for k, v := range tags {
		out = append(out, ec2types.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	return out
}
