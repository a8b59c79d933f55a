package adapter

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

// EC2Provisioner is the Provisioner backed by aws-sdk-go-v2/service/ec2: it
// launches a target instance and polls until it reports running with a
// public address (spec.md §6's "VM provisioner").
type EC2Provisioner struct {
	client       *ec2.Client
	pollInterval time.Duration
	pollTimeout  time.Duration
}

// NewEC2Provisioner builds a Provisioner over the given EC2 client.
func NewEC2Provisioner(client *ec2.Client) *EC2Provisioner {
	return &EC2Provisioner{
		client:       client,
		pollInterval: 5 * time.Second,
		pollTimeout:  5 * time.Minute,
	}
}

// Provision launches one instance per req and polls until it has a public
// IP address, failing with ErrProvisionFailed if none is ever assigned.
func (p *EC2Provisioner) Provision(ctx context.Context, req ProvisionRequest) (ProvisionedHost, error) {
	runOut, err := p.client.RunInstances(ctx, &ec2.RunInstancesInput{
		ImageId:          aws.String(req.AMIID),
		InstanceType:     types.InstanceType(req.InstanceType),
		MinCount:         aws.Int32(1),
		MaxCount:         aws.Int32(1),
		KeyName:          aws.String(req.SSHKeyName),
		SecurityGroupIds: []string{req.SecurityGroupID},
		InstanceMarketOptions: &types.InstanceMarketOptionsRequest{
			MarketType: types.MarketTypeSpot,
		},
	})
	if err != nil {
		return ProvisionedHost{}, fmt.Errorf("%w: run instances: %v", ErrProvisionFailed, err)
	}
	if len(runOut.Instances) == 0 {
		return ProvisionedHost{}, fmt.Errorf("%w: run instances returned no instances", ErrProvisionFailed)
	}
	instanceID := aws.ToString(runOut.Instances[0].InstanceId)

	publicIP, err := p.pollForAddress(ctx, instanceID)
	if err != nil {
		return ProvisionedHost{}, err
	}

	return ProvisionedHost{InstanceID: instanceID, PublicIP: publicIP}, nil
}

// pollForAddress repeatedly describes instanceID until it reports a public
// IP address or ctx/pollTimeout is exhausted.
func (p *EC2Provisioner) pollForAddress(ctx context.Context, instanceID string) (string, error) {
	deadline := time.Now().Add(p.pollTimeout)
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		out, err := p.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
			InstanceIds: []string{instanceID},
		})
		if err == nil && len(out.Reservations) > 0 && len(out.Reservations[0].Instances) > 0 {
			inst := out.Reservations[0].Instances[0]
			if inst.PublicIpAddress != nil && *inst.PublicIpAddress != "" &&
				inst.State != nil && inst.State.Name == types.InstanceStateNameRunning {
				return *inst.PublicIpAddress, nil
			}
		}

		if time.Now().After(deadline) {
			return "", fmt.Errorf("%w: instance %s never reported a public address", ErrProvisionFailed, instanceID)
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %v", ErrProvisionFailed, ctx.Err())
		case <-ticker.C:
		}
	}
}

// EC2PriceSource is the price.Source backed by EC2 DescribeSpotPriceHistory
// (spec.md §4.2). An EC2 client is bound to a single AWS region at
// construction time, but the PriceWatcher polls every candidate region
// through one Source, so EC2PriceSource holds one client per region rather
// than a single region-bound client.
type EC2PriceSource struct {
	clients map[string]*ec2.Client
}

// NewEC2PriceSource builds a price.Source over clientsByRegion, a client
// already configured (via aws config.WithRegion) for each region the
// PriceWatcher will poll.
func NewEC2PriceSource(clientsByRegion map[string]*ec2.Client) *EC2PriceSource {
	return &EC2PriceSource{clients: clientsByRegion}
}

// SpotPrice returns the most recent spot price for instanceType in region.
func (s *EC2PriceSource) SpotPrice(ctx context.Context, region, instanceType string) (float64, error) {
	client, ok := s.clients[region]
	if !ok {
		return 0, fmt.Errorf("adapter: no ec2 client configured for region %s", region)
	}

	out, err := client.DescribeSpotPriceHistory(ctx, &ec2.DescribeSpotPriceHistoryInput{
		InstanceTypes:       []types.InstanceType{types.InstanceType(instanceType)},
		ProductDescriptions: []string{"Linux/UNIX"},
		MaxResults:          aws.Int32(1),
	})
	if err != nil {
		return 0, fmt.Errorf("adapter: describe spot price history for %s in %s: %w", instanceType, region, err)
	}
	if len(out.SpotPriceHistory) == 0 {
		return 0, fmt.Errorf("adapter: no spot price history for %s in %s", instanceType, region)
	}

	var price float64
	if _, err := fmt.Sscanf(aws.ToString(out.SpotPriceHistory[0].SpotPrice), "%f", &price); err != nil {
		return 0, fmt.Errorf("adapter: failed to parse spot price %q: %w", aws.ToString(out.SpotPriceHistory[0].SpotPrice), err)
	}
	return price, nil
}
