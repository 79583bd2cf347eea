package provision

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"

	"github.com/telemyapp/aegis-play/internal/logging"
	"github.com/telemyapp/aegis-play/internal/metrics"
)

// ec2API is the slice of the EC2 client the provisioner uses.
type ec2API interface {
	RunInstances(ctx context.Context, in *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
}

type AWSProvisioner struct {
	amiByRegion   map[string]string
	instanceType  string
	subnetID      string
	securityGroup []string
	keyName       string
	log           *logging.Logger

	clientFor   func(ctx context.Context, region string) (ec2API, error)
	waitRunning func(ctx context.Context, client ec2API, instanceID string) error
}

type AWSProvisionerOptions struct {
	AMIByRegion   map[string]string
	InstanceType  string
	SubnetID      string
	SecurityGroup []string
	KeyName       string
	Log           *logging.Logger
}

func NewAWSProvisioner(opts AWSProvisionerOptions) (*AWSProvisioner, error) {
	if len(opts.AMIByRegion) == 0 {
		return nil, fmt.Errorf("AMIByRegion is required")
	}
	instanceType := strings.TrimSpace(opts.InstanceType)
	if instanceType == "" {
		instanceType = "g4dn.xlarge"
	}
	log := opts.Log
	if log == nil {
		log = logging.Nop()
	}
	return &AWSProvisioner{
		amiByRegion:   opts.AMIByRegion,
		instanceType:  instanceType,
		subnetID:      strings.TrimSpace(opts.SubnetID),
		securityGroup: opts.SecurityGroup,
		keyName:       strings.TrimSpace(opts.KeyName),
		log:           log.Named("aws"),
		clientFor:     defaultEC2Client,
		waitRunning:   waitInstanceRunning,
	}, nil
}

func defaultEC2Client(ctx context.Context, region string) (ec2API, error) {
	cfg, err := awscfg.LoadDefaultConfig(ctx, awscfg.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}
	return ec2.NewFromConfig(cfg), nil
}

func waitInstanceRunning(ctx context.Context, client ec2API, instanceID string) error {
	waiter := ec2.NewInstanceRunningWaiter(client)
	return waiter.Wait(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{instanceID}}, 5*time.Minute)
}

func (p *AWSProvisioner) Name() string { return "aws" }

func (p *AWSProvisioner) Provision(ctx context.Context, req ProvisionRequest) (ProvisionResult, error) {
	amiID := strings.TrimSpace(req.ImageID)
	if amiID == "" {
		amiID = strings.TrimSpace(p.amiByRegion[req.Region])
	}
	if amiID == "" {
		return ProvisionResult{}, fmt.Errorf("no AMI configured for region %s", req.Region)
	}
	instanceType := strings.TrimSpace(req.InstanceType)
	if instanceType == "" {
		instanceType = p.instanceType
	}

	client, err := p.clientFor(ctx, req.Region)
	if err != nil {
		return ProvisionResult{}, err
	}

	runInput := &ec2.RunInstancesInput{
		ImageId:      aws.String(amiID),
		InstanceType: ec2types.InstanceType(instanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		TagSpecifications: []ec2types.TagSpecification{
			{
				ResourceType: ec2types.ResourceTypeInstance,
				Tags: []ec2types.Tag{
					{Key: aws.String("Name"), Value: aws.String("aegis-play-" + req.VMID)},
					{Key: aws.String("ManagedBy"), Value: aws.String("aegis-play")},
					{Key: aws.String("AegisVMID"), Value: aws.String(req.VMID)},
					{Key: aws.String("AegisTemplateID"), Value: aws.String(req.TemplateID)},
				},
			},
		},
	}
	if p.keyName != "" {
		runInput.KeyName = aws.String(p.keyName)
	}
	if p.subnetID != "" {
		eni := ec2types.InstanceNetworkInterfaceSpecification{
			DeviceIndex:              aws.Int32(0),
			AssociatePublicIpAddress: aws.Bool(true),
			SubnetId:                 aws.String(p.subnetID),
		}
		if len(p.securityGroup) > 0 {
			eni.Groups = p.securityGroup
		}
		runInput.NetworkInterfaces = []ec2types.InstanceNetworkInterfaceSpecification{eni}
	} else if len(p.securityGroup) > 0 {
		runInput.SecurityGroupIds = p.securityGroup
	}

	var runOut *ec2.RunInstancesOutput
	err = p.timed(ctx, "run_instances", req.Region, func(callCtx context.Context) error {
		var runErr error
		runOut, runErr = client.RunInstances(callCtx, runInput)
		return runErr
	})
	if err != nil {
		return ProvisionResult{}, fmt.Errorf("run instances: %w", err)
	}
	if len(runOut.Instances) == 0 || runOut.Instances[0].InstanceId == nil {
		return ProvisionResult{}, fmt.Errorf("run instances: no instance returned")
	}
	instanceID := aws.ToString(runOut.Instances[0].InstanceId)

	if err := p.waitRunning(ctx, client, instanceID); err != nil {
		return ProvisionResult{}, fmt.Errorf("wait running: %w", err)
	}

	var descOut *ec2.DescribeInstancesOutput
	err = p.timed(ctx, "describe_instances", req.Region, func(callCtx context.Context) error {
		var descErr error
		descOut, descErr = client.DescribeInstances(callCtx, &ec2.DescribeInstancesInput{InstanceIds: []string{instanceID}})
		return descErr
	})
	if err != nil {
		return ProvisionResult{}, fmt.Errorf("describe instances: %w", err)
	}
	publicIP := extractPublicIP(descOut)
	if publicIP == "" {
		return ProvisionResult{}, fmt.Errorf("instance %s has no public ip", instanceID)
	}

	return ProvisionResult{
		InstanceID:   instanceID,
		ImageID:      amiID,
		InstanceType: instanceType,
		PublicIP:     publicIP,
	}, nil
}

func (p *AWSProvisioner) Deprovision(ctx context.Context, req DeprovisionRequest) error {
	if strings.TrimSpace(req.InstanceID) == "" {
		return nil
	}
	client, err := p.clientFor(ctx, req.Region)
	if err != nil {
		return err
	}
	err = p.timed(ctx, "terminate_instances", req.Region, func(callCtx context.Context) error {
		_, termErr := client.TerminateInstances(callCtx, &ec2.TerminateInstancesInput{
			InstanceIds: []string{req.InstanceID},
		})
		return termErr
	})
	if err != nil {
		if shouldIgnoreTerminateError(err) {
			p.log.Info().Str("event", "terminate_ignored").Str("vm_id", req.VMID).
				Str("instance_id", req.InstanceID).Str("code", awsErrorCode(err)).Send()
			return nil
		}
		return fmt.Errorf("terminate instance: %w", err)
	}
	return nil
}

// timed runs one retried EC2 operation and records its outcome.
func (p *AWSProvisioner) timed(ctx context.Context, op, region string, fn func(context.Context) error) error {
	start := time.Now()
	err := retryAWS(ctx, p.log, op, region, fn)
	durMS := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		if op == "terminate_instances" && shouldIgnoreTerminateError(err) {
			status = "ignored"
		}
	}
	labels := map[string]string{"operation": op, "region": region, "status": status}
	metrics.Default().IncCounter("aegis_aws_operations_total", labels)
	metrics.Default().ObserveHistogram("aegis_aws_operation_latency_ms", durMS, labels)
	p.log.Debug().Str("event", "aws_op").Str("operation", op).Str("region", region).
		Str("status", status).Float64("duration_ms", durMS).Send()
	return err
}

func shouldIgnoreTerminateError(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	code := apiErr.ErrorCode()
	return code == "InvalidInstanceID.NotFound" || code == "IncorrectInstanceState"
}

func retryAWS(ctx context.Context, log *logging.Logger, op, region string, fn func(context.Context) error) error {
	const (
		maxAttempts = 4
		baseDelay   = 250 * time.Millisecond
		maxDelay    = 2 * time.Second
	)
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isTransientAWSError(err) {
			return err
		}
		if attempt == maxAttempts {
			metrics.Default().IncCounter("aegis_aws_retry_exhausted_total", map[string]string{
				"operation": op,
				"region":    region,
			})
			return err
		}
		metrics.Default().IncCounter("aegis_aws_retries_total", map[string]string{
			"operation": op,
			"region":    region,
			"code":      awsErrorCode(err),
		})
		delay := baseDelay * time.Duration(1<<(attempt-1))
		if delay > maxDelay {
			delay = maxDelay
		}
		delay = withJitter(delay)
		log.Warn().Str("event", "aws_retry").Str("operation", op).Str("region", region).
			Int("attempt", attempt).Int64("delay_ms", delay.Milliseconds()).Err(err).Send()
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

// withJitter returns a delay in [10%, 100%) of the input.
func withJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}
	floor := delay / 10
	span := delay - floor
	if span <= 0 {
		return floor
	}
	var raw [8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return floor + (span / 2)
	}
	n := binary.LittleEndian.Uint64(raw[:]) % uint64(span)
	return floor + time.Duration(n)
}

func isTransientAWSError(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "RequestLimitExceeded",
		"Throttling",
		"ThrottlingException",
		"RequestThrottled",
		"ServiceUnavailable",
		"InternalError",
		"RequestTimeout",
		"EC2ThrottledException",
		"InsufficientInstanceCapacity":
		return true
	default:
		return false
	}
}

func awsErrorCode(err error) string {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return "non_api_error"
	}
	code := strings.TrimSpace(apiErr.ErrorCode())
	if code == "" {
		return "unknown"
	}
	return code
}

func extractPublicIP(out *ec2.DescribeInstancesOutput) string {
	if out == nil {
		return ""
	}
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			if ip := strings.TrimSpace(aws.ToString(inst.PublicIpAddress)); ip != "" {
				return ip
			}
		}
	}
	return ""
}
