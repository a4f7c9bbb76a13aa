// Package aws maps the orchestrator's provider kinds onto AWS: network to
// EC2 VPCs, security-policy to EC2 security groups, identity-role to IAM
// roles, registry to ECR repositories, and compute-service to ECS services.
package aws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/smithy-go"
)

type Provider struct {
	ec2Client *ec2.Client
	iamClient *iam.Client
	ecrClient *ecr.Client
	ecsClient *ecs.Client
}

func New() *Provider {
	return &Provider{}
}

func (p *Provider) ensureClients(ctx context.Context) error {
	if p.ec2Client != nil && p.iamClient != nil && p.ecrClient != nil && p.ecsClient != nil {
		return nil
	}

	region := os.Getenv("TERRAPIN_AWS_REGION")
	if region == "" {
		region = "us-east-1"
	}

	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return fmt.Errorf("unable to load SDK config: %w", err)
	}

	p.ec2Client = ec2.NewFromConfig(cfg)
	p.iamClient = iam.NewFromConfig(cfg)
	p.ecrClient = ecr.NewFromConfig(cfg)
	p.ecsClient = ecs.NewFromConfig(cfg)
	return nil
}

func (p *Provider) Create(ctx context.Context, kind, name string, attrs map[string]any) (map[string]any, error) {
	if err := p.ensureClients(ctx); err != nil {
		return nil, err
	}

	switch kind {
	case "network":
		return p.createNetwork(ctx, name, attrs)
	case "security-policy":
		return p.createSecurityPolicy(ctx, name, attrs)
	case "identity-role":
		return p.createIdentityRole(ctx, name, attrs)
	case "registry":
		return p.createRegistry(ctx, name, attrs)
	case "compute-service":
		return p.createComputeService(ctx, name, attrs)
	}
	return nil, fmt.Errorf("unsupported kind: %s", kind)
}

func (p *Provider) Update(ctx context.Context, id, kind string, attrs map[string]any) (map[string]any, error) {
	if err := p.ensureClients(ctx); err != nil {
		return nil, err
	}

	switch kind {
	case "network":
		return p.updateNetwork(ctx, id, attrs)
	case "security-policy":
		return p.updateSecurityPolicy(ctx, id, attrs)
	case "identity-role":
		return p.updateIdentityRole(ctx, id, attrs)
	case "registry":
		return p.updateRegistry(ctx, id, attrs)
	case "compute-service":
		return p.updateComputeService(ctx, id, attrs)
	}
	return nil, fmt.Errorf("unsupported kind: %s", kind)
}

func (p *Provider) Destroy(ctx context.Context, id, kind string) error {
	if err := p.ensureClients(ctx); err != nil {
		return err
	}

	switch kind {
	case "network":
		return p.destroyNetwork(ctx, id)
	case "security-policy":
		return p.destroySecurityPolicy(ctx, id)
	case "identity-role":
		return p.destroyIdentityRole(ctx, id)
	case "registry":
		return p.destroyRegistry(ctx, id)
	case "compute-service":
		return p.destroyComputeService(ctx, id)
	}
	return fmt.Errorf("unsupported kind: %s", kind)
}

func (p *Provider) Describe(ctx context.Context, id, kind string) (map[string]any, error) {
	if err := p.ensureClients(ctx); err != nil {
		return nil, err
	}

	switch kind {
	case "network":
		return p.describeNetwork(ctx, id)
	case "security-policy":
		return p.describeSecurityPolicy(ctx, id)
	case "identity-role":
		return p.describeIdentityRole(ctx, id)
	case "registry":
		return p.describeRegistry(ctx, id)
	case "compute-service":
		return p.describeComputeService(ctx, id)
	}
	return nil, fmt.Errorf("unsupported kind: %s", kind)
}

// decodeAttrs maps the engine's generic attribute map onto a typed config
// through a JSON round trip.
func decodeAttrs[T any](attrs map[string]any) (T, error) {
	var out T
	raw, err := json.Marshal(attrs)
	if err != nil {
		return out, fmt.Errorf("failed to marshal attributes: %w", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("failed to decode attributes: %w", err)
	}
	return out, nil
}

// apiError lets the engine's retry logic classify AWS failures by error
// code instead of by message matching.
type apiError struct {
	err error
}

func (e *apiError) Error() string { return e.err.Error() }
func (e *apiError) Unwrap() error { return e.err }

func (e *apiError) Temporary() bool {
	var ae smithy.APIError
	if errors.As(e.err, &ae) {
		switch ae.ErrorCode() {
		case "Throttling", "ThrottlingException", "RequestLimitExceeded",
			"TooManyRequestsException", "ServiceUnavailable",
			"InternalError", "InternalFailure", "RequestTimeout":
			return true
		}
	}
	return false
}

func wrapAPIError(err error) error {
	if err == nil {
		return nil
	}
	return &apiError{err: err}
}
