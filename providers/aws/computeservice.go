package aws

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
)

type computeServiceAttrs struct {
	Cluster        string            `json:"cluster"`
	Image          string            `json:"image"`
	Cpu            string            `json:"cpu"`
	Memory         string            `json:"memory"`
	DesiredCount   int               `json:"desiredCount"`
	ContainerPort  int               `json:"containerPort"`
	Subnets        []string          `json:"subnets"`
	SecurityGroups []string          `json:"securityGroups"`
	AssignPublicIp bool              `json:"assignPublicIp"`
	Tags           map[string]string `json:"tags"`
}

func (p *Provider) createComputeService(ctx context.Context, name string, attrs map[string]any) (map[string]any, error) {
	desired, err := decodeAttrs[computeServiceAttrs](attrs)
	if err != nil {
		return nil, err
	}

	cluster := desired.Cluster
	if cluster == "" {
		cluster = name
	}

	// CreateCluster is a no-op when the cluster already exists, so ensuring
	// it here keeps single-service stacks self-contained.
	_, err = p.ecsClient.CreateCluster(ctx, &ecs.CreateClusterInput{
		ClusterName: &cluster,
	})
	if err != nil {
		return nil, wrapAPIError(fmt.Errorf("failed to ensure cluster: %w", err))
	}

	taskDefArn, err := p.registerTaskDefinition(ctx, name, desired)
	if err != nil {
		return nil, err
	}

	assignPublic := ecstypes.AssignPublicIpDisabled
	if desired.AssignPublicIp {
		assignPublic = ecstypes.AssignPublicIpEnabled
	}
	desiredCount := int32(desired.DesiredCount)

	input := &ecs.CreateServiceInput{
		ServiceName:    &name,
		Cluster:        &cluster,
		TaskDefinition: &taskDefArn,
		DesiredCount:   &desiredCount,
		LaunchType:     ecstypes.LaunchTypeFargate,
	}
	if len(desired.Subnets) > 0 {
		input.NetworkConfiguration = &ecstypes.NetworkConfiguration{
			AwsvpcConfiguration: &ecstypes.AwsVpcConfiguration{
				Subnets:        desired.Subnets,
				SecurityGroups: desired.SecurityGroups,
				AssignPublicIp: assignPublic,
			},
		}
	}

	resp, err := p.ecsClient.CreateService(ctx, input)
	if err != nil {
		return nil, wrapAPIError(fmt.Errorf("failed to create service: %w", err))
	}

	return map[string]any{
		"id":       cluster + "/" + name,
		"arn":      *resp.Service.ServiceArn,
		"endpoint": *resp.Service.ServiceName + "." + cluster,
	}, nil
}

// updateComputeService registers a new task definition revision and points
// the service at it. ECS performs the rolling deployment.
func (p *Provider) updateComputeService(ctx context.Context, id string, attrs map[string]any) (map[string]any, error) {
	desired, err := decodeAttrs[computeServiceAttrs](attrs)
	if err != nil {
		return nil, err
	}

	cluster, service, err := splitServiceID(id)
	if err != nil {
		return nil, err
	}

	taskDefArn, err := p.registerTaskDefinition(ctx, service, desired)
	if err != nil {
		return nil, err
	}
	desiredCount := int32(desired.DesiredCount)

	resp, err := p.ecsClient.UpdateService(ctx, &ecs.UpdateServiceInput{
		Cluster:        &cluster,
		Service:        &service,
		TaskDefinition: &taskDefArn,
		DesiredCount:   &desiredCount,
	})
	if err != nil {
		return nil, wrapAPIError(fmt.Errorf("failed to update service: %w", err))
	}

	return map[string]any{
		"id":       id,
		"arn":      *resp.Service.ServiceArn,
		"endpoint": service + "." + cluster,
	}, nil
}

func (p *Provider) destroyComputeService(ctx context.Context, id string) error {
	cluster, service, err := splitServiceID(id)
	if err != nil {
		return err
	}

	zero := int32(0)
	_, err = p.ecsClient.UpdateService(ctx, &ecs.UpdateServiceInput{
		Cluster:      &cluster,
		Service:      &service,
		DesiredCount: &zero,
	})
	if err != nil {
		return wrapAPIError(fmt.Errorf("failed to scale service down: %w", err))
	}

	_, err = p.ecsClient.DeleteService(ctx, &ecs.DeleteServiceInput{
		Cluster: &cluster,
		Service: &service,
		Force:   boolPtr(true),
	})
	if err != nil {
		return wrapAPIError(fmt.Errorf("failed to delete service: %w", err))
	}
	return nil
}

func (p *Provider) describeComputeService(ctx context.Context, id string) (map[string]any, error) {
	cluster, service, err := splitServiceID(id)
	if err != nil {
		return nil, err
	}

	resp, err := p.ecsClient.DescribeServices(ctx, &ecs.DescribeServicesInput{
		Cluster:  &cluster,
		Services: []string{service},
	})
	if err != nil {
		return nil, wrapAPIError(fmt.Errorf("failed to describe service: %w", err))
	}
	if len(resp.Services) == 0 {
		return nil, fmt.Errorf("service not found: %s", id)
	}

	svc := resp.Services[0]
	return map[string]any{
		"id":           id,
		"arn":          *svc.ServiceArn,
		"status":       *svc.Status,
		"runningCount": int(svc.RunningCount),
	}, nil
}

func (p *Provider) registerTaskDefinition(ctx context.Context, name string, desired computeServiceAttrs) (string, error) {
	cpu := desired.Cpu
	if cpu == "" {
		cpu = "256"
	}
	memory := desired.Memory
	if memory == "" {
		memory = "512"
	}

	container := ecstypes.ContainerDefinition{
		Name:  &name,
		Image: &desired.Image,
	}
	if desired.ContainerPort > 0 {
		port := int32(desired.ContainerPort)
		container.PortMappings = []ecstypes.PortMapping{
			{
				ContainerPort: &port,
				Protocol:      ecstypes.TransportProtocolTcp,
			},
		}
	}

	resp, err := p.ecsClient.RegisterTaskDefinition(ctx, &ecs.RegisterTaskDefinitionInput{
		Family:                  &name,
		ContainerDefinitions:    []ecstypes.ContainerDefinition{container},
		NetworkMode:             ecstypes.NetworkModeAwsvpc,
		Cpu:                     &cpu,
		Memory:                  &memory,
		RequiresCompatibilities: []ecstypes.Compatibility{ecstypes.CompatibilityFargate},
	})
	if err != nil {
		return "", wrapAPIError(fmt.Errorf("failed to register task definition: %w", err))
	}
	return *resp.TaskDefinition.TaskDefinitionArn, nil
}

// splitServiceID parses the "cluster/service" identifier recorded at create.
func splitServiceID(id string) (cluster, service string, err error) {
	cluster, service, ok := strings.Cut(id, "/")
	if !ok || cluster == "" || service == "" {
		return "", "", fmt.Errorf("malformed compute-service id: %s", id)
	}
	return cluster, service, nil
}

func boolPtr(b bool) *bool { return &b }
