package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/ecr"
	ecrtypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"
)

type registryAttrs struct {
	ImageTagMutability string            `json:"imageTagMutability"`
	ScanOnPush         bool              `json:"scanOnPush"`
	Tags               map[string]string `json:"tags"`
}

func (a registryAttrs) mutability() ecrtypes.ImageTagMutability {
	if a.ImageTagMutability == "IMMUTABLE" {
		return ecrtypes.ImageTagMutabilityImmutable
	}
	return ecrtypes.ImageTagMutabilityMutable
}

func (p *Provider) createRegistry(ctx context.Context, name string, attrs map[string]any) (map[string]any, error) {
	desired, err := decodeAttrs[registryAttrs](attrs)
	if err != nil {
		return nil, err
	}

	resp, err := p.ecrClient.CreateRepository(ctx, &ecr.CreateRepositoryInput{
		RepositoryName:     &name,
		ImageTagMutability: desired.mutability(),
		ImageScanningConfiguration: &ecrtypes.ImageScanningConfiguration{
			ScanOnPush: desired.ScanOnPush,
		},
		Tags: ecrTags(desired.Tags),
	})
	if err != nil {
		return nil, wrapAPIError(fmt.Errorf("failed to create ECR repository: %w", err))
	}

	return map[string]any{
		"id":  *resp.Repository.RepositoryName,
		"arn": *resp.Repository.RepositoryArn,
		"url": *resp.Repository.RepositoryUri,
	}, nil
}

func (p *Provider) updateRegistry(ctx context.Context, id string, attrs map[string]any) (map[string]any, error) {
	desired, err := decodeAttrs[registryAttrs](attrs)
	if err != nil {
		return nil, err
	}

	_, err = p.ecrClient.PutImageTagMutability(ctx, &ecr.PutImageTagMutabilityInput{
		RepositoryName:     &id,
		ImageTagMutability: desired.mutability(),
	})
	if err != nil {
		return nil, wrapAPIError(fmt.Errorf("failed to update tag mutability: %w", err))
	}

	_, err = p.ecrClient.PutImageScanningConfiguration(ctx, &ecr.PutImageScanningConfigurationInput{
		RepositoryName: &id,
		ImageScanningConfiguration: &ecrtypes.ImageScanningConfiguration{
			ScanOnPush: desired.ScanOnPush,
		},
	})
	if err != nil {
		return nil, wrapAPIError(fmt.Errorf("failed to update scanning configuration: %w", err))
	}

	return p.describeRegistry(ctx, id)
}

func (p *Provider) destroyRegistry(ctx context.Context, id string) error {
	_, err := p.ecrClient.DeleteRepository(ctx, &ecr.DeleteRepositoryInput{
		RepositoryName: &id,
		Force:          true,
	})
	if err != nil {
		return wrapAPIError(fmt.Errorf("failed to delete ECR repository: %w", err))
	}
	return nil
}

func (p *Provider) describeRegistry(ctx context.Context, id string) (map[string]any, error) {
	resp, err := p.ecrClient.DescribeRepositories(ctx, &ecr.DescribeRepositoriesInput{
		RepositoryNames: []string{id},
	})
	if err != nil {
		return nil, wrapAPIError(fmt.Errorf("failed to describe ECR repository: %w", err))
	}
	if len(resp.Repositories) == 0 {
		return nil, fmt.Errorf("ECR repository not found: %s", id)
	}

	repo := resp.Repositories[0]
	return map[string]any{
		"id":  *repo.RepositoryName,
		"arn": *repo.RepositoryArn,
		"url": *repo.RepositoryUri,
	}, nil
}

func ecrTags(tags map[string]string) []ecrtypes.Tag {
	var out []ecrtypes.Tag
	for k, v := range tags {
		out = append(out, ecrtypes.Tag{Key: &k, Value: &v})
	}
	return out
}
