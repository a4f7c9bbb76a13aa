package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

type networkAttrs struct {
	CidrBlock string            `json:"cidrBlock"`
	Tags      map[string]string `json:"tags"`
}

func (p *Provider) createNetwork(ctx context.Context, name string, attrs map[string]any) (map[string]any, error) {
	desired, err := decodeAttrs[networkAttrs](attrs)
	if err != nil {
		return nil, err
	}

	resp, err := p.ec2Client.CreateVpc(ctx, &ec2.CreateVpcInput{
		CidrBlock: &desired.CidrBlock,
		TagSpecifications: []ec2types.TagSpecification{
			{
				ResourceType: ec2types.ResourceTypeVpc,
				Tags:         ec2Tags(name, desired.Tags),
			},
		},
	})
	if err != nil {
		return nil, wrapAPIError(fmt.Errorf("failed to create VPC: %w", err))
	}

	return map[string]any{
		"id":        *resp.Vpc.VpcId,
		"cidrBlock": *resp.Vpc.CidrBlock,
	}, nil
}

// updateNetwork only reconciles tags; any other change is planned as a
// replacement and never reaches here.
func (p *Provider) updateNetwork(ctx context.Context, id string, attrs map[string]any) (map[string]any, error) {
	desired, err := decodeAttrs[networkAttrs](attrs)
	if err != nil {
		return nil, err
	}

	if len(desired.Tags) > 0 {
		_, err := p.ec2Client.CreateTags(ctx, &ec2.CreateTagsInput{
			Resources: []string{id},
			Tags:      ec2Tags("", desired.Tags),
		})
		if err != nil {
			return nil, wrapAPIError(fmt.Errorf("failed to update VPC tags: %w", err))
		}
	}

	return map[string]any{
		"id":        id,
		"cidrBlock": desired.CidrBlock,
	}, nil
}

func (p *Provider) destroyNetwork(ctx context.Context, id string) error {
	_, err := p.ec2Client.DeleteVpc(ctx, &ec2.DeleteVpcInput{VpcId: &id})
	if err != nil {
		return wrapAPIError(fmt.Errorf("failed to delete VPC: %w", err))
	}
	return nil
}

func (p *Provider) describeNetwork(ctx context.Context, id string) (map[string]any, error) {
	resp, err := p.ec2Client.DescribeVpcs(ctx, &ec2.DescribeVpcsInput{
		VpcIds: []string{id},
	})
	if err != nil {
		return nil, wrapAPIError(fmt.Errorf("failed to describe VPC: %w", err))
	}
	if len(resp.Vpcs) == 0 {
		return nil, fmt.Errorf("VPC not found: %s", id)
	}

	vpc := resp.Vpcs[0]
	return map[string]any{
		"id":        *vpc.VpcId,
		"cidrBlock": *vpc.CidrBlock,
		"state":     string(vpc.State),
	}, nil
}

// ec2Tags converts a tag map to EC2 tags, adding a Name tag when name is set.
func ec2Tags(name string, tags map[string]string) []ec2types.Tag {
	var out []ec2types.Tag
	if name != "" {
		nameKey, nameVal := "Name", name
		out = append(out, ec2types.Tag{Key: &nameKey, Value: &nameVal})
	}
	for k, v := range tags {
		out = append(out, ec2types.Tag{Key: &k, Value: &v})
	}
	return out
}
