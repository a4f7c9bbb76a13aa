package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

type securityPolicyAttrs struct {
	NetworkID   string             `json:"networkId"`
	Description string             `json:"description"`
	Ingress     []securityRuleAttr `json:"ingress"`
	Tags        map[string]string  `json:"tags"`
}

type securityRuleAttr struct {
	Protocol   string   `json:"protocol"`
	FromPort   int32    `json:"fromPort"`
	ToPort     int32    `json:"toPort"`
	CidrBlocks []string `json:"cidrBlocks"`
}

func (p *Provider) createSecurityPolicy(ctx context.Context, name string, attrs map[string]any) (map[string]any, error) {
	desired, err := decodeAttrs[securityPolicyAttrs](attrs)
	if err != nil {
		return nil, err
	}

	description := desired.Description
	if description == "" {
		description = "managed by terrapin"
	}

	resp, err := p.ec2Client.CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
		GroupName:   &name,
		Description: &description,
		VpcId:       &desired.NetworkID,
		TagSpecifications: []ec2types.TagSpecification{
			{
				ResourceType: ec2types.ResourceTypeSecurityGroup,
				Tags:         ec2Tags(name, desired.Tags),
			},
		},
	})
	if err != nil {
		return nil, wrapAPIError(fmt.Errorf("failed to create security group: %w", err))
	}
	id := *resp.GroupId

	if len(desired.Ingress) > 0 {
		if err := p.authorizeIngress(ctx, id, desired.Ingress); err != nil {
			return nil, err
		}
	}

	return map[string]any{
		"id":        id,
		"networkId": desired.NetworkID,
	}, nil
}

// updateSecurityPolicy reconciles ingress rules in place by revoking the
// current set and authorizing the desired one.
func (p *Provider) updateSecurityPolicy(ctx context.Context, id string, attrs map[string]any) (map[string]any, error) {
	desired, err := decodeAttrs[securityPolicyAttrs](attrs)
	if err != nil {
		return nil, err
	}

	current, err := p.ec2Client.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
		GroupIds: []string{id},
	})
	if err != nil {
		return nil, wrapAPIError(fmt.Errorf("failed to describe security group: %w", err))
	}
	if len(current.SecurityGroups) == 0 {
		return nil, fmt.Errorf("security group not found: %s", id)
	}

	if perms := current.SecurityGroups[0].IpPermissions; len(perms) > 0 {
		_, err := p.ec2Client.RevokeSecurityGroupIngress(ctx, &ec2.RevokeSecurityGroupIngressInput{
			GroupId:       &id,
			IpPermissions: perms,
		})
		if err != nil {
			return nil, wrapAPIError(fmt.Errorf("failed to revoke ingress rules: %w", err))
		}
	}

	if len(desired.Ingress) > 0 {
		if err := p.authorizeIngress(ctx, id, desired.Ingress); err != nil {
			return nil, err
		}
	}

	return map[string]any{
		"id":        id,
		"networkId": desired.NetworkID,
	}, nil
}

func (p *Provider) destroySecurityPolicy(ctx context.Context, id string) error {
	_, err := p.ec2Client.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{GroupId: &id})
	if err != nil {
		return wrapAPIError(fmt.Errorf("failed to delete security group: %w", err))
	}
	return nil
}

func (p *Provider) describeSecurityPolicy(ctx context.Context, id string) (map[string]any, error) {
	resp, err := p.ec2Client.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
		GroupIds: []string{id},
	})
	if err != nil {
		return nil, wrapAPIError(fmt.Errorf("failed to describe security group: %w", err))
	}
	if len(resp.SecurityGroups) == 0 {
		return nil, fmt.Errorf("security group not found: %s", id)
	}

	sg := resp.SecurityGroups[0]
	return map[string]any{
		"id":        *sg.GroupId,
		"networkId": *sg.VpcId,
		"ruleCount": len(sg.IpPermissions),
	}, nil
}

func (p *Provider) authorizeIngress(ctx context.Context, id string, rules []securityRuleAttr) error {
	var perms []ec2types.IpPermission
	for _, rule := range rules {
		protocol := rule.Protocol
		fromPort, toPort := rule.FromPort, rule.ToPort
		perm := ec2types.IpPermission{
			IpProtocol: &protocol,
			FromPort:   &fromPort,
			ToPort:     &toPort,
		}
		for _, cidr := range rule.CidrBlocks {
			c := cidr
			perm.IpRanges = append(perm.IpRanges, ec2types.IpRange{CidrIp: &c})
		}
		perms = append(perms, perm)
	}

	_, err := p.ec2Client.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
		GroupId:       &id,
		IpPermissions: perms,
	})
	if err != nil {
		return wrapAPIError(fmt.Errorf("failed to authorize ingress rules: %w", err))
	}
	return nil
}
