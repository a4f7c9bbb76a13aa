package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
)

type identityRoleAttrs struct {
	AssumeRolePolicy string            `json:"assumeRolePolicy"`
	PolicyArns       []string          `json:"policyArns"`
	Description      string            `json:"description"`
	Tags             map[string]string `json:"tags"`
}

func (p *Provider) createIdentityRole(ctx context.Context, name string, attrs map[string]any) (map[string]any, error) {
	desired, err := decodeAttrs[identityRoleAttrs](attrs)
	if err != nil {
		return nil, err
	}

	input := &iam.CreateRoleInput{
		RoleName:                 &name,
		AssumeRolePolicyDocument: &desired.AssumeRolePolicy,
		Tags:                     iamTags(desired.Tags),
	}
	if desired.Description != "" {
		input.Description = &desired.Description
	}

	resp, err := p.iamClient.CreateRole(ctx, input)
	if err != nil {
		return nil, wrapAPIError(fmt.Errorf("failed to create IAM role: %w", err))
	}

	for _, arn := range desired.PolicyArns {
		policyArn := arn
		_, err := p.iamClient.AttachRolePolicy(ctx, &iam.AttachRolePolicyInput{
			RoleName:  &name,
			PolicyArn: &policyArn,
		})
		if err != nil {
			return nil, wrapAPIError(fmt.Errorf("failed to attach policy %s: %w", arn, err))
		}
	}

	return map[string]any{
		"id":  name,
		"arn": *resp.Role.Arn,
	}, nil
}

// updateIdentityRole refreshes the trust policy and reconciles managed
// policy attachments against the desired set.
func (p *Provider) updateIdentityRole(ctx context.Context, id string, attrs map[string]any) (map[string]any, error) {
	desired, err := decodeAttrs[identityRoleAttrs](attrs)
	if err != nil {
		return nil, err
	}

	_, err = p.iamClient.UpdateAssumeRolePolicy(ctx, &iam.UpdateAssumeRolePolicyInput{
		RoleName:       &id,
		PolicyDocument: &desired.AssumeRolePolicy,
	})
	if err != nil {
		return nil, wrapAPIError(fmt.Errorf("failed to update trust policy: %w", err))
	}

	attached, err := p.listAttachedPolicies(ctx, id)
	if err != nil {
		return nil, err
	}

	want := make(map[string]bool, len(desired.PolicyArns))
	for _, arn := range desired.PolicyArns {
		want[arn] = true
	}

	for arn := range attached {
		if want[arn] {
			continue
		}
		policyArn := arn
		_, err := p.iamClient.DetachRolePolicy(ctx, &iam.DetachRolePolicyInput{
			RoleName:  &id,
			PolicyArn: &policyArn,
		})
		if err != nil {
			return nil, wrapAPIError(fmt.Errorf("failed to detach policy %s: %w", arn, err))
		}
	}
	for arn := range want {
		if attached[arn] {
			continue
		}
		policyArn := arn
		_, err := p.iamClient.AttachRolePolicy(ctx, &iam.AttachRolePolicyInput{
			RoleName:  &id,
			PolicyArn: &policyArn,
		})
		if err != nil {
			return nil, wrapAPIError(fmt.Errorf("failed to attach policy %s: %w", arn, err))
		}
	}

	role, err := p.iamClient.GetRole(ctx, &iam.GetRoleInput{RoleName: &id})
	if err != nil {
		return nil, wrapAPIError(fmt.Errorf("failed to get IAM role: %w", err))
	}

	return map[string]any{
		"id":  id,
		"arn": *role.Role.Arn,
	}, nil
}

func (p *Provider) destroyIdentityRole(ctx context.Context, id string) error {
	attached, err := p.listAttachedPolicies(ctx, id)
	if err != nil {
		return err
	}
	for arn := range attached {
		policyArn := arn
		_, err := p.iamClient.DetachRolePolicy(ctx, &iam.DetachRolePolicyInput{
			RoleName:  &id,
			PolicyArn: &policyArn,
		})
		if err != nil {
			return wrapAPIError(fmt.Errorf("failed to detach policy %s: %w", arn, err))
		}
	}

	_, err = p.iamClient.DeleteRole(ctx, &iam.DeleteRoleInput{RoleName: &id})
	if err != nil {
		return wrapAPIError(fmt.Errorf("failed to delete IAM role: %w", err))
	}
	return nil
}

func (p *Provider) describeIdentityRole(ctx context.Context, id string) (map[string]any, error) {
	resp, err := p.iamClient.GetRole(ctx, &iam.GetRoleInput{RoleName: &id})
	if err != nil {
		return nil, wrapAPIError(fmt.Errorf("failed to get IAM role: %w", err))
	}

	return map[string]any{
		"id":  *resp.Role.RoleName,
		"arn": *resp.Role.Arn,
	}, nil
}

func (p *Provider) listAttachedPolicies(ctx context.Context, roleName string) (map[string]bool, error) {
	attached := make(map[string]bool)
	var marker *string
	for {
		resp, err := p.iamClient.ListAttachedRolePolicies(ctx, &iam.ListAttachedRolePoliciesInput{
			RoleName: &roleName,
			Marker:   marker,
		})
		if err != nil {
			return nil, wrapAPIError(fmt.Errorf("failed to list attached policies: %w", err))
		}
		for _, policy := range resp.AttachedPolicies {
			attached[*policy.PolicyArn] = true
		}
		if !resp.IsTruncated {
			return attached, nil
		}
		marker = resp.Marker
	}
}

func iamTags(tags map[string]string) []iamtypes.Tag {
	var out []iamtypes.Tag
	for k, v := range tags {
		out = append(out, iamtypes.Tag{Key: &k, Value: &v})
	}
	return out
}
