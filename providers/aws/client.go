package aws

import (
	"context"
	"fmt"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
)

// Client holds the AWS configuration used to sign requests to IAM-protected instances
type Client struct {
	cfg awssdk.Config
}

// NewClient resolves configuration through the default AWS chain
func NewClient(ctx context.Context, region string) (*Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewClientFromConfig(cfg), nil
}

// NewClientFromConfig wraps an already loaded configuration
func NewClientFromConfig(cfg awssdk.Config) *Client {
	return &Client{cfg: cfg}
}

// Credentials returns a caching provider so signing does not hit the chain on every request
func (c *Client) Credentials() awssdk.CredentialsProvider {
	if c.cfg.Credentials == nil {
		return nil
	}
	return awssdk.NewCredentialsCache(c.cfg.Credentials)
}

// Region returns the configured region
func (c *Client) Region() string {
	return c.cfg.Region
}

// Verify retrieves credentials once so a broken chain fails at startup
func (c *Client) Verify(ctx context.Context) error {
	if c.cfg.Credentials == nil {
		return fmt.Errorf("no aws credentials provider configured")
	}
	if _, err := c.cfg.Credentials.Retrieve(ctx); err != nil {
		return fmt.Errorf("retrieve aws credentials: %w", err)
	}
	return nil
}
