package aws

import (
	"context"
	"errors"
	"testing"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientCredentials(t *testing.T) {
	calls := 0
	c := NewClientFromConfig(awssdk.Config{
		Region: "eu-west-1",
		Credentials: awssdk.CredentialsProviderFunc(func(context.Context) (awssdk.Credentials, error) {
			calls++
			return awssdk.Credentials{AccessKeyID: "AKID", SecretAccessKey: "secret", Source: "test"}, nil
		}),
	})

	require.NoError(t, c.Verify(context.Background()))
	assert.Equal(t, "eu-west-1", c.Region())

	provider := c.Credentials()
	require.NotNil(t, provider)
	for i := 0; i < 3; i++ {
		creds, err := provider.Retrieve(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "AKID", creds.AccessKeyID)
	}
	assert.Equal(t, 2, calls, "Verify plus one cached retrieval")
}

func TestVerifyFailures(t *testing.T) {
	assert.Error(t, NewClientFromConfig(awssdk.Config{}).Verify(context.Background()))
	assert.Nil(t, NewClientFromConfig(awssdk.Config{}).Credentials())

	c := NewClientFromConfig(awssdk.Config{
		Credentials: awssdk.CredentialsProviderFunc(func(context.Context) (awssdk.Credentials, error) {
			return awssdk.Credentials{}, errors.New("no profile")
		}),
	})
	assert.Error(t, c.Verify(context.Background()))
}
