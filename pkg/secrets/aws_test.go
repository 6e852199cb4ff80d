package secrets

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSecrets struct {
	GetSecretValueFunc func(ctx context.Context, in *secretsmanager.GetSecretValueInput) (*secretsmanager.GetSecretValueOutput, error)
}

func (f *fakeSecrets) GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	return f.GetSecretValueFunc(ctx, in)
}

func TestLoad_DecodesJSONSecret(t *testing.T) {
	var asked string
	sm := &AWSSecretsManager{client: &fakeSecrets{
		GetSecretValueFunc: func(_ context.Context, in *secretsmanager.GetSecretValueInput) (*secretsmanager.GetSecretValueOutput, error) {
			asked = aws.ToString(in.SecretId)
			return &secretsmanager.GetSecretValueOutput{
				SecretString: aws.String(`{"expo.access_token":"expo-tok","auth.jwt_secret":"s3cret"}`),
			}, nil
		},
	}}

	values, err := sm.Load(context.Background(), "prod/notifications")
	require.NoError(t, err)
	assert.Equal(t, "prod/notifications", asked)
	assert.Equal(t, "expo-tok", values["expo.access_token"])
	assert.Equal(t, "s3cret", values["auth.jwt_secret"])
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name   string
		output *secretsmanager.GetSecretValueOutput
		err    error
		is     error
	}{
		{name: "api error", err: errors.New("access denied")},
		{name: "binary secret", output: &secretsmanager.GetSecretValueOutput{SecretBinary: []byte{1}}, is: ErrNoSecretString},
		{name: "not json", output: &secretsmanager.GetSecretValueOutput{SecretString: aws.String("plain")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm := &AWSSecretsManager{client: &fakeSecrets{
				GetSecretValueFunc: func(context.Context, *secretsmanager.GetSecretValueInput) (*secretsmanager.GetSecretValueOutput, error) {
					return tt.output, tt.err
				},
			}}
			_, err := sm.Load(context.Background(), "id")
			require.Error(t, err)
			if tt.is != nil {
				assert.ErrorIs(t, err, tt.is)
			}
		})
	}
}
