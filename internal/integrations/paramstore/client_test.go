package paramstore

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/require"
)

// fakeAPI is a simple fake implementing ssmAPI for tests.
type fakeAPI struct {
	getOut *ssm.GetParameterOutput
	getErr error
	lastIn *ssm.GetParameterInput
}

func (f *fakeAPI) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.lastIn = in
	return f.getOut, f.getErr
}

type staticGetter map[string]string

func (s staticGetter) GetParameter(_ context.Context, name string) (string, error) {
	v, ok := s[name]
	if !ok {
		return "", errors.New("no such parameter")
	}
	return v, nil
}

func TestGetParameter_DecryptsDSN(t *testing.T) {
	api := &fakeAPI{getOut: &ssm.GetParameterOutput{Parameter: &types.Parameter{
		Name: aws.String("/messaging/dsn"), Value: aws.String(" postgres://u:p@db/messaging \n"), Type: types.ParameterTypeSecureString,
	}}}
	client, err := New(api)
	require.NoError(t, err)

	v, err := client.GetParameter(context.Background(), "/messaging/dsn")
	require.NoError(t, err)
	require.Equal(t, "postgres://u:p@db/messaging", v)
	require.True(t, aws.ToBool(api.lastIn.WithDecryption))
	require.Equal(t, "/messaging/dsn", aws.ToString(api.lastIn.Name))
}

func TestGetParameter_MissingOrEmptyValue(t *testing.T) {
	api := &fakeAPI{getOut: &ssm.GetParameterOutput{Parameter: &types.Parameter{Name: aws.String("p")}}}
	client, err := New(api)
	require.NoError(t, err)
	_, err = client.GetParameter(context.Background(), "p")
	require.ErrorContains(t, err, "missing value")

	api.getOut = &ssm.GetParameterOutput{Parameter: &types.Parameter{Name: aws.String("p"), Value: aws.String("  ")}}
	_, err = client.GetParameter(context.Background(), "p")
	require.ErrorContains(t, err, "is empty")
}

func TestGetParameter_ApiError(t *testing.T) {
	client, err := New(&fakeAPI{getErr: errors.New("boom")})
	require.NoError(t, err)
	_, err = client.GetParameter(context.Background(), "p")
	require.ErrorContains(t, err, "boom")
}

func TestGetParameter_ClientNotInitialized(t *testing.T) {
	_, err := (&Client{}).GetParameter(context.Background(), "p")
	require.ErrorContains(t, err, "not initialized")
}

func TestGetParameter_EmptyName(t *testing.T) {
	client, err := New(&fakeAPI{})
	require.NoError(t, err)
	_, err = client.GetParameter(context.Background(), "  ")
	require.ErrorContains(t, err, "required")
}

func TestNew_NilAPI(t *testing.T) {
	_, err := New(nil)
	require.ErrorContains(t, err, "must not be nil")
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	g := staticGetter{"/dsn": "from-ssm"}

	v, err := Resolve(ctx, g, "literal", "/dsn")
	require.NoError(t, err)
	require.Equal(t, "literal", v)

	v, err = Resolve(ctx, g, "", "/dsn")
	require.NoError(t, err)
	require.Equal(t, "from-ssm", v)

	_, err = Resolve(ctx, g, "", "")
	require.Error(t, err)

	_, err = Resolve(ctx, nil, "", "/dsn")
	require.Error(t, err)
}
