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

type fakeAPI struct {
	getOut *ssm.GetParameterOutput
	getErr error
	lastIn *ssm.GetParameterInput
}

func (f *fakeAPI) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.lastIn = in
	return f.getOut, f.getErr
}

func TestGetParameter_DecryptsAndTrimsName(t *testing.T) {
	api := &fakeAPI{getOut: &ssm.GetParameterOutput{Parameter: &types.Parameter{
		Name:  aws.String("/support-agent/brands/fashionhub"),
		Value: aws.String("brand_id: fashionhub"),
		Type:  types.ParameterTypeSecureString,
	}}}
	client, err := New(api)
	require.NoError(t, err)

	v, err := client.GetParameter(context.Background(), " /support-agent/brands/fashionhub ")
	require.NoError(t, err)
	require.Equal(t, "brand_id: fashionhub", v)
	require.Equal(t, "/support-agent/brands/fashionhub", aws.ToString(api.lastIn.Name))
	require.True(t, aws.ToBool(api.lastIn.WithDecryption))
}

func TestGetParameter_NotFound(t *testing.T) {
	client, err := New(&fakeAPI{getErr: &types.ParameterNotFound{Message: aws.String("nope")}})
	require.NoError(t, err)
	_, err = client.GetParameter(context.Background(), "/support-agent/brands/ghost")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetParameter_Errors(t *testing.T) {
	cases := []struct {
		name    string
		client  *Client
		param   string
		wantErr string
	}{
		{"api error", &Client{api: &fakeAPI{getErr: errors.New("boom")}}, "p", "boom"},
		{"missing value", &Client{api: &fakeAPI{getOut: &ssm.GetParameterOutput{Parameter: &types.Parameter{Name: aws.String("p")}}}}, "p", "missing value"},
		{"nil output", &Client{api: &fakeAPI{}}, "p", "missing value"},
		{"not initialized", &Client{}, "p", "not initialized"},
		{"empty name", &Client{api: &fakeAPI{}}, "  ", "required"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.client.GetParameter(context.Background(), tc.param)
			require.ErrorContains(t, err, tc.wantErr)
			require.NotErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestNew_NilAPI(t *testing.T) {
	_, err := New(nil)
	require.ErrorContains(t, err, "must not be nil")
}
