// Package secrets resolves configuration secrets from AWS SSM Parameter Store.
package secrets

import (
	"context"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/cardshare/internal/xerrors"
)

// ParameterGetter is the part of *ssm.Client the resolver uses.
type ParameterGetter interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

type SSMResolver struct {
	client  ParameterGetter
	timeout time.Duration
}

// NewSSMResolver builds a resolver from the default AWS credential chain.
func NewSSMResolver(ctx context.Context) (*SSMResolver, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, xerrors.Wrap(err, "load AWS config")
	}
	return NewSSMResolverWithClient(ssm.NewFromConfig(awsCfg)), nil
}

func NewSSMResolverWithClient(c ParameterGetter) *SSMResolver {
	return &SSMResolver{client: c, timeout: 10 * time.Second}
}

// Resolve returns the decrypted, trimmed value of the named parameter.
func (r *SSMResolver) Resolve(ctx context.Context, name string) (string, error) {
	if name == "" {
		return "", xerrors.New("empty SSM parameter name")
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	out, err := r.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "get SSM parameter %s", name)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", xerrors.Newf("SSM parameter %s has no value", name)
	}
	v := strings.TrimSpace(*out.Parameter.Value)
	if v == "" {
		return "", xerrors.Newf("SSM parameter %s is empty", name)
	}
	return v, nil
}
