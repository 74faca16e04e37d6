package cloud

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"

	"qualitybots/internal/models"
)

// EC2Client is the subset of the EC2 API the provider calls.
type EC2Client interface {
	RunInstancesWithContext(ctx aws.Context, input *ec2.RunInstancesInput, opts ...request.Option) (*ec2.Reservation, error)
	StartInstancesWithContext(ctx aws.Context, input *ec2.StartInstancesInput, opts ...request.Option) (*ec2.StartInstancesOutput, error)
	StopInstancesWithContext(ctx aws.Context, input *ec2.StopInstancesInput, opts ...request.Option) (*ec2.StopInstancesOutput, error)
	RebootInstancesWithContext(ctx aws.Context, input *ec2.RebootInstancesInput, opts ...request.Option) (*ec2.RebootInstancesOutput, error)
	TerminateInstancesWithContext(ctx aws.Context, input *ec2.TerminateInstancesInput, opts ...request.Option) (*ec2.TerminateInstancesOutput, error)
	DescribeInstancesPagesWithContext(ctx aws.Context, input *ec2.DescribeInstancesInput, fn func(*ec2.DescribeInstancesOutput, bool) bool, opts ...request.Option) error
}

type EC2Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	// Images maps an OS name to its AMI id.
	Images         map[string]string
	SecurityGroups []string
	KeyName        string
	SubnetID       string
}

type EC2Provider struct {
	client EC2Client
	cfg    EC2Config
}

// NewEC2Provider builds a session from static credentials when given and the
// default credential chain otherwise.
func NewEC2Provider(cfg EC2Config) (*EC2Provider, error) {
	awsCfg := &aws.Config{Region: aws.String(cfg.Region)}
	if cfg.AccessKeyID != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("create aws session: %w", err)
	}
	return NewEC2ProviderWithClient(ec2.New(sess), cfg), nil
}

func NewEC2ProviderWithClient(client EC2Client, cfg EC2Config) *EC2Provider {
	return &EC2Provider{client: client, cfg: cfg}
}

func (p *EC2Provider) Name() string { return models.VMServiceEC2 }

func (p *EC2Provider) CreateInstances(ctx context.Context, req CreateRequest) ([]string, error) {
	image, ok := p.cfg.Images[req.OS]
	if !ok {
		return nil, fmt.Errorf("%w: no image configured for os %q", ErrInvalidRequest, req.OS)
	}
	if req.Count <= 0 {
		return nil, nil
	}
	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(image),
		InstanceType: aws.String(req.InstanceType),
		MinCount:     aws.Int64(1),
		MaxCount:     aws.Int64(int64(req.Count)),
		UserData:     aws.String(base64.StdEncoding.EncodeToString([]byte(req.UserData))),
	}
	input.InstanceInitiatedShutdownBehavior = aws.String(ec2.ShutdownBehaviorStop)
	if req.ClientToken != "" {
		input.ClientToken = aws.String(req.ClientToken)
	}
	if len(p.cfg.SecurityGroups) > 0 {
		input.SecurityGroupIds = aws.StringSlice(p.cfg.SecurityGroups)
	}
	if p.cfg.KeyName != "" {
		input.KeyName = aws.String(p.cfg.KeyName)
	}
	if p.cfg.SubnetID != "" {
		input.SubnetId = aws.String(p.cfg.SubnetID)
	}
	if len(req.Tags) > 0 {
		input.TagSpecifications = []*ec2.TagSpecification{{
			ResourceType: aws.String(ec2.ResourceTypeInstance),
			Tags:         toTags(req.Tags),
		}}
	}

	out, err := p.client.RunInstancesWithContext(ctx, input)
	if err != nil {
		return nil, classify("run instances", err)
	}
	ids := make([]string, 0, len(out.Instances))
	for _, inst := range out.Instances {
		ids = append(ids, aws.StringValue(inst.InstanceId))
	}
	if len(ids) < req.Count {
		return ids, fmt.Errorf("%w: %d of %d", ErrPartialCreate, len(ids), req.Count)
	}
	return ids, nil
}

func (p *EC2Provider) StartInstances(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := p.client.StartInstancesWithContext(ctx, &ec2.StartInstancesInput{InstanceIds: aws.StringSlice(ids)})
	return classify("start instances", err)
}

func (p *EC2Provider) StopInstances(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := p.client.StopInstancesWithContext(ctx, &ec2.StopInstancesInput{InstanceIds: aws.StringSlice(ids)})
	return classify("stop instances", err)
}

func (p *EC2Provider) RebootInstances(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := p.client.RebootInstancesWithContext(ctx, &ec2.RebootInstancesInput{InstanceIds: aws.StringSlice(ids)})
	return classify("reboot instances", err)
}

func (p *EC2Provider) TerminateInstances(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := p.client.TerminateInstancesWithContext(ctx, &ec2.TerminateInstancesInput{InstanceIds: aws.StringSlice(ids)})
	if isCode(err, "InvalidInstanceID.NotFound") {
		return nil
	}
	return classify("terminate instances", err)
}

func (p *EC2Provider) ListInstances(ctx context.Context, tags map[string]string) ([]Instance, error) {
	input := &ec2.DescribeInstancesInput{}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		input.Filters = append(input.Filters, &ec2.Filter{
			Name:   aws.String("tag:" + k),
			Values: aws.StringSlice([]string{tags[k]}),
		})
	}

	var out []Instance
	err := p.client.DescribeInstancesPagesWithContext(ctx, input, func(page *ec2.DescribeInstancesOutput, lastPage bool) bool {
		for _, res := range page.Reservations {
			for _, inst := range res.Instances {
				i := Instance{
					ID:         aws.StringValue(inst.InstanceId),
					LaunchTime: aws.TimeValue(inst.LaunchTime),
					Tags:       map[string]string{},
				}
				if inst.State != nil {
					i.State = aws.StringValue(inst.State.Name)
				}
				for _, tag := range inst.Tags {
					i.Tags[aws.StringValue(tag.Key)] = aws.StringValue(tag.Value)
				}
				out = append(out, i)
			}
		}
		return true
	})
	if err != nil {
		return nil, classify("describe instances", err)
	}
	return out, nil
}

func toTags(tags map[string]string) []*ec2.Tag {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*ec2.Tag, 0, len(keys))
	for _, k := range keys {
		out = append(out, &ec2.Tag{Key: aws.String(k), Value: aws.String(tags[k])})
	}
	return out
}

var invalidRequestCodes = map[string]struct{}{
	"IdempotentParameterMismatch": {},
	"InvalidParameterValue":       {},
	"InvalidParameterCombination": {},
	"InvalidAMIID.NotFound":       {},
	"InvalidAMIID.Malformed":      {},
	"UnauthorizedOperation":       {},
	"AuthFailure":                 {},
	"InvalidInstanceID.Malformed": {},
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if aerr, ok := err.(awserr.Error); ok {
		if _, bad := invalidRequestCodes[aerr.Code()]; bad {
			return fmt.Errorf("%s: %w: %s: %s", op, ErrInvalidRequest, aerr.Code(), aerr.Message())
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isCode(err error, code string) bool {
	aerr, ok := err.(awserr.Error)
	return ok && aerr.Code() == code
}
