// Package sdk builds the AWS service clients used by a deployment.
package sdk

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsmiddleware "github.com/aws/aws-sdk-go-v2/aws/middleware"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/appsync"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/codebuild"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/aws/smithy-go/middleware"
)

// Session hands out service clients sharing one aws.Config and a set of
// custom user agent markers that is applied to every request at send time.
type Session struct {
	cfg aws.Config

	mu         sync.Mutex
	userAgents []string

	cloudFormation *cloudformation.Client
	lambda         *lambda.Client
	appSync        *appsync.Client
	s3             *s3.Client
	sfn            *sfn.Client
	codeBuild      *codebuild.Client
	ecs            *ecs.Client
}

// NewSession loads the default AWS configuration, optionally for a given
// profile and region.
func NewSession(ctx context.Context, profile, region string) (*Session, error) {
	var opts []func(*config.LoadOptions) error
	if profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(profile))
	}
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewSessionFromConfig(cfg), nil
}

// NewSessionFromConfig creates a Session for an existing configuration
func NewSessionFromConfig(cfg aws.Config) *Session {
	s := &Session{cfg: cfg.Copy()}
	s.cfg.APIOptions = append(s.cfg.APIOptions, s.addUserAgents)

	s.cloudFormation = cloudformation.NewFromConfig(s.cfg)
	s.lambda = lambda.NewFromConfig(s.cfg)
	s.appSync = appsync.NewFromConfig(s.cfg)
	s.s3 = s3.NewFromConfig(s.cfg)
	s.sfn = sfn.NewFromConfig(s.cfg)
	s.codeBuild = codebuild.NewFromConfig(s.cfg)
	s.ecs = ecs.NewFromConfig(s.cfg)
	return s
}

// Region returns the configured region
func (s *Session) Region() string {
	return s.cfg.Region
}

// AppendCustomUserAgent adds a marker to the user agent of subsequent requests
func (s *Session) AppendCustomUserAgent(agent string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userAgents = append(s.userAgents, agent)
}

// RemoveCustomUserAgent removes one occurrence of a marker
func (s *Session) RemoveCustomUserAgent(agent string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, a := range s.userAgents {
		if a == agent {
			s.userAgents = append(s.userAgents[:i], s.userAgents[i+1:]...)
			return
		}
	}
}

// CustomUserAgents returns the current markers
func (s *Session) CustomUserAgents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.userAgents...)
}

func (s *Session) addUserAgents(stack *middleware.Stack) error {
	for _, agent := range s.CustomUserAgents() {
		if err := awsmiddleware.AddUserAgentKey(agent)(stack); err != nil {
			return err
		}
	}
	return nil
}

// CloudFormation returns the CloudFormation client
func (s *Session) CloudFormation() *cloudformation.Client { return s.cloudFormation }

// Lambda returns the Lambda client
func (s *Session) Lambda() *lambda.Client { return s.lambda }

// AppSync returns the AppSync client
func (s *Session) AppSync() *appsync.Client { return s.appSync }

// S3 returns the S3 client
func (s *Session) S3() *s3.Client { return s.s3 }

// SFN returns the Step Functions client
func (s *Session) SFN() *sfn.Client { return s.sfn }

// CodeBuild returns the CodeBuild client
func (s *Session) CodeBuild() *codebuild.Client { return s.codeBuild }

// ECS returns the ECS client
func (s *Session) ECS() *ecs.Client { return s.ecs }
