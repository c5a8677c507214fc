package evaluate

import (
	"context"
	"strings"
)

type attributeFormatter func(e *Evaluator, physicalName string) string

// Attributes that can be derived from a physical ID without describing the resource
var attributeFormats = map[string]map[string]attributeFormatter{
	"AWS::IAM::Role": {
		"Arn": iamArn("role"),
	},
	"AWS::IAM::User": {
		"Arn": iamArn("user"),
	},
	"AWS::IAM::Group": {
		"Arn": iamArn("group"),
	},
	"AWS::S3::Bucket": {
		"Arn": func(e *Evaluator, name string) string { return "arn:" + e.partition + ":s3:::" + name },
	},
	"AWS::Lambda::Function": {
		"Arn": colonArn("lambda", "function"),
	},
	"AWS::KMS::Key": {
		"Arn": slashArn("kms", "key"),
	},
	"AWS::StepFunctions::StateMachine": {
		"Arn": passthrough,
	},
	"AWS::AppSync::GraphQLApi": {
		"ApiId": lastSegment,
	},
	"AWS::AppSync::FunctionConfiguration": {
		"FunctionId": lastSegment,
	},
	"AWS::AppSync::DataSource": {
		"Name": lastSegment,
	},
}

func iamArn(kind string) attributeFormatter {
	return func(e *Evaluator, name string) string {
		return "arn:" + e.partition + ":iam::" + e.account + ":" + kind + "/" + name
	}
}

func colonArn(service, kind string) attributeFormatter {
	return func(e *Evaluator, name string) string {
		return "arn:" + e.partition + ":" + service + ":" + e.region + ":" + e.account + ":" + kind + ":" + name
	}
}

func slashArn(service, kind string) attributeFormatter {
	return func(e *Evaluator, name string) string {
		return "arn:" + e.partition + ":" + service + ":" + e.region + ":" + e.account + ":" + kind + "/" + name
	}
}

func passthrough(_ *Evaluator, name string) string { return name }

func lastSegment(_ *Evaluator, name string) string {
	parts := strings.Split(name, "/")
	return parts[len(parts)-1]
}

func (e *Evaluator) attribute(ctx context.Context, logicalID, attribute string) (any, error) {
	res, ok := e.template.Resource(logicalID)
	if !ok {
		return nil, evalErrorf("Resource '%s' could not be found for evaluation", logicalID)
	}

	formats, ok := attributeFormats[res.Type]
	if !ok {
		return nil, evalErrorf("We don't support attributes of the '%s' resource", res.Type)
	}
	format, ok := formats[attribute]
	if !ok {
		return nil, evalErrorf("We don't support the '%s' attribute of the '%s' resource", attribute, res.Type)
	}

	physical, err := e.FindPhysicalNameFor(ctx, logicalID)
	if err != nil {
		return nil, err
	}
	if physical == "" {
		return nil, evalErrorf("Resource '%s' could not be found for evaluation", logicalID)
	}
	return format(e, physical), nil
}
