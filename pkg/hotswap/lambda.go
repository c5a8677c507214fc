package hotswap

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/lambda/types"

	"cdk-reconciler/pkg/evaluate"
)

const (
	lambdaFunctionType = "AWS::Lambda::Function"
	lambdaVersionType  = "AWS::Lambda::Version"
	lambdaAliasType    = "AWS::Lambda::Alias"
)

// Inline code is zipped with a fixed timestamp so identical code gives identical archives
var zipEpoch = time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC)

func detectLambda(ctx context.Context, change *Change, eval *evaluate.Evaluator) ([]ClassifiedChange, error) {
	switch change.ResourceType() {
	case lambdaVersionType:
		// Versions are immutable and republished by the function they belong to
		return []ClassifiedChange{&Hotswappable{
			ResourceType: lambdaVersionType,
			Service:      "lambda",
			Apply:        noop,
		}}, nil
	case lambdaAliasType:
		props, rejected := classifyProperties(change, "FunctionVersion")
		if rejected != nil {
			return []ClassifiedChange{rejected}, nil
		}
		if len(props) == 0 {
			return nil, nil
		}
		// The alias is repointed by the function it targets
		return []ClassifiedChange{&Hotswappable{
			ResourceType: lambdaAliasType,
			Service:      "lambda",
			Apply:        noop,
		}}, nil
	}
	return detectLambdaFunction(ctx, change, eval)
}

func noop(context.Context, *Clients) error { return nil }

func detectLambdaFunction(ctx context.Context, change *Change, eval *evaluate.Evaluator) ([]ClassifiedChange, error) {
	props, rejected := classifyProperties(change, "Code", "Environment", "Description")
	if rejected != nil {
		return []ClassifiedChange{rejected}, nil
	}
	if len(props) == 0 {
		return nil, nil
	}

	functionName, err := eval.EstablishResourcePhysicalName(ctx, change.LogicalID, change.NewValue.Property("FunctionName"))
	if err != nil {
		return nil, err
	}

	versions, aliases, err := versionsAndAliases(ctx, change.LogicalID, eval)
	if err != nil {
		return nil, err
	}

	names := []string{fmt.Sprintf("Lambda Function '%s'", functionName)}
	if len(versions) > 0 {
		names = append(names, fmt.Sprintf("Lambda Version for Function '%s'", functionName))
	}
	for _, alias := range aliases {
		names = append(names, fmt.Sprintf("Lambda Alias '%s' for Function '%s'", alias, functionName))
	}

	fn := &lambdaFunctionChange{
		change:       change,
		eval:         eval,
		functionName: functionName,
		hasVersions:  len(versions) > 0,
		aliases:      aliases,
	}
	return []ClassifiedChange{&Hotswappable{
		ResourceType:  lambdaFunctionType,
		PropsChanged:  props,
		Service:       "lambda",
		ResourceNames: names,
		Apply:         fn.apply,
	}}, nil
}

func versionsAndAliases(ctx context.Context, logicalID string, eval *evaluate.Evaluator) ([]evaluate.Reference, []string, error) {
	var versions []evaluate.Reference
	for _, ref := range eval.FindReferencesTo(logicalID) {
		if ref.Type == lambdaVersionType {
			versions = append(versions, ref)
		}
	}

	var aliases []string
	for _, version := range versions {
		for _, ref := range eval.FindReferencesTo(version.LogicalID) {
			if ref.Type != lambdaAliasType {
				continue
			}
			name, err := eval.EvaluateString(ctx, ref.Properties["Name"])
			if err != nil {
				return nil, nil, err
			}
			aliases = append(aliases, name)
		}
	}
	return versions, aliases, nil
}

type lambdaFunctionChange struct {
	change       *Change
	eval         *evaluate.Evaluator
	functionName string
	hasVersions  bool
	aliases      []string
}

type lambdaCode struct {
	s3Bucket, s3Key, s3ObjectVersion, imageURI *string
	zipFile                                    []byte
}

type lambdaConfiguration struct {
	description *string
	environment *types.Environment
}

func (l *lambdaFunctionChange) apply(ctx context.Context, clients *Clients) error {
	code, config, err := l.evaluateProperties(ctx)
	if err != nil {
		return err
	}
	if l.functionName == "" || (code == nil && config == nil) {
		return nil
	}

	client := clients.Lambda
	if code != nil {
		out, err := client.UpdateFunctionCode(ctx, &lambda.UpdateFunctionCodeInput{
			FunctionName:    aws.String(l.functionName),
			S3Bucket:        code.s3Bucket,
			S3Key:           code.s3Key,
			S3ObjectVersion: code.s3ObjectVersion,
			ImageUri:        code.imageURI,
			ZipFile:         code.zipFile,
		})
		if err != nil {
			return fmt.Errorf("failed to update code of Lambda function %s: %w", l.functionName, err)
		}
		if err := l.waitForUpdate(ctx, clients, out.VpcConfig, out.PackageType); err != nil {
			return err
		}
	}

	if config != nil {
		out, err := client.UpdateFunctionConfiguration(ctx, &lambda.UpdateFunctionConfigurationInput{
			FunctionName: aws.String(l.functionName),
			Description:  config.description,
			Environment:  config.environment,
		})
		if err != nil {
			return fmt.Errorf("failed to update configuration of Lambda function %s: %w", l.functionName, err)
		}
		if err := l.waitForUpdate(ctx, clients, out.VpcConfig, out.PackageType); err != nil {
			return err
		}
	}

	if !l.hasVersions {
		return nil
	}
	version, err := client.PublishVersion(ctx, &lambda.PublishVersionInput{FunctionName: aws.String(l.functionName)})
	if err != nil {
		return fmt.Errorf("failed to publish version of Lambda function %s: %w", l.functionName, err)
	}
	for _, alias := range l.aliases {
		_, err := client.UpdateAlias(ctx, &lambda.UpdateAliasInput{
			FunctionName:    aws.String(l.functionName),
			Name:            aws.String(alias),
			FunctionVersion: version.Version,
		})
		if err != nil {
			return fmt.Errorf("failed to update alias %s of Lambda function %s: %w", alias, l.functionName, err)
		}
	}
	return nil
}

func (l *lambdaFunctionChange) evaluateProperties(ctx context.Context) (*lambdaCode, *lambdaConfiguration, error) {
	var (
		code   *lambdaCode
		config *lambdaConfiguration
	)

	for _, name := range l.change.UpdatedProperties() {
		newValue := l.change.PropertyUpdates[name].NewValue
		switch name {
		case "Code":
			c, err := l.evaluateCode(ctx, newValue)
			if err != nil || c == nil {
				return nil, nil, err
			}
			code = c
		case "Description":
			v, err := l.eval.EvaluateString(ctx, newValue)
			if err != nil {
				return nil, nil, err
			}
			if config == nil {
				config = &lambdaConfiguration{}
			}
			config.description = aws.String(v)
		case "Environment":
			v, err := l.eval.Evaluate(ctx, newValue)
			if err != nil {
				return nil, nil, err
			}
			env := &types.Environment{}
			if err := decodeInto(v, env); err != nil {
				return nil, nil, err
			}
			if config == nil {
				config = &lambdaConfiguration{}
			}
			config.environment = env
		}
	}
	return code, config, nil
}

func (l *lambdaFunctionChange) evaluateCode(ctx context.Context, value any) (*lambdaCode, error) {
	props, _ := value.(map[string]any)
	code := &lambdaCode{}
	for _, key := range sortedKeys(props) {
		switch key {
		case "S3Bucket":
			v, err := evaluateOptionalString(ctx, l.eval, props[key])
			if err != nil {
				return nil, err
			}
			code.s3Bucket = v
		case "S3Key":
			v, err := evaluateOptionalString(ctx, l.eval, props[key])
			if err != nil {
				return nil, err
			}
			code.s3Key = v
		case "S3ObjectVersion":
			v, err := evaluateOptionalString(ctx, l.eval, props[key])
			if err != nil {
				return nil, err
			}
			code.s3ObjectVersion = v
		case "ImageUri":
			v, err := evaluateOptionalString(ctx, l.eval, props[key])
			if err != nil {
				return nil, err
			}
			code.imageURI = v
		case "ZipFile":
			source, err := l.eval.EvaluateString(ctx, props[key])
			if err != nil {
				return nil, err
			}
			runtime, err := l.eval.EvaluateString(ctx, l.change.NewValue.Property("Runtime"))
			if err != nil {
				return nil, err
			}
			if runtime == "" {
				return nil, nil
			}
			ext, err := codeFileExtension(runtime)
			if err != nil {
				return nil, err
			}
			zipped, err := zipString("index."+ext, source)
			if err != nil {
				return nil, err
			}
			code.zipFile = zipped
		}
	}
	return code, nil
}

func codeFileExtension(runtime string) (string, error) {
	switch {
	case strings.HasPrefix(runtime, "node"):
		return "js", nil
	case strings.HasPrefix(runtime, "python"):
		return "py", nil
	}
	return "", &evaluate.EvaluationError{
		Message: fmt.Sprintf("runtime %s is unsupported, only node.js and python runtimes are currently supported.", runtime),
	}
}

func zipString(fileName, content string) ([]byte, error) {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)

	header := &zip.FileHeader{Name: fileName, Method: zip.Deflate, Modified: zipEpoch}
	header.SetMode(0o755)
	f, err := w.CreateHeader(header)
	if err != nil {
		return nil, fmt.Errorf("failed to zip inline code: %w", err)
	}
	if _, err := f.Write([]byte(content)); err != nil {
		return nil, fmt.Errorf("failed to zip inline code: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to zip inline code: %w", err)
	}
	return buf.Bytes(), nil
}

// waitForUpdate waits for the last update of the function to finish. Functions
// in a VPC or packaged as images take longer, so they are polled less often.
func (l *lambdaFunctionChange) waitForUpdate(ctx context.Context, clients *Clients, vpc *types.VpcConfigResponse, pkg types.PackageType) error {
	delay := time.Second
	if (vpc != nil && aws.ToString(vpc.VpcId) != "") || pkg == types.PackageTypeImage {
		delay = 5 * time.Second
	}

	return waitFor(ctx, clients.delay(delay), 60, func(ctx context.Context) (bool, error) {
		out, err := clients.Lambda.GetFunctionConfiguration(ctx, &lambda.GetFunctionConfigurationInput{
			FunctionName: aws.String(l.functionName),
		})
		if err != nil {
			return false, fmt.Errorf("failed to describe Lambda function %s: %w", l.functionName, err)
		}
		switch out.LastUpdateStatus {
		case types.LastUpdateStatusSuccessful:
			return true, nil
		case types.LastUpdateStatusFailed:
			return false, abortf(string(out.LastUpdateStatus), "%s", aws.ToString(out.LastUpdateStatusReason))
		}
		return false, nil
	})
}
