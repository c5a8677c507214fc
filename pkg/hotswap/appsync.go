package hotswap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/appsync"
	"github.com/aws/aws-sdk-go-v2/service/appsync/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"cdk-reconciler/pkg/cfn"
	"cdk-reconciler/pkg/evaluate"
)

const (
	appSyncResolverType = "AWS::AppSync::Resolver"
	appSyncFunctionType = "AWS::AppSync::FunctionConfiguration"
	appSyncSchemaType   = "AWS::AppSync::GraphQLSchema"
	appSyncAPIKeyType   = "AWS::AppSync::ApiKey"

	appSyncUpdateRetries = 5
)

var appSyncHotswappableProps = []string{
	"RequestMappingTemplate",
	"RequestMappingTemplateS3Location",
	"ResponseMappingTemplate",
	"ResponseMappingTemplateS3Location",
	"Code",
	"CodeS3Location",
	"Definition",
	"DefinitionS3Location",
	"Expires",
}

// S3 locations are resolved into the inline property the SDK accepts
var appSyncS3Locations = map[string]string{
	"RequestMappingTemplateS3Location":  "RequestMappingTemplate",
	"ResponseMappingTemplateS3Location": "ResponseMappingTemplate",
	"DefinitionS3Location":              "Definition",
	"CodeS3Location":                    "Code",
}

func detectAppSync(ctx context.Context, change *Change, eval *evaluate.Evaluator) ([]ClassifiedChange, error) {
	resourceType := change.ResourceType()

	props, rejected := classifyProperties(change, appSyncHotswappableProps...)
	if rejected != nil {
		return []ClassifiedChange{rejected}, nil
	}
	if len(props) == 0 {
		return nil, nil
	}

	var nameInTemplate any
	if resourceType == appSyncFunctionType {
		nameInTemplate = change.NewValue.Property("Name")
	}
	arn, err := eval.EstablishResourcePhysicalName(ctx, change.LogicalID, nameInTemplate)
	if err != nil {
		return nil, err
	}

	displayName := arn
	if resourceType == appSyncResolverType {
		// arn:aws:appsync:region:account:apis/<api>/types/<type>/resolvers/<field>
		if parts := strings.Split(arn, "/"); len(parts) >= 6 {
			displayName = parts[3] + "." + parts[5]
		}
	}

	a := &appSyncChange{change: change, eval: eval, physicalName: arn}
	return []ClassifiedChange{&Hotswappable{
		ResourceType:  resourceType,
		PropsChanged:  props,
		Service:       "appsync",
		ResourceNames: []string{fmt.Sprintf("%s '%s'", resourceType, displayName)},
		Apply:         a.apply,
	}}, nil
}

type appSyncChange struct {
	change       *Change
	eval         *evaluate.Evaluator
	physicalName string
}

func (a *appSyncChange) apply(ctx context.Context, clients *Clients) error {
	if a.physicalName == "" {
		return nil
	}

	props, err := a.evaluateProperties(ctx, clients)
	if err != nil {
		return err
	}

	switch a.change.ResourceType() {
	case appSyncResolverType:
		in := &appsync.UpdateResolverInput{}
		if err := decodeInto(props, in); err != nil {
			return err
		}
		if _, err := clients.AppSync.UpdateResolver(ctx, in); err != nil {
			return fmt.Errorf("failed to update AppSync resolver: %w", err)
		}
		return nil
	case appSyncFunctionType:
		return a.updateFunction(ctx, clients, props)
	case appSyncSchemaType:
		return a.updateSchema(ctx, clients, props)
	default:
		return a.updateAPIKey(ctx, clients, props)
	}
}

// evaluateProperties starts from the deployed properties, overlays the
// hotswappable ones from the new template and inlines S3 locations
func (a *appSyncChange) evaluateProperties(ctx context.Context, clients *Clients) (map[string]any, error) {
	merged := make(map[string]any, len(a.change.OldValue.Properties))
	for k, v := range a.change.OldValue.Properties {
		merged[k] = v
	}
	for _, name := range appSyncHotswappableProps {
		if v := a.change.NewValue.Property(name); v != nil {
			merged[name] = v
		} else {
			delete(merged, name)
		}
	}

	evaluated, err := a.eval.Evaluate(ctx, merged)
	if err != nil {
		return nil, err
	}
	props, _ := evaluated.(map[string]any)

	for _, location := range sortedKeys(appSyncS3Locations) {
		uri, ok := props[location].(string)
		if !ok {
			continue
		}
		body, err := fetchFromS3(ctx, clients.S3, uri)
		if err != nil {
			return nil, err
		}
		props[appSyncS3Locations[location]] = body
		delete(props, location)
	}
	return props, nil
}

func (a *appSyncChange) updateFunction(ctx context.Context, clients *Clients, props map[string]any) error {
	// Runtime and Code only apply to pipeline functions, FunctionVersion only to VTL ones
	if props["Code"] != nil {
		delete(props, "FunctionVersion")
	} else {
		delete(props, "Runtime")
	}

	in := &appsync.UpdateFunctionInput{}
	if err := decodeInto(props, in); err != nil {
		return err
	}

	fn, err := findAppSyncFunction(ctx, clients.AppSync, aws.ToString(in.ApiId), a.physicalName)
	if err != nil {
		return err
	}
	in.FunctionId = fn.FunctionId

	// Functions updated together with the schema or each other conflict
	delay := clients.delay(time.Second)
	for attempt := 0; ; attempt++ {
		_, err := clients.AppSync.UpdateFunction(ctx, in)
		if err == nil {
			return nil
		}
		if attempt >= appSyncUpdateRetries || !errors.Is(cfn.Classify(err), cfn.ErrConcurrentModification) {
			return fmt.Errorf("failed to update AppSync function %s: %w", a.physicalName, err)
		}
		if err := sleep(ctx, delay); err != nil {
			return err
		}
		delay *= 2
	}
}

func findAppSyncFunction(ctx context.Context, client AppSyncAPI, apiID, name string) (*types.FunctionConfiguration, error) {
	in := &appsync.ListFunctionsInput{ApiId: aws.String(apiID)}
	for {
		out, err := client.ListFunctions(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("failed to list AppSync functions of %s: %w", apiID, err)
		}
		for i := range out.Functions {
			if aws.ToString(out.Functions[i].Name) == name {
				return &out.Functions[i], nil
			}
		}
		if out.NextToken == nil {
			return nil, fmt.Errorf("AppSync function '%s' not found in API %s", name, apiID)
		}
		in.NextToken = out.NextToken
	}
}

func (a *appSyncChange) updateSchema(ctx context.Context, clients *Clients, props map[string]any) error {
	apiID, _ := props["ApiId"].(string)
	definition, _ := props["Definition"].(string)

	out, err := clients.AppSync.StartSchemaCreation(ctx, &appsync.StartSchemaCreationInput{
		ApiId:      aws.String(apiID),
		Definition: []byte(definition),
	})
	if err != nil {
		return fmt.Errorf("failed to start AppSync schema creation: %w", err)
	}

	status, details := out.Status, ""
	for status == types.SchemaStatusProcessing || status == types.SchemaStatusDeleting {
		if err := sleep(ctx, clients.delay(time.Second)); err != nil {
			return err
		}
		st, err := clients.AppSync.GetSchemaCreationStatus(ctx, &appsync.GetSchemaCreationStatusInput{ApiId: aws.String(apiID)})
		if err != nil {
			return fmt.Errorf("failed to get AppSync schema creation status: %w", err)
		}
		status, details = st.Status, aws.ToString(st.Details)
	}

	if status == types.SchemaStatusFailed {
		return errors.New(details)
	}
	return nil
}

func (a *appSyncChange) updateAPIKey(ctx context.Context, clients *Clients, props map[string]any) error {
	in := &appsync.UpdateApiKeyInput{}
	if err := decodeInto(props, in); err != nil {
		return err
	}
	in.Id = stringValue(props["ApiKeyId"])
	if aws.ToString(in.Id) == "" {
		// arn:aws:appsync:region:account:apis/<api>/apikeys/<id>
		if parts := strings.Split(a.physicalName, "/"); len(parts) == 4 {
			in.Id = aws.String(parts[3])
		}
	}

	if _, err := clients.AppSync.UpdateApiKey(ctx, in); err != nil {
		return fmt.Errorf("failed to update AppSync API key: %w", err)
	}
	return nil
}

func fetchFromS3(ctx context.Context, client S3API, uri string) (string, error) {
	bucket, key, ok := strings.Cut(strings.TrimPrefix(uri, "s3://"), "/")
	if !ok {
		return "", fmt.Errorf("invalid S3 location %q", uri)
	}

	out, err := client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return "", fmt.Errorf("failed to fetch %s: %w", uri, err)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", uri, err)
	}
	return string(body), nil
}
