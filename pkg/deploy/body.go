package deploy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// maxTemplateBodySize is the largest template CloudFormation accepts inline
const maxTemplateBodySize = 51200

// bodyParameter carries exactly one of TemplateBody and TemplateURL
type bodyParameter struct {
	TemplateBody *string
	TemplateURL  *string
}

// makeBodyParameter sends small templates inline and uploads the others to
// the toolkit bucket
func makeBodyParameter(ctx context.Context, opts *Options) (bodyParameter, error) {
	body, err := opts.Stack.Template.ToJSON()
	if err != nil {
		return bodyParameter{}, err
	}
	if len(body) <= maxTemplateBodySize {
		return bodyParameter{TemplateBody: aws.String(body)}, nil
	}

	if opts.ToolkitBucket == "" || opts.Uploader == nil {
		return bodyParameter{}, &ConfigError{Message: fmt.Sprintf(
			"The template for stack %q is %dKiB. Templates larger than 50KiB must be uploaded to S3; configure a toolkitBucket to upload them to",
			opts.Stack.DisplayName, len(body)/1024)}
	}

	sum := sha256.Sum256([]byte(body))
	key := fmt.Sprintf("cdk/%s/%s.json", opts.Stack.ID, hex.EncodeToString(sum[:]))
	opts.Logger.Debug().Str("bucket", opts.ToolkitBucket).Str("key", key).Int("size", len(body)).Msg("uploading template")

	_, err = opts.Uploader.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(opts.ToolkitBucket),
		Key:         aws.String(key),
		Body:        strings.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return bodyParameter{}, fmt.Errorf("failed to upload template to s3://%s/%s: %w", opts.ToolkitBucket, key, err)
	}

	return bodyParameter{TemplateURL: aws.String(objectURL(opts.Region, opts.ToolkitBucket, key))}, nil
}

func objectURL(region, bucket, key string) string {
	if region == "" {
		return fmt.Sprintf("https://s3.amazonaws.com/%s/%s", bucket, key)
	}
	suffix := "amazonaws.com"
	if strings.HasPrefix(region, "cn-") {
		suffix = "amazonaws.com.cn"
	}
	return fmt.Sprintf("https://s3.%s.%s/%s/%s", region, suffix, bucket, key)
}
