package transfer

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/bitrise-io/go-transferutils/transfer/prepare"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

const numS3Retries = 3

// S3UploadParams configures a credentialed direct upload, bypassing the
// presigned flow. This is the controller-side path.
type S3UploadParams struct {
	Bucket          string
	Key             string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// UploadToS3 stores the prepared transfer under the given key, stamping the
// object with the canonical digest metadata so any later download can verify
// what it received. Part splitting is delegated to the SDK's manager using
// the descriptor's part size.
func UploadToS3(ctx context.Context, desc *prepare.Descriptor, params S3UploadParams, logger log.Logger) error {
	if params.Bucket == "" {
		return fmt.Errorf("bucket must not be empty")
	}
	if params.Key == "" {
		return fmt.Errorf("key must not be empty")
	}

	cfg, err := loadAWSConfig(ctx, params.Region, params.AccessKeyID, params.SecretAccessKey, logger)
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(*cfg)

	partSize := int64(prepare.DefaultPartSize)
	if len(desc.Parts) > 0 {
		partSize = desc.Parts[0].Size
	}

	return retry.Times(numS3Retries).Wait(5 * time.Second).TryWithAbort(func(attempt uint) (error, bool) {
		file, err := os.Open(desc.Filename)
		if err != nil {
			return fmt.Errorf("open %s: %w", desc.Filename, err), true
		}
		defer func() {
			if err := file.Close(); err != nil {
				logger.Errorf("failed to close file: %s", err)
			}
		}()

		uploader := manager.NewUploader(client, func(u *manager.Uploader) {
			u.PartSize = partSize
		})

		_, err = uploader.Upload(ctx, &s3.PutObjectInput{
			Body:            file,
			Bucket:          aws.String(params.Bucket),
			Key:             aws.String(params.Key),
			ContentLength:   aws.Int64(desc.TransferSize),
			ContentEncoding: aws.String(desc.ContentEncoding),
			Metadata: map[string]string{
				metaContentSHA256:  desc.SHA256,
				metaContentLength:  strconv.FormatInt(desc.Size, 10),
				metaTransferSHA256: desc.TransferSHA256,
				metaTransferLength: strconv.FormatInt(desc.TransferSize, 10),
			},
		})
		if err != nil {
			return fmt.Errorf("upload object: %w", err), false
		}
		return nil, true
	})
}
