package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-transferutils/transfer/prepare"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/melbahja/got"
)

// S3DownloadParams configures a credentialed direct download.
type S3DownloadParams struct {
	Bucket          string
	Key             string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	DownloadPath    string

	// Concurrency is the number of parallel ranged chunks; zero lets the
	// downloader decide.
	Concurrency uint
}

// DownloadFromS3 fetches the object in parallel ranged chunks into
// DownloadPath and then verifies the file against the digest metadata
// stamped at upload time. Verification runs after the fact, the same way the
// preparer distrusts files it already digested: a mismatch is reported, the
// partial file removed, never silently accepted.
func DownloadFromS3(ctx context.Context, params S3DownloadParams, logger log.Logger) (*DownloadResult, error) {
	if params.Bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}
	if params.Key == "" {
		return nil, fmt.Errorf("key must not be empty")
	}
	if params.DownloadPath == "" {
		return nil, fmt.Errorf("download path must not be empty")
	}

	cfg, err := loadAWSConfig(ctx, params.Region, params.AccessKeyID, params.SecretAccessKey, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(*cfg)

	expected, err := headObjectExpectations(ctx, client, params)
	if err != nil {
		return nil, err
	}

	presigner := s3.NewPresignClient(client)
	presigned, err := presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(params.Bucket),
		Key:    aws.String(params.Key),
	}, s3.WithPresignExpires(15*time.Minute))
	if err != nil {
		return nil, fmt.Errorf("presign get object: %w", err)
	}

	err = retry.Times(numS3Retries).Wait(5 * time.Second).Try(func(attempt uint) error {
		return downloadFile(ctx, presigned.URL, params.DownloadPath, params.Concurrency, logger)
	})
	if err != nil {
		return nil, fmt.Errorf("download object: %w", err)
	}

	result, err := verifyFile(params.DownloadPath, expected)
	if err != nil {
		if removeErr := os.Remove(params.DownloadPath); removeErr != nil {
			logger.Warnf("failed to remove unverified download: %s", removeErr)
		}
		return nil, err
	}
	return result, nil
}

// headObjectExpectations reads the digest metadata off the object before any
// byte is fetched, so a badly stamped object fails fast.
func headObjectExpectations(ctx context.Context, client *s3.Client, params S3DownloadParams) (*expectations, error) {
	head, err := client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(params.Bucket),
		Key:    aws.String(params.Key),
	})
	if err != nil {
		var apiError smithy.APIError
		if errors.As(err, &apiError) {
			if _, ok := apiError.(*types.NotFound); ok {
				return nil, ErrObjectNotFound
			}
		}
		return nil, fmt.Errorf("head object: %w", err)
	}

	headers := http.Header{}
	if head.ContentEncoding != nil {
		headers.Set("Content-Encoding", *head.ContentEncoding)
	}
	if head.ContentLength != nil {
		headers.Set("Content-Length", strconv.FormatInt(*head.ContentLength, 10))
	}
	for key, value := range head.Metadata {
		headers.Set("x-amz-meta-"+key, value)
	}
	return expectationsFromHeaders(headers)
}

// verifyFile re-reads the downloaded file through the decode-and-digest
// pipeline and compares against the expected digests and sizes.
func verifyFile(path string, expected *expectations) (*DownloadResult, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	result, err := runDigestPipeline(file, expected.encoding, io.Discard)
	if closeErr := file.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if err != nil {
		return nil, fmt.Errorf("verify %s: %w", path, err)
	}

	if err := expected.verify(result); err != nil {
		return nil, err
	}
	return result, nil
}

func downloadFile(ctx context.Context, url, dest string, concurrency uint, logger log.Logger) error {
	// The object may be stored with Content-Encoding: gzip; the bytes must
	// land on disk undecoded so verification covers the wire bytes.
	client := &http.Client{
		Transport: &http.Transport{
			Proxy:              http.ProxyFromEnvironment,
			DisableCompression: true,
		},
	}

	downloader := got.New()
	downloader.Client = client
	download := got.NewDownload(ctx, url, dest)
	download.Client = client
	download.Concurrency = concurrency
	download.ChunkSize = uint64(prepare.DefaultPartSize)

	logger.Debugf("Downloading %s in ranged chunks", dest)
	return downloader.Do(download)
}
