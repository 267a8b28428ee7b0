package duneforge

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// CacheClient wraps an S3-compatible bucket (Cloudflare R2 by default)
// holding exported artifact archives, so CI machines can pull a finished
// bootstrap instead of repeating it.
type CacheClient struct {
	Client     *s3.Client
	BucketName string
}

// NewCacheClient initializes the artifact cache client from configuration.
func NewCacheClient(cfg *Config) (*CacheClient, error) {
	accountID := cfg.Values["DUNEFORGE_CACHE_ACCOUNT_ID"]
	accessKey := cfg.Values["DUNEFORGE_CACHE_ACCESS_KEY_ID"]
	secretKey := cfg.Values["DUNEFORGE_CACHE_SECRET_ACCESS_KEY"]
	bucketName := cfg.Values["DUNEFORGE_CACHE_BUCKET"]

	if accountID == "" || accessKey == "" || secretKey == "" || bucketName == "" {
		return nil, fmt.Errorf("artifact cache credentials missing in configuration (DUNEFORGE_CACHE_ACCOUNT_ID, DUNEFORGE_CACHE_ACCESS_KEY_ID, DUNEFORGE_CACHE_SECRET_ACCESS_KEY, DUNEFORGE_CACHE_BUCKET)")
	}

	endpoint := cfg.Values["DUNEFORGE_CACHE_ENDPOINT"]
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", accountID)
	}
	resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
		return aws.Endpoint{URL: endpoint}, nil
	})

	options := []func(*config.LoadOptions) error{
		config.WithEndpointResolverWithOptions(resolver),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
		config.WithRegion("auto"),
	}

	if Debug {
		options = append(options, config.WithClientLogMode(aws.LogSigning|aws.LogRetries|aws.LogRequest|aws.LogResponse))
	}

	awsCfg, err := config.LoadDefaultConfig(context.TODO(), options...)
	if err != nil {
		return nil, fmt.Errorf("failed to load cache config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})

	return &CacheClient{
		Client:     client,
		BucketName: bucketName,
	}, nil
}

// artifactKey namespaces archives by target platform so one bucket serves
// every cross target.
func artifactKey(targetPlatform, name string) string {
	return fmt.Sprintf("artifacts/%s/%s", targetPlatform, name)
}

func cacheContentType(key string) string {
	switch {
	case strings.HasSuffix(key, ".zst"):
		return "application/zstd"
	case strings.HasSuffix(key, ".b3sums"), strings.HasSuffix(key, ".txt"):
		return "text/plain"
	case strings.HasSuffix(key, ".json"):
		return "application/json"
	}
	return "application/octet-stream"
}

// PushArtifact uploads a local archive under the given key.
func (c *CacheClient) PushArtifact(ctx context.Context, key, filePath string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return err
	}

	_, err = c.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.BucketName),
		Key:           aws.String(key),
		Body:          file,
		ContentLength: aws.Int64(stat.Size()),
		ContentType:   aws.String(cacheContentType(key)),
	})
	return err
}

// PullArtifact streams a cached archive to a local path. Partial pulls
// never land at the final name.
func (c *CacheClient) PullArtifact(ctx context.Context, key, destPath string) error {
	output, err := c.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.BucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		return err
	}
	defer output.Body.Close()

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return err
	}
	tmp := destPath + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, output.Body); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, destPath)
}

// DeleteArtifact removes a cached archive.
func (c *CacheClient) DeleteArtifact(ctx context.Context, key string) error {
	_, err := c.Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.BucketName),
		Key:    aws.String(key),
	})
	return err
}

// CacheObject is one cached archive's metadata.
type CacheObject struct {
	Key  string
	Size int64
}

// ListArtifacts returns the cached archives under a prefix.
func (c *CacheClient) ListArtifacts(ctx context.Context, prefix string) ([]CacheObject, error) {
	var objects []CacheObject
	paginator := s3.NewListObjectsV2Paginator(c.Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.BucketName),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			objects = append(objects, CacheObject{
				Key:  *obj.Key,
				Size: *obj.Size,
			})
		}
	}
	return objects, nil
}
