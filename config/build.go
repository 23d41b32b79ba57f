package config

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jnicholls/paradedb"
	"github.com/jnicholls/paradedb/blockstore"
	miniostore "github.com/jnicholls/paradedb/blockstore/minio"
	s3store "github.com/jnicholls/paradedb/blockstore/s3"
	"github.com/jnicholls/paradedb/host"
	"github.com/jnicholls/paradedb/internal/resource"
	"github.com/jnicholls/paradedb/internal/xact"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// XactLogName is the transaction log file in a local data directory.
const XactLogName = "pg_xact"

// BuildHost opens the configured storage backend and builds a Host over
// it. ambient is applied after the configured logger, so a caller can add
// a metrics collector or replace the logger.
//
// With the local backend transaction outcomes are logged in the data
// directory and survive restarts. Other backends keep them in memory.
func BuildHost(ctx context.Context, c *Config, ambient ...paradedb.Option) (*host.Host, error) {
	logger, err := c.Log.Logger()
	if err != nil {
		return nil, err
	}
	smgr, err := OpenStorage(ctx, c.Storage)
	if err != nil {
		return nil, err
	}
	xacts := xact.NewManager()
	if c.Storage.Backend == BackendLocal {
		if xacts, err = xact.Open(nil, filepath.Join(c.Storage.Path, XactLogName)); err != nil {
			_ = smgr.Close()
			return nil, err
		}
	}
	h, err := host.New(ctx, smgr,
		host.WithTransactions(xacts),
		host.WithBufferCapacity(c.Buffers.Capacity),
		host.WithRingSize(c.Buffers.RingSize),
		host.WithResources(resource.Config{
			MemoryLimitBytes:    int64(c.Resources.MemoryLimit),
			MaxMergeWorkers:     c.Resources.MaxMergeWorkers,
			VacuumIOBytesPerSec: int64(c.Resources.VacuumIORate),
		}),
		host.WithAmbient(append([]paradedb.Option{paradedb.WithLogger(logger)}, ambient...)...),
	)
	if err != nil {
		_ = smgr.Close()
		_ = xacts.Close()
		return nil, err
	}
	return h, nil
}

// OpenStorage opens the block storage manager selected by sc.Backend.
func OpenStorage(ctx context.Context, sc StorageConfig) (blockstore.Manager, error) {
	switch sc.Backend {
	case BackendMemory, "":
		return blockstore.NewMemoryManager(), nil
	case BackendLocal:
		m, err := blockstore.NewFileManager(sc.Path)
		if err != nil {
			return nil, err
		}
		return m, nil
	case BackendMemoryBlob:
		return blockstore.NewBlobManager(blockstore.NewMemoryBlobStore(), blockstore.NewMemorySizeRegister()), nil
	case BackendS3:
		awsCfg, err := loadAWS(ctx, sc)
		if err != nil {
			return nil, err
		}
		client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if sc.Endpoint != "" {
				o.BaseEndpoint = aws.String(sc.Endpoint)
				o.UsePathStyle = true
			}
		})
		sizes, err := sizeRegister(ctx, sc, &awsCfg)
		if err != nil {
			return nil, err
		}
		return blockstore.NewBlobManager(s3store.NewStore(client, sc.Bucket, sc.Prefix), sizes), nil
	case BackendMinIO:
		client, err := minio.New(sc.Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(sc.AccessKey, sc.SecretKey, ""),
			Secure: sc.UseSSL,
			Region: sc.Region,
		})
		if err != nil {
			return nil, fmt.Errorf("minio client: %w", err)
		}
		sizes, err := sizeRegister(ctx, sc, nil)
		if err != nil {
			return nil, err
		}
		return blockstore.NewBlobManager(miniostore.NewStore(client, sc.Bucket, sc.Prefix), sizes), nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", sc.Backend)
}

func loadAWS(ctx context.Context, sc StorageConfig) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if sc.Region != "" {
		opts = append(opts, awsconfig.WithRegion(sc.Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return cfg, nil
}

// sizeRegister returns the DynamoDB register when a size table is
// configured and an in-process register otherwise.
func sizeRegister(ctx context.Context, sc StorageConfig, awsCfg *aws.Config) (blockstore.SizeRegister, error) {
	if sc.SizeTable == "" {
		return blockstore.NewMemorySizeRegister(), nil
	}
	if awsCfg == nil {
		cfg, err := loadAWS(ctx, sc)
		if err != nil {
			return nil, err
		}
		awsCfg = &cfg
	}
	baseURI := fmt.Sprintf("%s://%s/%s", sc.Backend, sc.Bucket, strings.Trim(sc.Prefix, "/"))
	return s3store.NewDDBSizeRegister(dynamodb.NewFromConfig(*awsCfg), sc.SizeTable, baseURI), nil
}
