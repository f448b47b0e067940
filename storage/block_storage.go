package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/phonevault/common"
	"github.com/vultisig/phonevault/config"
	"github.com/vultisig/phonevault/internal/types"
)

// BlockStorage archives transfer receipts to an S3 compatible bucket.
type BlockStorage struct {
	bucket   string
	s3Client *s3.S3
	logger   *logrus.Entry
}

func NewBlockStorage(cfg config.Config) (*BlockStorage, error) {
	sess, err := session.NewSession(&aws.Config{
		Region:           aws.String(cfg.BlockStorage.Region),
		Endpoint:         aws.String(cfg.BlockStorage.Host),
		Credentials:      credentials.NewStaticCredentials(cfg.BlockStorage.AccessKey, cfg.BlockStorage.SecretKey, ""),
		S3ForcePathStyle: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	return &BlockStorage{
		bucket:   cfg.BlockStorage.Bucket,
		s3Client: s3.New(sess),
		logger:   logrus.WithField("module", "block_storage"),
	}, nil
}

func (bs *BlockStorage) FileExist(ctx context.Context, fileName string) (bool, error) {
	_, err := bs.s3Client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bs.bucket),
		Key:    aws.String(fileName),
	})
	if err != nil {
		var reqErr awserr.RequestFailure
		if errors.As(err, &reqErr) && reqErr.StatusCode() == http.StatusNotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (bs *BlockStorage) UploadFileWithRetry(ctx context.Context, fileContent []byte, fileName string, retry int) error {
	var err error
	for i := 0; i < retry; i++ {
		err = bs.UploadFile(ctx, fileContent, fileName)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		bs.logger.WithError(err).WithField("file", fileName).Warn("upload failed")
	}
	return err
}

func (bs *BlockStorage) UploadFile(ctx context.Context, fileContent []byte, fileName string) error {
	bs.logger.WithFields(logrus.Fields{
		"file":   fileName,
		"bucket": bs.bucket,
		"length": len(fileContent),
	}).Info("upload file")
	output, err := bs.s3Client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bs.bucket),
		Key:           aws.String(fileName),
		Body:          aws.ReadSeekCloser(bytes.NewReader(fileContent)),
		ContentLength: aws.Int64(int64(len(fileContent))),
	})
	if err != nil {
		return fmt.Errorf("fail to upload %s, err: %w", fileName, err)
	}
	if output != nil && output.VersionId != nil {
		bs.logger.Infof("upload file %s success, version id: %s", fileName, aws.StringValue(output.VersionId))
	}
	return nil
}

func (bs *BlockStorage) GetFile(ctx context.Context, fileName string) ([]byte, error) {
	output, err := bs.s3Client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bs.bucket),
		Key:    aws.String(fileName),
	})
	if err != nil {
		return nil, fmt.Errorf("fail to get %s, err: %w", fileName, err)
	}
	defer func() {
		if err := output.Body.Close(); err != nil {
			bs.logger.Error(err)
		}
	}()
	return io.ReadAll(output.Body)
}

// SaveReceipt stores receipt as xz compressed JSON under receipt.Key().
func (bs *BlockStorage) SaveReceipt(ctx context.Context, receipt types.TransferReceipt) error {
	buf, err := json.Marshal(receipt)
	if err != nil {
		return fmt.Errorf("fail to marshal receipt, err: %w", err)
	}
	compressed, err := common.CompressData(buf)
	if err != nil {
		return fmt.Errorf("fail to compress receipt, err: %w", err)
	}
	return bs.UploadFileWithRetry(ctx, compressed, receipt.Key(), 3)
}

func (bs *BlockStorage) GetReceipt(ctx context.Context, requestID string) (*types.TransferReceipt, error) {
	compressed, err := bs.GetFile(ctx, types.TransferReceipt{RequestID: requestID}.Key())
	if err != nil {
		return nil, err
	}
	buf, err := common.DecompressData(compressed)
	if err != nil {
		return nil, fmt.Errorf("fail to decompress receipt, err: %w", err)
	}
	var receipt types.TransferReceipt
	if err := json.Unmarshal(buf, &receipt); err != nil {
		return nil, fmt.Errorf("fail to unmarshal receipt, err: %w", err)
	}
	return &receipt, nil
}
