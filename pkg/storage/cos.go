package storage

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"

	cos "github.com/tencentyun/cos-go-sdk-v5"
)

type COSConfig struct {
	// https://<bucket>-<appid>.cos.<region>.myqcloud.com
	BucketURL string `env:"COS_BUCKET_URL"`
	SecretID  string `env:"COS_SECRET_ID"`
	SecretKey string `env:"COS_SECRET_KEY"`
}

type COSStore struct {
	base string
	cli  *cos.Client
}

func NewCOSStore(cfg COSConfig) (*COSStore, error) {
	u, err := url.Parse(cfg.BucketURL)
	if err != nil {
		return nil, err
	}
	cli := cos.NewClient(&cos.BaseURL{BucketURL: u}, &http.Client{
		Transport: &cos.AuthorizationTransport{
			SecretID:  cfg.SecretID,
			SecretKey: cfg.SecretKey,
		},
	})
	return &COSStore{base: strings.TrimRight(cfg.BucketURL, "/"), cli: cli}, nil
}

func (c *COSStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	opt := &cos.ObjectPutOptions{
		ObjectPutHeaderOptions: &cos.ObjectPutHeaderOptions{
			ContentType: contentType,
		},
	}
	if size > 0 {
		opt.ObjectPutHeaderOptions.ContentLength = size
	}
	_, err := c.cli.Object.Put(ctx, key, r, opt)
	return err
}

func (c *COSStore) Delete(ctx context.Context, key string) error {
	_, err := c.cli.Object.Delete(ctx, key)
	return err
}

func (c *COSStore) Exists(ctx context.Context, key string) (bool, error) {
	return c.cli.Object.IsExist(ctx, key)
}

func (c *COSStore) URL(key string) string {
	return c.base + "/" + key
}
