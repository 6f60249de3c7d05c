// Package s3 provides a storagedriver.StorageDriver implementation to
// store blobs in Amazon S3 cloud storage.
//
// This package leverages the official aws client library for interfacing with
// S3.
//
// Because S3 is a key, value store the Stat call does not support last modification
// time for directories (directories are an abstraction for key, value stores)
package s3

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/endpoints"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/mitchellh/mapstructure"
	"golang.org/x/sync/errgroup"

	storagedriver "github.com/dockyard/registry/registry/storage/driver"
	"github.com/dockyard/registry/registry/storage/driver/base"
	"github.com/dockyard/registry/registry/storage/driver/factory"
)

const driverName = "s3aws"

const (
	// minChunkSize defines the minimum multipart upload chunk size
	// S3 API requires multipart upload chunks to be at least 5MB
	minChunkSize = 5 << 20

	// maxChunkSize defines the maximum multipart upload chunk size allowed by S3.
	maxChunkSize = 5 << 30

	defaultChunkSize = 2 * minChunkSize

	// defaultMultipartCopyChunkSize defines the default chunk size for all
	// but the last Upload Part - Copy operation of a multipart copy.
	// Empirically, 32 MB is optimal.
	defaultMultipartCopyChunkSize = 32 << 20

	// defaultMultipartCopyMaxConcurrency defines the default maximum number
	// of concurrent Upload Part - Copy operations for a multipart copy.
	defaultMultipartCopyMaxConcurrency = 100

	// defaultMultipartCopyThresholdSize defines the default object size
	// above which multipart copy will be used. (PUT Object - Copy is used
	// for objects at or below this size.)  Empirically, 32 MB is optimal.
	defaultMultipartCopyThresholdSize = 32 << 20

	// listMax is the largest amount of objects you can request from S3 in a list call
	listMax = 1000

	// redirectExpiry bounds the lifetime of presigned download URLs.
	redirectExpiry = 20 * time.Minute
)

// validRegions maps known s3 region identifiers to region descriptors
var validRegions = map[string]struct{}{}

// DriverParameters A struct that encapsulates all of the driver parameters after all values have been set
type DriverParameters struct {
	AccessKey                   string `mapstructure:"accesskey"`
	SecretKey                   string `mapstructure:"secretkey"`
	SessionToken                string `mapstructure:"sessiontoken"`
	Bucket                      string `mapstructure:"bucket"`
	Region                      string `mapstructure:"region"`
	RegionEndpoint              string `mapstructure:"regionendpoint"`
	ForcePathStyle              bool   `mapstructure:"forcepathstyle"`
	Encrypt                     bool   `mapstructure:"encrypt"`
	KeyID                       string `mapstructure:"keyid"`
	Secure                      bool   `mapstructure:"secure"`
	SkipVerify                  bool   `mapstructure:"skipverify"`
	ChunkSize                   int64  `mapstructure:"chunksize"`
	MultipartCopyChunkSize      int64  `mapstructure:"multipartcopychunksize"`
	MultipartCopyMaxConcurrency int    `mapstructure:"multipartcopymaxconcurrency"`
	MultipartCopyThresholdSize  int64  `mapstructure:"multipartcopythresholdsize"`
	RootDirectory               string `mapstructure:"rootdirectory"`
	StorageClass                string `mapstructure:"storageclass"`
	UserAgent                   string `mapstructure:"useragent"`
	ObjectACL                   string `mapstructure:"objectacl"`
}

func init() {
	for _, p := range endpoints.DefaultPartitions() {
		for region := range p.Regions() {
			validRegions[region] = struct{}{}
		}
	}

	// Register this as the default s3 driver in addition to s3aws
	factory.Register("s3", &s3DriverFactory{})
	factory.Register(driverName, &s3DriverFactory{})
}

// s3DriverFactory implements the factory.StorageDriverFactory interface
type s3DriverFactory struct{}

func (factory *s3DriverFactory) Create(ctx context.Context, parameters map[string]interface{}) (storagedriver.StorageDriver, error) {
	return FromParameters(ctx, parameters)
}

var _ storagedriver.StorageDriver = &driver{}

type driver struct {
	S3                          s3iface.S3API
	Uploader                    *s3manager.Uploader
	Bucket                      string
	Encrypt                     bool
	KeyID                       string
	MultipartCopyChunkSize      int64
	MultipartCopyMaxConcurrency int
	MultipartCopyThresholdSize  int64
	RootDirectory               string
	StorageClass                string
	ObjectACL                   string
}

type baseEmbed struct {
	base.Base
}

// Driver is a storagedriver.StorageDriver implementation backed by Amazon S3
// Objects are stored at absolute keys in the provided bucket.
type Driver struct {
	baseEmbed
}

// FromParameters constructs a new Driver with a given parameters map
// Required parameters:
// - region
// - bucket
// Credentials may be omitted when running with an instance role.
func FromParameters(ctx context.Context, parameters map[string]interface{}) (*Driver, error) {
	params := DriverParameters{
		Secure:                      true,
		ChunkSize:                   defaultChunkSize,
		MultipartCopyChunkSize:      defaultMultipartCopyChunkSize,
		MultipartCopyMaxConcurrency: defaultMultipartCopyMaxConcurrency,
		MultipartCopyThresholdSize:  defaultMultipartCopyThresholdSize,
		StorageClass:                s3.StorageClassStandard,
		ObjectACL:                   s3.ObjectCannedACLPrivate,
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &params,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(parameters); err != nil {
		return nil, fmt.Errorf("s3aws: invalid parameters: %w", err)
	}

	if err := params.validate(); err != nil {
		return nil, err
	}

	return New(ctx, params)
}

func (params DriverParameters) validate() error {
	if params.Region == "" {
		return fmt.Errorf("no region parameter provided")
	}
	if params.RegionEndpoint == "" {
		if _, ok := validRegions[params.Region]; !ok {
			return fmt.Errorf("invalid region provided: %v", params.Region)
		}
	}
	if params.Bucket == "" {
		return fmt.Errorf("no bucket parameter provided")
	}
	if params.ChunkSize < minChunkSize || params.ChunkSize > maxChunkSize {
		return fmt.Errorf("the chunksize %d parameter should be a number that is between %d and %d", params.ChunkSize, minChunkSize, maxChunkSize)
	}
	if params.MultipartCopyChunkSize < minChunkSize || params.MultipartCopyChunkSize > maxChunkSize {
		return fmt.Errorf("the multipartcopychunksize %d parameter should be a number that is between %d and %d", params.MultipartCopyChunkSize, minChunkSize, maxChunkSize)
	}
	if params.MultipartCopyMaxConcurrency < 1 {
		return fmt.Errorf("the multipartcopymaxconcurrency parameter must be positive")
	}
	switch params.StorageClass {
	case s3.StorageClassStandard, s3.StorageClassReducedRedundancy, s3.StorageClassStandardIa, s3.StorageClassIntelligentTiering, "NONE":
	default:
		return fmt.Errorf("the storageclass parameter must be one of %v, %v, %v, %v or NONE", s3.StorageClassStandard, s3.StorageClassReducedRedundancy, s3.StorageClassStandardIa, s3.StorageClassIntelligentTiering)
	}
	return nil
}

// New constructs a new Driver with the given AWS credentials, region, encryption flag, and
// bucketName
func New(ctx context.Context, params DriverParameters) (*Driver, error) {
	awsConfig := aws.NewConfig()

	if params.AccessKey != "" && params.SecretKey != "" {
		creds := credentials.NewStaticCredentials(
			params.AccessKey,
			params.SecretKey,
			params.SessionToken,
		)
		awsConfig.WithCredentials(creds)
	}

	if params.RegionEndpoint != "" {
		awsConfig.WithEndpoint(params.RegionEndpoint)
	}

	awsConfig.WithS3ForcePathStyle(params.ForcePathStyle)
	awsConfig.WithRegion(params.Region)
	awsConfig.WithDisableSSL(!params.Secure)

	if params.SkipVerify {
		httpTransport := http.DefaultTransport.(*http.Transport).Clone()
		httpTransport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		awsConfig.WithHTTPClient(&http.Client{
			Transport: httpTransport,
		})
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create new session with aws config: %v", err)
	}

	if params.UserAgent != "" {
		sess.Handlers.Build.PushBack(request.MakeAddToUserAgentFreeFormHandler(params.UserAgent))
	}

	s3obj := s3.New(sess)

	d := &driver{
		S3: s3obj,
		Uploader: s3manager.NewUploaderWithClient(s3obj, func(u *s3manager.Uploader) {
			u.PartSize = params.ChunkSize
		}),
		Bucket:                      params.Bucket,
		Encrypt:                     params.Encrypt,
		KeyID:                       params.KeyID,
		MultipartCopyChunkSize:      params.MultipartCopyChunkSize,
		MultipartCopyMaxConcurrency: params.MultipartCopyMaxConcurrency,
		MultipartCopyThresholdSize:  params.MultipartCopyThresholdSize,
		RootDirectory:               params.RootDirectory,
		StorageClass:                params.StorageClass,
		ObjectACL:                   params.ObjectACL,
	}

	return &Driver{
		baseEmbed: baseEmbed{
			Base: base.Base{
				StorageDriver: d,
			},
		},
	}, nil
}

// Implement the storagedriver.StorageDriver interface

func (d *driver) Name() string {
	return driverName
}

// GetContent retrieves the content stored at "path" as a []byte.
func (d *driver) GetContent(ctx context.Context, path string) ([]byte, error) {
	reader, err := d.Reader(ctx, path, 0)
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

// PutContent stores the []byte content at a location designated by "path".
func (d *driver) PutContent(ctx context.Context, path string, contents []byte) error {
	_, err := d.S3.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(d.Bucket),
		Key:                  aws.String(d.s3Path(path)),
		ContentType:          d.getContentType(),
		ACL:                  d.getACL(),
		ServerSideEncryption: d.getEncryptionMode(),
		SSEKMSKeyId:          d.getSSEKMSKeyID(),
		StorageClass:         d.getStorageClass(),
		Body:                 bytes.NewReader(contents),
	})
	return parseError(path, err)
}

// Reader retrieves an io.ReadCloser for the content stored at "path" with a
// given byte offset.
func (d *driver) Reader(ctx context.Context, path string, offset int64) (io.ReadCloser, error) {
	resp, err := d.S3.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.Bucket),
		Key:    aws.String(d.s3Path(path)),
		Range:  aws.String("bytes=" + strconv.FormatInt(offset, 10) + "-"),
	})
	if err != nil {
		if s3Err, ok := err.(awserr.Error); ok && s3Err.Code() == "InvalidRange" {
			return io.NopCloser(bytes.NewReader(nil)), nil
		}

		return nil, parseError(path, err)
	}
	return resp.Body, nil
}

// Writer streams content to the object at path through the s3manager
// uploader. The object only exists once Commit returns.
func (d *driver) Writer(ctx context.Context, path string) (storagedriver.FileWriter, error) {
	pr, pw := io.Pipe()
	uploadCtx, cancel := context.WithCancel(ctx)

	w := &writer{
		pipe:   pw,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(w.done)
		_, w.err = d.Uploader.UploadWithContext(uploadCtx, &s3manager.UploadInput{
			Bucket:               aws.String(d.Bucket),
			Key:                  aws.String(d.s3Path(path)),
			ContentType:          d.getContentType(),
			ACL:                  d.getACL(),
			ServerSideEncryption: d.getEncryptionMode(),
			SSEKMSKeyId:          d.getSSEKMSKeyID(),
			StorageClass:         d.getStorageClass(),
			Body:                 pr,
		})
		// unblock writers if the upload failed early
		pr.CloseWithError(w.err)
	}()

	return w, nil
}

func (d *driver) statHead(ctx context.Context, path string) (*storagedriver.FileInfoFields, error) {
	resp, err := d.S3.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(d.Bucket),
		Key:    aws.String(d.s3Path(path)),
	})
	if err != nil {
		return nil, err
	}
	return &storagedriver.FileInfoFields{
		Path:    path,
		IsDir:   false,
		Size:    aws.Int64Value(resp.ContentLength),
		ModTime: aws.TimeValue(resp.LastModified),
	}, nil
}

func (d *driver) statList(ctx context.Context, path string) (*storagedriver.FileInfoFields, error) {
	s3Path := d.s3Path(path)
	resp, err := d.S3.ListObjectsV2WithContext(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(d.Bucket),
		Prefix:  aws.String(s3Path + "/"),
		MaxKeys: aws.Int64(listMax),
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Contents) == 0 {
		return nil, storagedriver.PathNotFoundError{Path: path}
	}

	// directories carry the newest modification time below them
	fi := &storagedriver.FileInfoFields{Path: path, IsDir: true}
	for _, obj := range resp.Contents {
		if t := aws.TimeValue(obj.LastModified); t.After(fi.ModTime) {
			fi.ModTime = t
		}
	}
	return fi, nil
}

// Stat retrieves the FileInfo for the given path, including the current size
// in bytes and the creation time.
func (d *driver) Stat(ctx context.Context, path string) (storagedriver.FileInfo, error) {
	fi, err := d.statHead(ctx, path)
	if err != nil {
		// HeadObject returns NotFound for keys which only have nested
		// keys, so fall back to listing.
		var awsErr awserr.Error
		if errors.As(err, &awsErr) {
			fi, err := d.statList(ctx, path)
			if err != nil {
				return nil, parseError(path, err)
			}
			return storagedriver.FileInfoInternal{FileInfoFields: *fi}, nil
		}
		return nil, err
	}
	return storagedriver.FileInfoInternal{FileInfoFields: *fi}, nil
}

// List returns a list of the objects that are direct descendants of the given path.
func (d *driver) List(ctx context.Context, opath string) ([]string, error) {
	path := opath
	if path != "/" && path[len(path)-1] != '/' {
		path = path + "/"
	}

	// This is to cover for the cases when the rootDirectory of the driver is either "" or "/".
	// In those cases, there is no root prefix to replace and we must actually add a "/" to all
	// results in order to keep them as valid paths as recognized by storagedriver.PathRegexp
	prefix := ""
	if d.s3Path("") == "" {
		prefix = "/"
	}

	files := []string{}
	directories := []string{}

	err := d.S3.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket:    aws.String(d.Bucket),
		Prefix:    aws.String(d.s3Path(path)),
		Delimiter: aws.String("/"),
		MaxKeys:   aws.Int64(listMax),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, key := range page.Contents {
			files = append(files, strings.Replace(*key.Key, d.s3Path(""), prefix, 1))
		}

		for _, commonPrefix := range page.CommonPrefixes {
			commonPrefix := *commonPrefix.Prefix
			directories = append(directories, strings.Replace(commonPrefix[0:len(commonPrefix)-1], d.s3Path(""), prefix, 1))
		}
		return true
	})
	if err != nil {
		return nil, parseError(opath, err)
	}

	if opath != "/" && len(files) == 0 && len(directories) == 0 {
		// Treat empty response as missing directory, since we don't actually
		// have directories in s3.
		return nil, storagedriver.PathNotFoundError{Path: opath}
	}

	return append(files, directories...), nil
}

// Move moves an object stored at sourcePath to destPath, removing the original
// object.
func (d *driver) Move(ctx context.Context, sourcePath, destPath string) error {
	// S3 has no rename
	if err := d.copy(ctx, sourcePath, destPath); err != nil {
		return err
	}
	return d.Delete(ctx, sourcePath)
}

// copy copies an object stored at sourcePath to destPath. Objects above the
// threshold are copied with concurrent Upload Part - Copy calls.
func (d *driver) copy(ctx context.Context, sourcePath, destPath string) error {
	fileInfo, err := d.Stat(ctx, sourcePath)
	if err != nil {
		return parseError(sourcePath, err)
	}

	if fileInfo.Size() <= d.MultipartCopyThresholdSize {
		_, err := d.S3.CopyObjectWithContext(ctx, &s3.CopyObjectInput{
			Bucket:               aws.String(d.Bucket),
			Key:                  aws.String(d.s3Path(destPath)),
			ContentType:          d.getContentType(),
			ACL:                  d.getACL(),
			ServerSideEncryption: d.getEncryptionMode(),
			SSEKMSKeyId:          d.getSSEKMSKeyID(),
			StorageClass:         d.getStorageClass(),
			CopySource:           aws.String(d.Bucket + "/" + d.s3Path(sourcePath)),
		})
		return parseError(sourcePath, err)
	}

	createResp, err := d.S3.CreateMultipartUploadWithContext(ctx, &s3.CreateMultipartUploadInput{
		Bucket:               aws.String(d.Bucket),
		Key:                  aws.String(d.s3Path(destPath)),
		ContentType:          d.getContentType(),
		ACL:                  d.getACL(),
		SSEKMSKeyId:          d.getSSEKMSKeyID(),
		ServerSideEncryption: d.getEncryptionMode(),
		StorageClass:         d.getStorageClass(),
	})
	if err != nil {
		return err
	}

	numParts := (fileInfo.Size() + d.MultipartCopyChunkSize - 1) / d.MultipartCopyChunkSize
	completedParts := make([]*s3.CompletedPart, numParts)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.MultipartCopyMaxConcurrency)
	for i := range completedParts {
		i := int64(i)
		g.Go(func() error {
			firstByte := i * d.MultipartCopyChunkSize
			lastByte := firstByte + d.MultipartCopyChunkSize - 1
			if lastByte >= fileInfo.Size() {
				lastByte = fileInfo.Size() - 1
			}
			uploadResp, err := d.S3.UploadPartCopyWithContext(gctx, &s3.UploadPartCopyInput{
				Bucket:          aws.String(d.Bucket),
				CopySource:      aws.String(d.Bucket + "/" + d.s3Path(sourcePath)),
				Key:             aws.String(d.s3Path(destPath)),
				PartNumber:      aws.Int64(i + 1),
				UploadId:        createResp.UploadId,
				CopySourceRange: aws.String(fmt.Sprintf("bytes=%d-%d", firstByte, lastByte)),
			})
			if err != nil {
				return err
			}
			completedParts[i] = &s3.CompletedPart{
				ETag:       uploadResp.CopyPartResult.ETag,
				PartNumber: aws.Int64(i + 1),
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		_, _ = d.S3.AbortMultipartUploadWithContext(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(d.Bucket),
			Key:      aws.String(d.s3Path(destPath)),
			UploadId: createResp.UploadId,
		})
		return err
	}

	_, err = d.S3.CompleteMultipartUploadWithContext(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(d.Bucket),
		Key:             aws.String(d.s3Path(destPath)),
		UploadId:        createResp.UploadId,
		MultipartUpload: &s3.CompletedMultipartUpload{Parts: completedParts},
	})
	return err
}

// Delete recursively deletes all objects stored at "path" and its subpaths.
func (d *driver) Delete(ctx context.Context, path string) error {
	s3Path := d.s3Path(path)
	listObjectsInput := &s3.ListObjectsV2Input{
		Bucket: aws.String(d.Bucket),
		Prefix: aws.String(s3Path),
	}

	found := false
	for {
		resp, err := d.S3.ListObjectsV2WithContext(ctx, listObjectsInput)
		if err != nil {
			return parseError(path, err)
		}

		s3Objects := make([]*s3.ObjectIdentifier, 0, len(resp.Contents))
		for _, key := range resp.Contents {
			// Skip keys that are not subpaths, so deleting "/a" does not delete "/ab".
			if len(*key.Key) > len(s3Path) && (*key.Key)[len(s3Path)] != '/' {
				continue
			}
			s3Objects = append(s3Objects, &s3.ObjectIdentifier{Key: key.Key})
		}

		// S3 rejects empty delete requests
		if len(s3Objects) > 0 {
			found = true
			resp, err := d.S3.DeleteObjectsWithContext(ctx, &s3.DeleteObjectsInput{
				Bucket: aws.String(d.Bucket),
				Delete: &s3.Delete{
					Objects: s3Objects,
					Quiet:   aws.Bool(false),
				},
			})
			if err != nil {
				return err
			}

			if len(resp.Errors) > 0 {
				errs := make([]error, 0, len(resp.Errors))
				for _, err := range resp.Errors {
					errs = append(errs, errors.New(err.String()))
				}
				return storagedriver.Errors{
					DriverName: driverName,
					Errs:       errs,
				}
			}
		}

		if !aws.BoolValue(resp.IsTruncated) || len(resp.Contents) == 0 {
			break
		}
		listObjectsInput.StartAfter = resp.Contents[len(resp.Contents)-1].Key
	}

	if !found {
		return storagedriver.PathNotFoundError{Path: path}
	}
	return nil
}

// RedirectURL returns a URL which may be used to retrieve the content stored at the given path.
func (d *driver) RedirectURL(r *http.Request, path string) (string, error) {
	var req *request.Request

	switch r.Method {
	case http.MethodGet:
		req, _ = d.S3.GetObjectRequest(&s3.GetObjectInput{
			Bucket: aws.String(d.Bucket),
			Key:    aws.String(d.s3Path(path)),
		})
	case http.MethodHead:
		req, _ = d.S3.HeadObjectRequest(&s3.HeadObjectInput{
			Bucket: aws.String(d.Bucket),
			Key:    aws.String(d.s3Path(path)),
		})
	default:
		return "", nil
	}

	return req.Presign(redirectExpiry)
}

// Walk traverses a filesystem defined within driver, starting
// from the given path, calling f on each file
func (d *driver) Walk(ctx context.Context, from string, f storagedriver.WalkFn) error {
	return storagedriver.WalkFallback(ctx, d, from, f)
}

func (d *driver) s3Path(path string) string {
	return strings.TrimLeft(strings.TrimRight(d.RootDirectory, "/")+path, "/")
}

func parseError(path string, err error) error {
	if err == nil {
		return nil
	}
	if s3Err, ok := err.(awserr.Error); ok {
		switch s3Err.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return storagedriver.PathNotFoundError{Path: path}
		}
	}

	return err
}

func (d *driver) getEncryptionMode() *string {
	if !d.Encrypt {
		return nil
	}
	if d.KeyID == "" {
		return aws.String("AES256")
	}
	return aws.String("aws:kms")
}

func (d *driver) getSSEKMSKeyID() *string {
	if d.KeyID != "" {
		return aws.String(d.KeyID)
	}
	return nil
}

func (d *driver) getContentType() *string {
	return aws.String("application/octet-stream")
}

func (d *driver) getACL() *string {
	return aws.String(d.ObjectACL)
}

func (d *driver) getStorageClass() *string {
	if d.StorageClass == "NONE" {
		return nil
	}
	return aws.String(d.StorageClass)
}

// writer pipes written bytes into a running s3manager upload.
type writer struct {
	pipe   *io.PipeWriter
	cancel context.CancelFunc
	done   chan struct{}
	err    error

	size      int64
	closed    bool
	committed bool
	cancelled bool
}

func (w *writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, fmt.Errorf("already closed")
	} else if w.committed {
		return 0, fmt.Errorf("already committed")
	} else if w.cancelled {
		return 0, fmt.Errorf("already cancelled")
	}

	n, err := w.pipe.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *writer) Size() int64 {
	return w.size
}

// Close aborts the upload unless it was committed.
func (w *writer) Close() error {
	if w.closed {
		return fmt.Errorf("already closed")
	}
	w.closed = true

	if !w.committed && !w.cancelled {
		w.abort()
	}
	return nil
}

func (w *writer) Cancel(ctx context.Context) error {
	if w.closed {
		return fmt.Errorf("already closed")
	} else if w.committed {
		return fmt.Errorf("already committed")
	}
	w.cancelled = true
	w.abort()
	return nil
}

func (w *writer) Commit(ctx context.Context) error {
	if w.closed {
		return fmt.Errorf("already closed")
	} else if w.committed {
		return fmt.Errorf("already committed")
	} else if w.cancelled {
		return fmt.Errorf("already cancelled")
	}

	w.pipe.Close()
	select {
	case <-w.done:
	case <-ctx.Done():
		w.abort()
		return ctx.Err()
	}
	w.cancel()
	if w.err != nil {
		return w.err
	}
	w.committed = true
	return nil
}

// abort stops the upload; s3manager aborts the multipart upload on error.
func (w *writer) abort() {
	w.pipe.CloseWithError(errors.New("upload cancelled"))
	w.cancel()
	<-w.done
}
