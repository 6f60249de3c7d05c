package s3

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/check.v1"

	storagedriver "github.com/dockyard/registry/registry/storage/driver"
	"github.com/dockyard/registry/registry/storage/driver/testsuites"
)

// Hook up gocheck into the "go test" runner.
func Test(t *testing.T) { check.TestingT(t) }

func init() {
	bucket := os.Getenv("S3_BUCKET")
	region := os.Getenv("AWS_REGION")

	testsuites.RegisterSuite(func() (storagedriver.StorageDriver, error) {
		root, err := os.MkdirTemp("", "driver-")
		if err != nil {
			return nil, err
		}
		os.Remove(root)

		return FromParameters(context.Background(), map[string]interface{}{
			"accesskey":      os.Getenv("AWS_ACCESS_KEY"),
			"secretkey":      os.Getenv("AWS_SECRET_KEY"),
			"bucket":         bucket,
			"region":         region,
			"regionendpoint": os.Getenv("REGION_ENDPOINT"),
			"forcepathstyle": os.Getenv("AWS_S3_FORCE_PATH_STYLE"),
			"secure":         os.Getenv("S3_SECURE"),
			"rootdirectory":  root,
		})
	}, func() string {
		if bucket == "" || region == "" {
			return "Must set S3_BUCKET and AWS_REGION to run S3 tests"
		}
		return ""
	})
}

func TestFromParametersValidation(t *testing.T) {
	tests := []struct {
		name   string
		params map[string]interface{}
		ok     bool
	}{
		{"missing region", map[string]interface{}{"bucket": "b"}, false},
		{"unknown region", map[string]interface{}{"bucket": "b", "region": "mars-1"}, false},
		{"custom endpoint region", map[string]interface{}{"bucket": "b", "region": "mars-1", "regionendpoint": "http://minio:9000"}, true},
		{"missing bucket", map[string]interface{}{"region": "us-east-1"}, false},
		{"chunk too small", map[string]interface{}{"bucket": "b", "region": "us-east-1", "chunksize": "1024"}, false},
		{"string chunk size", map[string]interface{}{"bucket": "b", "region": "us-east-1", "chunksize": strconv.Itoa(minChunkSize)}, true},
		{"bad storage class", map[string]interface{}{"bucket": "b", "region": "us-east-1", "storageclass": "GLACIER"}, false},
		{"no storage class", map[string]interface{}{"bucket": "b", "region": "us-east-1", "storageclass": "NONE"}, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d, err := FromParameters(context.Background(), tc.params)
			if !tc.ok {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "s3aws", d.Name())
		})
	}
}

type fakeS3 struct {
	s3iface.S3API
	objects map[string]int64
	deleted []string
}

func (f *fakeS3) ListObjectsV2WithContext(_ aws.Context, in *s3.ListObjectsV2Input, _ ...request.Option) (*s3.ListObjectsV2Output, error) {
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for key, size := range f.objects {
		if len(key) >= len(*in.Prefix) && key[:len(*in.Prefix)] == *in.Prefix {
			out.Contents = append(out.Contents, &s3.Object{
				Key:          aws.String(key),
				Size:         aws.Int64(size),
				LastModified: aws.Time(time.Unix(int64(size), 0)),
			})
		}
	}
	return out, nil
}

func (f *fakeS3) DeleteObjectsWithContext(_ aws.Context, in *s3.DeleteObjectsInput, _ ...request.Option) (*s3.DeleteObjectsOutput, error) {
	for _, obj := range in.Delete.Objects {
		f.deleted = append(f.deleted, *obj.Key)
		delete(f.objects, *obj.Key)
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func (f *fakeS3) HeadObjectWithContext(_ aws.Context, in *s3.HeadObjectInput, _ ...request.Option) (*s3.HeadObjectOutput, error) {
	if size, ok := f.objects[*in.Key]; ok {
		return &s3.HeadObjectOutput{ContentLength: aws.Int64(size), LastModified: aws.Time(time.Unix(size, 0))}, nil
	}
	return nil, awserr.New("NotFound", "not found", nil)
}

func newFakeDriver(objects map[string]int64) (*driver, *fakeS3) {
	fake := &fakeS3{objects: objects}
	return &driver{S3: fake, Bucket: "bucket", RootDirectory: "/root"}, fake
}

func TestDeleteOnlyRemovesSubpaths(t *testing.T) {
	d, fake := newFakeDriver(map[string]int64{
		"root/uploads/a/data":     1,
		"root/uploads/a/chunks/0": 2,
		"root/uploads/ab/data":    3,
	})

	require.NoError(t, d.Delete(context.Background(), "/uploads/a"))
	assert.ElementsMatch(t, []string{"root/uploads/a/data", "root/uploads/a/chunks/0"}, fake.deleted)
	assert.Contains(t, fake.objects, "root/uploads/ab/data")

	err := d.Delete(context.Background(), "/uploads/missing")
	assert.IsType(t, storagedriver.PathNotFoundError{}, err)
}

func TestStatFallsBackToListForDirectories(t *testing.T) {
	d, _ := newFakeDriver(map[string]int64{
		"root/uploads/a/chunks/0":  10,
		"root/uploads/a/chunks/10": 20,
	})

	fi, err := d.Stat(context.Background(), "/uploads/a")
	require.NoError(t, err)
	assert.True(t, fi.IsDir())
	assert.Equal(t, time.Unix(20, 0), fi.ModTime())

	fi, err = d.Stat(context.Background(), "/uploads/a/chunks/10")
	require.NoError(t, err)
	assert.False(t, fi.IsDir())
	assert.Equal(t, int64(20), fi.Size())

	_, err = d.Stat(context.Background(), "/uploads/b")
	assert.IsType(t, storagedriver.PathNotFoundError{}, err)
}

func TestS3Path(t *testing.T) {
	for _, tc := range []struct{ root, path, want string }{
		{"", "/blobs/sha256/ab", "blobs/sha256/ab"},
		{"/", "/blobs", "blobs"},
		{"/registry/", "/blobs", "registry/blobs"},
	} {
		d := &driver{RootDirectory: tc.root}
		assert.Equal(t, tc.want, d.s3Path(tc.path))
	}
}
