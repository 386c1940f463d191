package s3client

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
)

// NewInMemory starts a gofakes3 server on a loopback port and returns a
// Client for bucketName, which is created. Call stop to shut the server
// down. The server backs --no-s3 runs and tests.
func NewInMemory(ctx context.Context, bucketName string) (client *Client, stop func(), err error) {
	faker := gofakes3.New(s3mem.New())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to listen for in-memory S3: %w", err)
	}
	srv := &http.Server{Handler: faker.Server()}
	go srv.Serve(ln)
	stop = func() { srv.Close() }

	client, err = New(ctx, Config{
		Endpoint:        "http://" + ln.Addr().String(),
		Region:          "us-east-1",
		AccessKeyID:     "test-key",
		SecretAccessKey: "test-secret",
		BucketName:      bucketName,
		UsePathStyle:    true, // Required for gofakes3
	})
	if err != nil {
		stop()
		return nil, nil, err
	}

	_, err = client.s3Client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(bucketName),
	})
	if err != nil {
		stop()
		return nil, nil, fmt.Errorf("failed to create bucket %q: %w", bucketName, err)
	}
	return client, stop, nil
}

// TestClient creates a Client backed by an in-memory gofakes3 server with
// bucketName already created. The server stops when t finishes.
func TestClient(t testing.TB, bucketName string) *Client {
	t.Helper()
	client, stop, err := NewInMemory(context.Background(), bucketName)
	if err != nil {
		t.Fatalf("failed to start in-memory S3: %v", err)
	}
	t.Cleanup(stop)
	return client
}
