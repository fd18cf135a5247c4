package store

import (
	"context"
	"os"
	"testing"
)

func TestS3Storage(t *testing.T) {
	endpoint := os.Getenv("S3_ENDPOINT")
	if endpoint == "" {
		t.Skip("S3_ENDPOINT not set, skipping S3 tests")
	}
	s, err := NewS3Storage(context.Background(), S3Config{
		Endpoint:  endpoint,
		Region:    "us-east-1",
		Bucket:    "relay-test",
		AccessKey: os.Getenv("S3_ACCESS_KEY"),
		SecretKey: os.Getenv("S3_SECRET_KEY"),
		PathStyle: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	testStorageContract(t, s)
}

func TestObjectPrefix(t *testing.T) {
	got := objectPrefix("a/b", "index", Options{Branch: "main", GC: true})
	if got != "a%2Fb/index/main/true/" {
		t.Errorf("objectPrefix = %q", got)
	}
}
