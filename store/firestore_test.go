package store

import (
	"context"
	"os"
	"testing"

	"cloud.google.com/go/firestore"
)

func testFirestoreClient(t *testing.T) *firestore.Client {
	t.Helper()
	projectID := os.Getenv("FIRESTORE_PROJECT")
	if projectID == "" {
		t.Skip("FIRESTORE_PROJECT not set, skipping Firestore tests")
	}
	client, err := firestore.NewClient(context.Background(), projectID)
	if err != nil {
		t.Fatalf("failed to create Firestore client: %v", err)
	}
	return client
}

func TestFirestoreStorage(t *testing.T) {
	s := NewFirestoreStorage(testFirestoreClient(t), "relay-test")
	t.Cleanup(func() { s.Close() })
	testStorageContract(t, s)
}
