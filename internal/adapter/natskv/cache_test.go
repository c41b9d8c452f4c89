package natskv

import (
	"context"
	"os"
	"testing"
	"time"

	natsadapter "github.com/rpma-off/rpma-sync/internal/adapter/nats"
	"github.com/rpma-off/rpma-sync/internal/port/cache/cachetest"
)

func TestEncodeKey(t *testing.T) {
	tests := []struct {
		in     string
		passes bool
	}{
		{"exists.step.abc-123", true},
		{"exists.photo.a b", false},
		{"exists.client.x:y", false},
	}
	for _, tt := range tests {
		got := encodeKey(tt.in)
		if (got == tt.in) != tt.passes {
			t.Errorf("encodeKey(%q) = %q, passthrough expected %v", tt.in, got, tt.passes)
		}
		for _, r := range got {
			if !validKeyRune(r) {
				t.Errorf("encodeKey(%q) produced invalid rune %q", tt.in, r)
			}
		}
	}
}

func TestComplianceIntegration(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("requires NATS_URL")
	}
	ctx := context.Background()
	q, err := natsadapter.Connect(ctx, url, "RPMASYNC_TEST")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer func() { _ = q.Close() }()

	kv, err := q.KeyValue(ctx, "rpmasync-test-exists", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	cachetest.RunComplianceTests(t, New(kv))
}
