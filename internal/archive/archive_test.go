package archive

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/szaher/tripagent/internal/session"
)

type fakeS3 struct {
	inputs []*s3.PutObjectInput
	bodies [][]byte
	err    error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, _ := io.ReadAll(in.Body)
	f.inputs = append(f.inputs, in)
	f.bodies = append(f.bodies, body)
	return &s3.PutObjectOutput{}, nil
}

func doneSession() *session.Session {
	sess := session.New("trip_01abc")
	sess.State = session.StateDone
	sess.UpdatedAt = time.Date(2025, 6, 3, 10, 0, 0, 0, time.UTC)
	sess.Delivery = &session.Delivery{To: "alex@example.com", Subject: "Trip", Body: "<p>hi</p>"}
	return sess
}

func TestS3ArchiverArchive(t *testing.T) {
	fake := &fakeS3{}
	a := NewS3Archiver(fake, "trips-audit", "/sessions/")

	if err := a.Archive(context.Background(), doneSession()); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if len(fake.inputs) != 1 {
		t.Fatalf("puts = %d", len(fake.inputs))
	}
	in := fake.inputs[0]
	if aws.ToString(in.Bucket) != "trips-audit" {
		t.Errorf("bucket = %q", aws.ToString(in.Bucket))
	}
	if got := aws.ToString(in.Key); got != "sessions/2025/06/03/trip_01abc.json" {
		t.Errorf("key = %q", got)
	}
	if in.Metadata["session-state"] != "done" {
		t.Errorf("metadata = %v", in.Metadata)
	}

	var back session.Session
	if err := json.Unmarshal(fake.bodies[0], &back); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if back.Delivery == nil || back.Delivery.Body != "<p>hi</p>" {
		t.Errorf("delivery not archived: %+v", back.Delivery)
	}
}

func TestS3ArchiverError(t *testing.T) {
	a := NewS3Archiver(&fakeS3{err: errors.New("access denied")}, "b", "")
	err := a.Archive(context.Background(), doneSession())
	if err == nil || !strings.Contains(err.Error(), "s3://b/2025/06/03/trip_01abc.json") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestOpenS3RequiresBucket(t *testing.T) {
	if _, err := OpenS3(context.Background(), S3Config{}); err == nil {
		t.Fatal("expected error without bucket")
	}
}

func TestNop(t *testing.T) {
	if err := (Nop{}).Archive(context.Background(), doneSession()); err != nil {
		t.Fatal(err)
	}
}
