package rds

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsrds "github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/aws/aws-sdk-go-v2/service/rds/types"

	"github.com/coffer-io/coffer/core/backend"
	"github.com/coffer-io/coffer/core/manifest"
)

type fakeRDS struct {
	createIn        *awsrds.CreateDBSnapshotInput
	createClusterIn *awsrds.CreateDBClusterSnapshotInput
	deleteIn        *awsrds.DeleteDBSnapshotInput
	deleteClusterIn *awsrds.DeleteDBClusterSnapshotInput

	createErr    error
	describeErr  error
	deleteErr    error
	snapshots    []types.DBSnapshot
	clusterSnaps []types.DBClusterSnapshot
}

func (f *fakeRDS) CreateDBSnapshot(_ context.Context, in *awsrds.CreateDBSnapshotInput, _ ...func(*awsrds.Options)) (*awsrds.CreateDBSnapshotOutput, error) {
	f.createIn = in
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &awsrds.CreateDBSnapshotOutput{
		DBSnapshot: &types.DBSnapshot{
			DBSnapshotArn: aws.String("arn:aws:rds:us-east-1:123:snapshot:" + aws.ToString(in.DBSnapshotIdentifier)),
		},
	}, nil
}

func (f *fakeRDS) DescribeDBSnapshots(_ context.Context, _ *awsrds.DescribeDBSnapshotsInput, _ ...func(*awsrds.Options)) (*awsrds.DescribeDBSnapshotsOutput, error) {
	if f.describeErr != nil {
		return nil, f.describeErr
	}
	return &awsrds.DescribeDBSnapshotsOutput{DBSnapshots: f.snapshots}, nil
}

func (f *fakeRDS) DeleteDBSnapshot(_ context.Context, in *awsrds.DeleteDBSnapshotInput, _ ...func(*awsrds.Options)) (*awsrds.DeleteDBSnapshotOutput, error) {
	f.deleteIn = in
	if f.deleteErr != nil {
		return nil, f.deleteErr
	}
	return &awsrds.DeleteDBSnapshotOutput{}, nil
}

func (f *fakeRDS) CreateDBClusterSnapshot(_ context.Context, in *awsrds.CreateDBClusterSnapshotInput, _ ...func(*awsrds.Options)) (*awsrds.CreateDBClusterSnapshotOutput, error) {
	f.createClusterIn = in
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &awsrds.CreateDBClusterSnapshotOutput{
		DBClusterSnapshot: &types.DBClusterSnapshot{
			DBClusterSnapshotArn: aws.String("arn:aws:rds:us-east-1:123:cluster-snapshot:" + aws.ToString(in.DBClusterSnapshotIdentifier)),
		},
	}, nil
}

func (f *fakeRDS) DescribeDBClusterSnapshots(_ context.Context, _ *awsrds.DescribeDBClusterSnapshotsInput, _ ...func(*awsrds.Options)) (*awsrds.DescribeDBClusterSnapshotsOutput, error) {
	if f.describeErr != nil {
		return nil, f.describeErr
	}
	return &awsrds.DescribeDBClusterSnapshotsOutput{DBClusterSnapshots: f.clusterSnaps}, nil
}

func (f *fakeRDS) DeleteDBClusterSnapshot(_ context.Context, in *awsrds.DeleteDBClusterSnapshotInput, _ ...func(*awsrds.Options)) (*awsrds.DeleteDBClusterSnapshotOutput, error) {
	f.deleteClusterIn = in
	if f.deleteErr != nil {
		return nil, f.deleteErr
	}
	return &awsrds.DeleteDBClusterSnapshotOutput{}, nil
}

func instanceRef() manifest.ArtifactRef {
	return manifest.ArtifactRef{
		SourceID:   "orders-db",
		ArtifactID: "orders_20250110_120000",
		Kind:       manifest.KindInstance,
		Backend:    "rds",
	}
}

func TestSubmitInstanceSnapshot(t *testing.T) {
	fake := &fakeRDS{}
	a := NewWithClient(fake)

	handle, err := a.Submit(context.Background(), instanceRef())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got := aws.ToString(fake.createIn.DBSnapshotIdentifier); got != "orders-20250110-120000" {
		t.Fatalf("snapshot identifier = %q, want hyphenated", got)
	}
	if got := aws.ToString(fake.createIn.DBInstanceIdentifier); got != "orders-db" {
		t.Fatalf("instance identifier = %q", got)
	}
	if handle.ID != "orders-20250110-120000" {
		t.Fatalf("handle id = %q", handle.ID)
	}
	if handle.Location == "" || handle.Meta["kind"] != "Instance" {
		t.Fatalf("handle = %+v", handle)
	}
}

func TestSubmitClusterSnapshot(t *testing.T) {
	fake := &fakeRDS{}
	a := NewWithClient(fake)
	ref := instanceRef()
	ref.Kind = manifest.KindCluster
	ref.SourceID = "orders-cluster"

	handle, err := a.Submit(context.Background(), ref)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got := aws.ToString(fake.createClusterIn.DBClusterIdentifier); got != "orders-cluster" {
		t.Fatalf("cluster identifier = %q", got)
	}
	if handle.Meta["kind"] != "Cluster" {
		t.Fatalf("handle meta = %v", handle.Meta)
	}
}

func TestSubmitUnsupportedKind(t *testing.T) {
	a := NewWithClient(&fakeRDS{})
	ref := instanceRef()
	ref.Kind = manifest.KindTable

	_, err := a.Submit(context.Background(), ref)
	if !errors.Is(err, backend.ErrUnsupportedKind) {
		t.Fatalf("err = %v, want unsupported kind", err)
	}
}

func TestStatusProgression(t *testing.T) {
	fake := &fakeRDS{snapshots: []types.DBSnapshot{{
		Status:          aws.String("creating"),
		PercentProgress: aws.Int32(40),
	}}}
	a := NewWithClient(fake)
	handle := backend.Handle{ID: "orders-20250110-120000", Meta: map[string]string{"kind": "Instance"}}

	report, err := a.Status(context.Background(), handle)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if report.State != backend.StateRunning || report.Meta["progress"] != "40%" {
		t.Fatalf("report = %+v", report)
	}

	fake.snapshots = []types.DBSnapshot{{
		Status:           aws.String("available"),
		AllocatedStorage: aws.Int32(100),
	}}
	report, err = a.Status(context.Background(), handle)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if report.State != backend.StateDone {
		t.Fatalf("state = %s, want Done", report.State)
	}
	if report.SizeBytes != 100*gib {
		t.Fatalf("size = %d, want %d", report.SizeBytes, 100*gib)
	}

	fake.snapshots = []types.DBSnapshot{{Status: aws.String("failed")}}
	report, err = a.Status(context.Background(), handle)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if report.State != backend.StateErrored || report.Reason != "snapshot failed" {
		t.Fatalf("report = %+v", report)
	}
}

func TestStatusClusterSnapshot(t *testing.T) {
	fake := &fakeRDS{clusterSnaps: []types.DBClusterSnapshot{{
		Status:           aws.String("available"),
		AllocatedStorage: aws.Int32(2),
	}}}
	a := NewWithClient(fake)
	handle := backend.Handle{ID: "orders-20250110-120000", Meta: map[string]string{"kind": "Cluster"}}

	report, err := a.Status(context.Background(), handle)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if report.State != backend.StateDone || report.SizeBytes != 2*gib {
		t.Fatalf("report = %+v", report)
	}
}

func TestStatusNotFoundIsErrored(t *testing.T) {
	fake := &fakeRDS{describeErr: &types.DBSnapshotNotFoundFault{Message: aws.String("missing")}}
	a := NewWithClient(fake)

	report, err := a.Status(context.Background(), backend.Handle{ID: "gone"})
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if report.State != backend.StateErrored || report.Reason != "snapshot not found" {
		t.Fatalf("report = %+v", report)
	}
}

func TestStatusDescribeErrorIsTransient(t *testing.T) {
	fake := &fakeRDS{describeErr: errors.New("throttled")}
	a := NewWithClient(fake)

	_, err := a.Status(context.Background(), backend.Handle{ID: "orders-20250110-120000"})
	if !backend.IsTransient(err) {
		t.Fatalf("err = %v, want transient", err)
	}
}

func TestDeleteToleratesMissingSnapshot(t *testing.T) {
	fake := &fakeRDS{deleteErr: &types.DBSnapshotNotFoundFault{Message: aws.String("missing")}}
	a := NewWithClient(fake)

	if err := a.Delete(context.Background(), instanceRef()); err != nil {
		t.Fatalf("delete of missing snapshot should be nil, got %v", err)
	}
	if got := aws.ToString(fake.deleteIn.DBSnapshotIdentifier); got != "orders-20250110-120000" {
		t.Fatalf("delete identifier = %q", got)
	}
}

func TestDeleteClusterSnapshot(t *testing.T) {
	fake := &fakeRDS{}
	a := NewWithClient(fake)
	ref := instanceRef()
	ref.Kind = manifest.KindCluster

	if err := a.Delete(context.Background(), ref); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if fake.deleteClusterIn == nil {
		t.Fatal("cluster delete not issued")
	}
}
