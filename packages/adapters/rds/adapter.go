// Package rds backs up RDS instances and Aurora clusters through manual
// snapshots.
package rds

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsrds "github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/aws/aws-sdk-go-v2/service/rds/types"

	"github.com/coffer-io/coffer/core/backend"
	"github.com/coffer-io/coffer/core/manifest"
)

const gib = int64(1024 * 1024 * 1024)

// rdsAPI is the slice of the RDS client the adapter needs.
type rdsAPI interface {
	CreateDBSnapshot(ctx context.Context, in *awsrds.CreateDBSnapshotInput, optFns ...func(*awsrds.Options)) (*awsrds.CreateDBSnapshotOutput, error)
	DescribeDBSnapshots(ctx context.Context, in *awsrds.DescribeDBSnapshotsInput, optFns ...func(*awsrds.Options)) (*awsrds.DescribeDBSnapshotsOutput, error)
	DeleteDBSnapshot(ctx context.Context, in *awsrds.DeleteDBSnapshotInput, optFns ...func(*awsrds.Options)) (*awsrds.DeleteDBSnapshotOutput, error)
	CreateDBClusterSnapshot(ctx context.Context, in *awsrds.CreateDBClusterSnapshotInput, optFns ...func(*awsrds.Options)) (*awsrds.CreateDBClusterSnapshotOutput, error)
	DescribeDBClusterSnapshots(ctx context.Context, in *awsrds.DescribeDBClusterSnapshotsInput, optFns ...func(*awsrds.Options)) (*awsrds.DescribeDBClusterSnapshotsOutput, error)
	DeleteDBClusterSnapshot(ctx context.Context, in *awsrds.DeleteDBClusterSnapshotInput, optFns ...func(*awsrds.Options)) (*awsrds.DeleteDBClusterSnapshotOutput, error)
}

// Adapter drives RDS manual snapshots. Kind Instance maps to DB snapshots,
// Kind Cluster to DB cluster snapshots.
type Adapter struct {
	client rdsAPI
}

// New builds an adapter from the default AWS credential chain.
func New(ctx context.Context, region string) (*Adapter, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewWithClient(awsrds.NewFromConfig(cfg)), nil
}

// NewWithClient wires a preconstructed client, real or fake.
func NewWithClient(client rdsAPI) *Adapter {
	return &Adapter{client: client}
}

// snapshotID maps an artifact id to a valid RDS snapshot identifier.
// RDS allows letters, digits, and hyphens only.
func snapshotID(artifactID string) string {
	return strings.ReplaceAll(artifactID, "_", "-")
}

func (a *Adapter) Submit(ctx context.Context, ref manifest.ArtifactRef) (backend.Handle, error) {
	id := snapshotID(ref.ArtifactID)
	switch ref.Kind {
	case manifest.KindInstance:
		out, err := a.client.CreateDBSnapshot(ctx, &awsrds.CreateDBSnapshotInput{
			DBSnapshotIdentifier: aws.String(id),
			DBInstanceIdentifier: aws.String(ref.SourceID),
		})
		if err != nil {
			return backend.Handle{}, fmt.Errorf("create db snapshot %s: %w", id, err)
		}
		return backend.Handle{
			ID:       id,
			Location: aws.ToString(out.DBSnapshot.DBSnapshotArn),
			Meta:     map[string]string{"kind": string(ref.Kind)},
		}, nil
	case manifest.KindCluster:
		out, err := a.client.CreateDBClusterSnapshot(ctx, &awsrds.CreateDBClusterSnapshotInput{
			DBClusterSnapshotIdentifier: aws.String(id),
			DBClusterIdentifier:         aws.String(ref.SourceID),
		})
		if err != nil {
			return backend.Handle{}, fmt.Errorf("create db cluster snapshot %s: %w", id, err)
		}
		return backend.Handle{
			ID:       id,
			Location: aws.ToString(out.DBClusterSnapshot.DBClusterSnapshotArn),
			Meta:     map[string]string{"kind": string(ref.Kind)},
		}, nil
	default:
		return backend.Handle{}, fmt.Errorf("rds adapter: %w: %s", backend.ErrUnsupportedKind, ref.Kind)
	}
}

func (a *Adapter) Status(ctx context.Context, handle backend.Handle) (backend.StatusReport, error) {
	if handle.Meta["kind"] == string(manifest.KindCluster) {
		return a.clusterStatus(ctx, handle.ID)
	}
	return a.instanceStatus(ctx, handle.ID)
}

func (a *Adapter) instanceStatus(ctx context.Context, id string) (backend.StatusReport, error) {
	out, err := a.client.DescribeDBSnapshots(ctx, &awsrds.DescribeDBSnapshotsInput{
		DBSnapshotIdentifier: aws.String(id),
	})
	if err != nil {
		var notFound *types.DBSnapshotNotFoundFault
		if errors.As(err, &notFound) {
			return backend.StatusReport{State: backend.StateErrored, Reason: "snapshot not found"}, nil
		}
		return backend.StatusReport{}, &backend.TransientError{Reason: "describe db snapshot", Err: err}
	}
	if len(out.DBSnapshots) == 0 {
		return backend.StatusReport{State: backend.StateErrored, Reason: "snapshot not found"}, nil
	}
	snap := out.DBSnapshots[0]
	return snapshotReport(aws.ToString(snap.Status), aws.ToInt32(snap.AllocatedStorage), aws.ToInt32(snap.PercentProgress)), nil
}

func (a *Adapter) clusterStatus(ctx context.Context, id string) (backend.StatusReport, error) {
	out, err := a.client.DescribeDBClusterSnapshots(ctx, &awsrds.DescribeDBClusterSnapshotsInput{
		DBClusterSnapshotIdentifier: aws.String(id),
	})
	if err != nil {
		var notFound *types.DBClusterSnapshotNotFoundFault
		if errors.As(err, &notFound) {
			return backend.StatusReport{State: backend.StateErrored, Reason: "snapshot not found"}, nil
		}
		return backend.StatusReport{}, &backend.TransientError{Reason: "describe db cluster snapshot", Err: err}
	}
	if len(out.DBClusterSnapshots) == 0 {
		return backend.StatusReport{State: backend.StateErrored, Reason: "snapshot not found"}, nil
	}
	snap := out.DBClusterSnapshots[0]
	return snapshotReport(aws.ToString(snap.Status), aws.ToInt32(snap.AllocatedStorage), aws.ToInt32(snap.PercentProgress)), nil
}

// snapshotReport folds the RDS status string into the adapter contract.
// AllocatedStorage is reported in GiB.
func snapshotReport(status string, allocatedGiB, progress int32) backend.StatusReport {
	switch strings.ToLower(status) {
	case "available":
		return backend.StatusReport{
			State:     backend.StateDone,
			SizeBytes: int64(allocatedGiB) * gib,
			Meta:      map[string]string{"status": status},
		}
	case "failed", "deleted":
		return backend.StatusReport{State: backend.StateErrored, Reason: "snapshot " + strings.ToLower(status)}
	default:
		return backend.StatusReport{
			State: backend.StateRunning,
			Meta: map[string]string{
				"status":   status,
				"progress": fmt.Sprintf("%d%%", progress),
			},
		}
	}
}

func (a *Adapter) Delete(ctx context.Context, ref manifest.ArtifactRef) error {
	id := snapshotID(ref.ArtifactID)
	if ref.Kind == manifest.KindCluster {
		_, err := a.client.DeleteDBClusterSnapshot(ctx, &awsrds.DeleteDBClusterSnapshotInput{
			DBClusterSnapshotIdentifier: aws.String(id),
		})
		var notFound *types.DBClusterSnapshotNotFoundFault
		if errors.As(err, &notFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("delete db cluster snapshot %s: %w", id, err)
		}
		return nil
	}
	_, err := a.client.DeleteDBSnapshot(ctx, &awsrds.DeleteDBSnapshotInput{
		DBSnapshotIdentifier: aws.String(id),
	})
	var notFound *types.DBSnapshotNotFoundFault
	if errors.As(err, &notFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete db snapshot %s: %w", id, err)
	}
	return nil
}
