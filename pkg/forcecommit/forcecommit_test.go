package forcecommit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/segmentctl/rebalancer/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeManager struct {
	committed      []types.SegmentID
	pendingRounds  int
	forceCommitErr error
}

func (f *fakeManager) ForceCommit(_ context.Context, _ string, segments []types.SegmentID, _ BatchConfig) ([]types.SegmentID, error) {
	if f.forceCommitErr != nil {
		return nil, f.forceCommitErr
	}
	if f.committed != nil {
		return f.committed, nil
	}
	return segments, nil
}

func (f *fakeManager) SegmentsYetToBeCommitted(_ context.Context, _ string, segments []types.SegmentID) ([]types.SegmentID, error) {
	if f.pendingRounds > 0 {
		f.pendingRounds--
		return segments, nil
	}
	return nil, nil
}

func TestCoordinateSucceedsWhenManagerCommitsImmediately(t *testing.T) {
	mgr := &fakeManager{}
	var started, ended []types.SegmentID
	err := Coordinate(context.Background(), mgr, "t1", []types.SegmentID{"s1"}, BatchConfig{
		StatusCheckInterval: time.Millisecond,
		StatusCheckTimeout:  time.Second,
	}, Hooks{
		OnStart: func(s []types.SegmentID) { started = s },
		OnEnd:   func(s []types.SegmentID) { ended = s },
	})
	require.NoError(t, err)
	assert.Equal(t, []types.SegmentID{"s1"}, started)
	assert.Equal(t, []types.SegmentID{"s1"}, ended)
}

func TestCoordinatePollsUntilCommitted(t *testing.T) {
	mgr := &fakeManager{pendingRounds: 2}
	err := Coordinate(context.Background(), mgr, "t1", []types.SegmentID{"s1"}, BatchConfig{
		StatusCheckInterval: time.Millisecond,
		StatusCheckTimeout:  time.Second,
	}, Hooks{})
	require.NoError(t, err)
}

func TestCoordinateFailsOnTimeout(t *testing.T) {
	mgr := &fakeManager{pendingRounds: 1000}
	err := Coordinate(context.Background(), mgr, "t1", []types.SegmentID{"s1"}, BatchConfig{
		StatusCheckInterval: time.Millisecond,
		StatusCheckTimeout:  20 * time.Millisecond,
	}, Hooks{})
	assert.ErrorIs(t, err, ErrForceCommitFailed)
}

func TestCoordinateReturnsErrorWhenForceCommitRequestFails(t *testing.T) {
	mgr := &fakeManager{forceCommitErr: errors.New("boom")}
	err := Coordinate(context.Background(), mgr, "t1", []types.SegmentID{"s1"}, BatchConfig{}, Hooks{})
	assert.Error(t, err)
}
