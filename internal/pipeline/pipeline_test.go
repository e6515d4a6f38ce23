package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pdxseg/internal/imaging"
	"pdxseg/internal/pipeline"
	"pdxseg/internal/services"
	"pdxseg/internal/studies"
)

// Slices carry their classification in the first pixel: 1 positive, 0
// negative, -1 classifier error.
type fakeSource struct {
	slices map[int]*imaging.Grid
	order  []int
}

func newSource(size int, markers ...float32) *fakeSource {
	src := &fakeSource{slices: map[int]*imaging.Grid{}}
	for i, m := range markers {
		g := imaging.NewGrid(size, size)
		g.Pix[0] = m
		for j := 1; j < len(g.Pix); j++ {
			if m == 1 && j%2 == 0 {
				g.Pix[j] = 100
			}
		}
		src.slices[i+1] = g
		src.order = append(src.order, i+1)
	}
	return src
}

func (s *fakeSource) ListSlices(context.Context, string) ([]int, error) {
	return s.order, nil
}

func (s *fakeSource) Slice(_ context.Context, studyID string, index int) (studies.Slice, error) {
	g, ok := s.slices[index]
	if !ok {
		return studies.Slice{}, services.Wrap(services.ErrNotFound, "test", "slice", fmt.Sprint(index), nil)
	}
	return studies.Slice{Index: index, Data: g}, nil
}

type memMasks struct {
	mu    sync.Mutex
	masks map[int]*imaging.Mask
}

func (m *memMasks) PutMask(_ string, index int, mask *imaging.Mask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.masks == nil {
		m.masks = map[int]*imaging.Mask{}
	}
	m.masks[index] = mask
	return nil
}

type markerClassifier struct{}

func (markerClassifier) Geometry() imaging.Size { return imaging.Size{} }

func (markerClassifier) Predict(_ context.Context, g *imaging.Grid) (bool, error) {
	if g.Pix[0] == -1 {
		return false, errors.New("classifier exploded")
	}
	return g.Pix[0] == 1, nil
}

type passthroughSegmenter struct {
	size   imaging.Size
	calls  atomic.Int32
	failOn int32
}

func (s *passthroughSegmenter) Geometry() imaging.Size { return s.size }

func (s *passthroughSegmenter) Predict(_ context.Context, g *imaging.Grid, _ float64) (*imaging.Grid, error) {
	if n := s.calls.Add(1); n == s.failOn {
		return nil, errors.New("segmenter exploded")
	}
	return g.Clone(), nil
}

func run(t *testing.T, src *fakeSource, seg *passthroughSegmenter) (pipeline.Outcome, *memMasks, error) {
	t.Helper()
	masks := &memMasks{}
	p := pipeline.New(src, masks, 3, nil)
	out, err := p.Run(context.Background(), pipeline.Request{
		StudyID:    "s1",
		Threshold:  0.5,
		Classifier: markerClassifier{},
		Segmenter:  seg,
	})
	return out, masks, err
}

func TestSpan(t *testing.T) {
	cases := []struct {
		flags       []bool
		first, last int
		ok          bool
	}{
		{[]bool{false, false, true, true, false, true, false}, 3, 6, true},
		{[]bool{true}, 1, 1, true},
		{[]bool{false, false}, 0, 0, false},
		{nil, 0, 0, false},
		{[]bool{true, false, false, true}, 1, 4, true},
	}
	for _, tc := range cases {
		first, last, ok := pipeline.Span(tc.flags)
		assert.Equal(t, []any{tc.first, tc.last, tc.ok}, []any{first, last, ok}, "flags %v", tc.flags)
	}
}

func TestRunWritesOneMaskPerSlice(t *testing.T) {
	src := newSource(4, 0, 0, 1, 1, 0, 1, 0)
	seg := &passthroughSegmenter{size: imaging.Size{Width: 4, Height: 4}}
	out, masks, err := run(t, src, seg)
	require.NoError(t, err)

	assert.Equal(t, []bool{false, false, true, true, false, true, false}, out.Flags)
	assert.Equal(t, 3, out.First)
	assert.Equal(t, 6, out.Last)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7}, out.Written)
	assert.Empty(t, out.Skipped)
	assert.Len(t, masks.masks, 7)
	assert.Equal(t, int32(4), seg.calls.Load(), "only slices 3..6 are segmented")

	for _, idx := range []int{1, 2, 7} {
		assert.Zero(t, masks.masks[idx].Count(), "slice %d is outside the span", idx)
	}
	assert.Positive(t, masks.masks[3].Count())
}

func TestRunSegmentsNegativeSliceInsideSpan(t *testing.T) {
	src := newSource(4, 1, 0, 1, 0)
	// Slice 2 is classified negative but has bright tissue.
	for j := 1; j < len(src.slices[2].Pix); j++ {
		src.slices[2].Pix[j] = 100
	}
	seg := &passthroughSegmenter{size: imaging.Size{Width: 4, Height: 4}}
	out, masks, err := run(t, src, seg)
	require.NoError(t, err)

	assert.Equal(t, []bool{true, false, true, false}, out.Flags)
	assert.Equal(t, int32(3), seg.calls.Load(), "slices 1..3 go through the segmenter")
	assert.Equal(t, 15, masks.masks[2].Count(), "in-span negative keeps the segmenter mask")
	assert.Zero(t, masks.masks[4].Count(), "out-of-span slice is zero")
}

func TestRunAllNegativeWritesZeroMasks(t *testing.T) {
	src := newSource(4, 0, 0, 0)
	seg := &passthroughSegmenter{size: imaging.Size{Width: 4, Height: 4}}
	out, masks, err := run(t, src, seg)
	require.NoError(t, err)

	assert.Zero(t, out.First)
	assert.Len(t, masks.masks, 3)
	for _, m := range masks.masks {
		assert.Zero(t, m.Count())
	}
	assert.Zero(t, seg.calls.Load())
}

func TestRunClassifierErrorFailsRun(t *testing.T) {
	src := newSource(4, 0, -1, 1)
	_, masks, err := run(t, src, &passthroughSegmenter{size: imaging.Size{Width: 4, Height: 4}})
	require.Error(t, err)
	assert.ErrorIs(t, err, services.ErrModelFailure)
	assert.Empty(t, masks.masks, "pass 2 must not start after a pass 1 failure")
}

func TestRunEmptyStudyIsNotFound(t *testing.T) {
	_, _, err := run(t, newSource(4), &passthroughSegmenter{size: imaging.Size{Width: 4, Height: 4}})
	assert.ErrorIs(t, err, services.ErrNotFound)
}

func TestRunSkipsFailingSlice(t *testing.T) {
	src := newSource(4, 1, 1, 1)
	seg := &passthroughSegmenter{size: imaging.Size{Width: 4, Height: 4}, failOn: 2}
	out, masks, err := run(t, src, seg)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3}, out.Written)
	assert.Equal(t, []int{2}, out.Skipped)
	assert.NotContains(t, masks.masks, 2)
}

func TestRunResizesToModelGeometryAndBack(t *testing.T) {
	src := newSource(4, 1)
	seg := &passthroughSegmenter{size: imaging.Size{Width: 8, Height: 8}}
	_, masks, err := run(t, src, seg)
	require.NoError(t, err)
	assert.Equal(t, imaging.Size{Width: 4, Height: 4}, masks.masks[1].Size())
}

func TestRunReportsProgress(t *testing.T) {
	src := newSource(4, 0, 1, 0, 1)
	var mu sync.Mutex
	seen := map[string]int{}
	p := pipeline.New(src, &memMasks{}, 2, nil)
	_, err := p.Run(context.Background(), pipeline.Request{
		StudyID:    "s1",
		Classifier: markerClassifier{},
		Segmenter:  &passthroughSegmenter{size: imaging.Size{Width: 4, Height: 4}},
		Progress: func(stage string, done, total int) {
			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, 4, total)
			seen[stage] = max(seen[stage], done)
		},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{pipeline.StageClassify: 4, pipeline.StageSegment: 4}, seen)
}

func TestResegmentSkipsMissingAndDedupes(t *testing.T) {
	src := newSource(4, 1, 1, 1, 1, 1)
	masks := &memMasks{}
	p := pipeline.New(src, masks, 1, nil)
	seg := &passthroughSegmenter{size: imaging.Size{Width: 4, Height: 4}}

	updated, err := p.Resegment(context.Background(), "s1", []int{5, 2, 99, 2}, seg, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 5}, updated)
	assert.Len(t, masks.masks, 2)
	assert.Equal(t, int32(2), seg.calls.Load())
}

func TestSegmentRejectsWrongGeometry(t *testing.T) {
	bad := badGeometrySegmenter{}
	g := imaging.NewGrid(4, 4)
	_, err := pipeline.Segment(context.Background(), bad, g, 0.5)
	assert.ErrorIs(t, err, services.ErrModelFailure)
}

type badGeometrySegmenter struct{}

func (badGeometrySegmenter) Geometry() imaging.Size { return imaging.Size{Width: 4, Height: 4} }

func (badGeometrySegmenter) Predict(context.Context, *imaging.Grid, float64) (*imaging.Grid, error) {
	return imaging.NewGrid(2, 2), nil
}

func TestNormalizeThreshold(t *testing.T) {
	assert.Equal(t, 0.5, pipeline.NormalizeThreshold(0))
	assert.Equal(t, 0.5, pipeline.NormalizeThreshold(-1))
	assert.Equal(t, 0.3, pipeline.NormalizeThreshold(0.3))
}
