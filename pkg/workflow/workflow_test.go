package workflow

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopkit/loopkit/pkg/llm"
)

func upper(ctx context.Context, in string) (string, error) {
	return strings.ToUpper(in), nil
}

func exclaim(ctx context.Context, in string) (string, error) {
	return in + "!", nil
}

func length(ctx context.Context, in string) (int, error) {
	return len(in), nil
}

func TestNewPlanValidation(t *testing.T) {
	t.Run("duplicate ids", func(t *testing.T) {
		_, err := NewPlan([]Node{
			NewNode("a", upper),
			NewNode("a", exclaim),
		}, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "duplicate")
	})

	t.Run("unknown edge endpoint", func(t *testing.T) {
		_, err := NewPlan([]Node{NewNode("a", upper)},
			[]Edge{{From: "a", To: "ghost"}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown node")
	})

	t.Run("cycle", func(t *testing.T) {
		_, err := NewPlan([]Node{
			NewNode("a", upper),
			NewNode("b", exclaim),
		}, []Edge{
			{From: "a", To: "b"},
			{From: "b", To: "a"},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cycle")
	})

	t.Run("type mismatch", func(t *testing.T) {
		_, err := NewPlan([]Node{
			NewNode("len", length),
			NewNode("up", upper),
		}, []Edge{{From: "len", To: "up"}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not assignable")
	})

	t.Run("multiple predecessors", func(t *testing.T) {
		_, err := NewPlan([]Node{
			NewNode("a", upper),
			NewNode("b", exclaim),
			NewNode("c", upper),
		}, []Edge{
			{From: "a", To: "c"},
			{From: "b", To: "c"},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "aggregator")
	})
}

func TestPlanRoots(t *testing.T) {
	plan, err := NewPlan([]Node{
		NewNode("a", upper),
		NewNode("b", exclaim),
		NewNode("c", upper),
	}, []Edge{{From: "a", To: "c"}})
	require.NoError(t, err)

	assert.Equal(t, []NodeID{"a", "b"}, plan.Roots())
	assert.Equal(t, 3, plan.Size())
}

func TestExecuteLinearChain(t *testing.T) {
	plan, err := NewPlan([]Node{
		NewNode("up", upper),
		NewNode("bang", exclaim),
		NewNode("len", length),
	}, []Edge{
		{From: "up", To: "bang"},
		{From: "bang", To: "len"},
	})
	require.NoError(t, err)

	outputs, err := NewRunner(nil).Execute(context.Background(), plan,
		map[NodeID]any{"up": "hello"})
	require.NoError(t, err)

	assert.Equal(t, "HELLO", outputs["up"])
	assert.Equal(t, "HELLO!", outputs["bang"])
	assert.Equal(t, 6, outputs["len"])
}

func TestExecuteParallelFrontier(t *testing.T) {
	var running, peak atomic.Int32
	slow := func(ctx context.Context, in string) (string, error) {
		n := running.Add(1)
		for {
			cur := peak.Load()
			if n <= cur || peak.CompareAndSwap(cur, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return in, nil
	}

	plan, err := NewPlan([]Node{
		NewNode("a", slow),
		NewNode("b", slow),
		NewNode("c", slow),
	}, nil)
	require.NoError(t, err)

	outputs, err := NewRunner(nil).Execute(context.Background(), plan, map[NodeID]any{
		"a": "x", "b": "y", "c": "z",
	})
	require.NoError(t, err)
	assert.Len(t, outputs, 3)
	assert.Greater(t, peak.Load(), int32(1), "independent roots run concurrently")
}

func TestExecuteDispatchesOnPredecessorCompletion(t *testing.T) {
	// "blocked" only returns once "chain" has run. If nodes were dispatched
	// in lock-step levels, "chain" would wait for "blocked" and the plan
	// would deadlock; completion-driven scheduling lets the fast branch run
	// ahead of the slow root.
	release := make(chan struct{})
	blocked := func(ctx context.Context, in string) (string, error) {
		select {
		case <-release:
			return in, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	unblock := func(ctx context.Context, in string) (string, error) {
		close(release)
		return in, nil
	}

	plan, err := NewPlan([]Node{
		NewNode("blocked", blocked),
		NewNode("fast", upper),
		NewNode("chain", unblock),
	}, []Edge{{From: "fast", To: "chain"}})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	outputs, err := NewRunner(nil).Execute(ctx, plan, map[NodeID]any{
		"blocked": "x", "fast": "y",
	})
	require.NoError(t, err)
	assert.Equal(t, "Y", outputs["chain"])
	assert.Equal(t, "x", outputs["blocked"])
}

func TestExecuteMissingRootInput(t *testing.T) {
	plan, err := NewPlan([]Node{NewNode("a", upper)}, nil)
	require.NoError(t, err)

	_, err = NewRunner(nil).Execute(context.Background(), plan, nil)
	require.Error(t, err)
	assert.Equal(t, llm.KindValidation, llm.KindOf(err))
}

func TestExecuteWrongRootInputType(t *testing.T) {
	plan, err := NewPlan([]Node{NewNode("a", upper)}, nil)
	require.NoError(t, err)

	_, err = NewRunner(nil).Execute(context.Background(), plan,
		map[NodeID]any{"a": 42})
	require.Error(t, err)
	assert.Equal(t, llm.KindValidation, llm.KindOf(err))
}

func TestExecuteFailureDiscardsOutputs(t *testing.T) {
	boom := func(ctx context.Context, in string) (string, error) {
		return "", errors.New("downstream broke")
	}
	plan, err := NewPlan([]Node{
		NewNode("ok", upper),
		NewNode("bad", boom),
	}, []Edge{{From: "ok", To: "bad"}})
	require.NoError(t, err)

	outputs, err := NewRunner(nil).Execute(context.Background(), plan,
		map[NodeID]any{"ok": "hello"})
	require.Error(t, err)
	assert.Nil(t, outputs)
	assert.Contains(t, err.Error(), "node bad")
	assert.Contains(t, err.Error(), "downstream broke")
}

func TestExecuteFailureCancelsSiblings(t *testing.T) {
	cancelled := make(chan struct{})
	boom := func(ctx context.Context, in string) (string, error) {
		return "", errors.New("instant failure")
	}
	watcher := func(ctx context.Context, in string) (string, error) {
		select {
		case <-ctx.Done():
			close(cancelled)
			return "", ctx.Err()
		case <-time.After(2 * time.Second):
			return in, nil
		}
	}

	plan, err := NewPlan([]Node{
		NewNode("boom", boom),
		NewNode("watch", watcher),
	}, nil)
	require.NoError(t, err)

	_, err = NewRunner(nil).Execute(context.Background(), plan, map[NodeID]any{
		"boom": "x", "watch": "y",
	})
	require.Error(t, err)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("sibling node was not cancelled after the failure")
	}
}

func TestWithRetry(t *testing.T) {
	var attempts atomic.Int32
	flaky := func(ctx context.Context, in string) (string, error) {
		if attempts.Add(1) < 3 {
			return "", errors.New("transient")
		}
		return in, nil
	}

	out, err := WithRetry(flaky, 3, time.Millisecond)(context.Background(), "ok")
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestWithRetryExhausted(t *testing.T) {
	var attempts atomic.Int32
	failing := func(ctx context.Context, in string) (string, error) {
		attempts.Add(1)
		return "", errors.New("permanent")
	}

	_, err := WithRetry(failing, 2, time.Millisecond)(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permanent")
	assert.Equal(t, int32(2), attempts.Load())
}

func TestWithRetryCancelledDuringBackoff(t *testing.T) {
	failing := func(ctx context.Context, in string) (string, error) {
		return "", errors.New("always")
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	_, err := WithRetry(failing, 5, time.Second)(ctx, "x")
	require.Error(t, err)
	assert.Equal(t, llm.KindCancelled, llm.KindOf(err))
}

func TestWithTimeout(t *testing.T) {
	slow := func(ctx context.Context, in string) (string, error) {
		select {
		case <-time.After(time.Second):
			return in, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	_, err := WithTimeout(slow, 10*time.Millisecond)(context.Background(), "x")
	require.Error(t, err)
	assert.Equal(t, llm.KindTimeout, llm.KindOf(err))

	out, err := WithTimeout(upper, time.Second)(context.Background(), "fast")
	require.NoError(t, err)
	assert.Equal(t, "FAST", out)
}

func TestWithFallback(t *testing.T) {
	failing := func(ctx context.Context, in string) (string, error) {
		return "", errors.New("primary down")
	}

	out, err := WithFallback(failing, exclaim)(context.Background(), "plan b")
	require.NoError(t, err)
	assert.Equal(t, "plan b!", out)

	out, err = WithFallback(upper, exclaim)(context.Background(), "plan a")
	require.NoError(t, err)
	assert.Equal(t, "PLAN A", out, "the fallback never fires on success")
}

func TestWithPoliciesComposition(t *testing.T) {
	var attempts atomic.Int32
	failing := func(ctx context.Context, in string) (string, error) {
		attempts.Add(1)
		return "", errors.New("primary down")
	}

	// Retries exhaust first, then the fallback answers.
	wrapped := WithPolicies(failing, &RetryPolicy{MaxAttempts: 2, Backoff: time.Millisecond},
		time.Second, exclaim)
	out, err := wrapped(context.Background(), "rescue")
	require.NoError(t, err)
	assert.Equal(t, "rescue!", out)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestPoliciesInsidePlan(t *testing.T) {
	var attempts atomic.Int32
	flaky := func(ctx context.Context, in string) (string, error) {
		if attempts.Add(1) < 2 {
			return "", errors.New("transient")
		}
		return strings.ToUpper(in), nil
	}

	plan, err := NewPlan([]Node{
		NewNode("flaky", WithRetry(flaky, 3, time.Millisecond)),
	}, nil)
	require.NoError(t, err)

	outputs, err := NewRunner(nil).Execute(context.Background(), plan,
		map[NodeID]any{"flaky": "in"})
	require.NoError(t, err)
	assert.Equal(t, "IN", outputs["flaky"])
}
