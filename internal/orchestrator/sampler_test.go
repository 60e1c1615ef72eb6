package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrollEnv(items *atomic.Int32, perScroll int32) *fakeBrowser {
	return &fakeBrowser{
		evalFn: func(expr string) (any, error) {
			switch {
			case strings.Contains(expr, "scrollBy"):
				items.Add(perScroll)

				return true, nil
			case strings.Contains(expr, "itemList"):
				n := items.Load()
				parts := make([]string, 0, n)
				for i := int32(0); i < n; i++ {
					parts = append(parts, fmt.Sprintf(`{"id":"%d"}`, i+1))
				}

				return `{"itemList":[` + strings.Join(parts, ",") + `]}`, nil
			default:
				return nil, nil
			}
		},
	}
}

func TestScrollSamplerStopsAtCount(t *testing.T) {
	var items atomic.Int32
	items.Store(1)
	b := scrollEnv(&items, 2)

	s := &ScrollSampler{
		TargetHost:  testHost,
		Path:        "/foryou",
		CollectExpr: `JSON.stringify({itemList: []})`,
		MaxScrolls:  10,
		ScrollWait:  time.Millisecond,
	}

	raw, err := s.Run(context.Background(), b, 3)
	require.NoError(t, err)

	var capture struct {
		ItemList []json.RawMessage `json:"itemList"`
	}
	require.NoError(t, json.Unmarshal(raw, &capture))
	assert.GreaterOrEqual(t, len(capture.ItemList), 3)

	assert.Equal(t, []string{"https://" + testHost + "/foryou"}, b.navigated)
}

func TestScrollSamplerBoundedBudgetReturnsPartial(t *testing.T) {
	var items atomic.Int32
	items.Store(1)
	b := scrollEnv(&items, 0) // page never yields more items

	s := &ScrollSampler{
		TargetHost:  testHost,
		Path:        "/foryou",
		CollectExpr: `JSON.stringify({itemList: []})`,
		MaxScrolls:  3,
		ScrollWait:  time.Millisecond,
	}

	raw, err := s.Run(context.Background(), b, 50)
	require.NoError(t, err, "exhausting the scroll budget is not an error")

	var capture struct {
		ItemList []json.RawMessage `json:"itemList"`
	}
	require.NoError(t, json.Unmarshal(raw, &capture))
	assert.Len(t, capture.ItemList, 1)
}

func TestDefaultSamplersTargetHost(t *testing.T) {
	feed := NewFeedSampler(testHost)
	assert.Equal(t, "/foryou", feed.Path)
	assert.Equal(t, testHost, feed.TargetHost)

	history := NewHistorySampler(testHost)
	assert.Equal(t, "/history", history.Path)
}

func TestRegisterModules(t *testing.T) {
	RegisterModule("test-module", &fakeModule{})
	t.Cleanup(func() {
		moduleRegistryMu.Lock()
		delete(moduleRegistry, "test-module")
		moduleRegistryMu.Unlock()
	})

	mods := RegisteredModules()
	assert.Contains(t, mods, "test-module")

	// The returned map is a copy; mutating it must not touch the registry.
	delete(mods, "test-module")
	assert.Contains(t, RegisteredModules(), "test-module")
}
