package sapgate

import (
	"context"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func endpointsOf(subs []Subscription) []string {
	out := make([]string, 0, len(subs))
	for _, s := range subs {
		out = append(out, s.Endpoint)
	}
	sort.Strings(out)
	return out
}

func TestSubscriptionStores(t *testing.T) {
	stores := map[string]func(t *testing.T) SubscriptionStore{
		"memory": func(t *testing.T) SubscriptionStore { return newMemoryStore() },
		"leveldb": func(t *testing.T) SubscriptionStore {
			s, err := openLevelStore(filepath.Join(t.TempDir(), "push"))
			require.NoError(t, err)
			return s
		},
	}

	for name, open := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := open(t)
			defer store.Close()

			t.Run("add is unique by endpoint", func(t *testing.T) {
				added, err := store.Add(ctx, testSubscription("https://push.example/a"))
				require.NoError(t, err)
				assert.True(t, added)

				dup := testSubscription("https://push.example/a")
				dup.Keys.Auth = "other"
				added, err = store.Add(ctx, dup)
				require.NoError(t, err)
				assert.False(t, added)

				added, err = store.Add(ctx, testSubscription("https://push.example/b"))
				require.NoError(t, err)
				assert.True(t, added)

				subs, err := store.List(ctx)
				require.NoError(t, err)
				assert.Equal(t, []string{"https://push.example/a", "https://push.example/b"}, endpointsOf(subs))
			})

			t.Run("list keeps the first subscription", func(t *testing.T) {
				subs, err := store.List(ctx)
				require.NoError(t, err)
				for _, s := range subs {
					assert.Equal(t, testSubscription(s.Endpoint).Keys, s.Keys)
				}
			})

			t.Run("remove counts only existing endpoints", func(t *testing.T) {
				n, err := store.Remove(ctx, "https://push.example/a", "https://push.example/a", "https://push.example/missing")
				require.NoError(t, err)
				assert.Equal(t, 1, n)

				subs, err := store.List(ctx)
				require.NoError(t, err)
				assert.Equal(t, []string{"https://push.example/b"}, endpointsOf(subs))
			})

			t.Run("remove of nothing", func(t *testing.T) {
				n, err := store.Remove(ctx)
				require.NoError(t, err)
				assert.Zero(t, n)
			})
		})
	}
}

func TestLevelStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "push")

	s, err := OpenSubscriptionStore(PushConfig{Store: "leveldb", Path: path})
	require.NoError(t, err)
	_, err = s.Add(ctx, testSubscription("https://push.example/persisted"))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "second close is harmless")

	s, err = OpenSubscriptionStore(PushConfig{Store: "leveldb", Path: path})
	require.NoError(t, err)
	defer s.Close()

	subs, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, testSubscription("https://push.example/persisted"), subs[0])
}

func TestOpenSubscriptionStore_Unknown(t *testing.T) {
	_, err := OpenSubscriptionStore(PushConfig{Store: "redis"})
	assert.Error(t, err)
}
