package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryManagerLookup(t *testing.T) {
	a := &App{ID: "app1", Key: "key1", Secret: "sek", Enabled: true, Limits: Limits{MaxConnections: 100}}
	m := NewMemoryManager(a)

	got, ok, err := m.FindByID(context.Background(), "app1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, a, got)

	got, ok, err = m.FindByKey(context.Background(), "key1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, a, got)

	_, ok, err = m.FindByID(context.Background(), "missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryManagerGetAppsAndRemove(t *testing.T) {
	m := NewMemoryManager(
		&App{ID: "a1", Key: "k1"},
		&App{ID: "a2", Key: "k2"},
	)
	apps, err := m.GetApps(context.Background())
	require.NoError(t, err)
	require.Len(t, apps, 2)

	m.Remove("a1")
	apps, err = m.GetApps(context.Background())
	require.NoError(t, err)
	require.Len(t, apps, 1)

	_, ok, _ := m.FindByKey(context.Background(), "k1")
	require.False(t, ok)
}

func TestMemoryManagerCheckHealth(t *testing.T) {
	m := NewMemoryManager()
	require.NoError(t, m.CheckHealth(context.Background()))
}
