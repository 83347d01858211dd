package attachment

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreSetAssignsIDsInInsertionOrder(t *testing.T) {
	s := NewStore(0)
	first := s.Set(TypeYAML, "Pod", "web-1", "", "default", "kind: Pod", nil)
	second := s.Set(TypeLog, "Pod", "web-1", "", "default", "log line", nil)

	require.NotEqual(t, first, second)
	list := s.ToOutgoingList()
	require.Len(t, list, 2)
	assert.Equal(t, first, list[0].ID)
	assert.Equal(t, second, list[1].ID)
}

func TestStoreSetUpsertsSameResource(t *testing.T) {
	s := NewStore(0)
	id := s.Set(TypeYAML, "Pod", "web-1", "", "default", "v1", nil)
	again := s.Set(TypeYAML, "Pod", "web-1", "", "default", "v2", nil)

	assert.Equal(t, id, again)
	assert.Equal(t, 1, s.Len())
	a, ok := s.Get(id)
	require.True(t, ok)
	assert.Equal(t, "v2", a.Value)
}

func TestStoreTracksEdits(t *testing.T) {
	s := NewStore(0)
	orig := "replicas: 1"
	id := s.Set(TypeYAML, "Deployment", "api", "", "prod", "replicas: 3", &orig)

	a, _ := s.Get(id)
	assert.True(t, a.IsChanged())

	s.Set(TypeYAML, "Deployment", "api", "", "prod", "replicas: 1", &orig)
	a, _ = s.Get(id)
	assert.False(t, a.IsChanged())
	assert.Nil(t, a.OriginalValue)
}

func TestToOutgoingListStripsOriginalValue(t *testing.T) {
	s := NewStore(0)
	orig := "old"
	s.Set(TypeYAML, "Pod", "p", "", "ns", "new", &orig)

	list := s.ToOutgoingList()
	require.Len(t, list, 1)
	assert.Nil(t, list[0].OriginalValue)

	raw, err := json.Marshal(Snapshot(list))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "originalValue")

	// the pending entry still remembers the edit
	pending := s.List()
	require.NotNil(t, pending[0].OriginalValue)
}

func TestDeleteAndClear(t *testing.T) {
	s := NewStore(0)
	a := s.Set(TypeYAML, "Pod", "a", "", "ns", "x", nil)
	b := s.Set(TypeYAML, "Pod", "b", "", "ns", "y", nil)

	s.Delete("missing")
	assert.Equal(t, 2, s.Len())

	s.Delete(a)
	list := s.ToOutgoingList()
	require.Len(t, list, 1)
	assert.Equal(t, b, list[0].ID)

	// deleted key can be attached again with a fresh id
	c := s.Set(TypeYAML, "Pod", "a", "", "ns", "x", nil)
	assert.NotEqual(t, a, c)

	s.Clear()
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, 0, s.TotalSize())
}

func TestSizeWarningThreshold(t *testing.T) {
	s := NewStore(0)
	s.Set(TypeLog, "Pod", "a", "", "ns", strings.Repeat("a", 600000), nil)
	big := s.Set(TypeLog, "Pod", "b", "", "ns", strings.Repeat("a", 500000), nil)

	assert.Equal(t, 1100000, s.TotalSize())
	assert.True(t, s.ExceedsSizeLimit())

	s.Delete(big)
	assert.False(t, s.ExceedsSizeLimit())
}

func TestSizeCountsCharactersNotBytes(t *testing.T) {
	s := NewStore(0)
	s.Set(TypeLog, "Pod", "a", "", "ns", strings.Repeat("é", 600000), nil)

	assert.Equal(t, 600000, s.TotalSize())
	assert.False(t, s.ExceedsSizeLimit())

	s.Set(TypeLog, "Pod", "b", "", "ns", strings.Repeat("日", 400001), nil)
	assert.Equal(t, 1000001, s.TotalSize())
	assert.True(t, s.ExceedsSizeLimit())
}

func TestTypeValid(t *testing.T) {
	assert.True(t, TypeYAMLFiltered.Valid())
	assert.False(t, Type("Secret").Valid())
}
