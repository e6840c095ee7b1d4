package grouper

import (
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"example.com/journey/internal/domain"
)

func event(id string, values ...string) domain.Event {
	return domain.Event{ID: id, CorrelationValues: values, State: domain.EventStateNew}
}

func TestGroupBridgesTransitively(t *testing.T) {
	// e1 and e3 share no key but are linked through e2.
	components := Group([]domain.Event{
		event("e1", "K1"),
		event("e2", "K1", "K2"),
		event("e3", "K2"),
	})

	require.Len(t, components, 1)
	require.ElementsMatch(t, []string{"e1", "e2", "e3"}, components[0].EventIDs())
	require.Equal(t, []string{"K1", "K2"}, components[0].CorrelationValues)
}

func TestGroupKeepsUnrelatedEventsApart(t *testing.T) {
	components := Group([]domain.Event{
		event("e1", "K1"),
		event("e2", "K2"),
		event("e3", "K3", "K4"),
	})

	require.Len(t, components, 3)
	for _, comp := range components {
		require.Len(t, comp.Events, 1)
	}
}

func TestGroupSingletonComponent(t *testing.T) {
	components := Group([]domain.Event{event("e1", "only-key")})

	require.Len(t, components, 1)
	require.Equal(t, []string{"e1"}, components[0].EventIDs())
	require.Equal(t, []string{"only-key"}, components[0].CorrelationValues)
}

func TestGroupEmptyBatch(t *testing.T) {
	require.Empty(t, Group(nil))
}

func TestGroupMultiKeyEventJoinsClusters(t *testing.T) {
	components := Group([]domain.Event{
		event("a1", "K1"),
		event("a2", "K1"),
		event("b1", "K2"),
		event("bridge", "K1", "K2", "K3"),
	})

	require.Len(t, components, 1)
	require.ElementsMatch(t, []string{"a1", "a2", "b1", "bridge"}, components[0].EventIDs())
	require.Equal(t, []string{"K1", "K2", "K3"}, components[0].CorrelationValues)
}

// TestGroupIsOrderIndependent checks that the partition does not depend on
// the order events appear in the batch.
func TestGroupIsOrderIndependent(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		eventCount := rapid.IntRange(1, 30).Draw(rt, "eventCount")
		keySpace := rapid.IntRange(1, 12).Draw(rt, "keySpace")

		events := make([]domain.Event, eventCount)
		for i := range events {
			keyCount := rapid.IntRange(1, min(3, keySpace)).Draw(rt, "keyCount")
			seen := map[string]bool{}
			var values []string
			for len(values) < keyCount {
				key := fmt.Sprintf("K%d", rapid.IntRange(0, keySpace-1).Draw(rt, "key"))
				if !seen[key] {
					seen[key] = true
					values = append(values, key)
				}
			}
			events[i] = event(fmt.Sprintf("e%d", i), values...)
		}

		expected := partition(Group(events))

		shuffled := make([]domain.Event, eventCount)
		copy(shuffled, events)
		for i := range shuffled {
			j := rapid.IntRange(0, eventCount-1).Draw(rt, "swap")
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		}

		require.Equal(rt, expected, partition(Group(shuffled)))
	})
}

// partition normalizes components into sorted event-id groups for comparison.
func partition(components []Component) [][]string {
	out := make([][]string, 0, len(components))
	for _, comp := range components {
		ids := comp.EventIDs()
		sort.Strings(ids)
		out = append(out, ids)
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}
