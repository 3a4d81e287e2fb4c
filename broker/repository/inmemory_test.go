package repository

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unsinfra-organization/unsbroker/broker/model"
)

// =============================================================================
// CONNECTION CONFIGURATIONS
// =============================================================================

func TestConnectionConfigurationRoundTrip(t *testing.T) {
	repo := NewInMemoryConnectionConfigurations()
	ctx := context.Background()

	doc, _ := json.Marshal(map[string]any{"broker_url": "tcp://plant:1883", "qos": 1})
	now := time.Now().UTC().Truncate(time.Millisecond)
	cfg := &model.ConnectionConfiguration{
		ID:               "conn-1",
		Name:             "plant broker",
		ConnectionType:   "mqtt",
		ConnectionConfig: doc,
		Inputs:           []model.InputSpec{{ID: "in-1", Name: "sensors/#"}},
		Outputs:          []model.OutputSpec{{ID: "out-1", Name: "commands"}},
		IsEnabled:        true,
		AutoStart:        true,
		CreatedAt:        now,
		ModifiedAt:       now,
		Tags:             []string{"plant", "line1"},
		Metadata:         map[string]string{"owner": "ops"},
	}
	require.NoError(t, repo.Save(ctx, cfg))

	loaded, err := repo.GetByID(ctx, "conn-1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, cfg, loaded)

	// Stored row is not aliased: mutating the loaded copy changes nothing.
	loaded.Name = "mutated"
	again, err := repo.GetByID(ctx, "conn-1")
	require.NoError(t, err)
	assert.Equal(t, "plant broker", again.Name)
}

func TestGetAutoStartFiltersDisabledAndManual(t *testing.T) {
	repo := NewInMemoryConnectionConfigurations()
	ctx := context.Background()

	save := func(id string, enabled, auto bool) {
		require.NoError(t, repo.Save(ctx, &model.ConnectionConfiguration{
			ID: id, Name: id, ConnectionType: "mqtt", IsEnabled: enabled, AutoStart: auto,
		}))
	}
	save("auto", true, true)
	save("manual", true, false)
	save("disabled", false, true)

	autos, err := repo.GetAutoStart(ctx)
	require.NoError(t, err)
	require.Len(t, autos, 1)
	assert.Equal(t, "auto", autos[0].ID)
}

func TestGetByIDReturnsNilForUnknown(t *testing.T) {
	repo := NewInMemoryConnectionConfigurations()
	loaded, err := repo.GetByID(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

// =============================================================================
// HIERARCHY CONFIGURATIONS
// =============================================================================

func TestEnsureDefaultSeedsISA95Hierarchy(t *testing.T) {
	repo := NewInMemoryHierarchyConfigurations()
	ctx := context.Background()

	cfg, err := repo.EnsureDefault(ctx)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.True(t, cfg.IsActive)
	assert.True(t, cfg.IsSystemDefined)
	require.Len(t, cfg.Nodes, 5)
	assert.Equal(t, "Enterprise", cfg.Nodes[0].Name)
	assert.True(t, cfg.Nodes[0].IsRequired)
	assert.Equal(t, "WorkUnit", cfg.Nodes[4].Name)

	// Idempotent: the second call returns the same configuration.
	again, err := repo.EnsureDefault(ctx)
	require.NoError(t, err)
	assert.Equal(t, cfg.ID, again.ID)

	// Node chain: each level allows exactly the next one.
	roots := cfg.RootNodes()
	require.Len(t, roots, 1)
	children := cfg.ChildNodes(roots[0].ID)
	require.Len(t, children, 1)
	assert.Equal(t, "Site", children[0].Name)
}

func TestSystemDefinedHierarchyIsImmutable(t *testing.T) {
	repo := NewInMemoryHierarchyConfigurations()
	ctx := context.Background()

	cfg, err := repo.EnsureDefault(ctx)
	require.NoError(t, err)

	cfg.Name = "renamed"
	assert.Error(t, repo.Save(ctx, cfg))
}

// =============================================================================
// TOPIC CONFIGURATIONS
// =============================================================================

func TestTopicRepositoryKeepsOneRowPerTopic(t *testing.T) {
	repo := NewInMemoryTopicConfigurations()
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, &model.TopicConfiguration{Topic: "sensors/x"}))
	require.NoError(t, repo.Save(ctx, &model.TopicConfiguration{Topic: "sensors/x", IsVerified: true}))

	all, err := repo.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].IsVerified)
	assert.NotEmpty(t, all[0].ID)
}

func TestGetVerifiedTopics(t *testing.T) {
	repo := NewInMemoryTopicConfigurations()
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, &model.TopicConfiguration{Topic: "a", IsVerified: true}))
	require.NoError(t, repo.Save(ctx, &model.TopicConfiguration{Topic: "b"}))
	require.NoError(t, repo.Save(ctx, &model.TopicConfiguration{Topic: "c", IsVerified: true}))

	verified, err := repo.GetVerifiedTopics(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, verified)
}

func TestClearNamespaceAssignmentsMatchesPathAndDescendants(t *testing.T) {
	repo := NewInMemoryTopicConfigurations()
	ctx := context.Background()

	path := model.NewHierarchicalPath().Set("Enterprise", "E1")
	save := func(topic, nsPath string) {
		require.NoError(t, repo.Save(ctx, &model.TopicConfiguration{
			Topic: topic, NSPath: nsPath, Path: path,
		}))
	}
	save("t1", "E1/Site1/WC1/KPI")
	save("t2", "E1/Site1/WC1/KPI/Hourly")
	save("t3", "E1/Site1/WC1/KPIOther") // shares the prefix string but not the path boundary
	save("t4", "E1/Site1/WC2/KPI")

	cleared, err := repo.ClearNamespaceAssignments(ctx, []string{"e1/site1/wc1/kpi"})
	require.NoError(t, err)
	assert.Equal(t, 2, cleared)

	t1, _ := repo.GetByTopic(ctx, "t1")
	assert.Empty(t, t1.NSPath)
	assert.True(t, t1.Path.IsEmpty())
	t3, _ := repo.GetByTopic(ctx, "t3")
	assert.Equal(t, "E1/Site1/WC1/KPIOther", t3.NSPath)
	t4, _ := repo.GetByTopic(ctx, "t4")
	assert.NotEmpty(t, t4.NSPath)
}

// =============================================================================
// NS TREE INSTANCES
// =============================================================================

func TestNSTreeInstanceChildren(t *testing.T) {
	repo := NewInMemoryNSTreeInstances()
	ctx := context.Background()

	base := time.Now().UTC()
	save := func(id, parent string, offset time.Duration) {
		require.NoError(t, repo.Save(ctx, &model.NSTreeInstance{
			ID: id, Name: id, ParentInstanceID: parent, CreatedAt: base.Add(offset),
		}))
	}
	save("root", "", 0)
	save("child-b", "root", 2*time.Second)
	save("child-a", "root", time.Second)

	roots, err := repo.GetChildren(ctx, "")
	require.NoError(t, err)
	require.Len(t, roots, 1)
	assert.Equal(t, "root", roots[0].ID)

	children, err := repo.GetChildren(ctx, "root")
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, "child-a", children[0].ID) // creation order
}
