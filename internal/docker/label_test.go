package docker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRunLabels() RunLabels {
	return RunLabels{
		RunID:     "0d4c7a52-5b7e-4f4e-9a53-7f0c1b7d2e11",
		Pipeline:  "bindings",
		Workspace: "/home/ci/pych",
		CreatedAt: time.Date(2026, 2, 28, 10, 0, 0, 0, time.UTC),
	}
}

func TestBuildLabels(t *testing.T) {
	labels := BuildLabels(testRunLabels())

	assert.Equal(t, "bindci", labels["bindci.managed-by"])
	assert.Equal(t, "0d4c7a52-5b7e-4f4e-9a53-7f0c1b7d2e11", labels["bindci.run-id"])
	assert.Equal(t, "bindings", labels["bindci.pipeline"])
	assert.Equal(t, "/home/ci/pych", labels["bindci.workspace"])
	assert.Equal(t, "2026-02-28T10:00:00Z", labels["bindci.created-at"])
	assert.Len(t, labels, 5)
}

// TestBuildLabels_CreatedAtIsUTC verifies a local timestamp is written
// in UTC so labels compare equal across hosts.
func TestBuildLabels_CreatedAtIsUTC(t *testing.T) {
	r := testRunLabels()
	r.CreatedAt = time.Date(2026, 2, 28, 19, 0, 0, 0, time.FixedZone("JST", 9*60*60))

	assert.Equal(t, "2026-02-28T10:00:00Z", BuildLabels(r)[LabelCreatedAt])
}

func TestParseLabels_RoundTrip(t *testing.T) {
	want := testRunLabels()

	got, err := ParseLabels(BuildLabels(want))
	require.NoError(t, err)
	assert.Equal(t, want.RunID, got.RunID)
	assert.Equal(t, want.Pipeline, got.Pipeline)
	assert.Equal(t, want.Workspace, got.Workspace)
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt))
}

func TestParseLabels_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(map[string]string)
		wantMsg string
	}{
		{
			name:    "missing labels are all listed",
			mutate:  func(l map[string]string) { delete(l, LabelRunID); delete(l, LabelWorkspace) },
			wantMsg: "bindci.run-id, bindci.workspace",
		},
		{
			name:    "foreign managed-by",
			mutate:  func(l map[string]string) { l[LabelManagedBy] = "devcontainer-cli" },
			wantMsg: "unexpected value",
		},
		{
			name:    "bad timestamp",
			mutate:  func(l map[string]string) { l[LabelCreatedAt] = "yesterday" },
			wantMsg: "invalid label bindci.created-at",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			labels := BuildLabels(testRunLabels())
			tt.mutate(labels)

			_, err := ParseLabels(labels)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestFilterLabels(t *testing.T) {
	assert.Equal(t, map[string]string{"bindci.managed-by": "bindci"}, FilterLabels())
}

func TestContainerName(t *testing.T) {
	assert.Equal(t, "bindci-0d4c7a52", ContainerName("0d4c7a52-5b7e-4f4e-9a53-7f0c1b7d2e11"))
	assert.Equal(t, "bindci-abc", ContainerName("abc"))
}
