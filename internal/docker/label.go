package docker

import (
	"fmt"
	"strings"
	"time"
)

// Label keys recorded on every build container. The labels are the only
// record bindci keeps of a container, which lets `bindci clean` find
// containers left behind by a run that was killed before it could remove
// them.
const (
	// LabelPrefix namespaces bindci's labels.
	LabelPrefix = "bindci."

	// LabelManagedBy marks containers created by bindci. It is the label
	// used for discovery; its value is always ManagedByValue.
	LabelManagedBy = LabelPrefix + "managed-by"

	// LabelRunID is the run the container was created for.
	LabelRunID = LabelPrefix + "run-id"

	// LabelPipeline is the name of the pipeline being run.
	LabelPipeline = LabelPrefix + "pipeline"

	// LabelWorkspace is the absolute host path bind-mounted into the container.
	LabelWorkspace = LabelPrefix + "workspace"

	// LabelCreatedAt is the RFC3339 creation time in UTC.
	LabelCreatedAt = LabelPrefix + "created-at"
)

// ManagedByValue is the value of LabelManagedBy.
const ManagedByValue = "bindci"

// RunLabels is the metadata stored on a build container.
type RunLabels struct {
	RunID     string
	Pipeline  string
	Workspace string
	CreatedAt time.Time
}

// BuildLabels returns the label map for a build container.
func BuildLabels(r RunLabels) map[string]string {
	return map[string]string{
		LabelManagedBy: ManagedByValue,
		LabelRunID:     r.RunID,
		LabelPipeline:  r.Pipeline,
		LabelWorkspace: r.Workspace,
		LabelCreatedAt: r.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// ParseLabels is the inverse of BuildLabels. Every missing label is listed
// in the error, not just the first one.
func ParseLabels(labels map[string]string) (*RunLabels, error) {
	required := []string{LabelManagedBy, LabelRunID, LabelPipeline, LabelWorkspace, LabelCreatedAt}

	var missing []string
	for _, key := range required {
		if _, ok := labels[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required Docker labels: %s", strings.Join(missing, ", "))
	}

	if labels[LabelManagedBy] != ManagedByValue {
		return nil, fmt.Errorf("label %s has unexpected value %q (expected %q)",
			LabelManagedBy, labels[LabelManagedBy], ManagedByValue)
	}

	createdAt, err := time.Parse(time.RFC3339, labels[LabelCreatedAt])
	if err != nil {
		return nil, fmt.Errorf("invalid label %s: %w", LabelCreatedAt, err)
	}

	return &RunLabels{
		RunID:     labels[LabelRunID],
		Pipeline:  labels[LabelPipeline],
		Workspace: labels[LabelWorkspace],
		CreatedAt: createdAt,
	}, nil
}

// FilterLabels returns the label selector matching bindci containers.
func FilterLabels() map[string]string {
	return map[string]string{LabelManagedBy: ManagedByValue}
}

// ContainerName derives the build container name from a run ID.
func ContainerName(runID string) string {
	short := runID
	if len(short) > 8 {
		short = short[:8]
	}
	return "bindci-" + short
}
