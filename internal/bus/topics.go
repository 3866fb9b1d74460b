package bus

import "fmt"

// Scope-qualified topic prefixes let a subscriber ask for "everything for
// project X" or "everything for pipeline Y" without the publisher needing to
// know which scope a given subscriber cares about: every event is published
// twice, once under each prefix, and Subscribe's prefix matching (see
// bus.go) does the filtering.
const (
	projectPrefix  = "project."
	pipelinePrefix = "pipeline."
)

// ProjectTopic returns the scope-qualified topic prefix for a project id.
func ProjectTopic(projectID string) string {
	return fmt.Sprintf("%s%s.", projectPrefix, projectID)
}

// PipelineTopic returns the scope-qualified topic prefix for a pipeline id.
func PipelineTopic(pipelineID string) string {
	return fmt.Sprintf("%s%s.", pipelinePrefix, pipelineID)
}

// ScopedTopic namespaces a bare event topic (e.g. TopicStageUpdated) under a
// scope prefix (e.g. PipelineTopic(id)) so BroadcastToPipeline/Project can
// be implemented as ordinary Publish calls under Subscribe's prefix match.
func ScopedTopic(scopePrefix, topic string) string {
	return scopePrefix + topic
}
