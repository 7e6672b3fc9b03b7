// Package events names the event types and subjects published on the bus.
package events

// Event types
const (
	AgentOutput = "agent.output"
	AgentStatus = "agent.status"
	TaskUpdated = "task.updated"
)

// AgentOutputSubject is the subject carrying output lines for one task.
func AgentOutputSubject(taskID string) string { return AgentOutput + "." + taskID }

// AgentStatusSubject is the subject carrying process status changes for one task.
func AgentStatusSubject(taskID string) string { return AgentStatus + "." + taskID }

// TaskUpdatedSubject is the subject carrying task record changes for one task.
func TaskUpdatedSubject(taskID string) string { return TaskUpdated + "." + taskID }

// TaskSubjects returns the subjects a live viewer of one task subscribes to.
func TaskSubjects(taskID string) []string {
	return []string{AgentOutputSubject(taskID), AgentStatusSubject(taskID), TaskUpdatedSubject(taskID)}
}
