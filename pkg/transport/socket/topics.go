package socket

import "github.com/snowbridge/snowbridge/pkg/types"

// Predefined topics. Clients may only subscribe to names in this set.
const (
	TopicSystemHealth  = "system.health"
	TopicTasksAll      = "tasks.all"
	TopicTasksCritical = "tasks.critical"
	TopicTasksUpdates  = "tasks.updates"
	TopicSLABreaches   = "sla.breaches"
	TopicUpstreamAll   = "servicenow.all"
	TopicIncidents     = "servicenow.incidents"
	TopicChangeTasks   = "servicenow.change_tasks"
	TopicSCTasks       = "servicenow.sc_tasks"
)

// Topics lists every subscribable topic, in the order advertised to clients.
var Topics = []string{
	TopicSystemHealth,
	TopicTasksAll,
	TopicTasksCritical,
	TopicTasksUpdates,
	TopicSLABreaches,
	TopicUpstreamAll,
	TopicIncidents,
	TopicChangeTasks,
	TopicSCTasks,
}

var validTopics = func() map[string]bool {
	m := make(map[string]bool, len(Topics))
	for _, t := range Topics {
		m[t] = true
	}
	return m
}()

// ValidTopic reports whether name is subscribable.
func ValidTopic(name string) bool { return validTopics[name] }

// TopicsFor maps a notification to the topics it is published on. Task
// notifications additionally route by priority.
func TopicsFor(n *types.Notification) []string {
	var topics []string
	switch n.Type {
	case types.NotifySystemHealth:
		topics = append(topics, TopicSystemHealth)
	case types.NotifySLABreach:
		topics = append(topics, TopicSLABreaches, TopicUpstreamAll)
	case types.NotifyTaskCreated, types.NotifyTaskUpdated, types.NotifyTaskProgress, types.NotifyTaskCritical:
		topics = append(topics, TopicTasksAll, TopicUpstreamAll)
		if n.Type == types.NotifyTaskUpdated || n.Type == types.NotifyTaskProgress {
			topics = append(topics, TopicTasksUpdates)
		}
		if n.Type == types.NotifyTaskCritical || n.Priority == types.PriorityCritical {
			topics = append(topics, TopicTasksCritical)
		}
	}
	switch types.Table(n.Data["table"]) {
	case types.TableIncident:
		topics = append(topics, TopicIncidents)
	case types.TableChangeTask:
		topics = append(topics, TopicChangeTasks)
	case types.TableSCTask:
		topics = append(topics, TopicSCTasks)
	}
	return topics
}

// Filter narrows what a subscribed client receives. Any populated field
// must contain the notification's value.
type Filter struct {
	Priorities []types.NotificationPriority `json:"priorities,omitempty"`
	Types      []types.NotificationType     `json:"types,omitempty"`
	Sources    []string                     `json:"sources,omitempty"`
}

// Matches applies the filter to one notification.
func (f *Filter) Matches(n *types.Notification) bool {
	if f == nil {
		return true
	}
	if len(f.Priorities) > 0 && !containsPriority(f.Priorities, n.Priority) {
		return false
	}
	if len(f.Types) > 0 && !containsType(f.Types, n.Type) {
		return false
	}
	if len(f.Sources) > 0 && !containsString(f.Sources, n.Source) {
		return false
	}
	return true
}

func containsPriority(list []types.NotificationPriority, p types.NotificationPriority) bool {
	for _, v := range list {
		if v == p {
			return true
		}
	}
	return false
}

func containsType(list []types.NotificationType, t types.NotificationType) bool {
	for _, v := range list {
		if v == t {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
