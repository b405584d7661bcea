package tbus

// State is a serializable description of what a bus's registry knows: its
// queue, its registered tasks, and its event subscriptions. The webhook
// transport exposes it so an external dispatcher can route work.
type State struct {
	Queue  string       `json:"queue"`
	Tasks  []string     `json:"tasks"`
	Events []StateEvent `json:"events"`
}

// StateEvent is one event subscription: the event name and the tasks fanned
// out from it.
type StateEvent struct {
	EventName string   `json:"event_name"`
	TaskNames []string `json:"task_names"`
}
